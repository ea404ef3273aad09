package dreamer

import (
	"math"
	"testing"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
)

func protoTestConfig(normalizer string) domain.AugConfig {
	return domain.AugConfig{
		SwAV: true, Proto: 8, Prototypes: 6,
		Normalizer: normalizer, SinkhornIters: 3, Temperature: 0.1,
	}
}

func TestProtoBankUnknownNormalizer(t *testing.T) {
	_, err := NewProtoBank(8, 6, protoTestConfig("kmeans"), autodiff.NewKey(1))
	if err == nil {
		t.Fatalf("unknown normalizer did not fail")
	}
}

func TestProtoBankTargetsAreDistributions(t *testing.T) {
	for _, normalizer := range []string{"softmax", "sinkhorn"} {
		t.Run(normalizer, func(t *testing.T) {
			b, err := NewProtoBank(8, 6, protoTestConfig(normalizer), autodiff.NewKey(2))
			if err != nil {
				t.Fatalf("NewProtoBank: %v", err)
			}
			rng := autodiff.NewKey(3).Source()
			data := make([]float64, 5*8)
			for i := range data {
				data[i] = rng.NormFloat64()
			}
			ema := autodiff.New(5, 8, data)
			targets := b.assign(ema, l2NormRows(b.protos))
			for r := 0; r < 5; r++ {
				var sum float64
				for c := 0; c < 6; c++ {
					v := targets.Data[r*6+c]
					if v < 0 {
						t.Fatalf("negative target weight %v", v)
					}
					sum += v
				}
				if math.Abs(sum-1) > 1e-9 {
					t.Fatalf("row %d sums to %v, want 1", r, sum)
				}
			}
		})
	}
}

func TestProtoBankLoss(t *testing.T) {
	b, err := NewProtoBank(8, 6, protoTestConfig("sinkhorn"), autodiff.NewKey(4))
	if err != nil {
		t.Fatalf("NewProtoBank: %v", err)
	}
	rng := autodiff.NewKey(5).Source()
	mk := func() *autodiff.Node {
		data := make([]float64, 4*8)
		for i := range data {
			data[i] = rng.NormFloat64()
		}
		return autodiff.New(4, 8, data)
	}
	cur, ema := mk(), mk()
	loss := b.Loss(cur, ema)
	if loss.Rows != 1 || loss.Cols != 1 {
		t.Fatalf("loss shape %dx%d, want scalar", loss.Rows, loss.Cols)
	}
	if v := loss.Value(); math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		t.Fatalf("loss = %v, want a finite cross entropy", v)
	}

	// The swap loss trains the current view and the prototypes; the
	// EMA side is a fixed target.
	autodiff.Backward(loss)
	someCur, someEma := false, false
	for _, g := range cur.Grad {
		if g != 0 {
			someCur = true
		}
	}
	for _, g := range ema.Grad {
		if g != 0 {
			someEma = true
		}
	}
	if !someCur {
		t.Errorf("no gradient reached the current projection")
	}
	if someEma {
		t.Errorf("gradient leaked into the EMA projection")
	}
	someProto := false
	for _, g := range b.Prototypes().Grad {
		if g != 0 {
			someProto = true
		}
	}
	if !someProto {
		t.Errorf("no gradient reached the prototypes")
	}
}
