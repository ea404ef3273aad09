package dreamer

import (
	"fmt"
	"math"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// ProtoBank is the self-supervised clustering auxiliary: a set of
// learned prototype vectors that embedding projections are softly
// assigned to, trained with a swapped-prediction objective between the
// current projection and the slow/EMA projection of an augmented view.
type ProtoBank struct {
	params *nets.Params
	protos *autodiff.Node // [num, dim], one prototype per row

	dim, num   int
	temp       float64
	normalizer string
	iters      int
}

// NewProtoBank registers `num` prototypes of width `dim`.
func NewProtoBank(dim, num int, cfg domain.AugConfig, key autodiff.Key) (*ProtoBank, error) {
	switch cfg.Normalizer {
	case "sinkhorn", "softmax":
	default:
		return nil, fmt.Errorf("%w: proto normalizer %q", domain.ErrNotImplemented, cfg.Normalizer)
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.1
	}
	iters := cfg.SinkhornIters
	if iters <= 0 {
		iters = 3
	}
	b := &ProtoBank{
		params:     nets.NewParams("proto"),
		dim:        dim,
		num:        num,
		temp:       temp,
		normalizer: cfg.Normalizer,
		iters:      iters,
	}
	rng := key.Source()
	data := make([]float64, num*dim)
	scale := 1 / math.Sqrt(float64(dim))
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	b.protos = b.params.Register("prototypes", autodiff.New(num, dim, data))
	return b, nil
}

// Params exposes the owned parameter container.
func (b *ProtoBank) Params() *nets.Params { return b.params }

// Prototypes returns the typed reference to the prototype matrix,
// handed to the optimizer for early-training freezing.
func (b *ProtoBank) Prototypes() *autodiff.Node { return b.protos }

// Loss computes the swapped-prediction clustering loss between the
// current projection and the detached EMA projection, both [n, dim].
func (b *ProtoBank) Loss(cur, ema *autodiff.Node) *autodiff.Node {
	if cur.Cols != b.dim || ema.Cols != b.dim || cur.Rows != ema.Rows {
		panic(fmt.Sprintf("dreamer: proto projections %dx%d and %dx%d for dim %d", cur.Rows, cur.Cols, ema.Rows, ema.Cols, b.dim))
	}
	protos := l2NormRows(b.protos)
	scores := autodiff.Scale(autodiff.MatMul(l2NormRows(cur), autodiff.Transpose(protos)), 1/b.temp)
	targets := b.assign(ema, protos)
	logp := autodiff.LogSoftmax(scores, b.num)
	return autodiff.Neg(autodiff.MeanAll(autodiff.SumCols(autodiff.Mul(targets, logp))))
}

// assign computes the soft target assignment of the EMA view. The
// target side carries no gradient.
func (b *ProtoBank) assign(ema, protos *autodiff.Node) *autodiff.Node {
	z := l2NormRows(autodiff.Detach(ema))
	scores := autodiff.MatMul(z, autodiff.Transpose(autodiff.Detach(protos)))
	n := scores.Rows
	data := append([]float64(nil), scores.Data...)
	switch b.normalizer {
	case "softmax":
		softmaxRows(data, n, b.num, 1/b.temp)
	case "sinkhorn":
		sinkhorn(data, n, b.num, b.iters)
	}
	return autodiff.New(n, b.num, data)
}

// l2NormRows normalizes each row to unit length, differentiably.
func l2NormRows(x *autodiff.Node) *autodiff.Node {
	inv := autodiff.Pow(autodiff.AddConst(autodiff.SumCols(autodiff.Square(x)), 1e-12), -0.5)
	return autodiff.MulRows(x, inv)
}

func softmaxRows(data []float64, rows, cols int, invTemp float64) {
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		maxVal := row[0] * invTemp
		for i := range row {
			row[i] *= invTemp
			if row[i] > maxVal {
				maxVal = row[i]
			}
		}
		var sum float64
		for i := range row {
			row[i] = math.Exp(row[i] - maxVal)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

// sinkhorn runs the entropic assignment iterations of SwAV: alternate
// prototype-column and example-row normalization so every prototype
// receives an equal share of the batch.
func sinkhorn(data []float64, rows, cols, iters int) {
	for i, v := range data {
		data[i] = math.Exp(v / 0.05)
	}
	for it := 0; it < iters; it++ {
		for c := 0; c < cols; c++ {
			var sum float64
			for r := 0; r < rows; r++ {
				sum += data[r*cols+c]
			}
			if sum > 0 {
				for r := 0; r < rows; r++ {
					data[r*cols+c] /= sum * float64(cols)
				}
			}
		}
		for r := 0; r < rows; r++ {
			var sum float64
			for c := 0; c < cols; c++ {
				sum += data[r*cols+c]
			}
			if sum > 0 {
				for c := 0; c < cols; c++ {
					data[r*cols+c] /= sum
				}
			}
		}
	}
}
