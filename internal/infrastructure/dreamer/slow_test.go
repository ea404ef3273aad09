package dreamer

import (
	"math"
	"testing"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

func slowTestPair(val float64) (*nets.Params, *nets.Params) {
	src := nets.NewParams("src")
	src.Register("w", autodiff.Full(1, 2, val))
	dst := nets.NewParams("dst")
	dst.Register("w", autodiff.Zeros(1, 2))
	return src, dst
}

func TestSlowUpdaterFirstCallCopies(t *testing.T) {
	src, dst := slowTestPair(5)
	u := NewSlowUpdater(src, dst, 0.01, 10)
	u.Update()
	if got := dst.Node("dst/w").Data[0]; got != 5 {
		t.Fatalf("first update copied %v, want full copy of 5", got)
	}
}

func TestSlowUpdaterPeriodAndFraction(t *testing.T) {
	src, dst := slowTestPair(10)
	u := NewSlowUpdater(src, dst, 0.5, 3)
	u.Update() // full copy at 10
	for i := range src.Node("src/w").Data {
		src.Node("src/w").Data[i] = 20
	}

	// Off-period calls leave the target unchanged.
	u.Update()
	u.Update()
	if got := dst.Node("dst/w").Data[0]; got != 10 {
		t.Fatalf("off-period update changed target to %v", got)
	}

	// The periodic call blends by the fraction: 10 + 0.5*(20-10).
	u.Update()
	if got := dst.Node("dst/w").Data[0]; math.Abs(got-15) > 1e-12 {
		t.Fatalf("periodic update = %v, want 15", got)
	}
}

func TestSlowUpdaterCounterRoundTrip(t *testing.T) {
	src, dst := slowTestPair(1)
	u := NewSlowUpdater(src, dst, 0.5, 4)
	for i := 0; i < 6; i++ {
		u.Update()
	}
	n := u.Updates()

	src2, dst2 := slowTestPair(1)
	u2 := NewSlowUpdater(src2, dst2, 0.5, 4)
	u2.SetUpdates(n)
	if u2.Updates() != n {
		t.Errorf("Updates = %d, want %d", u2.Updates(), n)
	}
}
