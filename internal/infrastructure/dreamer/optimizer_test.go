package dreamer

import (
	"math"
	"testing"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

func quadParams(vals ...float64) *nets.Params {
	p := nets.NewParams("quad")
	p.Register("x/kernel", autodiff.New(1, len(vals), append([]float64(nil), vals...)))
	return p
}

func quadLoss(p *nets.Params) func() (*autodiff.Node, error) {
	return func() (*autodiff.Node, error) {
		x := p.Node("quad/x/kernel")
		return autodiff.SumAll(autodiff.Square(x)), nil
	}
}

func TestOptimizerReducesQuadratic(t *testing.T) {
	p := quadParams(3, -2)
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.1, Eps: 1e-8, Clip: 100}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	first := math.NaN()
	var last float64
	for i := 0; i < 200; i++ {
		m, err := opt.Step(p, quadLoss(p))
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if math.IsNaN(first) {
			first = m.Loss
		}
		last = m.Loss
	}
	if last >= first/10 {
		t.Errorf("loss went %v -> %v, want at least 10x reduction", first, last)
	}
	if opt.Steps() != 200 {
		t.Errorf("Steps = %d, want 200", opt.Steps())
	}
}

func TestOptimizerOverflowSkipsButCounts(t *testing.T) {
	p := quadParams(1)
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.1, Scaling: true}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	before := append([]float64(nil), p.Node("quad/x/kernel").Data...)
	scaleBefore := gradScaleInit

	m, err := opt.Step(p, func() (*autodiff.Node, error) {
		x := p.Node("quad/x/kernel")
		// log(x-1) at x=1 diverges and its gradient is infinite.
		return autodiff.SumAll(autodiff.Log(autodiff.AddConst(x, -1))), nil
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !m.Overflow {
		t.Errorf("overflow not reported")
	}
	if m.Steps != 1 {
		t.Errorf("skipped step not counted: Steps = %d", m.Steps)
	}
	if got := p.Node("quad/x/kernel").Data[0]; got != before[0] {
		t.Errorf("parameters changed on overflow: %v -> %v", before[0], got)
	}
	if m.Scale != float64(scaleBefore)/2 {
		t.Errorf("scale = %v, want halved %v", m.Scale, float64(scaleBefore)/2)
	}
}

func TestOptimizerScaleDoublesAfterGoodSteps(t *testing.T) {
	p := quadParams(0.5)
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 1e-6, Scaling: true}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	// Drop the scale well below the cap first.
	opt.LoadState(OptimizerState{GradScale: 1, M: map[string][]float64{}, V: map[string][]float64{}})
	var m OptimizerMetrics
	for i := 0; i <= goodStepsToken; i++ {
		m, err = opt.Step(p, quadLoss(p))
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if m.Scale != 2 {
		t.Errorf("scale = %v, want 2 after %d good steps", m.Scale, goodStepsToken+1)
	}
}

func TestOptimizerScaleClamped(t *testing.T) {
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.1, Scaling: true}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	opt.LoadState(OptimizerState{GradScale: 2 * gradScaleMin, M: map[string][]float64{}, V: map[string][]float64{}})
	for i := 0; i < 10; i++ {
		opt.updateScale(false)
	}
	if got := opt.State().GradScale; got != gradScaleMin {
		t.Errorf("scale = %v, want clamped at %v", got, gradScaleMin)
	}
}

func TestOptimizerWarmup(t *testing.T) {
	p := quadParams(1000)
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 1, Warmup: 10}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	if _, err := opt.Step(p, quadLoss(p)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// First warmup step uses lr/10, so the Adam update of magnitude ~1
	// moves the parameter by about 0.1 rather than 1.
	moved := 1000 - p.Node("quad/x/kernel").Data[0]
	if moved <= 0 || moved > 0.2 {
		t.Errorf("first warmup step moved %v, want a small positive step", moved)
	}
}

func TestOptimizerWeightDecayKernelsOnly(t *testing.T) {
	p := nets.NewParams("net")
	p.Register("dense/kernel", autodiff.Full(1, 1, 10))
	p.Register("dense/bias", autodiff.Full(1, 1, 10))
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.1, WD: 1, WDPattern: `/kernel$`}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	// Loss independent of the parameters: gradients are zero, so any
	// movement comes from decay alone.
	if _, err := opt.Step(p, func() (*autodiff.Node, error) {
		return autodiff.Scalar(0), nil
	}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := p.Node("net/dense/bias").Data[0]; got != 10 {
		t.Errorf("bias decayed to %v, want untouched", got)
	}
	if got := p.Node("net/dense/kernel").Data[0]; got >= 10 {
		t.Errorf("kernel = %v, want decayed below 10", got)
	}
}

func TestOptimizerFreeze(t *testing.T) {
	p := quadParams(3)
	node := p.Node("quad/x/kernel")
	opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.1, Freeze: 2}, nil)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	opt.Freeze(node)

	for i := 0; i < 2; i++ {
		if _, err := opt.Step(p, quadLoss(p)); err != nil {
			t.Fatalf("Step: %v", err)
		}
		if node.Data[0] != 3 {
			t.Fatalf("frozen parameter moved during step %d", i+1)
		}
	}
	if _, err := opt.Step(p, quadLoss(p)); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if node.Data[0] == 3 {
		t.Errorf("parameter still frozen after the freeze window")
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	run := func(preload *OptimizerState) []float64 {
		p := quadParams(2, -1)
		opt, err := NewOptimizer("test", domain.OptConfig{LR: 0.05}, nil)
		if err != nil {
			t.Fatalf("NewOptimizer: %v", err)
		}
		for i := 0; i < 5; i++ {
			if _, err := opt.Step(p, quadLoss(p)); err != nil {
				t.Fatalf("Step: %v", err)
			}
		}
		if preload != nil {
			opt.LoadState(*preload)
		} else {
			state := opt.State()
			opt.LoadState(state)
		}
		for i := 0; i < 5; i++ {
			if _, err := opt.Step(p, quadLoss(p)); err != nil {
				t.Fatalf("Step: %v", err)
			}
		}
		return append([]float64(nil), p.Node("quad/x/kernel").Data...)
	}
	// Self round-trip must not perturb the trajectory.
	a := run(nil)
	b := run(nil)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("round-tripped runs diverged at %d: %v vs %v", i, a[i], b[i])
		}
	}
}
