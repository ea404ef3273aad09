package dreamer

import (
	"fmt"
	"math"
	"regexp"

	"gonum.org/v1/gonum/floats"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// Loss-scale bounds and growth interval for the mixed-precision path.
const (
	gradScaleMin   = 1e-4
	gradScaleMax   = 1e4
	gradScaleInit  = 1e4
	goodStepsToken = 1000
)

// Optimizer is the single point through which a module's parameters
// are updated: gradient computation on the tape, optional replica
// averaging, global-norm clipping, pattern-gated weight decay, warmup,
// Adam moments, and adaptive loss scaling. It exclusively owns its
// moment estimates and step counters.
type Optimizer struct {
	name string
	cfg  domain.OptConfig
	coll Collective

	wdPattern *regexp.Regexp
	frozen    []*autodiff.Node

	step      int
	goodSteps int
	gradScale float64
	m, v      map[string][]float64

	count int
}

// OptimizerState is the serializable snapshot of an Optimizer. It
// round-trips exactly: restoring it reproduces identical subsequent
// updates for identical gradient sequences.
type OptimizerState struct {
	Step      int
	GoodSteps int
	GradScale float64
	M, V      map[string][]float64
}

// OptimizerMetrics captures the running diagnostics of one step.
type OptimizerMetrics struct {
	Loss     float64
	GradNorm float64
	Steps    int
	Scale    float64
	Overflow bool
}

// NewOptimizer validates the config and creates an optimizer named for
// its diagnostics prefix.
func NewOptimizer(name string, cfg domain.OptConfig, coll Collective) (*Optimizer, error) {
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("%w: optimizer %s learning rate must be positive", domain.ErrInvalidConfig, name)
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 1e-8
	}
	o := &Optimizer{
		name:      name,
		cfg:       cfg,
		coll:      coll,
		gradScale: 1,
		m:         make(map[string][]float64),
		v:         make(map[string][]float64),
	}
	if cfg.Scaling {
		o.gradScale = gradScaleInit
	}
	if cfg.WD != 0 {
		if cfg.WDPattern == "" {
			return nil, fmt.Errorf("%w: optimizer %s weight decay requires a pattern", domain.ErrInvalidConfig, name)
		}
		pat, err := regexp.Compile(cfg.WDPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: optimizer %s weight decay pattern: %v", domain.ErrInvalidConfig, name, err)
		}
		o.wdPattern = pat
	}
	return o, nil
}

// Freeze designates a parameter subset whose gradients are zeroed for
// the first cfg.Freeze steps. The subset is referenced directly, never
// located by name matching.
func (o *Optimizer) Freeze(nodes ...*autodiff.Node) {
	o.frozen = append(o.frozen, nodes...)
}

// Step runs lossFn, backpropagates, and updates params. The loss
// function must build a fresh graph and return a scalar node; auxiliary
// outputs are the caller's business. Non-finite gradients skip the
// parameter update but still count the step and shrink the loss scale.
func (o *Optimizer) Step(params *nets.Params, lossFn func() (*autodiff.Node, error)) (OptimizerMetrics, error) {
	params.ZeroGrad()
	loss, err := lossFn()
	if err != nil {
		return OptimizerMetrics{}, err
	}
	if len(loss.Data) != 1 {
		panic(fmt.Sprintf("dreamer: optimizer %s loss must be scalar, got %dx%d", o.name, loss.Rows, loss.Cols))
	}
	metrics := OptimizerMetrics{Loss: loss.Value(), Scale: o.gradScale}

	if o.cfg.Scaling {
		autodiff.Backward(autodiff.Scale(loss, o.gradScale))
	} else {
		autodiff.Backward(loss)
	}

	names := params.Names()
	if o.count == 0 {
		for _, name := range names {
			o.count += len(params.Node(name).Data)
		}
	}

	grads := make(map[string][]float64, len(names))
	for _, name := range names {
		g := append([]float64(nil), params.Node(name).Grad...)
		if o.coll != nil {
			g = o.coll.MeanVec(g)
		}
		if o.cfg.Scaling {
			floats.Scale(1/o.gradScale, g)
		}
		grads[name] = g
	}

	finite := true
	for _, g := range grads {
		for _, v := range g {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
		}
		if !finite {
			break
		}
	}

	if o.cfg.Scaling {
		o.updateScale(finite)
		metrics.Scale = o.gradScale
		metrics.Overflow = !finite
	}

	o.step++
	metrics.Steps = o.step
	if !finite {
		metrics.GradNorm = math.NaN()
		return metrics, nil
	}

	if o.step <= o.cfg.Freeze {
		for _, node := range o.frozen {
			// Frozen subsets share nodes with params; match by identity.
			for _, name := range names {
				if params.Node(name) == node {
					zero(grads[name])
				}
			}
		}
	}

	var sq float64
	for _, name := range names {
		g := grads[name]
		sq += floats.Dot(g, g)
	}
	norm := math.Sqrt(sq)
	metrics.GradNorm = norm
	if o.cfg.Clip > 0 && norm > o.cfg.Clip {
		factor := o.cfg.Clip / norm
		for _, g := range grads {
			floats.Scale(factor, g)
		}
	}

	lr := o.cfg.LR
	if o.cfg.Warmup > 0 && o.step < o.cfg.Warmup {
		lr *= float64(o.step) / float64(o.cfg.Warmup)
	}

	t := float64(o.step)
	beta1, beta2 := 0.9, 0.999
	corr1 := 1 - math.Pow(beta1, t)
	corr2 := 1 - math.Pow(beta2, t)
	for _, name := range names {
		g := grads[name]
		p := params.Node(name).Data
		m, ok := o.m[name]
		if !ok {
			m = make([]float64, len(g))
			o.m[name] = m
		}
		v, ok := o.v[name]
		if !ok {
			v = make([]float64, len(g))
			o.v[name] = v
		}
		decay := 0.0
		if o.wdPattern != nil && o.wdPattern.MatchString(name) {
			decay = o.cfg.WD
		}
		for i := range g {
			m[i] = beta1*m[i] + (1-beta1)*g[i]
			v[i] = beta2*v[i] + (1-beta2)*g[i]*g[i]
			update := (m[i] / corr1) / (math.Sqrt(v[i]/corr2) + o.cfg.Eps)
			if decay != 0 {
				update += decay * p[i]
			}
			p[i] -= lr * update
		}
	}
	return metrics, nil
}

// updateScale adapts the mixed-precision loss scale: halve on
// overflow, double after enough consecutive good steps, clamp to the
// legal range.
func (o *Optimizer) updateScale(finite bool) {
	switch {
	case !finite:
		o.goodSteps = 0
		o.gradScale /= 2
	case o.goodSteps >= goodStepsToken:
		o.goodSteps = 0
		o.gradScale *= 2
	default:
		o.goodSteps++
	}
	o.gradScale = math.Min(gradScaleMax, math.Max(gradScaleMin, o.gradScale))
}

// Steps reports how many update steps have been attempted.
func (o *Optimizer) Steps() int { return o.step }

// ParamCount reports the one-time parameter-count diagnostic, zero
// before the first step.
func (o *Optimizer) ParamCount() int { return o.count }

// State snapshots the full optimizer state.
func (o *Optimizer) State() OptimizerState {
	s := OptimizerState{
		Step:      o.step,
		GoodSteps: o.goodSteps,
		GradScale: o.gradScale,
		M:         make(map[string][]float64, len(o.m)),
		V:         make(map[string][]float64, len(o.v)),
	}
	for k, v := range o.m {
		s.M[k] = append([]float64(nil), v...)
	}
	for k, v := range o.v {
		s.V[k] = append([]float64(nil), v...)
	}
	return s
}

// LoadState restores a snapshot taken with State.
func (o *Optimizer) LoadState(s OptimizerState) {
	o.step = s.Step
	o.goodSteps = s.GoodSteps
	o.gradScale = s.GradScale
	o.m = make(map[string][]float64, len(s.M))
	o.v = make(map[string][]float64, len(s.V))
	for k, v := range s.M {
		o.m[k] = append([]float64(nil), v...)
	}
	for k, v := range s.V {
		o.v[k] = append([]float64(nil), v...)
	}
}

// Metrics flattens the diagnostics into the scalar map reported by the
// agent, prefixed with the optimizer's name.
func (m OptimizerMetrics) Metrics(name string) map[string]float64 {
	overflow := 0.0
	if m.Overflow {
		overflow = 1
	}
	return map[string]float64{
		name + "_loss":          m.Loss,
		name + "_grad_norm":     m.GradNorm,
		name + "_grad_steps":    float64(m.Steps),
		name + "_grad_scale":    m.Scale,
		name + "_grad_overflow": overflow,
	}
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
