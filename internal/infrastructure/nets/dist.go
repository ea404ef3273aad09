package nets

import (
	"fmt"
	"math"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

// Dist is the common capability interface of all prediction heads:
// a distribution-like object over [batch, ...] events. LogProb and
// Entropy reduce the event dimensions, returning [batch,1] nodes.
type Dist interface {
	Mode() *autodiff.Node
	Mean() *autodiff.Node
	LogProb(target *autodiff.Node) *autodiff.Node
	Entropy() *autodiff.Node
	Sample(key autodiff.Key) *autodiff.Node
}

// OneHot is a grid of categorical variables over one-hot vectors with
// straight-through sampling: the forward value of a sample is the hard
// one-hot draw, the gradient flows through the class probabilities.
type OneHot struct {
	Logits  *autodiff.Node // [batch, vars*classes]
	Classes int

	probs *autodiff.Node
}

// NewOneHot builds the distribution from logits.
func NewOneHot(logits *autodiff.Node, classes int) *OneHot {
	return &OneHot{Logits: logits, Classes: classes, probs: autodiff.Softmax(logits, classes)}
}

// Probs returns the class probabilities.
func (d *OneHot) Probs() *autodiff.Node { return d.probs }

// Sample draws one hard one-hot vector per block.
func (d *OneHot) Sample(key autodiff.Key) *autodiff.Node {
	rng := key.Source()
	hard := make([]float64, len(d.probs.Data))
	for off := 0; off < len(hard); off += d.Classes {
		r := rng.Float64()
		cum := 0.0
		idx := d.Classes - 1
		for i := 0; i < d.Classes; i++ {
			cum += d.probs.Data[off+i]
			if r < cum {
				idx = i
				break
			}
		}
		hard[off+idx] = 1
	}
	return autodiff.WithGrad(d.probs.Rows, d.probs.Cols, hard, d.probs)
}

// Mode returns the most likely one-hot grid, straight-through like
// Sample.
func (d *OneHot) Mode() *autodiff.Node {
	hard := make([]float64, len(d.probs.Data))
	for off := 0; off < len(hard); off += d.Classes {
		best := 0
		for i := 1; i < d.Classes; i++ {
			if d.probs.Data[off+i] > d.probs.Data[off+best] {
				best = i
			}
		}
		hard[off+best] = 1
	}
	return autodiff.WithGrad(d.probs.Rows, d.probs.Cols, hard, d.probs)
}

// Mean returns the class probabilities.
func (d *OneHot) Mean() *autodiff.Node { return d.probs }

// LogProb scores a one-hot grid.
func (d *OneHot) LogProb(target *autodiff.Node) *autodiff.Node {
	return autodiff.SumCols(autodiff.Mul(target, autodiff.LogSoftmax(d.Logits, d.Classes)))
}

// Entropy sums the per-block categorical entropies.
func (d *OneHot) Entropy() *autodiff.Node {
	return autodiff.Neg(autodiff.SumCols(autodiff.Mul(d.probs, autodiff.LogSoftmax(d.Logits, d.Classes))))
}

// MaxEntropy returns the entropy of the uniform distribution, used to
// report policy randomness.
func (d *OneHot) MaxEntropy() float64 {
	blocks := d.Logits.Cols / d.Classes
	return float64(blocks) * math.Log(float64(d.Classes))
}

// Gaussian is a diagonal normal with reparameterized sampling.
type Gaussian struct {
	Loc *autodiff.Node // [batch, dim]
	Std *autodiff.Node // [batch, dim]
}

// Sample draws loc + std*eps, differentiable through both parameters.
func (d *Gaussian) Sample(key autodiff.Key) *autodiff.Node {
	rng := key.Source()
	eps := make([]float64, len(d.Loc.Data))
	for i := range eps {
		eps[i] = rng.NormFloat64()
	}
	noise := autodiff.New(d.Loc.Rows, d.Loc.Cols, eps)
	return autodiff.Add(d.Loc, autodiff.Mul(d.Std, noise))
}

// Mode returns the location.
func (d *Gaussian) Mode() *autodiff.Node { return d.Loc }

// Mean returns the location.
func (d *Gaussian) Mean() *autodiff.Node { return d.Loc }

// LogProb is the diagonal-normal log density, reduced over dimensions.
func (d *Gaussian) LogProb(target *autodiff.Node) *autodiff.Node {
	z := autodiff.Div(autodiff.Sub(target, d.Loc), d.Std)
	quad := autodiff.Scale(autodiff.SumCols(autodiff.Square(z)), -0.5)
	norm := autodiff.SumCols(autodiff.Log(d.Std))
	c := 0.5 * float64(d.Loc.Cols) * math.Log(2*math.Pi)
	return autodiff.AddConst(autodiff.Sub(quad, norm), -c)
}

// Entropy of the diagonal normal.
func (d *Gaussian) Entropy() *autodiff.Node {
	c := 0.5 * float64(d.Loc.Cols) * (1 + math.Log(2*math.Pi))
	return autodiff.AddConst(autodiff.SumCols(autodiff.Log(d.Std)), c)
}

// Bernoulli is the continuation head distribution over {0,1}.
type Bernoulli struct {
	Logits *autodiff.Node // [batch, 1]
}

// Mean returns the success probability.
func (d *Bernoulli) Mean() *autodiff.Node { return autodiff.Sigmoid(d.Logits) }

// Mode returns the hard threshold of the probability, detached.
func (d *Bernoulli) Mode() *autodiff.Node {
	out := make([]float64, len(d.Logits.Data))
	for i, v := range d.Logits.Data {
		if v > 0 {
			out[i] = 1
		}
	}
	return autodiff.New(d.Logits.Rows, d.Logits.Cols, out)
}

// Sample draws hard values, straight-through onto the probabilities.
func (d *Bernoulli) Sample(key autodiff.Key) *autodiff.Node {
	rng := key.Source()
	probs := autodiff.Sigmoid(d.Logits)
	hard := make([]float64, len(probs.Data))
	for i, p := range probs.Data {
		if rng.Float64() < p {
			hard[i] = 1
		}
	}
	return autodiff.WithGrad(probs.Rows, probs.Cols, hard, probs)
}

// LogProb scores binary targets.
func (d *Bernoulli) LogProb(target *autodiff.Node) *autodiff.Node {
	pos := autodiff.Mul(target, autodiff.Softplus(autodiff.Neg(d.Logits)))
	neg := autodiff.Mul(autodiff.AddConst(autodiff.Neg(target), 1), autodiff.Softplus(d.Logits))
	return autodiff.Neg(autodiff.SumCols(autodiff.Add(pos, neg)))
}

// Entropy of the Bernoulli.
func (d *Bernoulli) Entropy() *autodiff.Node {
	p := autodiff.Sigmoid(d.Logits)
	pos := autodiff.Mul(p, autodiff.Softplus(autodiff.Neg(d.Logits)))
	neg := autodiff.Mul(autodiff.AddConst(autodiff.Neg(p), 1), autodiff.Softplus(d.Logits))
	return autodiff.SumCols(autodiff.Add(pos, neg))
}

// MSEDist is a unit-variance regression head: log probability is the
// negative squared error.
type MSEDist struct {
	Pred *autodiff.Node
}

func (d *MSEDist) Mode() *autodiff.Node { return d.Pred }
func (d *MSEDist) Mean() *autodiff.Node { return d.Pred }

func (d *MSEDist) LogProb(target *autodiff.Node) *autodiff.Node {
	return autodiff.Neg(autodiff.SumCols(autodiff.Square(autodiff.Sub(d.Pred, target))))
}

func (d *MSEDist) Entropy() *autodiff.Node { return autodiff.Zeros(d.Pred.Rows, 1) }

func (d *MSEDist) Sample(key autodiff.Key) *autodiff.Node { return d.Pred }

// SymlogDist regresses in symlog space: the prediction lives in symlog
// space while Mode/Mean report the symexp-transformed value.
type SymlogDist struct {
	Pred *autodiff.Node
}

func (d *SymlogDist) Mode() *autodiff.Node { return autodiff.Symexp(d.Pred) }
func (d *SymlogDist) Mean() *autodiff.Node { return autodiff.Symexp(d.Pred) }

func (d *SymlogDist) LogProb(target *autodiff.Node) *autodiff.Node {
	return autodiff.Neg(autodiff.SumCols(autodiff.Square(autodiff.Sub(d.Pred, autodiff.Symlog(autodiff.Detach(target))))))
}

func (d *SymlogDist) Entropy() *autodiff.Node { return autodiff.Zeros(d.Pred.Rows, 1) }

func (d *SymlogDist) Sample(key autodiff.Key) *autodiff.Node { return d.Mode() }

// TwoHot is a binned value distribution over symlog-spaced bins with
// two-hot regression targets.
type TwoHot struct {
	Logits *autodiff.Node // [batch, bins]
	Bins   []float64      // bin centers in symlog space
}

// NewTwoHot builds the distribution over `bins` centers spanning
// [-20, 20] in symlog space.
func NewTwoHot(logits *autodiff.Node, bins int) *TwoHot {
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = -20 + 40*float64(i)/float64(bins-1)
	}
	return &TwoHot{Logits: logits, Bins: centers}
}

// Mean decodes the expected bin value back through symexp,
// differentiably.
func (d *TwoHot) Mean() *autodiff.Node {
	probs := autodiff.Softmax(d.Logits, len(d.Bins))
	col := autodiff.New(len(d.Bins), 1, append([]float64(nil), d.Bins...))
	return autodiff.Symexp(autodiff.MatMul(probs, col))
}

// Mode is the expected value, matching the original binned readout.
func (d *TwoHot) Mode() *autodiff.Node { return d.Mean() }

// LogProb scores raw scalar targets [batch,1] against the two-hot
// encoding of their symlog transform.
func (d *TwoHot) LogProb(target *autodiff.Node) *autodiff.Node {
	k := len(d.Bins)
	weights := make([]float64, d.Logits.Rows*k)
	for r := 0; r < d.Logits.Rows; r++ {
		x := target.Data[r]
		x = math.Copysign(math.Log1p(math.Abs(x)), x)
		below, above := 0, k-1
		for i, c := range d.Bins {
			if c <= x {
				below = i
			}
		}
		for i := k - 1; i >= 0; i-- {
			if d.Bins[i] > x {
				above = i
			}
		}
		if below == above {
			weights[r*k+below] = 1
			continue
		}
		total := math.Abs(d.Bins[below]-x) + math.Abs(d.Bins[above]-x)
		weights[r*k+below] = math.Abs(d.Bins[above]-x) / total
		weights[r*k+above] = math.Abs(d.Bins[below]-x) / total
	}
	twohot := autodiff.New(d.Logits.Rows, k, weights)
	return autodiff.SumCols(autodiff.Mul(twohot, autodiff.LogSoftmax(d.Logits, k)))
}

// Probs returns the bin probabilities.
func (d *TwoHot) Probs() *autodiff.Node { return autodiff.Softmax(d.Logits, len(d.Bins)) }

// Entropy of the bin distribution.
func (d *TwoHot) Entropy() *autodiff.Node {
	probs := autodiff.Softmax(d.Logits, len(d.Bins))
	return autodiff.Neg(autodiff.SumCols(autodiff.Mul(probs, autodiff.LogSoftmax(d.Logits, len(d.Bins)))))
}

// Sample returns the mean; the binned head is used as a point readout.
func (d *TwoHot) Sample(key autodiff.Key) *autodiff.Node { return d.Mean() }

// Head is a prediction head: hidden MLP plus an output layer
// interpreted by the configured distribution family. The family is
// fixed at construction; unknown names fail fast.
type Head struct {
	mlp  *MLP
	out  *Linear
	dist string
	bins int
}

// NewHead registers a head reading [in] features and emitting an
// outDim-dimensional event under the configured distribution.
func NewHead(p *Params, name string, in, outDim int, cfg domain.HeadConfig, key autodiff.Key) (*Head, error) {
	units := cfg.Units
	if units == 0 {
		units = 256
	}
	width := outDim
	bins := cfg.Bins
	switch cfg.Dist {
	case "mse", "symlog_mse", "bernoulli":
	case "twohot":
		if bins < 2 {
			bins = 255
		}
		width = outDim * bins
	default:
		return nil, fmt.Errorf("%w: head distribution %q", domain.ErrNotImplemented, cfg.Dist)
	}
	h := &Head{dist: cfg.Dist, bins: bins}
	h.mlp = NewMLP(p, name, in, units, cfg.Layers, key.Split(0))
	hidden := in
	if cfg.Layers > 0 {
		hidden = units
	}
	h.out = NewLinear(p, name+"/out", hidden, width, key.Split(1))
	return h, nil
}

// Forward produces the head's distribution over features x.
func (h *Head) Forward(x *autodiff.Node) Dist {
	out := h.out.Forward(h.mlp.Forward(x))
	switch h.dist {
	case "mse":
		return &MSEDist{Pred: out}
	case "symlog_mse":
		return &SymlogDist{Pred: out}
	case "bernoulli":
		return &Bernoulli{Logits: out}
	case "twohot":
		return NewTwoHot(out, h.bins)
	}
	panic("nets: unreachable head distribution " + h.dist)
}
