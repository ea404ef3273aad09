// Package dreamer implements the training core of the world-model
// agent: latent dynamics, world-model loss, imagination-based
// actor-critic, and the optimizer wrapper.
package dreamer

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

// Collective performs explicit cross-replica reductions during
// data-parallel training. A nil Collective means purely local
// statistics; components ask for it once and never synchronize
// implicitly.
type Collective interface {
	MeanScalar(x float64) float64
	Min(x float64) float64
	Max(x float64) float64
	MeanVec(x []float64) []float64
	Gather(x []float64) []float64
}

// Moments tracks running statistics of a stream of values and exposes
// them as an (offset, invscale) pair used to normalize returns.
type Moments struct {
	cfg  domain.MomentsConfig
	coll Collective

	step      int
	mean      float64
	sqrs      float64
	low, high float64
	mag       float64
}

// MomentsState is the serializable snapshot of a Moments instance.
type MomentsState struct {
	Step      int
	Mean      float64
	Sqrs      float64
	Low, High float64
	Mag       float64
}

// NewMoments validates the configuration and returns a fresh tracker.
func NewMoments(cfg domain.MomentsConfig, coll Collective) (*Moments, error) {
	switch cfg.Impl {
	case "off", "mean_std", "min_max", "perc_ema", "perc_ema_corr", "mean_mag", "max_mag":
	default:
		return nil, fmt.Errorf("%w: moments impl %q", domain.ErrNotImplemented, cfg.Impl)
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		if cfg.Impl != "off" {
			return nil, fmt.Errorf("%w: moments decay must be in (0,1)", domain.ErrInvalidConfig)
		}
	}
	if cfg.Max <= 0 {
		cfg.Max = 1e8
	}
	return &Moments{cfg: cfg, coll: coll}, nil
}

// Call updates the statistics with x and returns the current
// (offset, invscale) pair.
func (mo *Moments) Call(x []float64) (offset, invscale float64) {
	mo.Observe(x)
	return mo.Stats()
}

// Observe folds a batch of values into the running statistics.
func (mo *Moments) Observe(x []float64) {
	if len(x) == 0 || mo.cfg.Impl == "off" {
		return
	}
	m := mo.cfg.Decay
	switch mo.cfg.Impl {
	case "mean_std":
		mo.step++
		mean := mo.reduceMean(meanOf(x))
		sqrs := mo.reduceMean(meanSq(x))
		mo.mean = m*mo.mean + (1-m)*mean
		mo.sqrs = m*mo.sqrs + (1-m)*sqrs
	case "min_max":
		low := mo.reduceMin(minOf(x))
		high := mo.reduceMax(maxOf(x))
		mo.low = m*math.Min(mo.low, low) + (1-m)*low
		mo.high = m*math.Max(mo.high, high) + (1-m)*high
	case "perc_ema":
		low, high := mo.percentiles(x)
		mo.low = m*mo.low + (1-m)*low
		mo.high = m*mo.high + (1-m)*high
	case "perc_ema_corr":
		mo.step++
		low, high := mo.percentiles(x)
		mo.low = m*mo.low + (1-m)*low
		mo.high = m*mo.high + (1-m)*high
	case "mean_mag":
		curr := mo.reduceMean(meanAbs(x))
		mo.mag = m*mo.mag + (1-m)*curr
	case "max_mag":
		curr := mo.reduceMax(maxAbs(x))
		mo.mag = m*math.Max(mo.mag, curr) + (1-m)*curr
	}
}

// Stats returns the normalization pair. The inverse scale is floored
// at 1/Max so that tiny return spreads are never amplified.
func (mo *Moments) Stats() (offset, invscale float64) {
	floor := 1 / mo.cfg.Max
	switch mo.cfg.Impl {
	case "off":
		return 0, 1
	case "mean_std":
		corr := 1 - math.Pow(mo.cfg.Decay, float64(mo.step))
		if corr == 0 {
			return 0, math.Max(floor, math.Sqrt(mo.cfg.Eps))
		}
		mean := mo.mean / corr
		variance := mo.sqrs/corr - mo.mean*mo.mean
		std := math.Sqrt(math.Max(variance, floor*floor) + mo.cfg.Eps)
		return mean, std
	case "min_max", "perc_ema":
		return mo.low, math.Max(floor, mo.high-mo.low)
	case "perc_ema_corr":
		corr := 1 - math.Pow(mo.cfg.Decay, float64(mo.step))
		if corr == 0 {
			return 0, floor
		}
		lo := mo.low / corr
		hi := mo.high / corr
		return lo, math.Max(floor, hi-lo)
	case "mean_mag", "max_mag":
		return 0, math.Max(floor, mo.mag)
	}
	panic("dreamer: unreachable moments impl " + mo.cfg.Impl)
}

// State returns a snapshot for checkpointing.
func (mo *Moments) State() MomentsState {
	return MomentsState{Step: mo.step, Mean: mo.mean, Sqrs: mo.sqrs, Low: mo.low, High: mo.high, Mag: mo.mag}
}

// LoadState restores a snapshot.
func (mo *Moments) LoadState(s MomentsState) {
	mo.step, mo.mean, mo.sqrs, mo.low, mo.high, mo.mag = s.Step, s.Mean, s.Sqrs, s.Low, s.High, s.Mag
}

func (mo *Moments) percentiles(x []float64) (low, high float64) {
	sorted := append([]float64(nil), x...)
	if mo.coll != nil {
		sorted = mo.coll.Gather(sorted)
	}
	sort.Float64s(sorted)
	low = stat.Quantile(mo.cfg.PercLo/100, stat.Empirical, sorted, nil)
	high = stat.Quantile(mo.cfg.PercHi/100, stat.Empirical, sorted, nil)
	return low, high
}

func (mo *Moments) reduceMean(x float64) float64 {
	if mo.coll != nil {
		return mo.coll.MeanScalar(x)
	}
	return x
}

func (mo *Moments) reduceMin(x float64) float64 {
	if mo.coll != nil {
		return mo.coll.Min(x)
	}
	return x
}

func (mo *Moments) reduceMax(x float64) float64 {
	if mo.coll != nil {
		return mo.coll.Max(x)
	}
	return x
}

func meanOf(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func meanSq(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

func meanAbs(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += math.Abs(v)
	}
	return sum / float64(len(x))
}

func minOf(x []float64) float64 {
	out := x[0]
	for _, v := range x[1:] {
		if v < out {
			out = v
		}
	}
	return out
}

func maxOf(x []float64) float64 {
	out := x[0]
	for _, v := range x[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func maxAbs(x []float64) float64 {
	var out float64
	for _, v := range x {
		if a := math.Abs(v); a > out {
			out = a
		}
	}
	return out
}
