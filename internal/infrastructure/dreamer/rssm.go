package dreamer

import (
	"fmt"
	"math"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// Latent is the recurrent latent state: a deterministic vector and a
// stochastic component, either a grid of categorical one-hot variables
// (Classes > 0) or a continuous Gaussian vector. Every latent used
// downstream carries the same field set with the same shapes.
type Latent struct {
	Deter *autodiff.Node // [batch, deter]
	Stoch *autodiff.Node // [batch, stoch*classes] or [batch, stoch]

	// Distribution parameters of the stochastic component.
	Logit *autodiff.Node // categorical latents
	Mean  *autodiff.Node // Gaussian latents
	Std   *autodiff.Node // Gaussian latents
}

// Feature returns the head input: deterministic and stochastic state
// concatenated.
func (l Latent) Feature() *autodiff.Node {
	return autodiff.Concat(l.Deter, l.Stoch)
}

// Detach copies the latent with gradient flow cut on every field.
func (l Latent) Detach() Latent {
	out := Latent{Deter: autodiff.Detach(l.Deter), Stoch: autodiff.Detach(l.Stoch)}
	if l.Logit != nil {
		out.Logit = autodiff.Detach(l.Logit)
	}
	if l.Mean != nil {
		out.Mean = autodiff.Detach(l.Mean)
	}
	if l.Std != nil {
		out.Std = autodiff.Detach(l.Std)
	}
	return out
}

// RSSM is the recurrent state-space model: a GRU-based deterministic
// path feeding a prior over the next stochastic state, and a
// posterior conditioned on the observation embedding.
type RSSM struct {
	params *nets.Params

	deter, stoch, classes int
	actDim, embedSize     int
	minStd                float64

	imgIn     *nets.Linear
	cell      *nets.GRUCell
	imgHidden *nets.Linear
	imgStat   *nets.Linear
	obsHidden *nets.Linear
	obsStat   *nets.Linear
}

// NewRSSM registers all dynamics parameters. Categorical latents are
// selected by classes > 0.
func NewRSSM(cfg domain.Config, actDim, embedSize int, key autodiff.Key) *RSSM {
	r := &RSSM{
		params:    nets.NewParams("rssm"),
		deter:     cfg.Deter,
		stoch:     cfg.Stoch,
		classes:   cfg.Classes,
		actDim:    actDim,
		embedSize: embedSize,
		minStd:    0.1,
	}
	stochDim := r.StochDim()
	statDim := stochDim
	if r.classes == 0 {
		statDim = 2 * r.stoch
	}
	r.imgIn = nets.NewLinear(r.params, "img_in", stochDim+actDim, cfg.Hidden, key.Split(0))
	r.cell = nets.NewGRUCell(r.params, "gru", cfg.Hidden, cfg.Deter, key.Split(1))
	r.imgHidden = nets.NewLinear(r.params, "img_out", cfg.Deter, cfg.Hidden, key.Split(2))
	r.imgStat = nets.NewLinear(r.params, "img_stat", cfg.Hidden, statDim, key.Split(3))
	r.obsHidden = nets.NewLinear(r.params, "obs_out", cfg.Deter+embedSize, cfg.Hidden, key.Split(4))
	r.obsStat = nets.NewLinear(r.params, "obs_stat", cfg.Hidden, statDim, key.Split(5))
	return r
}

// Params exposes the owned parameter container.
func (r *RSSM) Params() *nets.Params { return r.params }

// StochDim returns the flattened width of the stochastic state.
func (r *RSSM) StochDim() int {
	if r.classes > 0 {
		return r.stoch * r.classes
	}
	return r.stoch
}

// Initial returns the only legal starting latent absent observations:
// zeroed deterministic and stochastic state.
func (r *RSSM) Initial(batch int) Latent {
	l := Latent{
		Deter: autodiff.Zeros(batch, r.deter),
		Stoch: autodiff.Zeros(batch, r.StochDim()),
	}
	if r.classes > 0 {
		l.Logit = autodiff.Zeros(batch, r.StochDim())
	} else {
		l.Mean = autodiff.Zeros(batch, r.stoch)
		l.Std = autodiff.Full(batch, r.stoch, 1)
	}
	return l
}

// ObsStep advances one step with an observation: it returns the
// posterior (observation-conditioned) and prior (dynamics-only)
// latents. Where isFirst is set the previous latent and action are
// replaced by the initial state and a zero action, so episode
// boundaries never leak state.
func (r *RSSM) ObsStep(prev Latent, prevAction, embed *autodiff.Node, isFirst []float64, key autodiff.Key) (post, prior Latent) {
	batch := prev.Deter.Rows
	if len(isFirst) != batch {
		panic(fmt.Sprintf("dreamer: is_first has %d entries for batch %d", len(isFirst), batch))
	}
	if embed.Rows != batch || embed.Cols != r.embedSize {
		panic(fmt.Sprintf("dreamer: embedding %dx%d, want %dx%d", embed.Rows, embed.Cols, batch, r.embedSize))
	}
	prev, prevAction = r.maskFirst(prev, prevAction, isFirst)
	prior = r.ImgStep(prev, prevAction, key.Split(0))
	x := autodiff.Concat(prior.Deter, embed)
	hidden := autodiff.Tanh(r.obsHidden.Forward(x))
	post = r.latentFrom(prior.Deter, r.obsStat.Forward(hidden), key.Split(1))
	return post, prior
}

// ImgStep advances one prior-only step, used by imagination. No reset
// handling: imagined chains start from real posteriors and never cross
// episode boundaries.
func (r *RSSM) ImgStep(prev Latent, action *autodiff.Node, key autodiff.Key) Latent {
	if action.Rows != prev.Deter.Rows || action.Cols != r.actDim {
		panic(fmt.Sprintf("dreamer: action %dx%d, want %dx%d", action.Rows, action.Cols, prev.Deter.Rows, r.actDim))
	}
	x := autodiff.Tanh(r.imgIn.Forward(autodiff.Concat(prev.Stoch, action)))
	deter := r.cell.Forward(x, prev.Deter)
	hidden := autodiff.Tanh(r.imgHidden.Forward(deter))
	return r.latentFrom(deter, r.imgStat.Forward(hidden), key.Split(0))
}

// Observe runs ObsStep sequentially over a window. The scan is a
// strict dependency chain: each step consumes the previous posterior.
func (r *RSSM) Observe(embeds, actions []*autodiff.Node, isFirst [][]float64, initial Latent, key autodiff.Key) (posts, priors []Latent) {
	if len(actions) != len(embeds) || len(isFirst) != len(embeds) {
		panic(fmt.Sprintf("dreamer: observe with %d embeds, %d actions, %d masks", len(embeds), len(actions), len(isFirst)))
	}
	posts = make([]Latent, len(embeds))
	priors = make([]Latent, len(embeds))
	carry := initial
	for t := range embeds {
		posts[t], priors[t] = r.ObsStep(carry, actions[t], embeds[t], isFirst[t], key.Split(uint64(t)))
		carry = posts[t]
	}
	return posts, priors
}

// Imagine unrolls the prior under a policy for `horizon` steps,
// prepending the start step. The policy must be pure in the latent:
// the rollout may be re-chunked for memory without changing results.
func (r *RSSM) Imagine(policy func(Latent, autodiff.Key) *autodiff.Node, start Latent, horizon int, key autodiff.Key) (latents []Latent, actions []*autodiff.Node) {
	latents = make([]Latent, horizon+1)
	actions = make([]*autodiff.Node, horizon+1)
	latents[0] = start
	actions[0] = policy(start, key.Split(0))
	for t := 1; t <= horizon; t++ {
		stepKey := key.Split(uint64(t))
		latents[t] = r.ImgStep(latents[t-1], actions[t-1], stepKey.Split(0))
		actions[t] = policy(latents[t], stepKey.Split(1))
	}
	return latents, actions
}

// DynLoss is the KL from the detached posterior to the prior: it
// trains the prior to predict the posterior. The free-nats floor is
// applied after averaging.
func (r *RSSM) DynLoss(posts, priors []Latent, free float64) *autodiff.Node {
	return r.klLoss(posts, priors, free, true)
}

// RepLoss is the KL from the posterior to the detached prior: it keeps
// the posterior predictable by the dynamics.
func (r *RSSM) RepLoss(posts, priors []Latent, free float64) *autodiff.Node {
	return r.klLoss(posts, priors, free, false)
}

func (r *RSSM) klLoss(posts, priors []Latent, free float64, detachPost bool) *autodiff.Node {
	var total *autodiff.Node
	for t := range posts {
		post, prior := posts[t], priors[t]
		if detachPost {
			post = post.Detach()
		} else {
			prior = prior.Detach()
		}
		kl := r.kl(post, prior)
		step := autodiff.MeanAll(kl)
		if total == nil {
			total = step
		} else {
			total = autodiff.Add(total, step)
		}
	}
	mean := autodiff.Scale(total, 1/float64(len(posts)))
	return autodiff.Clamp(mean, free, math.Inf(1))
}

// kl computes the per-example divergence between two latents' stochastic
// distributions.
func (r *RSSM) kl(p, q Latent) *autodiff.Node {
	if r.classes > 0 {
		logp := autodiff.LogSoftmax(p.Logit, r.classes)
		logq := autodiff.LogSoftmax(q.Logit, r.classes)
		probs := autodiff.Softmax(p.Logit, r.classes)
		return autodiff.SumCols(autodiff.Mul(probs, autodiff.Sub(logp, logq)))
	}
	// Diagonal Gaussian KL.
	ratio := autodiff.Div(p.Std, q.Std)
	diff := autodiff.Div(autodiff.Sub(p.Mean, q.Mean), q.Std)
	terms := autodiff.Add(
		autodiff.Add(autodiff.Scale(autodiff.Square(ratio), 0.5), autodiff.Scale(autodiff.Square(diff), 0.5)),
		autodiff.AddConst(autodiff.Neg(autodiff.Log(ratio)), -0.5),
	)
	return autodiff.SumCols(terms)
}

// Dist returns the stochastic distribution of a latent, used for
// entropy diagnostics and sampling.
func (r *RSSM) Dist(l Latent) nets.Dist {
	if r.classes > 0 {
		return nets.NewOneHot(l.Logit, r.classes)
	}
	return &nets.Gaussian{Loc: l.Mean, Std: l.Std}
}

// latentFrom samples a latent from raw statistics. Categorical latents
// sample straight-through: the forward value is the hard one-hot grid
// while the gradient flows through the class probabilities.
func (r *RSSM) latentFrom(deter, stats *autodiff.Node, key autodiff.Key) Latent {
	if r.classes > 0 {
		dist := nets.NewOneHot(stats, r.classes)
		return Latent{Deter: deter, Stoch: dist.Sample(key), Logit: stats}
	}
	mean := autodiff.SliceCols(stats, 0, r.stoch)
	std := autodiff.AddConst(autodiff.Softplus(autodiff.SliceCols(stats, r.stoch, 2*r.stoch)), r.minStd)
	dist := &nets.Gaussian{Loc: mean, Std: std}
	return Latent{Deter: deter, Stoch: dist.Sample(key), Mean: mean, Std: std}
}

// maskFirst replaces latent and action with the initial state and zero
// action on examples whose is_first flag is set.
func (r *RSSM) maskFirst(prev Latent, action *autodiff.Node, isFirst []float64) (Latent, *autodiff.Node) {
	any := false
	for _, v := range isFirst {
		if v != 0 {
			any = true
			break
		}
	}
	if !any {
		return prev, action
	}
	batch := len(isFirst)
	keepData := make([]float64, batch)
	for i, v := range isFirst {
		if v == 0 {
			keepData[i] = 1
		}
	}
	keep := autodiff.New(batch, 1, keepData)
	init := r.Initial(batch)
	masked := Latent{
		Deter: autodiff.MulRows(prev.Deter, keep),
		Stoch: autodiff.MulRows(prev.Stoch, keep),
	}
	if r.classes > 0 {
		masked.Logit = autodiff.MulRows(prev.Logit, keep)
	} else {
		masked.Mean = autodiff.MulRows(prev.Mean, keep)
		// Reset examples get the unit prior std back.
		resetData := make([]float64, batch)
		for i, v := range isFirst {
			if v != 0 {
				resetData[i] = 1
			}
		}
		reset := autodiff.New(batch, 1, resetData)
		masked.Std = autodiff.Add(autodiff.MulRows(prev.Std, keep), autodiff.MulRows(init.Std, reset))
	}
	return masked, autodiff.MulRows(action, keep)
}
