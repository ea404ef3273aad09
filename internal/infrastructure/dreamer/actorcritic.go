package dreamer

import (
	"fmt"
	"sort"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// Actor maps latent features to an action distribution. Continuous
// action spaces use a squashed Gaussian with bounded scale, discrete
// ones a straight-through one-hot categorical.
type Actor struct {
	params *nets.Params
	mlp    *nets.MLP
	out    *nets.Linear
	act    domain.ActionSpace
	cfg    domain.ActorConfig
}

// NewActor registers the policy network parameters.
func NewActor(featDim int, act domain.ActionSpace, cfg domain.ActorConfig, key autodiff.Key) (*Actor, error) {
	if act.Discrete && cfg.DistDisc != "onehot" {
		return nil, fmt.Errorf("%w: discrete actor distribution %q", domain.ErrNotImplemented, cfg.DistDisc)
	}
	if !act.Discrete && cfg.DistCont != "gaussian" {
		return nil, fmt.Errorf("%w: continuous actor distribution %q", domain.ErrNotImplemented, cfg.DistCont)
	}
	a := &Actor{params: nets.NewParams("actor"), act: act, cfg: cfg}
	units := cfg.Units
	if units == 0 {
		units = 256
	}
	a.mlp = nets.NewMLP(a.params, "policy", featDim, units, cfg.Layers, key.Split(0))
	hidden := featDim
	if cfg.Layers > 0 {
		hidden = units
	}
	width := act.Dim
	if !act.Discrete {
		width = 2 * act.Dim
	}
	a.out = nets.NewLinear(a.params, "policy/out", hidden, width, key.Split(1))
	return a, nil
}

// Params returns the trainable parameter container.
func (a *Actor) Params() *nets.Params { return a.params }

// Dist builds the action distribution for a feature batch.
func (a *Actor) Dist(feat *autodiff.Node) nets.Dist {
	out := a.out.Forward(a.mlp.Forward(feat))
	if a.act.Discrete {
		return nets.NewOneHot(out, a.act.Dim)
	}
	loc := autodiff.Tanh(autodiff.SliceCols(out, 0, a.act.Dim))
	raw := autodiff.SliceCols(out, a.act.Dim, 2*a.act.Dim)
	spread := a.cfg.MaxStd - a.cfg.MinStd
	std := autodiff.AddConst(autodiff.Scale(autodiff.Sigmoid(autodiff.AddConst(raw, 2)), spread), a.cfg.MinStd)
	return &nets.Gaussian{Loc: loc, Std: std}
}

// RewardFn scores an imagined trajectory, returning one [n,1] reward
// node per transition (length Horizon).
type RewardFn func(traj *Trajectory) []*autodiff.Node

// VFunction is one critic: a binned value head, its polyak-averaged
// slow target, and the optimizer that trains it against λ-returns.
type VFunction struct {
	name  string
	cfg   domain.Config
	rewFn RewardFn

	params     *nets.Params
	net        *nets.Head
	slowParams *nets.Params
	slow       *nets.Head
	updater    *SlowUpdater
	opt        *Optimizer
}

// NewVFunction builds a critic over featDim-dimensional latent
// features. The slow copy starts equal to the online copy on the first
// updater call.
func NewVFunction(name string, featDim int, rewFn RewardFn, cfg domain.Config, coll Collective, key autodiff.Key) (*VFunction, error) {
	if cfg.CriticSlowReg == "xent" && cfg.Critic.Dist != "twohot" {
		return nil, fmt.Errorf("%w: xent slow regularizer needs a binned critic, got %q", domain.ErrNotImplemented, cfg.Critic.Dist)
	}
	v := &VFunction{name: name, cfg: cfg, rewFn: rewFn}
	v.params = nets.NewParams("critic_" + name)
	v.slowParams = nets.NewParams("critic_slow_" + name)
	var err error
	v.net, err = nets.NewHead(v.params, "value", featDim, 1, cfg.Critic, key.Split(0))
	if err != nil {
		return nil, err
	}
	v.slow, err = nets.NewHead(v.slowParams, "value", featDim, 1, cfg.Critic, key.Split(0))
	if err != nil {
		return nil, err
	}
	v.updater = NewSlowUpdater(v.params, v.slowParams, cfg.SlowCriticFraction, cfg.SlowCriticUpdate)
	v.updater.Update()
	v.opt, err = NewOptimizer("critic_"+name, cfg.CriticOpt, coll)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Name returns the critic's identifier in the critic set.
func (v *VFunction) Name() string { return v.name }

// Params returns the online critic parameters.
func (v *VFunction) Params() *nets.Params { return v.params }

// SlowParams returns the target-copy parameters.
func (v *VFunction) SlowParams() *nets.Params { return v.slowParams }

// Opt returns the critic optimizer for checkpointing.
func (v *VFunction) Opt() *Optimizer { return v.opt }

// Updater returns the slow-target updater for checkpointing.
func (v *VFunction) Updater() *SlowUpdater { return v.updater }

// Score computes rewards, λ-returns, and the value baseline over an
// imagined trajectory. Returns have length Horizon; the recursion runs
// backward with the terminal value estimate as base case, so the whole
// return stays differentiable for the backprop actor estimator.
func (v *VFunction) Score(traj *Trajectory) (rew, ret, base []*autodiff.Node) {
	H := traj.Horizon()
	rew = v.rewFn(traj)
	if len(rew) != H {
		panic(fmt.Sprintf("dreamer: reward fn produced %d steps for horizon %d", len(rew), H))
	}
	values := make([]*autodiff.Node, H+1)
	for t := 0; t <= H; t++ {
		values[t] = v.net.Forward(traj.Latents[t].Feature()).Mean()
	}
	discount := v.cfg.Discount()
	lambda := v.cfg.ReturnLambda
	ret = make([]*autodiff.Node, H)
	next := values[H]
	for t := H - 1; t >= 0; t-- {
		disc := autodiff.Scale(traj.Cont[t+1], discount)
		boot := autodiff.Add(
			autodiff.Scale(values[t+1], 1-lambda),
			autodiff.Scale(next, lambda),
		)
		ret[t] = autodiff.Add(rew[t], autodiff.Mul(disc, boot))
		next = ret[t]
	}
	return rew, ret, values[:H]
}

// Train regresses the value head onto detached λ-returns with the
// slow-target regularizer, then maintains the target copy.
func (v *VFunction) Train(traj *Trajectory) (map[string]float64, error) {
	var retVals []float64
	optMetrics, err := v.opt.Step(v.params, func() (*autodiff.Node, error) {
		_, ret, _ := v.Score(traj)
		retVals = retVals[:0]
		var total *autodiff.Node
		for t := range ret {
			feat := autodiff.Detach(traj.Latents[t].Feature())
			dist := v.net.Forward(feat)
			target := autodiff.Detach(ret[t])
			retVals = append(retVals, target.Data...)
			loss := autodiff.Neg(dist.LogProb(target))
			loss = autodiff.Add(loss, autodiff.Scale(v.slowReg(dist, feat), v.cfg.LossScales["slowreg"]))
			loss = autodiff.Mul(loss, traj.Weight[t])
			step := autodiff.MeanAll(loss)
			if total == nil {
				total = step
			} else {
				total = autodiff.Add(total, step)
			}
		}
		scale := v.cfg.LossScales["critic"] / float64(len(ret))
		return autodiff.Scale(total, scale), nil
	})
	if err != nil {
		return nil, err
	}
	v.updater.Update()
	metrics := optMetrics.Metrics("critic_" + v.name)
	for k, val := range tensorStats("ret_"+v.name, retVals) {
		metrics[k] = val
	}
	return metrics, nil
}

// slowReg pulls the online head toward its slow target: either the log
// probability of the target's point estimate or the cross entropy
// between the bin distributions.
func (v *VFunction) slowReg(dist nets.Dist, feat *autodiff.Node) *autodiff.Node {
	slow := v.slow.Forward(feat)
	switch v.cfg.CriticSlowReg {
	case "logprob":
		return autodiff.Neg(dist.LogProb(autodiff.Detach(slow.Mean())))
	case "xent":
		online := dist.(*nets.TwoHot)
		target := autodiff.Detach(slow.(*nets.TwoHot).Probs())
		logp := autodiff.LogSoftmax(online.Logits, len(online.Bins))
		return autodiff.Neg(autodiff.SumCols(autodiff.Mul(target, logp)))
	}
	panic("dreamer: unreachable slow regularizer " + v.cfg.CriticSlowReg)
}

// ImagActorCritic trains the policy on imagined trajectories against a
// weighted set of critics, each with its own return normalizer.
type ImagActorCritic struct {
	cfg      domain.Config
	act      domain.ActionSpace
	actor    *Actor
	critics  map[string]*VFunction
	names    []string
	retnorms map[string]*Moments
	opt      *Optimizer
	grad     string
}

// NewImagActorCritic wires the actor, the enumerated critics, and one
// Moments normalizer per critic. Every critic named in CriticScales
// with a nonzero weight must be supplied.
func NewImagActorCritic(cfg domain.Config, act domain.ActionSpace, featDim int, critics map[string]*VFunction, coll Collective, key autodiff.Key) (*ImagActorCritic, error) {
	ac := &ImagActorCritic{cfg: cfg, act: act, critics: critics}
	ac.grad = cfg.ActorGradCont
	if act.Discrete {
		ac.grad = cfg.ActorGradDisc
	}
	for name, scale := range cfg.CriticScales {
		if scale == 0 {
			continue
		}
		if _, ok := critics[name]; !ok {
			return nil, fmt.Errorf("%w: critic %q has scale %v but no critic was supplied", domain.ErrInvalidConfig, name, scale)
		}
		ac.names = append(ac.names, name)
	}
	sort.Strings(ac.names)
	if len(ac.names) == 0 {
		return nil, fmt.Errorf("%w: no critic has a nonzero scale", domain.ErrInvalidConfig)
	}
	ac.retnorms = make(map[string]*Moments, len(ac.names))
	for _, name := range ac.names {
		mo, err := NewMoments(cfg.RetNorm, coll)
		if err != nil {
			return nil, err
		}
		ac.retnorms[name] = mo
	}
	var err error
	ac.actor, err = NewActor(featDim, act, cfg.Actor, key.Split(0))
	if err != nil {
		return nil, err
	}
	ac.opt, err = NewOptimizer("actor", cfg.ActorOpt, coll)
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// Actor exposes the policy network.
func (ac *ImagActorCritic) Actor() *Actor { return ac.actor }

// Critics exposes the critic set.
func (ac *ImagActorCritic) Critics() map[string]*VFunction { return ac.critics }

// Retnorms exposes the per-critic return normalizers for checkpointing.
func (ac *ImagActorCritic) Retnorms() map[string]*Moments { return ac.retnorms }

// Opt returns the actor optimizer.
func (ac *ImagActorCritic) Opt() *Optimizer { return ac.opt }

// Policy samples an action for imagination. The latent is detached so
// the policy gradient reaches the dynamics only through the imagined
// transitions, not through the policy input.
func (ac *ImagActorCritic) Policy(l Latent, key autodiff.Key) *autodiff.Node {
	return ac.actor.Dist(autodiff.Detach(l.Feature())).Sample(key)
}

// Train runs one actor update and one update per critic on the same
// imagined trajectory.
func (ac *ImagActorCritic) Train(traj *Trajectory) (map[string]float64, error) {
	var metrics map[string]float64
	optMetrics, err := ac.opt.Step(ac.actor.params, func() (*autodiff.Node, error) {
		var loss *autodiff.Node
		loss, metrics = ac.Loss(traj)
		return loss, nil
	})
	if err != nil {
		return nil, err
	}
	for k, v := range optMetrics.Metrics("actor") {
		metrics[k] = v
	}
	for _, name := range ac.names {
		cm, err := ac.critics[name].Train(traj)
		if err != nil {
			return nil, err
		}
		for k, v := range cm {
			metrics[k] = v
		}
	}
	return metrics, nil
}

// Loss computes the policy gradient loss over a trajectory. The final
// timestep carries no transition and is excluded.
func (ac *ImagActorCritic) Loss(traj *Trajectory) (*autodiff.Node, map[string]float64) {
	H := traj.Horizon()
	total := 0.0
	for _, name := range ac.names {
		total += ac.cfg.CriticScales[name]
	}

	advs := make([]*autodiff.Node, H)
	metrics := make(map[string]float64)
	for _, name := range ac.names {
		_, ret, base := ac.critics[name].Score(traj)
		flat := make([]float64, 0, H*ret[0].Rows)
		for t := range ret {
			flat = append(flat, ret[t].Data...)
		}
		offset, invscale := ac.retnorms[name].Call(flat)
		scale := ac.cfg.CriticScales[name] / total
		for t := 0; t < H; t++ {
			normedRet := autodiff.Scale(autodiff.AddConst(ret[t], -offset), 1/invscale)
			normedBase := autodiff.Scale(autodiff.AddConst(base[t], -offset), 1/invscale)
			term := autodiff.Scale(autodiff.Sub(normedRet, normedBase), scale)
			if advs[t] == nil {
				advs[t] = term
			} else {
				advs[t] = autodiff.Add(advs[t], term)
			}
		}
		for k, v := range tensorStats("return_"+name, flat) {
			metrics[k] = v
		}
		metrics["retnorm_"+name+"_offset"] = offset
		metrics["retnorm_"+name+"_invscale"] = invscale
	}

	var loss *autodiff.Node
	var advVals, entVals []float64
	for t := 0; t < H; t++ {
		dist := ac.actor.Dist(autodiff.Detach(traj.Latents[t].Feature()))
		var step *autodiff.Node
		switch ac.grad {
		case "backprop":
			step = autodiff.Neg(advs[t])
		case "reinforce":
			logpi := dist.LogProb(autodiff.Detach(traj.Actions[t]))
			step = autodiff.Neg(autodiff.Mul(logpi, autodiff.Detach(advs[t])))
		default:
			panic("dreamer: unreachable actor gradient " + ac.grad)
		}
		ent := dist.Entropy()
		step = autodiff.Sub(step, autodiff.Scale(ent, ac.cfg.ActEnt))
		step = autodiff.Mul(step, traj.Weight[t])
		advVals = append(advVals, advs[t].Data...)
		entVals = append(entVals, ent.Data...)
		mean := autodiff.MeanAll(step)
		if loss == nil {
			loss = mean
		} else {
			loss = autodiff.Add(loss, mean)
		}
	}
	loss = autodiff.Scale(loss, ac.cfg.LossScales["actor"]/float64(H))

	for k, v := range tensorStats("adv", advVals) {
		metrics[k] = v
	}
	for k, v := range tensorStats("policy_ent", entVals) {
		metrics[k] = v
	}
	return loss, metrics
}
