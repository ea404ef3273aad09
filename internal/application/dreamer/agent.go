// Package dreamer composes the world model and actor-critic into the
// agent surface consumed by drivers: act, train, report, checkpoint.
package dreamer

import (
	"fmt"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	core "github.com/aagha6/dreamerv3/internal/infrastructure/dreamer"
)

// Policy modes.
const (
	ModeTrain   = "train"
	ModeEval    = "eval"
	ModeExplore = "explore"
)

// PolicyCarry is the recurrent inference state of the acting policy.
type PolicyCarry struct {
	Latent core.Latent
	Action *autodiff.Node
}

// Snapshot is the full serializable agent state. All fields are plain
// maps and value structs so gob round-trips them exactly.
type Snapshot struct {
	Params   map[string][]float64
	Opts     map[string]core.OptimizerState
	Retnorms map[string]core.MomentsState
	Updaters map[string]int
	Calls    uint64
}

// Agent owns the full training stack for one environment.
type Agent struct {
	cfg domain.Config
	obs domain.ObsSpace
	act domain.ActionSpace

	wm *core.WorldModel
	ac *core.ImagActorCritic

	key   autodiff.Key
	calls uint64
}

// New validates the configuration and builds the agent.
func New(cfg domain.Config, obs domain.ObsSpace, act domain.ActionSpace, coll core.Collective) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := autodiff.NewKey(cfg.Seed)
	wm, err := core.NewWorldModel(cfg, obs, act, coll, key.Split(1))
	if err != nil {
		return nil, err
	}
	featDim := cfg.Deter + wm.RSSM().StochDim()

	// Task reward critic; transition t is scored by the reward decoded
	// from the state it leads into.
	extrReward := func(traj *core.Trajectory) []*autodiff.Node {
		out := make([]*autodiff.Node, traj.Horizon())
		for t := range out {
			out[t] = wm.Reward().Forward(traj.Latents[t+1].Feature()).Mean()
		}
		return out
	}
	extr, err := core.NewVFunction("extr", featDim, extrReward, cfg, coll, key.Split(2))
	if err != nil {
		return nil, err
	}
	critics := map[string]*core.VFunction{"extr": extr}
	ac, err := core.NewImagActorCritic(cfg, act, featDim, critics, coll, key.Split(3))
	if err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, obs: obs, act: act, wm: wm, ac: ac, key: key}, nil
}

// Config returns the agent's hyperparameters.
func (a *Agent) Config() domain.Config { return a.cfg }

// WorldModel exposes the model component.
func (a *Agent) WorldModel() *core.WorldModel { return a.wm }

// PolicyInitial returns the inference carry for freshly reset episodes.
func (a *Agent) PolicyInitial(batch int) PolicyCarry {
	return PolicyCarry{
		Latent: a.wm.RSSM().Initial(batch),
		Action: autodiff.Zeros(batch, a.act.Dim),
	}
}

// TrainInitial returns the training carry for a fresh window stream.
func (a *Agent) TrainInitial(batch int) core.CarryState {
	return a.wm.Initial(batch)
}

// Policy embeds one observation step, updates the latent with the
// posterior, and returns a flat [batch*actDim] action plus the mean
// policy entropy. Eval mode takes the distribution mode and reports
// zero entropy.
func (a *Agent) Policy(obs map[string][]float64, isFirst []float64, carry PolicyCarry, mode string) ([]float64, float64, PolicyCarry, error) {
	switch mode {
	case ModeTrain, ModeEval, ModeExplore:
	default:
		return nil, 0, carry, fmt.Errorf("%w: policy mode %q", domain.ErrNotImplemented, mode)
	}
	a.calls++
	key := a.key.Split(a.calls)

	B := len(isFirst)
	nodes := make(map[string]*autodiff.Node, len(obs))
	for k, vals := range obs {
		size, ok := a.obs.Sizes[k]
		if !ok {
			return nil, 0, carry, fmt.Errorf("%w: unknown observation key %q", domain.ErrInvalidConfig, k)
		}
		if len(vals) != B*size {
			return nil, 0, carry, fmt.Errorf("%w: observation %q has %d values, want %d", domain.ErrInvalidConfig, k, len(vals), B*size)
		}
		nodes[k] = autodiff.New(B, size, scaleObs(k, vals, a.obs))
	}
	embed := a.wm.Encoder().Forward(nodes)
	post, _ := a.wm.RSSM().ObsStep(carry.Latent, carry.Action, embed, isFirst, key.Split(0))

	dist := a.ac.Actor().Dist(autodiff.Detach(post.Feature()))
	var action *autodiff.Node
	entropy := 0.0
	if mode == ModeEval {
		action = dist.Mode()
	} else {
		action = dist.Sample(key.Split(1))
		ent := dist.Entropy()
		for _, v := range ent.Data {
			entropy += v
		}
		entropy /= float64(len(ent.Data))
	}
	out := append([]float64(nil), action.Data...)
	next := PolicyCarry{
		Latent: post.Detach(),
		Action: autodiff.New(B, a.act.Dim, append([]float64(nil), action.Data...)),
	}
	return out, entropy, next, nil
}

// Train runs one full update: world model on real windows, then actor
// and critics on trajectories imagined from every posterior state.
// With the clustering auxiliary the batch is duplicated and the image
// copy randomly translated; the carry is split back to one copy before
// returning.
func (a *Agent) Train(data *domain.Batch, state core.CarryState) (core.CarryState, *core.WMOuts, map[string]float64, error) {
	a.calls++
	key := a.key.Split(a.calls)

	batch := a.preprocess(data)
	carry := state
	if a.cfg.Aug.SwAV {
		batch = a.augment(batch, key.Split(3))
		carry = core.DuplicateCarry(state)
	}
	next, outs, metrics, err := a.wm.Train(batch, carry, key.Split(0))
	if err != nil {
		return state, nil, nil, err
	}

	starts := core.FlattenLatents(outs.Posts)
	firstCont := make([]float64, 0, batch.T*batch.B)
	for t := 0; t < batch.T; t++ {
		firstCont = append(firstCont, batch.Cont[t]...)
	}
	traj := a.wm.Imagine(a.ac.Policy, starts, firstCont, a.cfg.ImagHorizon, key.Split(1))
	acMetrics, err := a.ac.Train(traj)
	if err != nil {
		return state, nil, nil, err
	}
	for k, v := range acMetrics {
		metrics[k] = v
	}
	if a.cfg.Aug.SwAV {
		outs.Priorities = outs.Priorities[:data.B]
		next = core.SplitCarry(next, data.B)
	}
	return next, outs, metrics, nil
}

// Report computes diagnostics on a batch without any parameter update.
func (a *Agent) Report(data *domain.Batch) map[string]float64 {
	a.calls++
	return a.wm.Report(a.preprocess(data), a.key.Split(a.calls))
}

// preprocess copies the batch, scales image bytes to [0,1), and fills
// the continuation flag from the terminal flag.
func (a *Agent) preprocess(data *domain.Batch) *domain.Batch {
	out := domain.NewBatch(data.B, data.T, a.obs, a.act)
	out.SampleIDs = data.SampleIDs
	for t := 0; t < data.T; t++ {
		for k := range data.Obs {
			copy(out.Obs[k][t], scaleObs(k, data.Obs[k][t], a.obs))
		}
		copy(out.Action[t], data.Action[t])
		copy(out.Reward[t], data.Reward[t])
		copy(out.IsFirst[t], data.IsFirst[t])
		copy(out.IsTerminal[t], data.IsTerminal[t])
		for b := 0; b < data.B; b++ {
			out.Cont[t][b] = 1 - data.IsTerminal[t][b]
		}
	}
	return out
}

// augment doubles the batch for the swap-assignment loss. The second
// copy gets its image modalities randomly translated so the two views
// of each sequence differ.
func (a *Agent) augment(data *domain.Batch, key autodiff.Key) *domain.Batch {
	out := domain.NewBatch(2*data.B, data.T, a.obs, a.act)
	out.SampleIDs = data.SampleIDs
	rng := key.Source()
	dup := func(dst, src []float64, dim int) {
		copy(dst[:data.B*dim], src)
		copy(dst[data.B*dim:], src)
	}
	for t := 0; t < data.T; t++ {
		dup(out.Action[t], data.Action[t], a.act.Dim)
		dup(out.Reward[t], data.Reward[t], 1)
		dup(out.IsFirst[t], data.IsFirst[t], 1)
		dup(out.IsTerminal[t], data.IsTerminal[t], 1)
		dup(out.Cont[t], data.Cont[t], 1)
		for k := range data.Obs {
			dim := a.obs.Sizes[k]
			dup(out.Obs[k][t], data.Obs[k][t], dim)
			if !a.obs.Image[k] || a.cfg.Aug.MaxDelta == 0 {
				continue
			}
			for b := 0; b < data.B; b++ {
				row := out.Obs[k][t][(data.B+b)*dim : (data.B+b+1)*dim]
				delta := rng.IntN(2*a.cfg.Aug.MaxDelta+1) - a.cfg.Aug.MaxDelta
				translate(row, delta)
			}
		}
	}
	return out
}

// translate shifts a flattened image row by delta cells, zero filling
// the exposed edge.
func translate(row []float64, delta int) {
	if delta == 0 {
		return
	}
	n := len(row)
	shifted := make([]float64, n)
	for i := 0; i < n; i++ {
		j := i - delta
		if j >= 0 && j < n {
			shifted[i] = row[j]
		}
	}
	copy(row, shifted)
}

// scaleObs converts raw observation values to floats, scaling image
// bytes into [0,1).
func scaleObs(key string, vals []float64, obs domain.ObsSpace) []float64 {
	out := make([]float64, len(vals))
	if obs.Image[key] {
		for i, v := range vals {
			out[i] = v / 255.0
		}
		return out
	}
	copy(out, vals)
	return out
}

// Snapshot captures every parameter, optimizer, normalizer, and
// updater so a restored agent continues bit-for-bit.
func (a *Agent) Snapshot() *Snapshot {
	s := &Snapshot{
		Params:   make(map[string][]float64),
		Opts:     make(map[string]core.OptimizerState),
		Retnorms: make(map[string]core.MomentsState),
		Updaters: make(map[string]int),
		Calls:    a.calls,
	}
	merge := func(state map[string][]float64) {
		for k, v := range state {
			s.Params[k] = v
		}
	}
	merge(a.wm.Trainable().State())
	for _, p := range a.wm.SlowModules() {
		merge(p.State())
	}
	merge(a.ac.Actor().Params().State())
	for _, v := range a.ac.Critics() {
		merge(v.Params().State())
		merge(v.SlowParams().State())
		s.Opts["critic_"+v.Name()] = v.Opt().State()
		s.Updaters["critic_"+v.Name()] = v.Updater().Updates()
	}
	s.Opts["model"] = a.wm.Opt().State()
	s.Opts["actor"] = a.ac.Opt().State()
	for name, mo := range a.ac.Retnorms() {
		s.Retnorms[name] = mo.State()
	}
	for name, u := range a.wm.Updaters() {
		s.Updaters[name] = u.Updates()
	}
	return s
}

// Restore loads a snapshot taken by Snapshot.
func (a *Agent) Restore(s *Snapshot) error {
	if err := a.wm.Trainable().LoadState(s.Params); err != nil {
		return err
	}
	for _, p := range a.wm.SlowModules() {
		if err := p.LoadState(s.Params); err != nil {
			return err
		}
	}
	if err := a.ac.Actor().Params().LoadState(s.Params); err != nil {
		return err
	}
	for _, v := range a.ac.Critics() {
		if err := v.Params().LoadState(s.Params); err != nil {
			return err
		}
		if err := v.SlowParams().LoadState(s.Params); err != nil {
			return err
		}
		if st, ok := s.Opts["critic_"+v.Name()]; ok {
			v.Opt().LoadState(st)
		}
		if n, ok := s.Updaters["critic_"+v.Name()]; ok {
			v.Updater().SetUpdates(n)
		}
	}
	a.wm.Opt().LoadState(s.Opts["model"])
	a.ac.Opt().LoadState(s.Opts["actor"])
	for name, mo := range a.ac.Retnorms() {
		if st, ok := s.Retnorms[name]; ok {
			mo.LoadState(st)
		}
	}
	for name, u := range a.wm.Updaters() {
		if n, ok := s.Updaters[name]; ok {
			u.SetUpdates(n)
		}
	}
	a.calls = s.Calls
	return nil
}
