package dreamer

import (
	"fmt"
	"math"
	"sort"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// CarryState is the recurrent training state carried between windows:
// the last posterior and the last action, enabling truncated
// backpropagation through time across batches.
type CarryState struct {
	Latent Latent
	Action *autodiff.Node
}

// Trajectory is an imagined rollout of H+1 steps including the real
// starting step. Cont is the pseudo-continue flag and Weight the
// discounted survival probability; neither carries gradient.
type Trajectory struct {
	Latents []Latent
	Actions []*autodiff.Node
	Cont    []*autodiff.Node
	Weight  []*autodiff.Node
}

// Horizon returns the number of imagined transitions.
func (t *Trajectory) Horizon() int { return len(t.Latents) - 1 }

// WMOuts are the world-model training outputs consumed downstream.
type WMOuts struct {
	Posts      []Latent
	Embeds     []*autodiff.Node
	Priorities []float64
}

// WorldModel wraps encoder, RSSM, and prediction heads and computes
// the multi-term model loss.
type WorldModel struct {
	cfg domain.Config
	obs domain.ObsSpace
	act domain.ActionSpace

	encParams  *nets.Params
	headParams *nets.Params
	encoder    *nets.MultiEncoder
	rssm       *RSSM

	reward  *nets.Head
	cont    *nets.Head
	decoder map[string]*nets.Head
	decKeys []string

	proto      *ProtoBank
	projParams *nets.Params
	obsProj    *nets.Linear

	emaEncParams  *nets.Params
	emaEncoder    *nets.MultiEncoder
	emaProjParams *nets.Params
	emaProj       *nets.Linear
	encUpdater    *SlowUpdater
	projUpdater   *SlowUpdater

	opt       *Optimizer
	trainable *nets.Params
}

// NewWorldModel builds all model components. Configuration errors are
// returned immediately and are fatal for the caller.
func NewWorldModel(cfg domain.Config, obs domain.ObsSpace, act domain.ActionSpace, coll Collective, key autodiff.Key) (*WorldModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wm := &WorldModel{cfg: cfg, obs: obs, act: act}
	wm.encParams = nets.NewParams("enc")
	wm.encoder = nets.NewMultiEncoder(wm.encParams, obs, cfg.Encoder, key.Split(0))
	wm.rssm = NewRSSM(cfg, act.Dim, cfg.Encoder.Embed, key.Split(1))

	wm.headParams = nets.NewParams("heads")
	featDim := cfg.Deter + wm.rssm.StochDim()
	var err error
	wm.reward, err = nets.NewHead(wm.headParams, "reward", featDim, 1, cfg.Reward, key.Split(2))
	if err != nil {
		return nil, err
	}
	wm.cont, err = nets.NewHead(wm.headParams, "cont", featDim, 1, cfg.Cont, key.Split(3))
	if err != nil {
		return nil, err
	}

	if cfg.Decoder.Enabled && !cfg.Aug.SwAV {
		wm.decoder = make(map[string]*nets.Head)
		if cfg.Decoder.MLPKeys == "embed" {
			head, err := nets.NewHead(wm.headParams, "dec/embed", featDim, cfg.Encoder.Embed,
				domain.HeadConfig{Layers: cfg.Decoder.Layers, Units: cfg.Decoder.Units, Dist: cfg.Decoder.Dist, Grad: true}, key.Split(4))
			if err != nil {
				return nil, err
			}
			wm.decoder["embed"] = head
			wm.decKeys = []string{"embed"}
		} else {
			for k := range obs.Sizes {
				wm.decKeys = append(wm.decKeys, k)
			}
			sort.Strings(wm.decKeys)
			for i, k := range wm.decKeys {
				head, err := nets.NewHead(wm.headParams, "dec/"+k, featDim, obs.Sizes[k],
					domain.HeadConfig{Layers: cfg.Decoder.Layers, Units: cfg.Decoder.Units, Dist: cfg.Decoder.Dist, Grad: true}, key.Split(4).Split(uint64(i)))
				if err != nil {
					return nil, err
				}
				wm.decoder[k] = head
			}
		}
	}

	modules := []*nets.Params{wm.encParams, wm.rssm.Params(), wm.headParams}
	if cfg.Aug.SwAV {
		wm.proto, err = NewProtoBank(cfg.Aug.Proto, cfg.NumPrototypes(), cfg.Aug, key.Split(5))
		if err != nil {
			return nil, err
		}
		wm.projParams = nets.NewParams("obs_proj")
		wm.obsProj = nets.NewLinear(wm.projParams, "proj", cfg.Encoder.Embed, cfg.Aug.Proto, key.Split(6))

		wm.emaEncParams = nets.NewParams("slow_enc")
		wm.emaEncoder = nets.NewMultiEncoder(wm.emaEncParams, obs, cfg.Encoder, key.Split(7))
		wm.emaProjParams = nets.NewParams("ema_proj")
		wm.emaProj = nets.NewLinear(wm.emaProjParams, "proj", cfg.Encoder.Embed, cfg.Aug.Proto, key.Split(8))
		wm.encUpdater = NewSlowUpdater(wm.encParams, wm.emaEncParams, cfg.SlowCriticFraction, cfg.SlowCriticUpdate)
		wm.projUpdater = NewSlowUpdater(wm.projParams, wm.emaProjParams, cfg.SlowCriticFraction, cfg.SlowCriticUpdate)
		modules = append(modules, wm.projParams, wm.proto.Params())
	}
	wm.trainable = nets.Merge(modules...)

	wm.opt, err = NewOptimizer("model", cfg.ModelOpt, coll)
	if err != nil {
		return nil, err
	}
	if wm.proto != nil {
		wm.opt.Freeze(wm.proto.Prototypes())
	}
	return wm, nil
}

// RSSM exposes the dynamics core.
func (wm *WorldModel) RSSM() *RSSM { return wm.rssm }

// Encoder exposes the observation encoder for policy-side inference.
func (wm *WorldModel) Encoder() *nets.MultiEncoder { return wm.encoder }

// Updaters returns the slow-copy updaters by name for checkpointing.
func (wm *WorldModel) Updaters() map[string]*SlowUpdater {
	out := make(map[string]*SlowUpdater, 2)
	if wm.encUpdater != nil {
		out["slow_enc"] = wm.encUpdater
	}
	if wm.projUpdater != nil {
		out["ema_proj"] = wm.projUpdater
	}
	return out
}

// Reward exposes the reward head for critic reward functions.
func (wm *WorldModel) Reward() *nets.Head { return wm.reward }

// Opt exposes the model optimizer for checkpointing.
func (wm *WorldModel) Opt() *Optimizer { return wm.opt }

// Trainable returns the merged trainable parameter view.
func (wm *WorldModel) Trainable() *nets.Params { return wm.trainable }

// SlowModules returns the shadow parameter containers, nil entries
// removed, for checkpointing.
func (wm *WorldModel) SlowModules() []*nets.Params {
	var out []*nets.Params
	if wm.emaEncParams != nil {
		out = append(out, wm.emaEncParams)
	}
	if wm.emaProjParams != nil {
		out = append(out, wm.emaProjParams)
	}
	return out
}

// Initial returns the training carry for a fresh window sequence.
func (wm *WorldModel) Initial(batch int) CarryState {
	return CarryState{
		Latent: wm.rssm.Initial(batch),
		Action: autodiff.Zeros(batch, wm.act.Dim),
	}
}

// Train runs one optimizer step on the model loss and maintains the
// slow encoder/projection copies.
func (wm *WorldModel) Train(data *domain.Batch, state CarryState, key autodiff.Key) (CarryState, *WMOuts, map[string]float64, error) {
	var next CarryState
	var outs *WMOuts
	var metrics map[string]float64
	optMetrics, err := wm.opt.Step(wm.trainable, func() (*autodiff.Node, error) {
		var loss *autodiff.Node
		loss, next, outs, metrics = wm.Loss(data, state, key)
		return loss, nil
	})
	if err != nil {
		return state, nil, nil, err
	}
	if wm.encUpdater != nil {
		wm.encUpdater.Update()
	}
	if wm.projUpdater != nil {
		wm.projUpdater.Update()
	}
	for k, v := range optMetrics.Metrics("model") {
		metrics[k] = v
	}
	return next, outs, metrics, nil
}

// Loss computes the scalar model loss over one window and the carry
// for the next one.
func (wm *WorldModel) Loss(data *domain.Batch, state CarryState, key autodiff.Key) (*autodiff.Node, CarryState, *WMOuts, map[string]float64) {
	data.Check(wm.act)
	B, T := data.B, data.T

	embeds := make([]*autodiff.Node, T)
	obsNodes := make([]map[string]*autodiff.Node, T)
	for t := 0; t < T; t++ {
		obsNodes[t] = make(map[string]*autodiff.Node, len(data.Obs))
		for k, rows := range data.Obs {
			obsNodes[t][k] = autodiff.New(B, wm.obs.Sizes[k], append([]float64(nil), rows[t]...))
		}
		embeds[t] = wm.encoder.Forward(obsNodes[t])
	}

	// Actions are shifted: step t consumes the action that led into it.
	prevActions := make([]*autodiff.Node, T)
	prevActions[0] = state.Action
	for t := 1; t < T; t++ {
		prevActions[t] = autodiff.New(B, wm.act.Dim, append([]float64(nil), data.Action[t-1]...))
	}

	posts, priors := wm.rssm.Observe(embeds, prevActions, data.IsFirst, state.Latent, key.Split(0))

	losses := make(map[string]*autodiff.Node)
	losses["dyn"] = wm.rssm.DynLoss(posts, priors, wm.cfg.FreeNats)
	losses["rep"] = wm.rssm.RepLoss(posts, priors, wm.cfg.FreeNats)

	perExample := make([]float64, B)
	headLoss := func(head *nets.Head, grad bool, target func(t int) *autodiff.Node) *autodiff.Node {
		var total *autodiff.Node
		for t := 0; t < T; t++ {
			feat := posts[t].Feature()
			if !grad {
				feat = autodiff.Detach(feat)
			}
			nll := autodiff.Neg(head.Forward(feat).LogProb(target(t)))
			for b := 0; b < B; b++ {
				perExample[b] += nll.Data[b]
			}
			step := autodiff.MeanAll(nll)
			if total == nil {
				total = step
			} else {
				total = autodiff.Add(total, step)
			}
		}
		return autodiff.Scale(total, 1/float64(T))
	}

	losses["reward"] = headLoss(wm.reward, wm.cfg.Reward.Grad, func(t int) *autodiff.Node {
		return autodiff.New(B, 1, append([]float64(nil), data.Reward[t]...))
	})
	losses["cont"] = headLoss(wm.cont, wm.cfg.Cont.Grad, func(t int) *autodiff.Node {
		return autodiff.New(B, 1, append([]float64(nil), data.Cont[t]...))
	})
	for _, k := range wm.decKeys {
		k := k
		var target func(t int) *autodiff.Node
		if k == "embed" {
			target = func(t int) *autodiff.Node { return autodiff.Detach(embeds[t]) }
		} else {
			target = func(t int) *autodiff.Node {
				return autodiff.New(B, wm.obs.Sizes[k], append([]float64(nil), data.Obs[k][t]...))
			}
		}
		losses["dec_"+k] = headLoss(wm.decoder[k], true, target)
	}

	if wm.proto != nil {
		var total *autodiff.Node
		for t := 0; t < T; t++ {
			cur := wm.obsProj.Forward(embeds[t])
			ema := autodiff.Detach(wm.emaProj.Forward(wm.emaEncoder.Forward(obsNodes[t])))
			step := wm.proto.Loss(cur, ema)
			if total == nil {
				total = step
			} else {
				total = autodiff.Add(total, step)
			}
		}
		losses["proto"] = autodiff.Scale(total, 1/float64(T))
	}

	var model *autodiff.Node
	for name, value := range losses {
		scaled := autodiff.Scale(value, wm.lossScale(name))
		if model == nil {
			model = scaled
		} else {
			model = autodiff.Add(model, scaled)
		}
	}

	last := T - 1
	next := CarryState{
		Latent: posts[last].Detach(),
		Action: autodiff.New(B, wm.act.Dim, append([]float64(nil), data.Action[last]...)),
	}
	outs := &WMOuts{Posts: posts, Embeds: embeds, Priorities: perExample}
	for b := range outs.Priorities {
		outs.Priorities[b] /= float64(T)
	}

	metrics := wm.lossMetrics(losses, posts, priors, model.Value())
	return model, next, outs, metrics
}

// Imagine unrolls the prior under the policy, fills the continuation
// signal from the real terminal flag (first step) and the continue
// head (later steps), and computes the discounted survival weight.
func (wm *WorldModel) Imagine(policy func(Latent, autodiff.Key) *autodiff.Node, start Latent, firstCont []float64, horizon int, key autodiff.Key) *Trajectory {
	latents, actions := wm.rssm.Imagine(policy, start, horizon, key)
	traj := &Trajectory{Latents: latents, Actions: actions}
	n := start.Deter.Rows
	if len(firstCont) != n {
		panic(fmt.Sprintf("dreamer: first continuation has %d entries for %d rollouts", len(firstCont), n))
	}
	traj.Cont = make([]*autodiff.Node, horizon+1)
	traj.Cont[0] = autodiff.New(n, 1, append([]float64(nil), firstCont...))
	for t := 1; t <= horizon; t++ {
		traj.Cont[t] = wm.cont.Forward(autodiff.Detach(latents[t].Feature())).Mode()
	}
	discount := wm.cfg.Discount()
	traj.Weight = make([]*autodiff.Node, horizon+1)
	running := make([]float64, n)
	for i := range running {
		running[i] = 1
	}
	for t := 0; t <= horizon; t++ {
		for i := 0; i < n; i++ {
			running[i] *= discount * traj.Cont[t].Data[i]
		}
		w := make([]float64, n)
		for i := range w {
			w[i] = running[i] / discount
		}
		traj.Weight[t] = autodiff.New(n, 1, w)
	}
	return traj
}

// Report computes diagnostic metrics on held-out data without updating
// parameters.
func (wm *WorldModel) Report(data *domain.Batch, key autodiff.Key) map[string]float64 {
	_, _, _, metrics := wm.Loss(data, wm.Initial(data.B), key)
	report := make(map[string]float64, len(metrics)+8)
	for k, v := range metrics {
		report[k] = v
	}
	// Balance statistics of the binary-ish heads on this batch.
	feat := func(l Latent) *autodiff.Node { return autodiff.Detach(l.Feature()) }
	posts, _ := wm.observeFor(data, key)
	var rewPred, rewTrue, contPred, contTrue []float64
	for t := 0; t < data.T; t++ {
		rewPred = append(rewPred, wm.reward.Forward(feat(posts[t])).Mean().Data...)
		rewTrue = append(rewTrue, data.Reward[t]...)
		contPred = append(contPred, wm.cont.Forward(feat(posts[t])).Mean().Data...)
		contTrue = append(contTrue, data.Cont[t]...)
	}
	for k, v := range balanceStats("reward", rewPred, rewTrue, 0.1) {
		report[k] = v
	}
	for k, v := range balanceStats("cont", contPred, contTrue, 0.5) {
		report[k] = v
	}
	for k, v := range wm.openLoopStats(data, key.Split(1)) {
		report[k] = v
	}
	return report
}

// openLoopStats observes the first half of each sequence and rolls the
// prior forward over the second half with the recorded actions. Decoder
// error on the imagined half measures long-horizon prediction quality.
func (wm *WorldModel) openLoopStats(data *domain.Batch, key autodiff.Key) map[string]float64 {
	stats := make(map[string]float64)
	if len(wm.decoder) == 0 || data.T < 4 {
		return stats
	}
	if _, ok := wm.decoder["embed"]; ok {
		return stats
	}
	B, T := data.B, data.T
	ctx := T / 2

	state := wm.rssm.Initial(B)
	prevAction := autodiff.Zeros(B, wm.act.Dim)
	for t := 0; t < ctx; t++ {
		obs := make(map[string]*autodiff.Node, len(data.Obs))
		for k, rows := range data.Obs {
			obs[k] = autodiff.New(B, wm.obs.Sizes[k], append([]float64(nil), rows[t]...))
		}
		embed := wm.encoder.Forward(obs)
		state, _ = wm.rssm.ObsStep(state, prevAction, embed, data.IsFirst[t], key.Split(uint64(t)))
		prevAction = autodiff.New(B, wm.act.Dim, append([]float64(nil), data.Action[t]...))
	}

	sums := make(map[string]float64, len(wm.decoder))
	for t := ctx; t < T; t++ {
		state = wm.rssm.ImgStep(state, prevAction, key.Split(uint64(T+t)))
		prevAction = autodiff.New(B, wm.act.Dim, append([]float64(nil), data.Action[t]...))
		feat := autodiff.Detach(state.Feature())
		for k, head := range wm.decoder {
			pred := head.Forward(feat).Mean()
			rows := data.Obs[k][t]
			var se float64
			for i, v := range pred.Data {
				d := v - rows[i]
				se += d * d
			}
			sums[k] += se / float64(len(pred.Data))
		}
	}
	for k, s := range sums {
		stats["openloop_"+k+"_mse"] = s / float64(T-ctx)
	}
	return stats
}

func (wm *WorldModel) observeFor(data *domain.Batch, key autodiff.Key) ([]Latent, []Latent) {
	B, T := data.B, data.T
	embeds := make([]*autodiff.Node, T)
	for t := 0; t < T; t++ {
		obs := make(map[string]*autodiff.Node, len(data.Obs))
		for k, rows := range data.Obs {
			obs[k] = autodiff.New(B, wm.obs.Sizes[k], append([]float64(nil), rows[t]...))
		}
		embeds[t] = wm.encoder.Forward(obs)
	}
	actions := make([]*autodiff.Node, T)
	actions[0] = autodiff.Zeros(B, wm.act.Dim)
	for t := 1; t < T; t++ {
		actions[t] = autodiff.New(B, wm.act.Dim, append([]float64(nil), data.Action[t-1]...))
	}
	return wm.rssm.Observe(embeds, actions, data.IsFirst, wm.rssm.Initial(B), key)
}

func (wm *WorldModel) lossScale(name string) float64 {
	if v, ok := wm.cfg.LossScales[name]; ok {
		return v
	}
	if len(name) > 4 && name[:4] == "dec_" {
		if v, ok := wm.cfg.LossScales["decoder"]; ok {
			return v
		}
	}
	return 1
}

func (wm *WorldModel) lossMetrics(losses map[string]*autodiff.Node, posts, priors []Latent, model float64) map[string]float64 {
	metrics := map[string]float64{"model_loss": model}
	for name, value := range losses {
		metrics[name+"_loss"] = value.Value()
	}
	var postEnt, priorEnt []float64
	for t := range posts {
		postEnt = append(postEnt, wm.rssm.Dist(posts[t]).Entropy().Data...)
		priorEnt = append(priorEnt, wm.rssm.Dist(priors[t]).Entropy().Data...)
	}
	for k, v := range tensorStats("post_ent", postEnt) {
		metrics[k] = v
	}
	for k, v := range tensorStats("prior_ent", priorEnt) {
		metrics[k] = v
	}
	return metrics
}

// DuplicateCarry doubles the carry along the batch axis, used when the
// training batch is duplicated for the two-view auxiliary.
func DuplicateCarry(s CarryState) CarryState {
	dup := func(n *autodiff.Node) *autodiff.Node {
		if n == nil {
			return nil
		}
		data := make([]float64, 0, 2*len(n.Data))
		data = append(data, n.Data...)
		data = append(data, n.Data...)
		return autodiff.New(2*n.Rows, n.Cols, data)
	}
	return CarryState{
		Latent: Latent{
			Deter: dup(s.Latent.Deter), Stoch: dup(s.Latent.Stoch),
			Logit: dup(s.Latent.Logit), Mean: dup(s.Latent.Mean), Std: dup(s.Latent.Std),
		},
		Action: dup(s.Action),
	}
}

// SplitCarry keeps the first b batch rows of a carry, undoing
// DuplicateCarry after training.
func SplitCarry(s CarryState, b int) CarryState {
	cut := func(n *autodiff.Node) *autodiff.Node {
		if n == nil {
			return nil
		}
		return autodiff.New(b, n.Cols, append([]float64(nil), n.Data[:b*n.Cols]...))
	}
	return CarryState{
		Latent: Latent{
			Deter: cut(s.Latent.Deter), Stoch: cut(s.Latent.Stoch),
			Logit: cut(s.Latent.Logit), Mean: cut(s.Latent.Mean), Std: cut(s.Latent.Std),
		},
		Action: cut(s.Action),
	}
}

// FlattenLatents stacks a sequence of [B,...] latents into one
// detached [T*B,...] latent usable as imagination start states. Rows
// are ordered time-major to match flattened per-step flags.
func FlattenLatents(seq []Latent) Latent {
	stack := func(pick func(Latent) *autodiff.Node) *autodiff.Node {
		first := pick(seq[0])
		if first == nil {
			return nil
		}
		rows, cols := 0, first.Cols
		data := make([]float64, 0, len(seq)*len(first.Data))
		for _, l := range seq {
			n := pick(l)
			data = append(data, n.Data...)
			rows += n.Rows
		}
		return autodiff.New(rows, cols, data)
	}
	return Latent{
		Deter: stack(func(l Latent) *autodiff.Node { return l.Deter }),
		Stoch: stack(func(l Latent) *autodiff.Node { return l.Stoch }),
		Logit: stack(func(l Latent) *autodiff.Node { return l.Logit }),
		Mean:  stack(func(l Latent) *autodiff.Node { return l.Mean }),
		Std:   stack(func(l Latent) *autodiff.Node { return l.Std }),
	}
}

// tensorStats summarizes a value stream the way the report stream
// expects: mean, std, magnitude, extrema.
func tensorStats(prefix string, vals []float64) map[string]float64 {
	if len(vals) == 0 {
		return nil
	}
	mean := meanOf(vals)
	var varSum, mag float64
	minV, maxV := vals[0], vals[0]
	for _, v := range vals {
		varSum += (v - mean) * (v - mean)
		if a := math.Abs(v); a > mag {
			mag = a
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return map[string]float64{
		prefix + "_mean": mean,
		prefix + "_std":  math.Sqrt(varSum / float64(len(vals))),
		prefix + "_mag":  mag,
		prefix + "_min":  minV,
		prefix + "_max":  maxV,
	}
}

// balanceStats splits a binary-threshold prediction stream into
// positive and negative accuracy, mirroring the training diagnostics
// of the reward and continuation heads.
func balanceStats(prefix string, pred, target []float64, thres float64) map[string]float64 {
	var pos, neg, posAcc, negAcc, sum, predSum float64
	for i := range target {
		p := 0.0
		if pred[i] > thres {
			p = 1
		}
		if target[i] > thres {
			pos++
			posAcc += p
		} else {
			neg++
			negAcc += 1 - p
		}
		sum += target[i]
		predSum += pred[i]
	}
	out := map[string]float64{
		prefix + "_rate": pos / float64(len(target)),
		prefix + "_avg":  sum / float64(len(target)),
		prefix + "_pred": predSum / float64(len(target)),
	}
	if pos > 0 {
		out[prefix+"_pos_acc"] = posAcc / pos
	}
	if neg > 0 {
		out[prefix+"_neg_acc"] = negAcc / neg
	}
	return out
}
