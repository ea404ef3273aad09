package dreamer

import (
	"math"
	"math/rand/v2"
	"testing"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

func agentTestConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Deter = 16
	cfg.Stoch = 4
	cfg.Classes = 4
	cfg.Hidden = 16
	cfg.Encoder = domain.EncoderConfig{Layers: 1, Units: 16, Embed: 16, Symlog: true}
	cfg.Decoder = domain.DecoderConfig{Enabled: true, Layers: 1, Units: 16, Dist: "symlog_mse", MLPKeys: "observation"}
	cfg.Reward = domain.HeadConfig{Layers: 1, Units: 16, Dist: "twohot", Bins: 31, Grad: true}
	cfg.Cont = domain.HeadConfig{Layers: 1, Units: 16, Dist: "bernoulli", Grad: true}
	cfg.Actor.Layers = 1
	cfg.Actor.Units = 16
	cfg.Critic = domain.HeadConfig{Layers: 1, Units: 16, Dist: "twohot", Bins: 31}
	cfg.ImagHorizon = 3
	cfg.BatchSize = 2
	cfg.BatchLength = 4
	cfg.Seed = 7
	return cfg
}

func agentTestSpaces() (domain.ObsSpace, domain.ActionSpace) {
	return domain.ObsSpace{
			Sizes: map[string]int{"observation": 5, "image": 8},
			Image: map[string]bool{"image": true},
		}, domain.ActionSpace{Dim: 2, Discrete: false}
}

func agentTestBatch(cfg domain.Config, obs domain.ObsSpace, act domain.ActionSpace, seed uint64) *domain.Batch {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	b := domain.NewBatch(cfg.BatchSize, cfg.BatchLength, obs, act)
	for t := 0; t < b.T; t++ {
		for k := range b.Obs {
			for i := range b.Obs[k][t] {
				if obs.Image[k] {
					b.Obs[k][t][i] = float64(rng.IntN(256))
				} else {
					b.Obs[k][t][i] = rng.NormFloat64()
				}
			}
		}
		for i := range b.Action[t] {
			b.Action[t][i] = rng.Float64()*2 - 1
		}
		for i := range b.Reward[t] {
			b.Reward[t][i] = rng.Float64()
		}
	}
	for i := range b.IsFirst[0] {
		b.IsFirst[0][i] = 1
	}
	b.IsTerminal[b.T-1][0] = 1
	return b
}

func TestAgentPolicyModes(t *testing.T) {
	cfg := agentTestConfig()
	obs, act := agentTestSpaces()
	agent, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	B := 3
	raw := map[string][]float64{
		"observation": make([]float64, B*5),
		"image":       make([]float64, B*8),
	}
	isFirst := []float64{1, 1, 1}
	carry := agent.PolicyInitial(B)

	for _, mode := range []string{ModeTrain, ModeEval, ModeExplore} {
		action, entropy, next, err := agent.Policy(raw, isFirst, carry, mode)
		if err != nil {
			t.Fatalf("Policy(%s): %v", mode, err)
		}
		if len(action) != B*act.Dim {
			t.Fatalf("Policy(%s) returned %d values, want %d", mode, len(action), B*act.Dim)
		}
		if mode == ModeEval {
			for _, a := range action {
				if a < -1 || a > 1 {
					t.Errorf("eval action %v outside the squashed range", a)
				}
			}
			if entropy != 0 {
				t.Errorf("eval entropy = %v, want 0", entropy)
			}
		}
		if mode != ModeEval && entropy == 0 {
			t.Errorf("Policy(%s) entropy = 0, want the policy entropy", mode)
		}
		if next.Latent.Deter.Rows != B {
			t.Errorf("carry batch %d, want %d", next.Latent.Deter.Rows, B)
		}
	}

	if _, _, _, err := agent.Policy(raw, isFirst, carry, "dream"); err == nil {
		t.Errorf("unknown policy mode did not fail")
	}
}

func TestAgentPreprocess(t *testing.T) {
	cfg := agentTestConfig()
	obs, act := agentTestSpaces()
	agent, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := agentTestBatch(cfg, obs, act, 3)
	out := agent.preprocess(data)

	for t2 := 0; t2 < data.T; t2++ {
		for b := 0; b < data.B; b++ {
			if want := 1 - data.IsTerminal[t2][b]; out.Cont[t2][b] != want {
				t.Fatalf("cont[%d][%d] = %v, want %v", t2, b, out.Cont[t2][b], want)
			}
		}
		for i, v := range out.Obs["image"][t2] {
			if v < 0 || v >= 1 {
				t.Fatalf("image value %v at %d not scaled to [0,1)", v, i)
			}
		}
	}
}

func TestAgentTrain(t *testing.T) {
	cfg := agentTestConfig()
	obs, act := agentTestSpaces()
	agent, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := agentTestBatch(cfg, obs, act, 4)
	state := agent.TrainInitial(cfg.BatchSize)

	next, outs, metrics, err := agent.Train(data, state)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if next.Latent.Deter.Rows != cfg.BatchSize {
		t.Errorf("carry batch %d, want %d", next.Latent.Deter.Rows, cfg.BatchSize)
	}
	if len(outs.Priorities) != cfg.BatchSize {
		t.Errorf("got %d priorities, want %d", len(outs.Priorities), cfg.BatchSize)
	}
	for _, k := range []string{"model_loss", "actor_loss", "critic_extr_loss"} {
		v, ok := metrics[k]
		if !ok {
			t.Errorf("metrics missing %s", k)
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %v", k, v)
		}
	}
}

func TestAgentTrainWithAugmentation(t *testing.T) {
	cfg := agentTestConfig()
	cfg.Decoder.Enabled = false
	cfg.Aug = domain.AugConfig{
		SwAV: true, MaxDelta: 2, Proto: 8, Prototypes: 6,
		Normalizer: "sinkhorn", SinkhornIters: 3, Temperature: 0.1,
	}
	obs, act := agentTestSpaces()
	agent, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := agentTestBatch(cfg, obs, act, 5)
	state := agent.TrainInitial(cfg.BatchSize)

	next, outs, metrics, err := agent.Train(data, state)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	// The carry is split back to the unduplicated batch.
	if next.Latent.Deter.Rows != cfg.BatchSize {
		t.Errorf("carry batch %d, want %d", next.Latent.Deter.Rows, cfg.BatchSize)
	}
	if len(outs.Priorities) != cfg.BatchSize {
		t.Errorf("got %d priorities, want %d", len(outs.Priorities), cfg.BatchSize)
	}
	if _, ok := metrics["proto_loss"]; !ok {
		t.Errorf("metrics missing proto_loss")
	}
}

func TestAgentInvalidCombination(t *testing.T) {
	cfg := agentTestConfig()
	cfg.Aug.SwAV = true
	cfg.Aug.Normalizer = "sinkhorn"
	cfg.Aug.Proto = 8
	cfg.Decoder.MLPKeys = "embed"
	obs, act := agentTestSpaces()
	if _, err := New(cfg, obs, act, nil); err == nil {
		t.Fatalf("embed decoding with the clustering auxiliary did not fail")
	}
}

func TestAgentSnapshotRestore(t *testing.T) {
	cfg := agentTestConfig()
	obs, act := agentTestSpaces()
	agent, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := agentTestBatch(cfg, obs, act, 6)
	state := agent.TrainInitial(cfg.BatchSize)
	if _, _, _, err := agent.Train(data, state); err != nil {
		t.Fatalf("Train: %v", err)
	}
	snap := agent.Snapshot()

	restored, err := New(cfg, obs, act, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Identical state and inputs must produce identical actions.
	raw := map[string][]float64{
		"observation": make([]float64, 5),
		"image":       make([]float64, 8),
	}
	a1, _, _, err := agent.Policy(raw, []float64{1}, agent.PolicyInitial(1), ModeEval)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	a2, _, _, err := restored.Policy(raw, []float64{1}, restored.PolicyInitial(1), ModeEval)
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("restored action[%d] = %v, want %v", i, a2[i], a1[i])
		}
	}
}
