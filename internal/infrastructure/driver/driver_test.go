package driver

import (
	"math/rand/v2"
	"testing"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/replay"
)

// scriptedEnv terminates every `period` steps and rewards 1 per step.
type scriptedEnv struct {
	period int
	step   int
	resets int
}

func (e *scriptedEnv) Spaces() (domain.ObsSpace, domain.ActionSpace) {
	return domain.ObsSpace{Sizes: map[string]int{"observation": 2}},
		domain.ActionSpace{Dim: 1}
}

func (e *scriptedEnv) Reset() map[string][]float64 {
	e.resets++
	e.step = 0
	return map[string][]float64{"observation": {float64(e.resets), 0}}
}

func (e *scriptedEnv) Step(action []float64) (map[string][]float64, float64, bool) {
	e.step++
	obs := map[string][]float64{"observation": {float64(e.resets), float64(e.step)}}
	return obs, 1, e.step >= e.period
}

func zeroPolicy(obs map[string][]float64, isFirst []float64) ([]float64, error) {
	return make([]float64, len(isFirst)), nil
}

func TestDriverRecordsAndResets(t *testing.T) {
	env := &scriptedEnv{period: 3}
	obs, act := env.Spaces()
	buf := replay.NewBuffer(obs, act, 100)
	d, err := New([]Env{env}, buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := d.Step(zeroPolicy); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if d.Steps() != 7 {
		t.Errorf("Steps = %d, want 7", d.Steps())
	}
	if buf.Len() != 7 {
		t.Errorf("buffer holds %d steps, want 7", buf.Len())
	}
	// Two completed episodes of 3 steps, reward 1 each.
	stats := d.Stats()
	if stats["episodes"] != 2 {
		t.Fatalf("episodes = %v, want 2", stats["episodes"])
	}
	if stats["episode_return"] != 3 || stats["episode_length"] != 3 {
		t.Errorf("episode return/length = %v/%v, want 3/3", stats["episode_return"], stats["episode_length"])
	}
	// Stats are cleared after reporting.
	if again := d.Stats(); again["episodes"] != 0 {
		t.Errorf("Stats not cleared: %v", again)
	}

	// The recorded stream marks episode boundaries.
	rng := rand.New(rand.NewPCG(1, 2))
	batch, err := buf.Sample(1, 7, rng)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	wantFirst := []float64{1, 0, 0, 1, 0, 0, 1}
	wantTerminal := []float64{0, 0, 1, 0, 0, 1, 0}
	for ti := 0; ti < 7; ti++ {
		if batch.IsFirst[ti][0] != wantFirst[ti] {
			t.Errorf("isFirst[%d] = %v, want %v", ti, batch.IsFirst[ti][0], wantFirst[ti])
		}
		if batch.IsTerminal[ti][0] != wantTerminal[ti] {
			t.Errorf("isTerminal[%d] = %v, want %v", ti, batch.IsTerminal[ti][0], wantTerminal[ti])
		}
	}
}

func TestDriverBatchesObservations(t *testing.T) {
	envs := []Env{&scriptedEnv{period: 100}, &scriptedEnv{period: 100}}
	obs, act := envs[0].Spaces()
	buf := replay.NewBuffer(obs, act, 100)
	d, err := New(envs, buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var sawBatch int
	policy := func(obs map[string][]float64, isFirst []float64) ([]float64, error) {
		sawBatch = len(isFirst)
		if len(obs["observation"]) != 2*2 {
			t.Errorf("batched observation has %d values, want 4", len(obs["observation"]))
		}
		return make([]float64, len(isFirst)), nil
	}
	if err := d.Step(policy); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if sawBatch != 2 {
		t.Errorf("policy saw batch %d, want 2", sawBatch)
	}
}

func TestDriverNoEnvs(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("New with no environments did not fail")
	}
}

func TestPointMassEpisode(t *testing.T) {
	env := NewPointMass(2, 10, 3)
	obs := env.Reset()
	if len(obs["observation"]) != 6 {
		t.Fatalf("observation has %d values, want 6", len(obs["observation"]))
	}
	terminalSeen := false
	for i := 0; i < 10; i++ {
		next, reward, terminal := env.Step([]float64{5, -5})
		if len(next["observation"]) != 6 {
			t.Fatalf("observation has %d values, want 6", len(next["observation"]))
		}
		if reward > 10 {
			t.Fatalf("reward %v exceeds the arrival bonus bound", reward)
		}
		if terminal {
			terminalSeen = true
			break
		}
	}
	if !terminalSeen && env.step < 10 {
		t.Fatalf("episode neither terminated nor hit the step limit")
	}
}
