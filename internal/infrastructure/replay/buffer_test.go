package replay

import (
	"errors"
	"math/rand/v2"
	"testing"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

func testSpaces() (domain.ObsSpace, domain.ActionSpace) {
	return domain.ObsSpace{Sizes: map[string]int{"observation": 3}},
		domain.ActionSpace{Dim: 2}
}

func testStep(v float64, first, terminal bool) Step {
	return Step{
		Obs:        map[string][]float64{"observation": {v, v + 0.1, v + 0.2}},
		Action:     []float64{v, -v},
		Reward:     v,
		IsFirst:    first,
		IsTerminal: terminal,
	}
}

func fill(b *Buffer, env, n int, offset float64) {
	for i := 0; i < n; i++ {
		b.Add(env, testStep(offset+float64(i), i == 0, false))
	}
}

func TestBufferSampleShapes(t *testing.T) {
	obs, act := testSpaces()
	buf := NewBuffer(obs, act, 100)
	fill(buf, 0, 10, 0)
	rng := rand.New(rand.NewPCG(1, 2))

	batch, err := buf.Sample(4, 5, rng)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if batch.B != 4 || batch.T != 5 {
		t.Fatalf("batch %dx%d, want 4x5", batch.B, batch.T)
	}
	if len(batch.SampleIDs) != 4 {
		t.Fatalf("got %d sample IDs, want 4", len(batch.SampleIDs))
	}
	seen := map[string]bool{}
	for _, id := range batch.SampleIDs {
		if id == "" || seen[id] {
			t.Fatalf("sample ID %q empty or repeated", id)
		}
		seen[id] = true
	}
	// Windows are contiguous slices of the stream: obs, action, and
	// reward at each step agree on the source value.
	for bi := 0; bi < batch.B; bi++ {
		base := batch.Reward[0][bi]
		for ti := 0; ti < batch.T; ti++ {
			want := base + float64(ti)
			if got := batch.Reward[ti][bi]; got != want {
				t.Fatalf("reward[%d][%d] = %v, want %v", ti, bi, got, want)
			}
			if got := batch.Obs["observation"][ti][bi*3]; got != want {
				t.Fatalf("obs[%d][%d] = %v, want %v", ti, bi, got, want)
			}
			if got := batch.Action[ti][bi*2]; got != want {
				t.Fatalf("action[%d][%d] = %v, want %v", ti, bi, got, want)
			}
		}
	}
}

func TestBufferNotEnoughData(t *testing.T) {
	obs, act := testSpaces()
	buf := NewBuffer(obs, act, 100)
	fill(buf, 0, 4, 0)
	rng := rand.New(rand.NewPCG(1, 2))

	if _, err := buf.Sample(1, 5, rng); !errors.Is(err, ErrNotEnoughData) {
		t.Fatalf("Sample with short stream: %v, want ErrNotEnoughData", err)
	}
	if _, err := buf.Sample(1, 4, rng); err != nil {
		t.Fatalf("Sample with exact stream: %v", err)
	}
}

func TestBufferEviction(t *testing.T) {
	obs, act := testSpaces()
	buf := NewBuffer(obs, act, 8)
	fill(buf, 0, 6, 0)
	fill(buf, 1, 6, 100)

	if got := buf.Len(); got != 8 {
		t.Fatalf("Len = %d, want capacity 8", got)
	}
	// Oldest steps of the longest streams are gone: every remaining
	// window must start past the evicted prefix.
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 20; i++ {
		batch, err := buf.Sample(1, 2, rng)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		r := batch.Reward[0][0]
		if r < 100 {
			if r < 2 {
				t.Fatalf("sampled evicted step %v from stream 0", r)
			}
		} else if r < 102 {
			t.Fatalf("sampled evicted step %v from stream 1", r)
		}
	}
}

func TestBufferPriorityUpdate(t *testing.T) {
	obs, act := testSpaces()
	buf := NewBuffer(obs, act, 100)
	fill(buf, 0, 4, 0) // exactly one window of length 4
	rng := rand.New(rand.NewPCG(5, 6))

	batch, err := buf.Sample(1, 4, rng)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	buf.UpdatePriorities(batch.SampleIDs, []float64{0})

	// A second stream with default priority 1 now dominates the floored
	// first window.
	fill(buf, 1, 4, 100)
	hits := 0
	for i := 0; i < 200; i++ {
		b2, err := buf.Sample(1, 4, rng)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if b2.Reward[0][0] >= 100 {
			hits++
		}
	}
	if hits < 190 {
		t.Fatalf("high-priority stream sampled %d/200 times", hits)
	}

	// Stale and unknown IDs are ignored.
	buf.UpdatePriorities(batch.SampleIDs, []float64{5})
	buf.UpdatePriorities([]string{"missing"}, []float64{5})
}
