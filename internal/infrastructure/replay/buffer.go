// Package replay buffers environment transitions and samples uniform
// or prioritized training windows.
package replay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

var (
	// ErrNotEnoughData is returned when no stream holds a full window.
	ErrNotEnoughData = errors.New("replay: not enough data")
)

// Step is one environment transition as recorded by the driver.
type Step struct {
	Obs        map[string][]float64
	Action     []float64
	Reward     float64
	IsFirst    bool
	IsTerminal bool
}

// stream is the ordered step history of one environment slot. base is
// the absolute index of steps[0]; eviction advances it.
type stream struct {
	base     int
	steps    []Step
	priority []float64
}

// window records where a sampled sequence came from so priority
// updates can find it again.
type window struct {
	env   int
	start int // absolute index
	len   int
}

// Buffer is a bounded in-memory replay buffer over parallel
// environment streams. Sampling is priority-weighted by window start;
// new steps enter with priority 1.
type Buffer struct {
	mu sync.Mutex

	obs      domain.ObsSpace
	act      domain.ActionSpace
	capacity int

	streams map[int]*stream
	sampled map[string]window
	total   int
}

// NewBuffer creates a buffer holding at most capacity steps across all
// streams.
func NewBuffer(obs domain.ObsSpace, act domain.ActionSpace, capacity int) *Buffer {
	return &Buffer{
		obs:      obs,
		act:      act,
		capacity: capacity,
		streams:  make(map[int]*stream),
		sampled:  make(map[string]window),
	}
}

// Len returns the number of stored steps.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Add appends a step to an environment stream, evicting the oldest
// steps when the buffer is full.
func (b *Buffer) Add(env int, step Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[env]
	if !ok {
		st = &stream{}
		b.streams[env] = st
	}
	st.steps = append(st.steps, step)
	st.priority = append(st.priority, 1)
	b.total++
	for b.total > b.capacity {
		b.evictOldest()
	}
}

// evictOldest drops one step from the longest stream.
func (b *Buffer) evictOldest() {
	var victim *stream
	for _, st := range b.streams {
		if victim == nil || len(st.steps) > len(victim.steps) {
			victim = st
		}
	}
	if victim == nil || len(victim.steps) == 0 {
		return
	}
	victim.steps = victim.steps[1:]
	victim.priority = victim.priority[1:]
	victim.base++
	b.total--
}

// Sample draws `batch` windows of `length` steps and assembles them
// into a time-major training batch. Each window gets a fresh sample ID
// for later priority updates.
func (b *Buffer) Sample(batch, length int, rng *rand.Rand) (*domain.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	type candidate struct {
		env    int
		start  int
		weight float64
	}
	var cands []candidate
	var totalW float64
	for env, st := range b.streams {
		for i := 0; i+length <= len(st.steps); i++ {
			w := st.priority[i]
			cands = append(cands, candidate{env: env, start: i, weight: w})
			totalW += w
		}
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: need windows of %d steps", ErrNotEnoughData, length)
	}

	out := domain.NewBatch(batch, length, b.obs, b.act)
	out.SampleIDs = make([]string, batch)
	for bi := 0; bi < batch; bi++ {
		pick := cands[len(cands)-1]
		r := rng.Float64() * totalW
		for _, c := range cands {
			r -= c.weight
			if r <= 0 {
				pick = c
				break
			}
		}
		st := b.streams[pick.env]
		id := uuid.New().String()
		out.SampleIDs[bi] = id
		b.sampled[id] = window{env: pick.env, start: st.base + pick.start, len: length}

		for t := 0; t < length; t++ {
			step := st.steps[pick.start+t]
			for k, vals := range step.Obs {
				size := b.obs.Sizes[k]
				copy(out.Obs[k][t][bi*size:(bi+1)*size], vals)
			}
			copy(out.Action[t][bi*b.act.Dim:(bi+1)*b.act.Dim], step.Action)
			out.Reward[t][bi] = step.Reward
			if step.IsFirst {
				out.IsFirst[t][bi] = 1
			}
			if step.IsTerminal {
				out.IsTerminal[t][bi] = 1
			}
		}
	}
	return out, nil
}

// UpdatePriorities sets the sampling priority of previously sampled
// windows. Unknown or evicted IDs are ignored.
func (b *Buffer) UpdatePriorities(ids []string, priorities []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, id := range ids {
		if i >= len(priorities) {
			break
		}
		w, ok := b.sampled[id]
		if !ok {
			continue
		}
		delete(b.sampled, id)
		st, ok := b.streams[w.env]
		if !ok {
			continue
		}
		p := priorities[i]
		if p < 1e-6 {
			p = 1e-6
		}
		for t := 0; t < w.len; t++ {
			idx := w.start + t - st.base
			if idx >= 0 && idx < len(st.priority) {
				st.priority[idx] = p
			}
		}
	}
}
