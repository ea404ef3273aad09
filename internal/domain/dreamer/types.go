package dreamer

import "fmt"

// ActionSpace describes the action interface between agent and driver.
type ActionSpace struct {
	Dim      int  `json:"dim"`
	Discrete bool `json:"discrete"`
}

// ObsSpace maps observation modality names to their flattened sizes.
// Modalities whose values arrive as raw bytes (images) are listed in
// Image and get scaled to [0,1) during preprocessing.
type ObsSpace struct {
	Sizes map[string]int  `json:"sizes"`
	Image map[string]bool `json:"image"`
}

// Batch is one training window of real transitions. Tensors are stored
// time-major: index [t] yields a flat [batch*dim] slice. The logical
// shape remains [batch, time, ...] as supplied by the replay buffer.
type Batch struct {
	B, T int

	Obs    map[string][][]float64 // per key: [T][B*dim]
	Action [][]float64            // [T][B*actDim]

	Reward     [][]float64 // [T][B]
	IsFirst    [][]float64 // [T][B]
	IsTerminal [][]float64 // [T][B]
	Cont       [][]float64 // [T][B], filled by preprocessing

	// SampleIDs identifies the replayed sequences for priority updates.
	SampleIDs []string
}

// NewBatch allocates a zero batch for the given spaces.
func NewBatch(b, t int, obs ObsSpace, act ActionSpace) *Batch {
	batch := &Batch{
		B:          b,
		T:          t,
		Obs:        make(map[string][][]float64, len(obs.Sizes)),
		Action:     alloc(t, b*act.Dim),
		Reward:     alloc(t, b),
		IsFirst:    alloc(t, b),
		IsTerminal: alloc(t, b),
		Cont:       alloc(t, b),
	}
	for key, size := range obs.Sizes {
		batch.Obs[key] = alloc(t, b*size)
	}
	return batch
}

func alloc(t, n int) [][]float64 {
	out := make([][]float64, t)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}

// Check panics when a tensor does not match the declared batch shape.
// Shape violations are programming errors, not recoverable conditions.
func (b *Batch) Check(act ActionSpace) {
	fields := map[string][][]float64{
		"action": b.Action, "reward": b.Reward,
		"is_first": b.IsFirst, "is_terminal": b.IsTerminal,
	}
	dims := map[string]int{"action": act.Dim, "reward": 1, "is_first": 1, "is_terminal": 1}
	for name, rows := range fields {
		if len(rows) != b.T {
			panic(fmt.Sprintf("batch %s: got %d steps, want %d", name, len(rows), b.T))
		}
		for t, row := range rows {
			if len(row) != b.B*dims[name] {
				panic(fmt.Sprintf("batch %s[%d]: got %d values, want %d", name, t, len(row), b.B*dims[name]))
			}
		}
	}
}
