package nets

import (
	"sort"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
)

// MultiEncoder embeds all observation modalities into a single vector.
// Modalities are concatenated in sorted key order so the layout is
// stable across runs.
type MultiEncoder struct {
	keys   []string
	sizes  map[string]int
	symlog bool
	mlp    *MLP
	out    *Linear
	embed  int
}

// NewMultiEncoder registers the encoder for an observation space.
func NewMultiEncoder(p *Params, obs domain.ObsSpace, cfg domain.EncoderConfig, key autodiff.Key) *MultiEncoder {
	keys := make([]string, 0, len(obs.Sizes))
	total := 0
	for k, size := range obs.Sizes {
		keys = append(keys, k)
		total += size
	}
	sort.Strings(keys)
	enc := &MultiEncoder{
		keys:   keys,
		sizes:  obs.Sizes,
		symlog: cfg.Symlog,
		embed:  cfg.Embed,
	}
	enc.mlp = NewMLP(p, "enc", total, cfg.Units, cfg.Layers, key.Split(0))
	hidden := total
	if cfg.Layers > 0 {
		hidden = cfg.Units
	}
	enc.out = NewLinear(p, "enc/out", hidden, cfg.Embed, key.Split(1))
	return enc
}

// EmbedSize returns the embedding width.
func (e *MultiEncoder) EmbedSize() int { return e.embed }

// Forward embeds one time step of observations, each [batch, size].
func (e *MultiEncoder) Forward(obs map[string]*autodiff.Node) *autodiff.Node {
	var x *autodiff.Node
	for _, k := range e.keys {
		node := obs[k]
		if node == nil {
			panic("nets: encoder missing observation key " + k)
		}
		if x == nil {
			x = node
		} else {
			x = autodiff.Concat(x, node)
		}
	}
	if e.symlog {
		x = autodiff.Symlog(x)
	}
	return e.out.Forward(e.mlp.Forward(x))
}
