// Package nets provides parameter containers, network layers, and
// distribution heads for the world-model agent.
package nets

import (
	"fmt"
	"math"
	"sort"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
)

// Params is an explicit owned parameter container. Parameters are
// addressed by structured keys of the form "area/layer/kind"; iteration
// order is deterministic. Each component owns exactly one Params and
// mutations go through its owner.
type Params struct {
	area  string
	names []string
	nodes map[string]*autodiff.Node
}

// NewParams creates an empty container for an area, e.g. "rssm".
func NewParams(area string) *Params {
	return &Params{area: area, nodes: make(map[string]*autodiff.Node)}
}

// Area returns the container's area prefix.
func (p *Params) Area() string { return p.area }

// Register adds a parameter under area/name. Duplicate keys panic.
func (p *Params) Register(name string, node *autodiff.Node) *autodiff.Node {
	full := p.area + "/" + name
	if _, ok := p.nodes[full]; ok {
		panic(fmt.Sprintf("nets: duplicate parameter %q", full))
	}
	p.nodes[full] = node
	p.names = append(p.names, full)
	sort.Strings(p.names)
	return node
}

// Names returns all parameter keys in deterministic order.
func (p *Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Node returns the parameter registered under the full key.
func (p *Params) Node(name string) *autodiff.Node {
	n, ok := p.nodes[name]
	if !ok {
		panic(fmt.Sprintf("nets: unknown parameter %q", name))
	}
	return n
}

// Count returns the total number of scalar parameters. Computed once at
// construction time by callers that want the diagnostic.
func (p *Params) Count() int {
	total := 0
	for _, name := range p.names {
		total += len(p.nodes[name].Data)
	}
	return total
}

// ZeroGrad clears all accumulated gradients.
func (p *Params) ZeroGrad() {
	for _, name := range p.names {
		p.nodes[name].ZeroGrad()
	}
}

// Merge builds a view over several containers, used by the optimizer to
// update multiple modules in one step. The view shares the underlying
// nodes.
func Merge(parts ...*Params) *Params {
	out := &Params{area: "merged", nodes: make(map[string]*autodiff.Node)}
	for _, part := range parts {
		for _, name := range part.names {
			if _, ok := out.nodes[name]; ok {
				panic(fmt.Sprintf("nets: merge collision on %q", name))
			}
			out.nodes[name] = part.nodes[name]
			out.names = append(out.names, name)
		}
	}
	sort.Strings(out.names)
	return out
}

// State extracts a serializable snapshot of all parameter values.
func (p *Params) State() map[string][]float64 {
	out := make(map[string][]float64, len(p.names))
	for _, name := range p.names {
		src := p.nodes[name].Data
		dst := make([]float64, len(src))
		copy(dst, src)
		out[name] = dst
	}
	return out
}

// LoadState restores parameter values from a snapshot. Every key must
// exist with a matching length.
func (p *Params) LoadState(state map[string][]float64) error {
	for _, name := range p.names {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("nets: snapshot missing parameter %q", name)
		}
		dst := p.nodes[name].Data
		if len(src) != len(dst) {
			return fmt.Errorf("nets: snapshot parameter %q has %d values, want %d", name, len(src), len(dst))
		}
		copy(dst, src)
	}
	return nil
}

// Clone makes an independent copy with the same keys and values, used
// for slow/EMA shadow parameter sets.
func (p *Params) Clone(area string) *Params {
	out := NewParams(area)
	for _, name := range p.names {
		src := p.nodes[name]
		data := make([]float64, len(src.Data))
		copy(data, src.Data)
		out.Register(name[len(p.area)+1:], autodiff.New(src.Rows, src.Cols, data))
	}
	return out
}

// initDense registers a dense kernel with truncated-uniform fan-in
// scaling and a zero bias.
func initDense(p *Params, name string, in, out int, key autodiff.Key) (*autodiff.Node, *autodiff.Node) {
	rng := key.Source()
	scale := math.Sqrt(6.0 / float64(in+out))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	w := p.Register(name+"/kernel", autodiff.New(in, out, data))
	b := p.Register(name+"/bias", autodiff.Zeros(1, out))
	return w, b
}
