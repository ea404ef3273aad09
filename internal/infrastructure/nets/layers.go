package nets

import (
	"strconv"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
)

// Linear is a dense layer y = x@W + b.
type Linear struct {
	W, B *autodiff.Node
}

// NewLinear registers a dense layer's parameters under name.
func NewLinear(p *Params, name string, in, out int, key autodiff.Key) *Linear {
	w, b := initDense(p, name, in, out, key)
	return &Linear{W: w, B: b}
}

// Forward applies the layer to x [batch, in].
func (l *Linear) Forward(x *autodiff.Node) *autodiff.Node {
	return autodiff.AddBias(autodiff.MatMul(x, l.W), l.B)
}

// MLP is a stack of dense layers with tanh activations between them.
// The output layer, if any, is appended by the caller.
type MLP struct {
	layers []*Linear
}

// NewMLP registers `depth` hidden layers of `units` each.
func NewMLP(p *Params, name string, in, units, depth int, key autodiff.Key) *MLP {
	mlp := &MLP{}
	prev := in
	for i := 0; i < depth; i++ {
		mlp.layers = append(mlp.layers, NewLinear(p, name+"/h"+strconv.Itoa(i), prev, units, key.Split(uint64(i))))
		prev = units
	}
	return mlp
}

// Forward applies all hidden layers.
func (m *MLP) Forward(x *autodiff.Node) *autodiff.Node {
	for _, l := range m.layers {
		x = autodiff.Tanh(l.Forward(x))
	}
	return x
}

// GRUCell is the recurrent cell of the dynamics model.
type GRUCell struct {
	units  int
	wx, wh *autodiff.Node
	bias   *autodiff.Node
}

// NewGRUCell registers a GRU cell mapping [in] inputs onto [units]
// hidden state.
func NewGRUCell(p *Params, name string, in, units int, key autodiff.Key) *GRUCell {
	wx, _ := initDense(p, name+"/input", in, 3*units, key.Split(0))
	wh, bias := initDense(p, name+"/state", units, 3*units, key.Split(1))
	return &GRUCell{units: units, wx: wx, wh: wh, bias: bias}
}

// Forward computes the next hidden state from input x [batch, in] and
// previous state h [batch, units].
func (g *GRUCell) Forward(x, h *autodiff.Node) *autodiff.Node {
	xs := autodiff.MatMul(x, g.wx)
	hs := autodiff.MatMul(h, g.wh)
	u := g.units
	reset := autodiff.Sigmoid(autodiff.AddBias(
		autodiff.Add(autodiff.SliceCols(xs, 0, u), autodiff.SliceCols(hs, 0, u)),
		autodiff.SliceCols(g.bias, 0, u)))
	update := autodiff.Sigmoid(autodiff.AddBias(
		autodiff.Add(autodiff.SliceCols(xs, u, 2*u), autodiff.SliceCols(hs, u, 2*u)),
		autodiff.SliceCols(g.bias, u, 2*u)))
	cand := autodiff.Tanh(autodiff.AddBias(
		autodiff.Add(autodiff.SliceCols(xs, 2*u, 3*u),
			autodiff.Mul(reset, autodiff.SliceCols(hs, 2*u, 3*u))),
		autodiff.SliceCols(g.bias, 2*u, 3*u)))
	// h' = u*h + (1-u)*cand
	keep := autodiff.Mul(update, h)
	blend := autodiff.Mul(autodiff.AddConst(autodiff.Neg(update), 1), cand)
	return autodiff.Add(keep, blend)
}
