// Package autodiff provides a reverse-mode automatic differentiation
// tape over vector-valued nodes.
//
// Values are flat []float64 slices with a row/column shape. Every
// operation records a backward closure; Backward walks the recorded
// graph in reverse topological order and accumulates gradients into
// Node.Grad. Computations are pure functional transformations: nodes
// are never mutated after creation except for gradient accumulation.
package autodiff

import "fmt"

// Node is one vector-valued value in the computation graph.
type Node struct {
	Data []float64
	Grad []float64
	Rows int
	Cols int

	back func()
	prev []*Node
}

// New creates a leaf node from existing data. The slice is owned by the
// node afterwards.
func New(rows, cols int, data []float64) *Node {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("autodiff: node data length %d does not match shape %dx%d", len(data), rows, cols))
	}
	return &Node{Data: data, Grad: make([]float64, len(data)), Rows: rows, Cols: cols}
}

// Zeros creates a zero-valued leaf node.
func Zeros(rows, cols int) *Node {
	return New(rows, cols, make([]float64, rows*cols))
}

// Full creates a leaf node filled with a constant.
func Full(rows, cols int, value float64) *Node {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = value
	}
	return New(rows, cols, data)
}

// Scalar creates a 1x1 leaf node.
func Scalar(value float64) *Node {
	return New(1, 1, []float64{value})
}

// Value returns the scalar payload of a 1x1 node.
func (n *Node) Value() float64 {
	if len(n.Data) != 1 {
		panic(fmt.Sprintf("autodiff: Value on %dx%d node", n.Rows, n.Cols))
	}
	return n.Data[0]
}

// ZeroGrad clears the accumulated gradient.
func (n *Node) ZeroGrad() {
	for i := range n.Grad {
		n.Grad[i] = 0
	}
}

func child(rows, cols int, prev ...*Node) *Node {
	n := Zeros(rows, cols)
	n.prev = prev
	return n
}

// Backward seeds the gradient of out with ones and propagates through
// the recorded graph. It is normally called on a scalar loss.
func Backward(out *Node) {
	topo := make([]*Node, 0, 256)
	visited := make(map[*Node]bool)
	var build func(n *Node)
	build = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.prev {
			build(p)
		}
		topo = append(topo, n)
	}
	build(out)
	for i := range out.Grad {
		out.Grad[i] = 1
	}
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].back != nil {
			topo[i].back()
		}
	}
}

func sameShape(a, b *Node) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("autodiff: shape mismatch %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
