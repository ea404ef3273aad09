package autodiff

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// numericalGrad perturbs leaf element i and re-runs fn to estimate the
// derivative of the scalar output.
func numericalGrad(leaf *Node, i int, fn func() *Node) float64 {
	const h = 1e-6
	orig := leaf.Data[i]
	leaf.Data[i] = orig + h
	hi := fn().Value()
	leaf.Data[i] = orig - h
	lo := fn().Value()
	leaf.Data[i] = orig
	return (hi - lo) / (2 * h)
}

func TestBackwardMatchesNumericalGradient(t *testing.T) {
	tests := []struct {
		name string
		fn   func(x *Node) *Node
	}{
		{"tanh", func(x *Node) *Node { return MeanAll(Tanh(x)) }},
		{"sigmoid", func(x *Node) *Node { return MeanAll(Sigmoid(x)) }},
		{"softplus", func(x *Node) *Node { return MeanAll(Softplus(x)) }},
		{"square", func(x *Node) *Node { return MeanAll(Square(x)) }},
		{"exp", func(x *Node) *Node { return MeanAll(Exp(x)) }},
		{"softmax", func(x *Node) *Node { return MeanAll(Square(Softmax(x, 3))) }},
		{"logsoftmax", func(x *Node) *Node { return MeanAll(Square(LogSoftmax(x, 3))) }},
		{"sumcols", func(x *Node) *Node { return MeanAll(Square(SumCols(x))) }},
		{"slice", func(x *Node) *Node { return MeanAll(Square(SliceCols(x, 1, 3))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := New(2, 3, []float64{0.5, -1.2, 0.3, 2.0, -0.7, 0.1})
			loss := tt.fn(x)
			Backward(loss)
			for i := range x.Data {
				want := numericalGrad(x, i, func() *Node { return tt.fn(x) })
				if !almostEqual(x.Grad[i], want, 1e-4) {
					t.Errorf("grad[%d] = %g, numerical %g", i, x.Grad[i], want)
				}
			}
		})
	}
}

func TestMatMulGradient(t *testing.T) {
	a := New(2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := New(3, 2, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6})
	fn := func() *Node { return SumAll(MatMul(a, b)) }
	loss := fn()
	Backward(loss)
	for i := range a.Data {
		want := numericalGrad(a, i, fn)
		if !almostEqual(a.Grad[i], want, 1e-4) {
			t.Errorf("a.Grad[%d] = %g, numerical %g", i, a.Grad[i], want)
		}
	}
	for i := range b.Data {
		want := numericalGrad(b, i, fn)
		if !almostEqual(b.Grad[i], want, 1e-4) {
			t.Errorf("b.Grad[%d] = %g, numerical %g", i, b.Grad[i], want)
		}
	}
}

func TestDetachBlocksGradient(t *testing.T) {
	x := New(1, 2, []float64{1, 2})
	loss := SumAll(Mul(Detach(x), x))
	Backward(loss)
	// d/dx of sg(x)*x is sg(x), never 2x.
	if !almostEqual(x.Grad[0], 1, 1e-12) || !almostEqual(x.Grad[1], 2, 1e-12) {
		t.Errorf("detach leaked gradient: got %v", x.Grad)
	}
}

func TestWithGradRoutesToSurrogate(t *testing.T) {
	probs := New(1, 3, []float64{0.2, 0.5, 0.3})
	hard := []float64{0, 1, 0}
	sample := WithGrad(1, 3, hard, probs)
	for i, v := range sample.Data {
		if v != hard[i] {
			t.Fatalf("forward value changed: got %v", sample.Data)
		}
	}
	loss := SumAll(Mul(sample, New(1, 3, []float64{1, 2, 3})))
	Backward(loss)
	want := []float64{1, 2, 3}
	for i := range want {
		if !almostEqual(probs.Grad[i], want[i], 1e-12) {
			t.Errorf("surrogate grad[%d] = %g, want %g", i, probs.Grad[i], want[i])
		}
	}
}

func TestClampGradientMask(t *testing.T) {
	x := New(1, 3, []float64{-2, 0.5, 2})
	loss := SumAll(Clamp(x, -1, 1))
	Backward(loss)
	want := []float64{0, 1, 0}
	for i := range want {
		if x.Grad[i] != want[i] {
			t.Errorf("grad[%d] = %g, want %g", i, x.Grad[i], want[i])
		}
	}
}

func TestKeySplitDeterminism(t *testing.T) {
	root := NewKey(42)
	a1 := root.Split(3).Source().Float64()
	a2 := root.Split(3).Source().Float64()
	b := root.Split(4).Source().Float64()
	if a1 != a2 {
		t.Errorf("same key gave different draws: %g vs %g", a1, a2)
	}
	if a1 == b {
		t.Errorf("sibling keys gave identical draws: %g", a1)
	}
}
