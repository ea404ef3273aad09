package autodiff

import (
	"fmt"
	"math"
)

// Add returns a + b elementwise.
func Add(a, b *Node) *Node {
	sameShape(a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	out.back = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Sub returns a - b elementwise.
func Sub(a, b *Node) *Node {
	sameShape(a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	out.back = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] -= out.Grad[i]
		}
	}
	return out
}

// Mul returns a * b elementwise.
func Mul(a, b *Node) *Node {
	sameShape(a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	out.back = func() {
		for i := range out.Grad {
			a.Grad[i] += b.Data[i] * out.Grad[i]
			b.Grad[i] += a.Data[i] * out.Grad[i]
		}
	}
	return out
}

// Div returns a / b elementwise.
func Div(a, b *Node) *Node {
	sameShape(a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] / b.Data[i]
	}
	out.back = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i] / b.Data[i]
			b.Grad[i] -= a.Data[i] / (b.Data[i] * b.Data[i]) * out.Grad[i]
		}
	}
	return out
}

// Scale returns x * c.
func Scale(x *Node, c float64) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = x.Data[i] * c
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += c * out.Grad[i]
		}
	}
	return out
}

// AddConst returns x + c.
func AddConst(x *Node, c float64) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = x.Data[i] + c
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Neg returns -x.
func Neg(x *Node) *Node { return Scale(x, -1) }

// MatMul returns a @ b for a [m,k] and b [k,n].
func MatMul(a, b *Node) *Node {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("autodiff: matmul %dx%d @ %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	out := child(m, n, a, b)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.Data[i*n+j] += av * b.Data[p*n+j]
			}
		}
	}
	out.back = func() {
		for i := 0; i < m; i++ {
			for p := 0; p < k; p++ {
				var sum float64
				for j := 0; j < n; j++ {
					sum += out.Grad[i*n+j] * b.Data[p*n+j]
				}
				a.Grad[i*k+p] += sum
			}
		}
		for p := 0; p < k; p++ {
			for j := 0; j < n; j++ {
				var sum float64
				for i := 0; i < m; i++ {
					sum += a.Data[i*k+p] * out.Grad[i*n+j]
				}
				b.Grad[p*n+j] += sum
			}
		}
	}
	return out
}

// AddBias adds a [1,n] bias to every row of x [m,n].
func AddBias(x, b *Node) *Node {
	if b.Rows != 1 || b.Cols != x.Cols {
		panic(fmt.Sprintf("autodiff: bias %dx%d for input %dx%d", b.Rows, b.Cols, x.Rows, x.Cols))
	}
	out := child(x.Rows, x.Cols, x, b)
	for i := 0; i < x.Rows; i++ {
		for j := 0; j < x.Cols; j++ {
			out.Data[i*x.Cols+j] = x.Data[i*x.Cols+j] + b.Data[j]
		}
	}
	out.back = func() {
		for i := 0; i < x.Rows; i++ {
			for j := 0; j < x.Cols; j++ {
				g := out.Grad[i*x.Cols+j]
				x.Grad[i*x.Cols+j] += g
				b.Grad[j] += g
			}
		}
	}
	return out
}

// MulRows multiplies every row of x [m,n] by the matching scalar of
// s [m,1].
func MulRows(x, s *Node) *Node {
	if s.Rows != x.Rows || s.Cols != 1 {
		panic(fmt.Sprintf("autodiff: row scale %dx%d for input %dx%d", s.Rows, s.Cols, x.Rows, x.Cols))
	}
	out := child(x.Rows, x.Cols, x, s)
	for i := 0; i < x.Rows; i++ {
		for j := 0; j < x.Cols; j++ {
			out.Data[i*x.Cols+j] = x.Data[i*x.Cols+j] * s.Data[i]
		}
	}
	out.back = func() {
		for i := 0; i < x.Rows; i++ {
			var sum float64
			for j := 0; j < x.Cols; j++ {
				g := out.Grad[i*x.Cols+j]
				x.Grad[i*x.Cols+j] += s.Data[i] * g
				sum += x.Data[i*x.Cols+j] * g
			}
			s.Grad[i] += sum
		}
	}
	return out
}

// Tanh returns tanh(x) elementwise.
func Tanh(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = math.Tanh(x.Data[i])
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += (1 - out.Data[i]*out.Data[i]) * out.Grad[i]
		}
	}
	return out
}

// Sigmoid returns 1/(1+exp(-x)) elementwise.
func Sigmoid(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = 1 / (1 + math.Exp(-x.Data[i]))
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Data[i] * (1 - out.Data[i]) * out.Grad[i]
		}
	}
	return out
}

// Exp returns exp(x) elementwise.
func Exp(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = math.Exp(x.Data[i])
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Data[i] * out.Grad[i]
		}
	}
	return out
}

// Log returns log(x) elementwise.
func Log(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = math.Log(x.Data[i])
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i] / x.Data[i]
		}
	}
	return out
}

// Softplus returns log(1+exp(x)) elementwise, computed stably.
func Softplus(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		v := x.Data[i]
		if v > 30 {
			out.Data[i] = v
		} else {
			out.Data[i] = math.Log1p(math.Exp(v))
		}
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i] / (1 + math.Exp(-x.Data[i]))
		}
	}
	return out
}

// Square returns x*x elementwise.
func Square(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = x.Data[i] * x.Data[i]
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += 2 * x.Data[i] * out.Grad[i]
		}
	}
	return out
}

// Pow returns x^p elementwise.
func Pow(x *Node, p float64) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = math.Pow(x.Data[i], p)
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += p * math.Pow(x.Data[i], p-1) * out.Grad[i]
		}
	}
	return out
}

// Transpose returns x^T.
func Transpose(x *Node) *Node {
	out := child(x.Cols, x.Rows, x)
	for i := 0; i < x.Rows; i++ {
		for j := 0; j < x.Cols; j++ {
			out.Data[j*x.Rows+i] = x.Data[i*x.Cols+j]
		}
	}
	out.back = func() {
		for i := 0; i < x.Rows; i++ {
			for j := 0; j < x.Cols; j++ {
				x.Grad[i*x.Cols+j] += out.Grad[j*x.Rows+i]
			}
		}
	}
	return out
}

// Symlog returns sign(x)*log(1+|x|) elementwise.
func Symlog(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		v := x.Data[i]
		out.Data[i] = math.Copysign(math.Log1p(math.Abs(v)), v)
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += out.Grad[i] / (1 + math.Abs(x.Data[i]))
		}
	}
	return out
}

// Symexp returns sign(x)*(exp(|x|)-1), the inverse of Symlog.
func Symexp(x *Node) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		v := x.Data[i]
		out.Data[i] = math.Copysign(math.Expm1(math.Abs(v)), v)
	}
	out.back = func() {
		for i := range out.Grad {
			x.Grad[i] += math.Exp(math.Abs(x.Data[i])) * out.Grad[i]
		}
	}
	return out
}

// Clamp limits x to [lo, hi]. Gradient passes through only inside the
// interval.
func Clamp(x *Node, lo, hi float64) *Node {
	out := child(x.Rows, x.Cols, x)
	for i := range out.Data {
		out.Data[i] = math.Max(lo, math.Min(hi, x.Data[i]))
	}
	out.back = func() {
		for i := range out.Grad {
			if x.Data[i] > lo && x.Data[i] < hi {
				x.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// Softmax applies softmax over each contiguous block of `classes`
// columns. The column count must be a multiple of classes.
func Softmax(x *Node, classes int) *Node {
	checkBlocks(x, classes)
	out := child(x.Rows, x.Cols, x)
	forEachBlock(x, classes, func(off int) {
		maxVal := x.Data[off]
		for i := 1; i < classes; i++ {
			if x.Data[off+i] > maxVal {
				maxVal = x.Data[off+i]
			}
		}
		var sum float64
		for i := 0; i < classes; i++ {
			out.Data[off+i] = math.Exp(x.Data[off+i] - maxVal)
			sum += out.Data[off+i]
		}
		for i := 0; i < classes; i++ {
			out.Data[off+i] /= sum
		}
	})
	out.back = func() {
		forEachBlock(x, classes, func(off int) {
			var dot float64
			for i := 0; i < classes; i++ {
				dot += out.Grad[off+i] * out.Data[off+i]
			}
			for i := 0; i < classes; i++ {
				x.Grad[off+i] += out.Data[off+i] * (out.Grad[off+i] - dot)
			}
		})
	}
	return out
}

// LogSoftmax applies log-softmax over each contiguous block of
// `classes` columns.
func LogSoftmax(x *Node, classes int) *Node {
	checkBlocks(x, classes)
	out := child(x.Rows, x.Cols, x)
	forEachBlock(x, classes, func(off int) {
		maxVal := x.Data[off]
		for i := 1; i < classes; i++ {
			if x.Data[off+i] > maxVal {
				maxVal = x.Data[off+i]
			}
		}
		var sum float64
		for i := 0; i < classes; i++ {
			sum += math.Exp(x.Data[off+i] - maxVal)
		}
		lse := maxVal + math.Log(sum)
		for i := 0; i < classes; i++ {
			out.Data[off+i] = x.Data[off+i] - lse
		}
	})
	out.back = func() {
		forEachBlock(x, classes, func(off int) {
			var total float64
			for i := 0; i < classes; i++ {
				total += out.Grad[off+i]
			}
			for i := 0; i < classes; i++ {
				x.Grad[off+i] += out.Grad[off+i] - math.Exp(out.Data[off+i])*total
			}
		})
	}
	return out
}

func checkBlocks(x *Node, classes int) {
	if classes <= 0 || x.Cols%classes != 0 {
		panic(fmt.Sprintf("autodiff: %d columns not divisible into blocks of %d", x.Cols, classes))
	}
}

func forEachBlock(x *Node, classes int, fn func(off int)) {
	for off := 0; off < len(x.Data); off += classes {
		fn(off)
	}
}

// SumAll reduces to a 1x1 node holding the sum of all elements.
func SumAll(x *Node) *Node {
	out := child(1, 1, x)
	for _, v := range x.Data {
		out.Data[0] += v
	}
	out.back = func() {
		for i := range x.Grad {
			x.Grad[i] += out.Grad[0]
		}
	}
	return out
}

// MeanAll reduces to a 1x1 node holding the mean of all elements.
func MeanAll(x *Node) *Node {
	return Scale(SumAll(x), 1/float64(len(x.Data)))
}

// SumCols sums each row, producing an [m,1] node.
func SumCols(x *Node) *Node {
	out := child(x.Rows, 1, x)
	for i := 0; i < x.Rows; i++ {
		for j := 0; j < x.Cols; j++ {
			out.Data[i] += x.Data[i*x.Cols+j]
		}
	}
	out.back = func() {
		for i := 0; i < x.Rows; i++ {
			for j := 0; j < x.Cols; j++ {
				x.Grad[i*x.Cols+j] += out.Grad[i]
			}
		}
	}
	return out
}

// MeanCols averages each row, producing an [m,1] node.
func MeanCols(x *Node) *Node {
	return Scale(SumCols(x), 1/float64(x.Cols))
}

// Concat joins two nodes with equal row counts along columns.
func Concat(a, b *Node) *Node {
	if a.Rows != b.Rows {
		panic(fmt.Sprintf("autodiff: concat row mismatch %d vs %d", a.Rows, b.Rows))
	}
	cols := a.Cols + b.Cols
	out := child(a.Rows, cols, a, b)
	for i := 0; i < a.Rows; i++ {
		copy(out.Data[i*cols:], a.Data[i*a.Cols:(i+1)*a.Cols])
		copy(out.Data[i*cols+a.Cols:], b.Data[i*b.Cols:(i+1)*b.Cols])
	}
	out.back = func() {
		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				a.Grad[i*a.Cols+j] += out.Grad[i*cols+j]
			}
			for j := 0; j < b.Cols; j++ {
				b.Grad[i*b.Cols+j] += out.Grad[i*cols+a.Cols+j]
			}
		}
	}
	return out
}

// SliceCols extracts columns [lo, hi) of x.
func SliceCols(x *Node, lo, hi int) *Node {
	if lo < 0 || hi > x.Cols || lo >= hi {
		panic(fmt.Sprintf("autodiff: slice [%d:%d) of %d columns", lo, hi, x.Cols))
	}
	cols := hi - lo
	out := child(x.Rows, cols, x)
	for i := 0; i < x.Rows; i++ {
		copy(out.Data[i*cols:], x.Data[i*x.Cols+lo:i*x.Cols+hi])
	}
	out.back = func() {
		for i := 0; i < x.Rows; i++ {
			for j := 0; j < cols; j++ {
				x.Grad[i*x.Cols+lo+j] += out.Grad[i*cols+j]
			}
		}
	}
	return out
}

// Detach returns a node with the same forward value and no gradient
// flow into x. This is the stop-gradient primitive.
func Detach(x *Node) *Node {
	data := make([]float64, len(x.Data))
	copy(data, x.Data)
	return New(x.Rows, x.Cols, data)
}

// WithGrad builds a dual-value node: the forward value is `data` but
// the entire gradient flows into `surrogate`. It implements
// straight-through estimators: the discrete sample is the value, the
// probabilities are the surrogate.
func WithGrad(rows, cols int, data []float64, surrogate *Node) *Node {
	if len(data) != rows*cols || surrogate.Rows != rows || surrogate.Cols != cols {
		panic("autodiff: WithGrad shape mismatch")
	}
	out := child(rows, cols, surrogate)
	copy(out.Data, data)
	out.back = func() {
		for i := range out.Grad {
			surrogate.Grad[i] += out.Grad[i]
		}
	}
	return out
}
