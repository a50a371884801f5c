package main

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// TENSOR - float64 storage for the differentiable path
// ===========================================================================
//
// Two matrix representations coexist in this codebase, on purpose:
//
//   - *Tensor (this file): row-major float64 data plus a parallel grad
//     buffer. Anything that participates in backpropagation (crop logits,
//     prototype weights) lives here.
//
//   - *mat.Dense (gonum): plain dense matrices with no gradient storage.
//     The Sinkhorn assignment computation and the feature queue operate
//     exclusively on these.
//
// The split is the point: cluster assignments are fixed targets and must
// never feed gradients back into the network. Converting a Tensor's values
// into a mat.Dense (see DetachRows) copies the data and drops the grad
// buffer, so the no-grad boundary is visible in the types rather than
// enforced by convention.
//
// Tensors are not safe for concurrent use. Synchronization, where needed,
// is handled by the caller.
// ===========================================================================

// Tensor is a multi-dimensional array of float64 values in row-major order,
// with a gradient buffer of the same size for backpropagation.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid - shape errors are programmer bugs, not
// runtime conditions to handle gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values drawn from a normal
// distribution (Box-Muller, stddev 0.02) using the given source.
func NewTensorRand(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rng.Float64(), rng.Float64()
		mag := 0.02 * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// GradAt returns the gradient element at the given indices.
func (t *Tensor) GradAt(indices ...int) float64 {
	return t.grad[t.flatIndex(indices)]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor, including its gradient.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot multiply %v by %v", a.shape, b.shape))
	}

	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := NewTensor(m, n)

	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.data[i*n+j] += av * b.data[kk*n+j]
			}
		}
	}

	return out
}

// Transpose returns the transpose of a 2D matrix: (M, N) -> (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// SoftmaxScaled applies a row-wise softmax to x/temperature.
// Numerically stable: the row max is subtracted before exponentiation.
// Only 2D tensors (batch, features) are supported.
func SoftmaxScaled(x *Tensor, temperature float64) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: SoftmaxScaled requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]
	out := NewTensor(batch, features)

	for b := 0; b < batch; b++ {
		row := x.data[b*features : (b+1)*features]

		maxVal := row[0] / temperature
		for f := 1; f < features; f++ {
			if v := row[f] / temperature; v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for f := 0; f < features; f++ {
			e := math.Exp(row[f]/temperature - maxVal)
			out.data[b*features+f] = e
			sum += e
		}
		for f := 0; f < features; f++ {
			out.data[b*features+f] /= sum
		}
	}

	return out
}

// RowSlice returns a copy of rows [start, end) of a 2D tensor.
// The copy has a fresh, zeroed gradient buffer.
func RowSlice(t *Tensor, start, end int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: RowSlice requires 2D tensor")
	}
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("tensor: row slice [%d,%d) out of range for %d rows", start, end, t.shape[0]))
	}

	cols := t.shape[1]
	out := NewTensor(end-start, cols)
	copy(out.data, t.data[start*cols:end*cols])
	return out
}

// L2NormalizeRows scales every row of a 2D tensor to unit L2 norm, in place.
// Rows with zero norm are left untouched.
func L2NormalizeRows(t *Tensor) {
	if len(t.shape) != 2 {
		panic("tensor: L2NormalizeRows requires 2D tensor")
	}

	rows, cols := t.shape[0], t.shape[1]
	for i := 0; i < rows; i++ {
		row := t.data[i*cols : (i+1)*cols]
		norm := 0.0
		for _, v := range row {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			continue
		}
		for j := range row {
			row[j] /= norm
		}
	}
}

// DetachRows copies rows [start, end) of a 2D tensor into a plain dense
// matrix. The result carries no gradient buffer; this is the explicit
// boundary between the differentiable path and the no-grad assignment path.
func DetachRows(t *Tensor, start, end int) *mat.Dense {
	if len(t.shape) != 2 {
		panic("tensor: DetachRows requires 2D tensor")
	}
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("tensor: row slice [%d,%d) out of range for %d rows", start, end, t.shape[0]))
	}

	cols := t.shape[1]
	data := make([]float64, (end-start)*cols)
	copy(data, t.data[start*cols:end*cols])
	return mat.NewDense(end-start, cols, data)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
