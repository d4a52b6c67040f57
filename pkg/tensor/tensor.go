// Package tensor implements the dense float32 tensors consumed by the
// attention engine: flat row-major storage with shape/stride bookkeeping
// and the small set of linear-algebra kernels the engine needs.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a multi-dimensional array of float32 values stored in a flat
// row-major slice. The last axis is always contiguous.
type Tensor struct {
	Data    []float32
	Shape   []int
	Strides []int
}

// ShapeError reports an axis-length mismatch between an expected and an
// actual shape. Want entries of -1 match any length.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// NumericError reports a non-finite value escaping a computation stage.
type NumericError struct {
	Op    string
	Index int
	Value float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("%s: non-finite value %v at flat index %d", e.Op, e.Value, e.Index)
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// New creates a zero-filled tensor with the given shape.
// Panics on non-positive dimensions; allocation shapes are programmer
// input, not runtime data.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d in shape %v", d, shape))
		}
	}
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice copies data into a new tensor with the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	want := numElements(shape)
	if len(data) != want {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (want %d elements)",
			len(data), shape, want)
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// Randn fills a new tensor with normally distributed values of the given
// standard deviation, drawn from rng.
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the length of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// ShapeEquals reports whether both tensors have identical shapes.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) flatIndex(indices []int) int {
	idx := 0
	for i, v := range indices {
		idx += v * t.Strides[i]
	}
	return idx
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// SetAt stores v at the given indices.
func (t *Tensor) SetAt(v float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = v
}

// Reshape returns a view with a new shape sharing the underlying data.
// The element count must match.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v",
			t.Shape, len(t.Data), shape)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// SplitLastAxis reinterprets the last axis of length n*m as two axes
// [n, m]. This is a pure view: slice h of the new axis covers the
// contiguous range [h*m, (h+1)*m) of the old axis.
func (t *Tensor) SplitLastAxis(n int) (*Tensor, error) {
	last := t.Shape[len(t.Shape)-1]
	if n <= 0 || last%n != 0 {
		return nil, fmt.Errorf("tensor: cannot split axis of length %d into %d parts", last, n)
	}
	shape := append(copyShape(t.Shape[:len(t.Shape)-1]), n, last/n)
	return t.Reshape(shape...)
}

// MergeLastAxes collapses the final two axes into one, the inverse of
// SplitLastAxis.
func (t *Tensor) MergeLastAxes() (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("tensor: need at least 2 axes to merge, have %d", len(t.Shape))
	}
	k := len(t.Shape)
	shape := append(copyShape(t.Shape[:k-2]), t.Shape[k-2]*t.Shape[k-1])
	return t.Reshape(shape...)
}

// Scale returns t multiplied element-wise by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// ConcatLeading concatenates two tensors along axis 0. All trailing axes
// must match. Axis 0 is the outermost axis, so this is a straight append
// of the underlying storage.
func ConcatLeading(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != len(b.Shape) {
		return nil, &ShapeError{Op: "concat", Want: a.Shape, Got: b.Shape}
	}
	for i := 1; i < len(a.Shape); i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, &ShapeError{Op: "concat", Want: a.Shape, Got: b.Shape}
		}
	}
	shape := copyShape(a.Shape)
	shape[0] += b.Shape[0]
	out := New(shape...)
	copy(out.Data, a.Data)
	copy(out.Data[len(a.Data):], b.Data)
	return out, nil
}

// CheckFinite returns a NumericError for the first NaN or Inf in t.
func CheckFinite(op string, t *Tensor) error {
	for i, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &NumericError{Op: op, Index: i, Value: f}
		}
	}
	return nil
}
