package nn

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major float64 array.
// Layers use the [batch][channels][length] layout for sequences and
// [batch][features] for vectors.
type Tensor struct {
	Data  []float64
	Shape []int
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Data: make([]float64, numel(shape)), Shape: slices.Clone(shape)}
}

// NewTensorFromSlice wraps data without copying. It panics if the shape does
// not describe len(data) elements.
func NewTensorFromSlice(data []float64, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("nn: shape %v does not match %d elements", shape, len(data)))
	}
	return &Tensor{Data: data, Shape: slices.Clone(shape)}
}

// RandN fills a new tensor with standard normal draws from rng.
func RandN(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: slices.Clone(t.Data), Shape: slices.Clone(t.Shape)}
}

// Reshape returns a view with a new shape sharing the same data, or nil if
// the element count differs.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		return nil
	}
	return &Tensor{Data: t.Data, Shape: slices.Clone(shape)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// ZerosLike allocates a zeroed tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	return NewTensor(t.Shape...)
}

// AddInPlace accumulates o into t.
func (t *Tensor) AddInPlace(o *Tensor) {
	floats.Add(t.Data, o.Data)
}

// ScaleInPlace multiplies every element by s.
func (t *Tensor) ScaleInPlace(s float64) {
	floats.Scale(s, t.Data)
}

// Clip bounds every element to [lo, hi] in place.
func (t *Tensor) Clip(lo, hi float64) {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}

// LinearCombination returns a*x + b*y. Both tensors must share a shape.
func LinearCombination(a float64, x *Tensor, b float64, y *Tensor) (*Tensor, error) {
	if !x.SameShape(y) {
		return nil, &ShapeError{Op: "linear combination", Want: x.Shape, Got: y.Shape}
	}
	out := NewTensor(x.Shape...)
	floats.AddScaledTo(out.Data, out.Data, a, x.Data)
	floats.AddScaled(out.Data, b, y.Data)
	return out, nil
}

// Row returns the contiguous slice of the i-th entry along the first axis.
func (t *Tensor) Row(i int) []float64 {
	stride := len(t.Data) / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// String formats the shape, not the data.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// SplitChannels splits a [batch][2C][length] tensor into two
// [batch][C][length] halves along the channel axis.
func SplitChannels(t *Tensor) (a, b *Tensor, err error) {
	if len(t.Shape) != 3 || t.Shape[1]%2 != 0 {
		return nil, nil, &ShapeError{Op: "split channels", Want: []int{-1, -1, -1}, Got: t.Shape}
	}
	batch, c, l := t.Shape[0], t.Shape[1]/2, t.Shape[2]
	a, b = NewTensor(batch, c, l), NewTensor(batch, c, l)
	block := c * l
	for i := 0; i < batch; i++ {
		src := t.Data[i*2*block : (i+1)*2*block]
		copy(a.Data[i*block:(i+1)*block], src[:block])
		copy(b.Data[i*block:(i+1)*block], src[block:])
	}
	return a, b, nil
}

// ConcatChannels joins two [batch][C][length] tensors along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 3 || !a.SameShape(b) {
		return nil, &ShapeError{Op: "concat channels", Want: a.Shape, Got: b.Shape}
	}
	batch, c, l := a.Shape[0], a.Shape[1], a.Shape[2]
	out := NewTensor(batch, 2*c, l)
	block := c * l
	for i := 0; i < batch; i++ {
		dst := out.Data[i*2*block : (i+1)*2*block]
		copy(dst[:block], a.Data[i*block:(i+1)*block])
		copy(dst[block:], b.Data[i*block:(i+1)*block])
	}
	return out, nil
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack: no tensors")
	}
	shape := append([]int{len(ts)}, ts[0].Shape...)
	out := NewTensor(shape...)
	n := ts[0].Size()
	for i, t := range ts {
		if !t.SameShape(ts[0]) {
			return nil, &ShapeError{Op: "stack", Want: ts[0].Shape, Got: t.Shape}
		}
		copy(out.Data[i*n:(i+1)*n], t.Data)
	}
	return out, nil
}
