package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor(3, 4)
	assert.Equal(t, 12, tensor.Size())
	assert.Equal(t, []int{3, 4}, tensor.Shape)

	data := []float64{1, 2, 3, 4, 5, 6}
	tensor2 := NewTensorFromSlice(data, 2, 3)
	assert.Equal(t, 6, tensor2.Size())
	assert.Equal(t, []float64{4, 5, 6}, tensor2.Row(1))

	assert.Panics(t, func() { NewTensorFromSlice(data, 4, 2) })
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]float64{1, 2, 3, 4}, 2, 2)
	clone := original.Clone()
	clone.Data[0] = 100
	clone.Shape[0] = 9
	assert.Equal(t, 1.0, original.Data[0])
	assert.Equal(t, 2, original.Shape[0])
}

// TestTensorReshape verifies reshape shares data
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	reshaped := tensor.Reshape(3, 2)
	require.NotNil(t, reshaped)
	reshaped.Data[0] = 42
	assert.Equal(t, 42.0, tensor.Data[0])
	assert.Nil(t, tensor.Reshape(4, 2))
}

func TestTensorArithmetic(t *testing.T) {
	a := NewTensorFromSlice([]float64{1, 2, 3}, 3)
	b := NewTensorFromSlice([]float64{10, 20, 30}, 3)

	c, err := LinearCombination(2, a, 0.5, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 14, 21}, c.Data)

	_, err = LinearCombination(1, a, 1, NewTensor(2))
	var se *ShapeError
	assert.True(t, errors.As(err, &se))

	a.AddInPlace(b)
	assert.Equal(t, []float64{11, 22, 33}, a.Data)
	a.ScaleInPlace(0.5)
	assert.Equal(t, []float64{5.5, 11, 16.5}, a.Data)
	a.Clip(6, 12)
	assert.Equal(t, []float64{6, 11, 12}, a.Data)
}

func TestSplitConcatChannels(t *testing.T) {
	x := NewTensorFromSlice([]float64{
		1, 2, 3, 4, // batch 0: channels 0..3, length 1
		5, 6, 7, 8, // batch 1
	}, 2, 4, 1)
	a, b, err := SplitChannels(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 5, 6}, a.Data)
	assert.Equal(t, []float64{3, 4, 7, 8}, b.Data)

	joined, err := ConcatChannels(a, b)
	require.NoError(t, err)
	assert.Equal(t, x.Data, joined.Data)
	assert.Equal(t, x.Shape, joined.Shape)

	_, _, err = SplitChannels(NewTensor(1, 3, 2))
	assert.Error(t, err)
}

func TestStack(t *testing.T) {
	s, err := Stack([]*Tensor{
		NewTensorFromSlice([]float64{1, 2}, 1, 2),
		NewTensorFromSlice([]float64{3, 4}, 1, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2}, s.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Data)

	_, err = Stack([]*Tensor{NewTensor(2), NewTensor(3)})
	assert.Error(t, err)
}

// TestActivations checks values and derivatives at a few points
func TestActivations(t *testing.T) {
	assert.Equal(t, 0.0, Activate(-2, ActivationReLU))
	assert.Equal(t, -0.8, Activate(-2, ActivationLeakyReLU))
	assert.InDelta(t, 0.5, Activate(0, ActivationSigmoid), 1e-12)
	assert.InDelta(t, 0.0, Activate(0, ActivationSiLU), 1e-12)

	const h = 1e-6
	for _, act := range []ActivationType{ActivationLeakyReLU, ActivationSiLU, ActivationTanh, ActivationSigmoid} {
		for _, v := range []float64{-1.3, 0.4, 2.1} {
			numeric := (Activate(v+h, act) - Activate(v-h, act)) / (2 * h)
			assert.InDelta(t, numeric, ActivateDerivative(v, act), 1e-6, "%s at %g", act, v)
		}
	}
	assert.Equal(t, "leaky_relu", ActivationLeakyReLU.String())
}

func TestUtils(t *testing.T) {
	assert.Equal(t, 3.0, MaxAbsDiff([]float64{1, 2}, []float64{4, 2}))
	assert.Equal(t, -1.0, Min([]float64{3, -1, 2}))
	assert.Equal(t, 3.0, Max([]float64{3, -1, 2}))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
	assert.Equal(t, 0.0, Mean(nil))
}
