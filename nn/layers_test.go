package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func dot(a, b *Tensor) float64 {
	var s float64
	for i := range a.Data {
		s += a.Data[i] * b.Data[i]
	}
	return s
}

// gradCheck compares Backward against central differences of the scalar
// <forward(x), w> for the input and every parameter entry.
func gradCheck(t *testing.T, params []*Param, x *Tensor, forward func(*Tensor) (pre, post *Tensor), backward func(g, x, pre *Tensor) *Tensor) {
	t.Helper()
	pre, post := forward(x)
	w := RandN(testRand(99), post.Shape...)
	ZeroGrads(params)
	gx := backward(w, x, pre)

	loss := func() float64 {
		_, post := forward(x)
		return dot(post, w)
	}
	const h = 1e-6
	probe := func(name string, data []float64, grad []float64) {
		for i := range data {
			orig := data[i]
			data[i] = orig + h
			up := loss()
			data[i] = orig - h
			down := loss()
			data[i] = orig
			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, grad[i], 1e-5+1e-4*math.Abs(numeric), "%s[%d]", name, i)
		}
	}
	probe("x", x.Data, gx.Data)
	for _, p := range params {
		probe(p.Name, p.Value.Data, p.Grad.Data)
	}
}

func TestLinearForwardKnownValues(t *testing.T) {
	l := NewLinear("fc", 2, 1, ActivationNone, nil)
	copy(l.Weight.Value.Data, []float64{2, -1})
	l.Bias.Value.Data[0] = 0.5
	_, out, err := l.Forward(NewTensorFromSlice([]float64{3, 4, 1, 1}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 1.5}, out.Data)

	_, _, err = l.Forward(NewTensor(2, 3))
	var se *ShapeError
	assert.ErrorAs(t, err, &se)
}

func TestLinearGradients(t *testing.T) {
	l := NewLinear("fc", 4, 3, ActivationSiLU, testRand(1))
	x := RandN(testRand(2), 2, 4)
	gradCheck(t, l.Params(), x,
		func(x *Tensor) (*Tensor, *Tensor) {
			pre, post, err := l.Forward(x)
			require.NoError(t, err)
			return pre, post
		}, l.Backward)
}

func TestConv1DKnownValues(t *testing.T) {
	c, err := NewConv1D("conv", 1, 1, 3, 2, ActivationNone, nil)
	require.NoError(t, err)
	copy(c.Weight.Value.Data, []float64{1, 10, 100})
	x := NewTensorFromSlice([]float64{1, 2, 3, 4, 5}, 1, 1, 5)
	_, out, err := c.Forward(x)
	require.NoError(t, err)
	// y[t] = x[t-2] + 10·x[t] + 100·x[t+2], zero padded
	assert.Equal(t, []float64{310, 420, 531, 42, 53}, out.Data)
}

func TestConv1DRejectsEvenKernel(t *testing.T) {
	_, err := NewConv1D("conv", 1, 1, 2, 1, ActivationNone, nil)
	assert.Error(t, err)
	_, err = NewConv1D("conv", 1, 1, 3, 0, ActivationNone, nil)
	assert.Error(t, err)
}

func TestConv1DGradients(t *testing.T) {
	for _, dilation := range []int{1, 2, 4} {
		c, err := NewConv1D("conv", 3, 4, 3, dilation, ActivationTanh, testRand(3))
		require.NoError(t, err)
		for i := range c.Bias.Value.Data {
			c.Bias.Value.Data[i] = 0.1 * float64(i)
		}
		x := RandN(testRand(4), 2, 3, 7)
		gradCheck(t, c.Params(), x,
			func(x *Tensor) (*Tensor, *Tensor) {
				pre, post, err := c.Forward(x)
				require.NoError(t, err)
				return pre, post
			}, c.Backward)
	}
}

func TestConv1DPointwise(t *testing.T) {
	c, err := NewConv1D("proj", 2, 1, 1, 1, ActivationNone, nil)
	require.NoError(t, err)
	copy(c.Weight.Value.Data, []float64{1, -1})
	x := NewTensorFromSlice([]float64{5, 6, 1, 2}, 1, 2, 2)
	_, out, err := c.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4}, out.Data)
}

func TestConvTranspose2DUpsamples(t *testing.T) {
	c, err := NewConvTranspose2D("up", 1, 1, 3, 8, 1, 4, 1, 2, ActivationLeakyReLU, testRand(5))
	require.NoError(t, err)
	h, w := c.OutputSize(5, 6)
	assert.Equal(t, 5, h)
	assert.Equal(t, 24, w)

	pre, post, err := c.Forward(RandN(testRand(6), 2, 1, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 5, 24}, pre.Shape)
	for i, v := range pre.Data {
		assert.Equal(t, Activate(v, ActivationLeakyReLU), post.Data[i])
	}
}

func TestConvTranspose2DGradients(t *testing.T) {
	c, err := NewConvTranspose2D("up", 2, 3, 3, 4, 1, 2, 1, 1, ActivationTanh, testRand(7))
	require.NoError(t, err)
	x := RandN(testRand(8), 1, 2, 3, 4)
	gradCheck(t, c.Params(), x,
		func(x *Tensor) (*Tensor, *Tensor) {
			pre, post, err := c.Forward(x)
			require.NoError(t, err)
			return pre, post
		}, c.Backward)
}
