package diffusion

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/openfluke/diffwave/nn"
)

const invSqrt2 = 1 / math.Sqrt2

// ResidualBlock is one gated, dilated block of the denoiser:
//
//	y   = x + TimeProj(emb)
//	h   = Dilated(y) [+ CondProj(cond)]
//	g   = tanh(h[:C]) * sigmoid(h[C:])
//	o   = Output(g)
//	out = (x + o[:C]) / √2, skip = o[C:]
type ResidualBlock struct {
	Channels int
	Dilation int
	TimeProj *nn.Linear
	Dilated  *nn.Conv1D
	CondProj *nn.Conv1D // nil when the model is unconditioned
	Output   *nn.Conv1D
}

type blockCache struct {
	x, y, emb, cond *nn.Tensor
	tPre            *nn.Tensor
	hPre, cPre      *nn.Tensor
	a, b, gated     *nn.Tensor
	oPre            *nn.Tensor
}

func newResidualBlock(i, channels, width, dilation, nMels int, conditioned bool, rng *rand.Rand) (*ResidualBlock, error) {
	name := fmt.Sprintf("blocks.%d", i)
	blk := &ResidualBlock{
		Channels: channels,
		Dilation: dilation,
		TimeProj: nn.NewLinear(name+".time", width, channels, nn.ActivationNone, rng),
	}
	var err error
	if blk.Dilated, err = nn.NewConv1D(name+".dilated", channels, 2*channels, 3, dilation, nn.ActivationNone, rng); err != nil {
		return nil, err
	}
	if conditioned {
		if blk.CondProj, err = nn.NewConv1D(name+".conditioner", nMels, 2*channels, 1, 1, nn.ActivationNone, rng); err != nil {
			return nil, err
		}
	}
	if blk.Output, err = nn.NewConv1D(name+".output", channels, 2*channels, 1, 1, nn.ActivationNone, rng); err != nil {
		return nil, err
	}
	return blk, nil
}

func (r *ResidualBlock) Params() []*nn.Param {
	ps := append(r.TimeProj.Params(), r.Dilated.Params()...)
	if r.CondProj != nil {
		ps = append(ps, r.CondProj.Params()...)
	}
	return append(ps, r.Output.Params()...)
}

func (r *ResidualBlock) convs() []*nn.Conv1D {
	cs := []*nn.Conv1D{r.Dilated, r.Output}
	if r.CondProj != nil {
		cs = append(cs, r.CondProj)
	}
	return cs
}

// Forward runs the block on x [batch][C][L] with emb [batch][width] and an
// upsampled cond [batch][nMels][L] (nil when unconditioned).
func (r *ResidualBlock) Forward(x, emb, cond *nn.Tensor) (out, skip *nn.Tensor, err error) {
	out, skip, _, err = r.forward(x, emb, cond)
	return out, skip, err
}

func (r *ResidualBlock) forward(x, emb, cond *nn.Tensor) (out, skip *nn.Tensor, c *blockCache, err error) {
	c = &blockCache{x: x, emb: emb, cond: cond}
	batch, ch, l := x.Shape[0], x.Shape[1], x.Shape[2]

	var tp *nn.Tensor
	if c.tPre, tp, err = r.TimeProj.Forward(emb); err != nil {
		return nil, nil, nil, err
	}
	c.y = x.Clone()
	for b := 0; b < batch; b++ {
		for k := 0; k < ch; k++ {
			row := c.y.Data[(b*ch+k)*l : (b*ch+k+1)*l]
			v := tp.Data[b*ch+k]
			for i := range row {
				row[i] += v
			}
		}
	}

	if c.hPre, _, err = r.Dilated.Forward(c.y); err != nil {
		return nil, nil, nil, err
	}
	h := c.hPre
	if r.CondProj != nil {
		if c.cPre, _, err = r.CondProj.Forward(cond); err != nil {
			return nil, nil, nil, err
		}
		h = c.hPre.Clone()
		h.AddInPlace(c.cPre)
	}

	if c.a, c.b, err = nn.SplitChannels(h); err != nil {
		return nil, nil, nil, err
	}
	c.gated = nn.NewTensor(batch, ch, l)
	for i := range c.gated.Data {
		c.gated.Data[i] = math.Tanh(c.a.Data[i]) * nn.Activate(c.b.Data[i], nn.ActivationSigmoid)
	}

	if c.oPre, _, err = r.Output.Forward(c.gated); err != nil {
		return nil, nil, nil, err
	}
	res, skip, err := nn.SplitChannels(c.oPre)
	if err != nil {
		return nil, nil, nil, err
	}
	out, err = nn.LinearCombination(invSqrt2, x, invSqrt2, res)
	if err != nil {
		return nil, nil, nil, err
	}
	return out, skip, c, nil
}

// backward takes gradients on the residual and skip outputs and returns
// gradients on x, emb and cond. cond's gradient is nil when unconditioned.
func (r *ResidualBlock) backward(c *blockCache, gradOut, gradSkip *nn.Tensor) (gx, gEmb, gCond *nn.Tensor, err error) {
	batch, ch, l := c.x.Shape[0], c.x.Shape[1], c.x.Shape[2]

	gRes := gradOut.Clone()
	gRes.ScaleInPlace(invSqrt2)
	gO, err := nn.ConcatChannels(gRes, gradSkip)
	if err != nil {
		return nil, nil, nil, err
	}
	gGated := r.Output.Backward(gO, c.gated, c.oPre)

	gA, gB := nn.NewTensor(batch, ch, l), nn.NewTensor(batch, ch, l)
	for i, g := range gGated.Data {
		ta := math.Tanh(c.a.Data[i])
		sb := nn.Activate(c.b.Data[i], nn.ActivationSigmoid)
		gA.Data[i] = g * sb * (1 - ta*ta)
		gB.Data[i] = g * ta * sb * (1 - sb)
	}
	gH, err := nn.ConcatChannels(gA, gB)
	if err != nil {
		return nil, nil, nil, err
	}
	if r.CondProj != nil {
		gCond = r.CondProj.Backward(gH, c.cond, c.cPre)
	}

	gY := r.Dilated.Backward(gH, c.y, c.hPre)
	gx = gRes.Clone()
	gx.AddInPlace(gY)

	gTp := nn.NewTensor(batch, ch)
	for b := 0; b < batch; b++ {
		for k := 0; k < ch; k++ {
			var s float64
			for _, v := range gY.Data[(b*ch+k)*l : (b*ch+k+1)*l] {
				s += v
			}
			gTp.Data[b*ch+k] = s
		}
	}
	gEmb = r.TimeProj.Backward(gTp, c.emb, c.tPre)
	return gx, gEmb, gCond, nil
}
