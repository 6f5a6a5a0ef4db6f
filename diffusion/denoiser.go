package diffusion

import (
	"math"
	"math/rand/v2"

	"github.com/openfluke/diffwave/nn"
)

// Denoiser is the residual network that estimates the injected noise (or
// the less noisy sample) from a noisy sample, its timestep and optional
// spectrogram conditioning. Weights are only read during Forward, so
// concurrent calls on one Denoiser are safe.
type Denoiser struct {
	cfg Config

	Embedding   *TimestepEmbedding
	Conditioner *ConditioningEncoder // nil when unconditioned
	Input       *nn.Conv1D
	Blocks      []*ResidualBlock
	SkipProj    *nn.Conv1D
	Output      *nn.Conv1D
}

// forwardCache holds every intermediate needed for backward. One is built
// per call, which keeps Forward reentrant.
type forwardCache struct {
	x         *nn.Tensor
	emb       *nn.Tensor
	embCache  *embeddingCache
	cond      *nn.Tensor
	condCache *conditionerCache
	inPre     *nn.Tensor
	blocks    []*blockCache
	skipSum   *nn.Tensor
	skipPre   *nn.Tensor
	skipPost  *nn.Tensor
	outPre    *nn.Tensor
}

// NewDenoiser builds the network for cfg. A nil rng leaves every weight at
// zero; otherwise the final projection alone starts at zero.
func NewDenoiser(cfg Config, rng *rand.Rand) (*Denoiser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Denoiser{cfg: cfg}
	var err error
	if d.Embedding, err = NewTimestepEmbedding(cfg.MaxSteps, cfg.EmbeddingWidth, rng); err != nil {
		return nil, err
	}
	if cfg.Conditioning {
		if d.Conditioner, err = NewConditioningEncoder(cfg.NMels, cfg.UpsampleStrides, rng); err != nil {
			return nil, err
		}
	}
	c := cfg.ResidualChannels
	if d.Input, err = nn.NewConv1D("input", cfg.Channels, c, 1, 1, nn.ActivationReLU, rng); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.ResidualBlocks; i++ {
		dilation := 1 << (i % cfg.DilationCycle)
		blk, err := newResidualBlock(i, c, cfg.EmbeddingWidth, dilation, cfg.NMels, cfg.Conditioning, rng)
		if err != nil {
			return nil, err
		}
		d.Blocks = append(d.Blocks, blk)
	}
	if d.SkipProj, err = nn.NewConv1D("skip_projection", c, c, 1, 1, nn.ActivationReLU, rng); err != nil {
		return nil, err
	}
	if d.Output, err = nn.NewConv1D("output", c, cfg.Channels, 1, 1, nn.ActivationNone, nil); err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		d.SetGPU(true)
	}
	return d, nil
}

// Params returns every trainable parameter in a stable order.
func (d *Denoiser) Params() []*nn.Param {
	ps := d.Embedding.Params()
	if d.Conditioner != nil {
		ps = append(ps, d.Conditioner.Params()...)
	}
	ps = append(ps, d.Input.Params()...)
	for _, b := range d.Blocks {
		ps = append(ps, b.Params()...)
	}
	ps = append(ps, d.SkipProj.Params()...)
	return append(ps, d.Output.Params()...)
}

// SetGPU toggles WebGPU execution of every convolution's forward pass.
func (d *Denoiser) SetGPU(on bool) {
	for _, c := range d.convs() {
		c.UseGPU = on
	}
}

// ReleaseGPU frees any compiled kernels.
func (d *Denoiser) ReleaseGPU() {
	for _, c := range d.convs() {
		c.ReleaseGPU()
	}
}

func (d *Denoiser) convs() []*nn.Conv1D {
	cs := []*nn.Conv1D{d.Input, d.SkipProj, d.Output}
	for _, b := range d.Blocks {
		cs = append(cs, b.convs()...)
	}
	return cs
}

// Forward predicts from x [batch][Channels][L]. ts must use the model's
// time mode and cond must be given exactly when the model is conditioned.
func (d *Denoiser) Forward(x *nn.Tensor, ts Timesteps, cond *nn.Tensor) (*nn.Tensor, error) {
	out, _, err := d.forward(x, ts, cond)
	return out, err
}

func (d *Denoiser) forward(x *nn.Tensor, ts Timesteps, cond *nn.Tensor) (*nn.Tensor, *forwardCache, error) {
	if cond != nil && d.Conditioner == nil {
		return nil, nil, configErrorf("conditioning passed to an unconditioned model")
	}
	if cond == nil && d.Conditioner != nil {
		return nil, nil, configErrorf("conditioned model called without conditioning")
	}
	if len(x.Shape) != 3 || x.Shape[1] != d.cfg.Channels || x.Shape[0] < 1 || x.Shape[2] < 1 {
		return nil, nil, &ShapeError{Op: "denoiser input", Want: []int{-1, d.cfg.Channels, -1}, Got: x.Shape}
	}
	batch, length := x.Shape[0], x.Shape[2]
	if cond != nil && (len(cond.Shape) != 3 || cond.Shape[0] != batch) {
		return nil, nil, &ShapeError{Op: "conditioning batch", Want: []int{batch, d.cfg.NMels, -1}, Got: cond.Shape}
	}
	positions, err := d.positions(ts, batch)
	if err != nil {
		return nil, nil, err
	}

	c := &forwardCache{x: x}
	if c.emb, c.embCache, err = d.Embedding.forward(positions); err != nil {
		return nil, nil, err
	}
	if d.Conditioner != nil {
		if c.cond, c.condCache, err = d.Conditioner.encode(cond, length); err != nil {
			return nil, nil, err
		}
	}

	var h *nn.Tensor
	if c.inPre, h, err = d.Input.Forward(x); err != nil {
		return nil, nil, err
	}
	c.skipSum = nn.NewTensor(batch, d.cfg.ResidualChannels, length)
	for _, blk := range d.Blocks {
		var skip *nn.Tensor
		var bc *blockCache
		if h, skip, bc, err = blk.forward(h, c.emb, c.cond); err != nil {
			return nil, nil, err
		}
		c.blocks = append(c.blocks, bc)
		c.skipSum.AddInPlace(skip)
	}
	c.skipSum.ScaleInPlace(1 / math.Sqrt(float64(len(d.Blocks))))

	if c.skipPre, c.skipPost, err = d.SkipProj.Forward(c.skipSum); err != nil {
		return nil, nil, err
	}
	var out *nn.Tensor
	if c.outPre, out, err = d.Output.Forward(c.skipPost); err != nil {
		return nil, nil, err
	}
	return out, c, nil
}

// positions converts timesteps into embedding table positions, one per
// batch entry. Continuous t maps to t·(MaxSteps-1).
func (d *Denoiser) positions(ts Timesteps, batch int) ([]float64, error) {
	if err := ts.check(d.cfg.TimeMode, batch, d.cfg.Steps); err != nil {
		return nil, err
	}
	pos := make([]float64, batch)
	for i := range pos {
		if ts.Mode() == TimeDiscrete {
			pos[i] = float64(ts.Step(i))
		} else {
			pos[i] = ts.Time(i) * float64(d.cfg.MaxSteps-1)
		}
	}
	return pos, nil
}

// backward accumulates parameter gradients for a gradient on the output.
// The gradient with respect to x is not needed and is discarded.
func (d *Denoiser) backward(c *forwardCache, gradOut *nn.Tensor) error {
	gSkipPost := d.Output.Backward(gradOut, c.skipPost, c.outPre)
	gSkip := d.SkipProj.Backward(gSkipPost, c.skipSum, c.skipPre)
	gSkip.ScaleInPlace(1 / math.Sqrt(float64(len(d.Blocks))))

	// The last block's residual output feeds nothing.
	gH := nn.ZerosLike(c.skipSum)
	gEmb := nn.ZerosLike(c.emb)
	var gCond *nn.Tensor
	if c.cond != nil {
		gCond = nn.ZerosLike(c.cond)
	}
	for i := len(d.Blocks) - 1; i >= 0; i-- {
		gx, ge, gc, err := d.Blocks[i].backward(c.blocks[i], gH, gSkip)
		if err != nil {
			return err
		}
		gH = gx
		gEmb.AddInPlace(ge)
		if gCond != nil {
			gCond.AddInPlace(gc)
		}
	}
	d.Input.Backward(gH, c.x, c.inPre)
	d.Embedding.backward(c.embCache, gEmb)
	if gCond != nil {
		d.Conditioner.backward(c.condCache, gCond)
	}
	return nil
}
