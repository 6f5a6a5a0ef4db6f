package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/openfluke/diffwave/audio"
	"github.com/openfluke/diffwave/config"
	"github.com/openfluke/diffwave/diffusion"
	"github.com/openfluke/diffwave/nn"
)

func sampleFlags(fs *pflag.FlagSet) {
	fs.String("checkpoint", "", "trained safetensors checkpoint")
	fs.StringP("output", "o", "", "output WAV file")
	fs.String("reference", "", "audio file providing the conditioning spectrogram")
	fs.Float64("length", 0, "output length in seconds for unconditioned models")
	fs.String("steps-dir", "", "write every intermediate step as a WAV file here")
	fs.Uint64("sample-seed", 0, "random seed for the starting noise; 0 picks one")
	fs.String("algorithm", "", "ddim, ddpm or direct")
	fs.Float64("eta", 0, "DDIM stochasticity")
}

func sample(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	mcfg, err := cfg.DiffusionConfig()
	if err != nil {
		return err
	}
	model, err := diffusion.New(mcfg, diffusion.WithZeroWeights(), diffusion.WithLogger(logger))
	if err != nil {
		return err
	}
	defer model.Denoiser.ReleaseGPU()
	logGPU(mcfg.UseGPU, logger)
	if err := model.Load(cfg.Train.Checkpoint); err != nil {
		return err
	}

	rate := cfg.Data.SampleRate
	length := int(cfg.Generate.Length * float64(rate))
	var cond *nn.Tensor
	if mcfg.Conditioning {
		if cfg.Generate.Reference == "" {
			return fmt.Errorf("%w: conditioned model needs --reference", diffusion.ErrConfiguration)
		}
		var ref []float64
		if ref, cond, err = conditioning(cfg.Generate.Reference, cfg.Mel()); err != nil {
			return err
		}
		length = len(ref)
	}
	if length < 1 {
		return fmt.Errorf("%w: output length must be positive", diffusion.ErrConfiguration)
	}

	opts := []diffusion.SamplerOption{
		diffusion.WithSink(&diffusion.LogSink{Logger: logger, Every: cfg.Generate.LogEvery}),
	}
	if dir := cfg.Generate.StepsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		opts = append(opts, diffusion.WithSink(stepWriter(dir, rate, logger)))
	}
	sampler, err := diffusion.NewSampler(model, opts...)
	if err != nil {
		return err
	}

	rng := newRand(cfg.Generate.Seed)
	seed := nn.RandN(rng, 1, mcfg.Channels, length)
	out, err := sampler.Sample(ctx, seed, cond, rng)
	if err != nil {
		return err
	}
	if err := audio.WriteWAVFile(cfg.Generate.Output, out.Data[:length], rate); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"output":  cfg.Generate.Output,
		"seconds": float64(length) / float64(rate),
	}).Info("sample written")
	return nil
}

// conditioning decodes a reference clip the same way the dataset does and
// returns it with its [1, n_mels, frames] spectrogram.
func conditioning(path string, mcfg audio.MelConfig) ([]float64, *nn.Tensor, error) {
	clip, err := audio.DefaultRegistry().DecodeFile(path)
	if err != nil {
		return nil, nil, err
	}
	ref := audio.Resample(clip.Mono(), clip.SampleRate, mcfg.SampleRate)
	audio.NegOneToOne(ref)
	mel, err := audio.NewMelSpectrogram(mcfg)
	if err != nil {
		return nil, nil, err
	}
	spec := melTensor(mel.Compute(ref))
	return ref, spec.Reshape(1, spec.Shape[0], spec.Shape[1]), nil
}

// stepWriter saves the first example of every step as step_NNN.wav.
func stepWriter(dir string, rate int, logger logrus.FieldLogger) diffusion.StepSink {
	return diffusion.StepSinkFunc(func(st diffusion.StepState) {
		path := filepath.Join(dir, fmt.Sprintf("step_%03d.wav", st.Step))
		if err := audio.WriteWAVFile(path, st.X.Row(0), rate); err != nil {
			logger.WithError(err).WithField("step", st.Step).Warn("writing step audio")
		}
	})
}
