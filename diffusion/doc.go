// Package diffusion implements a DiffWave-style waveform diffusion model.
//
// A Model couples a residual Denoiser with a noise process. Training noises
// clean samples with ForwardProcess and fits the denoiser to the injected
// noise (or to the one-step-less-noisy sample); sampling runs the reverse
// process from Gaussian noise with a Sampler.
//
// Time is either continuous (t in [0,1], γ from a linear, exponential or
// cosine curve) or discrete (steps in [0,T), γ = ᾱ from a linear β
// schedule). The mode is fixed per model and Timesteps built for the other
// mode are rejected with ErrConfiguration.
//
// Example:
//
//	cfg := diffusion.DefaultConfig()
//	cfg.Conditioning = false
//	m, _ := diffusion.New(cfg)
//
//	trainer := diffusion.NewTrainer(m, nn.NewAdamWOptimizerDefault(), nn.NewConstantScheduler(2e-4), rng)
//	trainer.Step(diffusion.Batch{Samples: x0})
//
//	s, _ := diffusion.NewSampler(m, diffusion.WithSink(&diffusion.LogSink{Every: 10}))
//	audio, _ := s.Sample(ctx, nn.RandN(rng, 1, 1, 22050), nil, rng)
package diffusion
