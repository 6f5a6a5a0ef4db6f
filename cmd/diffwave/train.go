package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/openfluke/diffwave/audio"
	"github.com/openfluke/diffwave/config"
	"github.com/openfluke/diffwave/diffusion"
	"github.com/openfluke/diffwave/nn"
)

func trainFlags(fs *pflag.FlagSet) {
	fs.String("data", "", "directory of training clips")
	fs.Int("epochs", 0, "number of passes over the training set")
	fs.Int("batch-size", 0, "examples per optimizer step")
	fs.Float64("lr", 0, "base learning rate")
	fs.String("checkpoint", "", "safetensors file written after every epoch")
	fs.Bool("resume", false, "start from the existing checkpoint")
	fs.Uint64("seed", 0, "random seed; 0 picks one")
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func train(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	mcfg, err := cfg.DiffusionConfig()
	if err != nil {
		return err
	}
	rng := newRand(cfg.Train.Seed)
	model, err := diffusion.New(mcfg, diffusion.WithRand(rng), diffusion.WithLogger(logger))
	if err != nil {
		return err
	}
	defer model.Denoiser.ReleaseGPU()
	logGPU(mcfg.UseGPU, logger)

	ckpt := cfg.Train.Checkpoint
	if cfg.Train.Resume {
		if err := model.Load(ckpt); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			logger.WithField("checkpoint", ckpt).Warn("no checkpoint to resume from, starting fresh")
		} else {
			logger.WithField("checkpoint", ckpt).Info("resumed")
		}
	}

	examples, err := audio.LoadDataset(ctx, cfg.Dataset(), logger)
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return fmt.Errorf("no training examples found under %s", cfg.Data.Dir)
	}
	trainEx, valEx := splitValidation(examples, cfg.Train.ValidationFraction)
	trainBatches, err := makeBatches(trainEx, cfg.Train.BatchSize, mcfg.Conditioning)
	if err != nil {
		return err
	}
	valBatches, err := makeBatches(valEx, cfg.Train.BatchSize, mcfg.Conditioning)
	if err != nil {
		return err
	}

	opt, err := nn.NewOptimizer(cfg.Train.Optimizer)
	if err != nil {
		return err
	}
	total := cfg.Train.Epochs * len(trainBatches)
	sched, err := nn.NewScheduler(cfg.Train.LRSchedule, cfg.Train.LearningRate, total, cfg.Train.WarmupSteps)
	if err != nil {
		return err
	}
	trainer := diffusion.NewTrainer(model, opt, sched, rng)
	trainer.LogEvery = cfg.Train.LogEvery

	logger.WithFields(logrus.Fields{
		"train_examples":      len(trainEx),
		"validation_examples": len(valEx),
		"batches":             len(trainBatches),
		"params":              nn.CountParams(model.Params()),
		"optimizer":           opt.Name(),
		"lr_schedule":         sched.Name(),
	}).Info("training")

	return trainer.Fit(ctx, trainBatches, valBatches, cfg.Train.Epochs, func(er diffusion.EpochResult) error {
		if err := model.Save(ckpt); err != nil {
			return fmt.Errorf("saving checkpoint: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"epoch":      er.Epoch,
			"checkpoint": ckpt,
		}).Info("checkpoint saved")
		return nil
	})
}
