package audio

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DatasetConfig controls how clips under Dir become training examples.
type DatasetConfig struct {
	Dir          string
	SampleRate   int
	SampleLength int // samples per example
	MaxSamples   int // 0 keeps every example
	Workers      int // 0 means GOMAXPROCS
	Mel          MelConfig
	// SkipMel leaves Example.Mel nil for unconditioned training.
	SkipMel bool
}

// Example is one fixed-length training waveform and its conditioning.
type Example struct {
	Source string
	Offset int // in samples, at SampleRate
	Audio  []float64
	Mel    [][]float64 // [n_mels][frames]
}

// LoadDataset decodes every supported clip under cfg.Dir in parallel and
// slices it into examples. Output order is deterministic: files sorted by
// path, segments in time order. Undecodable files are logged and skipped.
func LoadDataset(ctx context.Context, cfg DatasetConfig, logger logrus.FieldLogger) ([]Example, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.SampleRate <= 0 || cfg.SampleLength <= 0 {
		return nil, fmt.Errorf("dataset: sample rate %d and sample length %d must be positive", cfg.SampleRate, cfg.SampleLength)
	}
	if !cfg.SkipMel {
		if err := cfg.Mel.Validate(); err != nil {
			return nil, err
		}
	}
	reg := DefaultRegistry()
	var paths []string
	err := filepath.WalkDir(cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && reg.Supports(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: walking %s: %w", cfg.Dir, err)
	}
	sort.Strings(paths)

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	perFile := make([][]Example, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			examples, err := loadClip(reg, path, cfg)
			if err != nil {
				logger.WithError(err).WithField("file", path).Warn("skipping clip")
				return nil
			}
			perFile[i] = examples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Example
	for _, examples := range perFile {
		out = append(out, examples...)
		if cfg.MaxSamples > 0 && len(out) >= cfg.MaxSamples {
			out = out[:cfg.MaxSamples]
			break
		}
	}
	logger.WithFields(logrus.Fields{
		"files":    len(paths),
		"examples": len(out),
		"length":   cfg.SampleLength,
	}).Info("dataset loaded")
	return out, nil
}

func loadClip(reg *Registry, path string, cfg DatasetConfig) ([]Example, error) {
	clip, err := reg.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	mono := Resample(clip.Mono(), clip.SampleRate, cfg.SampleRate)
	var mel *MelSpectrogram
	if !cfg.SkipMel {
		if mel, err = NewMelSpectrogram(cfg.Mel); err != nil {
			return nil, err
		}
	}
	segments := Segments(mono, cfg.SampleLength)
	examples := make([]Example, 0, len(segments))
	for i, seg := range segments {
		NegOneToOne(seg)
		ex := Example{Source: path, Offset: i * cfg.SampleLength, Audio: seg}
		if mel != nil {
			ex.Mel = mel.Compute(seg)
		}
		examples = append(examples, ex)
	}
	return examples, nil
}
