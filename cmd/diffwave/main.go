// Command diffwave trains waveform diffusion models and samples audio from
// them.
//
//	diffwave train  --config diffwave.yaml --data ./clips --epochs 20
//	diffwave sample --config diffwave.yaml --reference voice.wav --output out.wav
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/openfluke/diffwave/config"
	"github.com/openfluke/diffwave/gpu"
)

const usage = `usage: diffwave <command> [flags]

commands:
  train    fit a model on a directory of audio clips
  sample   generate audio from a trained checkpoint
  gpu      print the WebGPU adapter report as JSON
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "train":
		err = run(ctx, cmd, args, trainFlags, train)
	case "sample":
		err = run(ctx, cmd, args, sampleFlags, sample)
	case "gpu":
		err = printGPU()
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Error(os.Args[1] + " failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, args []string,
	register func(*pflag.FlagSet),
	cmd func(context.Context, *config.Config, *logrus.Logger) error,
) error {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "configuration file (yaml, toml or json)")
	fs.String("log-level", "info", "log level")
	fs.Bool("gpu", false, "run dilated convolutions on the GPU")
	register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	return cmd(ctx, cfg, logger)
}

func printGPU() error {
	rep, err := gpu.Describe()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// logGPU reports the adapter when GPU execution is requested. Kernels fall
// back to the CPU on their own if no adapter is usable.
func logGPU(enabled bool, logger logrus.FieldLogger) {
	if !enabled {
		return
	}
	rep, err := gpu.Describe()
	if err != nil {
		logger.WithError(err).Warn("GPU requested but unavailable, using CPU")
		return
	}
	logger.WithFields(logrus.Fields{
		"adapter":   rep.Name,
		"backend":   rep.Backend,
		"workgroup": rep.Workgroup,
	}).Info("GPU enabled")
}
