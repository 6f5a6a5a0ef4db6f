package diffusion

import (
	"github.com/sirupsen/logrus"

	"github.com/openfluke/diffwave/nn"
)

// StepState describes one completed reverse step. The tensors are not
// modified after the sink sees them, so sinks may keep them.
type StepState struct {
	Step, Steps int
	// TNow and TNext are fractions in continuous mode and step indices in
	// discrete mode.
	TNow, TNext         float64
	GammaNow, GammaNext float64
	// X is the sample passed to the next step, or the final output.
	X *nn.Tensor
	// PredX0 is the clean-sample estimate; nil for direct sampling.
	PredX0 *nn.Tensor
	Final  bool
}

// StepSink receives every reverse step. Sampling works without one.
type StepSink interface {
	OnStep(StepState)
}

// StepSinkFunc adapts a function to StepSink.
type StepSinkFunc func(StepState)

func (f StepSinkFunc) OnStep(s StepState) { f(s) }

// ChannelSink forwards steps to a buffered channel, dropping them when the
// channel is full so sampling never blocks.
type ChannelSink struct {
	Steps chan StepState
}

func NewChannelSink(bufferSize int) *ChannelSink {
	return &ChannelSink{Steps: make(chan StepState, bufferSize)}
}

func (s *ChannelSink) OnStep(st StepState) {
	select {
	case s.Steps <- st:
	default:
	}
}

// LogSink logs a summary every Every steps and at the final step.
type LogSink struct {
	Logger logrus.FieldLogger
	Every  int
}

func (s *LogSink) OnStep(st StepState) {
	every := max(s.Every, 1)
	if st.Step%every != 0 && !st.Final {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{
		"step":       st.Step,
		"steps":      st.Steps,
		"t_now":      st.TNow,
		"gamma_now":  st.GammaNow,
		"gamma_next": st.GammaNext,
		"x_min":      nn.Min(st.X.Data),
		"x_max":      nn.Max(st.X.Data),
	}
	if st.PredX0 != nil {
		fields["pred_mean"] = nn.Mean(st.PredX0.Data)
	}
	logger.WithFields(fields).Info("sampling step")
}

type multiSink []StepSink

func (m multiSink) OnStep(s StepState) {
	for _, sink := range m {
		sink.OnStep(s)
	}
}
