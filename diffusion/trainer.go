package diffusion

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/diffwave/nn"
)

// TimeBins is the number of equal-width buckets over [0,1] used to break
// the loss down by diffusion time.
const TimeBins = 10

// LossTracker keeps running means of the loss per time bin.
type LossTracker struct {
	sums   [TimeBins]float64
	counts [TimeBins]int
}

// Bin returns the 1-based bucket of a normalised time.
func Bin(fraction float64) int {
	b := int(fraction * TimeBins)
	return min(max(b, 0), TimeBins-1) + 1
}

// Add records the loss of one example at a normalised time.
func (lt *LossTracker) Add(fraction, loss float64) {
	i := Bin(fraction) - 1
	lt.sums[i] += loss
	lt.counts[i]++
}

// Means returns the mean loss per bin; bins without samples are omitted.
func (lt *LossTracker) Means() map[int]float64 {
	out := make(map[int]float64)
	for i, n := range lt.counts {
		if n > 0 {
			out[i+1] = lt.sums[i] / float64(n)
		}
	}
	return out
}

// Fields renders the bin means as log fields
// (diffusion_step_<bin>_loss).
func (lt *LossTracker) Fields() logrus.Fields {
	f := logrus.Fields{}
	for bin, v := range lt.Means() {
		f[fmt.Sprintf("diffusion_step_%d_loss", bin)] = v
	}
	return f
}

// Reset clears every bin.
func (lt *LossTracker) Reset() {
	*lt = LossTracker{}
}

// StepResult summarises one optimizer step.
type StepResult struct {
	Step         int
	Loss         float64
	LearningRate float64
}

// Trainer applies optimizer steps to a model.
type Trainer struct {
	model     *Model
	optimizer nn.Optimizer
	scheduler nn.LRScheduler
	rng       *rand.Rand
	logger    logrus.FieldLogger

	// LogEvery controls how often Step logs; 0 disables step logging.
	LogEvery int
	Bins     LossTracker

	step int
}

// NewTrainer pairs a model with an optimizer and learning-rate schedule.
// rng drives timestep, noise and shuffle draws; nil seeds one randomly.
func NewTrainer(m *Model, opt nn.Optimizer, sched nn.LRScheduler, rng *rand.Rand) *Trainer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Trainer{
		model:     m,
		optimizer: opt,
		scheduler: sched,
		rng:       rng,
		logger:    m.logger,
		LogEvery:  50,
	}
}

// StepCount returns the number of optimizer steps taken.
func (t *Trainer) StepCount() int { return t.step }

// Step computes the loss on batch, backpropagates and updates the weights.
func (t *Trainer) Step(batch Batch) (StepResult, error) {
	params := t.model.Params()
	nn.ZeroGrads(params)
	res, err := t.model.loss(batch, t.rng, true)
	if err != nil {
		return StepResult{}, err
	}
	lr := t.scheduler.GetLR(t.step)
	t.optimizer.Step(params, lr)
	for i, f := range res.Fractions {
		t.Bins.Add(f, res.PerExample[i])
	}
	t.step++

	out := StepResult{Step: t.step, Loss: res.Loss, LearningRate: lr}
	if t.LogEvery > 0 && t.step%t.LogEvery == 0 {
		t.logger.WithFields(t.Bins.Fields()).WithFields(logrus.Fields{
			"step":       t.step,
			"train_loss": res.Loss,
			"lr":         lr,
		}).Info("train step")
	}
	return out, nil
}

// Evaluate returns the mean loss over batches without touching the
// weights or their gradients.
func (t *Trainer) Evaluate(batches []Batch) (float64, error) {
	if len(batches) == 0 {
		return 0, nil
	}
	var sum float64
	for _, b := range batches {
		l, err := t.model.ComputeLoss(b, t.rng)
		if err != nil {
			return 0, err
		}
		sum += l
	}
	return sum / float64(len(batches)), nil
}

// EpochResult summarises one pass over the training batches.
type EpochResult struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
}

// Fit runs epochs over train, shuffling batch order each epoch, and
// evaluates on validation after each one. onEpoch may be nil; an error from
// it stops training.
func (t *Trainer) Fit(ctx context.Context, train, validation []Batch, epochs int, onEpoch func(EpochResult) error) error {
	if len(train) == 0 {
		return configErrorf("no training batches")
	}
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	for epoch := 1; epoch <= epochs; epoch++ {
		t.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		t.Bins.Reset()
		var sum float64
		for _, i := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := t.Step(train[i])
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			sum += res.Loss
		}
		er := EpochResult{Epoch: epoch, TrainLoss: sum / float64(len(train))}
		val, err := t.Evaluate(validation)
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		er.ValidationLoss = val
		t.logger.WithFields(t.Bins.Fields()).WithFields(logrus.Fields{
			"epoch":                 epoch,
			"train_loss":            er.TrainLoss,
			"train_loss_validation": er.ValidationLoss,
		}).Info("epoch done")
		if onEpoch != nil {
			if err := onEpoch(er); err != nil {
				return err
			}
		}
	}
	return nil
}
