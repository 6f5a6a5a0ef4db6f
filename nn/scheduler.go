package nn

import (
	"fmt"
	"math"
)

// LRScheduler interface defines learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given step
	GetLR(step int) float64

	// Name returns the scheduler name
	Name() string
}

// NewScheduler builds a scheduler by name ("constant", "cosine", "warmup").
// "warmup" ramps linearly from 0 over warmupSteps and then anneals with a
// cosine curve over the remaining steps.
func NewScheduler(name string, baseLR float64, totalSteps, warmupSteps int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return NewConstantScheduler(baseLR), nil
	case "cosine":
		return NewCosineAnnealingScheduler(baseLR, 0, totalSteps), nil
	case "warmup":
		after := NewCosineAnnealingScheduler(baseLR, 0, max(totalSteps-warmupSteps, 1))
		return NewWarmupScheduler(warmupSteps, 0, baseLR, after), nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", name)
	}
}

// ============================================================================
// Constant Scheduler - Fixed learning rate
// ============================================================================

type ConstantScheduler struct {
	baseLR float64
}

func NewConstantScheduler(baseLR float64) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(step int) float64 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// ============================================================================
// Cosine Annealing Scheduler
// ============================================================================

type CosineAnnealingScheduler struct {
	initialLR  float64
	minLR      float64
	totalSteps int
}

func NewCosineAnnealingScheduler(initialLR, minLR float64, totalSteps int) *CosineAnnealingScheduler {
	return &CosineAnnealingScheduler{
		initialLR:  initialLR,
		minLR:      minLR,
		totalSteps: totalSteps,
	}
}

func (s *CosineAnnealingScheduler) GetLR(step int) float64 {
	if s.totalSteps <= 0 || step >= s.totalSteps {
		return s.minLR
	}
	progress := float64(step) / float64(s.totalSteps)

	// lr = minLR + (initialLR - minLR) * (1 + cos(pi * progress)) / 2
	cosineDecay := (1.0 + math.Cos(math.Pi*progress)) / 2.0
	return s.minLR + (s.initialLR-s.minLR)*cosineDecay
}

func (s *CosineAnnealingScheduler) Name() string {
	return "CosineAnnealing"
}

// ============================================================================
// Warmup Scheduler - Linear warmup, then delegate to another scheduler
// ============================================================================

type WarmupScheduler struct {
	warmupSteps    int
	warmupLR       float64
	baseLR         float64
	afterScheduler LRScheduler
}

func NewWarmupScheduler(warmupSteps int, warmupLR, baseLR float64, afterScheduler LRScheduler) *WarmupScheduler {
	return &WarmupScheduler{
		warmupSteps:    warmupSteps,
		warmupLR:       warmupLR,
		baseLR:         baseLR,
		afterScheduler: afterScheduler,
	}
}

func (s *WarmupScheduler) GetLR(step int) float64 {
	if step < s.warmupSteps {
		progress := float64(step) / float64(s.warmupSteps)
		return s.warmupLR + (s.baseLR-s.warmupLR)*progress
	}
	if s.afterScheduler != nil {
		return s.afterScheduler.GetLR(step - s.warmupSteps)
	}
	return s.baseLR
}

func (s *WarmupScheduler) Name() string {
	return "Warmup"
}
