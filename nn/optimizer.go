package nn

import (
	"fmt"
	"math"
)

// Optimizer interface defines the contract for all optimizers
type Optimizer interface {
	// Step applies accumulated gradients to the parameters
	Step(params []*Param, learningRate float64)

	// Reset clears optimizer state (momentum, moments, step count)
	Reset()

	// GetState returns optimizer hyperparameters for serialization
	GetState() map[string]interface{}

	// LoadState restores hyperparameters from serialization
	LoadState(state map[string]interface{}) error

	// Name returns the optimizer name
	Name() string
}

// NewOptimizer builds an optimizer by name ("adamw", "adam", "sgd").
func NewOptimizer(name string) (Optimizer, error) {
	switch name {
	case "", "adamw":
		return NewAdamWOptimizerDefault(), nil
	case "adam":
		return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0), nil
	case "sgd":
		return NewSGDOptimizer(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float64
	velocities map[string][]float64
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return NewSGDOptimizerWithMomentum(0, false)
}

func NewSGDOptimizerWithMomentum(momentum float64, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[string][]float64),
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(params []*Param, learningRate float64) {
	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		if opt.momentum == 0 {
			for j := range w {
				w[j] -= learningRate * g[j]
			}
			continue
		}

		v := opt.velocities[p.Name]
		if v == nil {
			v = make([]float64, len(w))
			opt.velocities[p.Name] = v
		}
		for j := range w {
			v[j] = opt.momentum*v[j] + g[j]
			if opt.nesterov {
				w[j] -= learningRate * (g[j] + opt.momentum*v[j])
			} else {
				w[j] -= learningRate * v[j]
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float64)
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":     "sgd",
		"momentum": opt.momentum,
		"nesterov": opt.nesterov,
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "sgd" {
		return fmt.Errorf("invalid optimizer type: expected sgd, got %v", state["type"])
	}
	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = m
	}
	if n, ok := state["nesterov"].(bool); ok {
		opt.nesterov = n
	}
	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum != 0 {
		return "SGD-Momentum"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	step        int

	// First moment estimates (momentum)
	m map[string][]float64

	// Second moment estimates (variance)
	v map[string][]float64
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float64) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func NewAdamWOptimizerDefault() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01)
}

func (opt *AdamWOptimizer) Step(params []*Param, learningRate float64) {
	opt.step++

	biasCorrection1 := 1.0 - math.Pow(opt.beta1, float64(opt.step))
	biasCorrection2 := 1.0 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float64, len(w))
			v = make([]float64, len(w))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		// Biases are excluded from weight decay.
		decay := opt.weightDecay
		if len(p.Value.Shape) == 1 {
			decay = 0
		}

		for j := range w {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g[j]
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g[j]*g[j]

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			w[j] -= learningRate * (mHat/(math.Sqrt(vHat)+opt.epsilon) + decay*w[j])
		}
	}
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float64)
	opt.v = make(map[string][]float64)
}

func (opt *AdamWOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":         "adamw",
		"beta1":        opt.beta1,
		"beta2":        opt.beta2,
		"epsilon":      opt.epsilon,
		"weight_decay": opt.weightDecay,
		"step":         opt.step,
	}
}

func (opt *AdamWOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "adamw" {
		return fmt.Errorf("invalid optimizer type: expected adamw, got %v", state["type"])
	}
	if b1, ok := state["beta1"].(float64); ok {
		opt.beta1 = b1
	}
	if b2, ok := state["beta2"].(float64); ok {
		opt.beta2 = b2
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = eps
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = wd
	}
	switch s := state["step"].(type) {
	case float64:
		opt.step = int(s)
	case int:
		opt.step = s
	}
	return nil
}

func (opt *AdamWOptimizer) Name() string {
	return "AdamW"
}
