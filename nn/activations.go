package nn

import (
	"math"
)

// ActivationType defines the element-wise nonlinearity applied after a layer
type ActivationType int

const (
	ActivationNone      ActivationType = 0 // identity
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationLeakyReLU ActivationType = 2 // v if v >= 0, else v * LeakySlope
	ActivationSiLU      ActivationType = 3 // v * sigmoid(v)
	ActivationTanh      ActivationType = 4 // tanh(v)
	ActivationSigmoid   ActivationType = 5 // 1 / (1 + exp(-v))
)

// LeakySlope is the negative slope used by the spectrogram upsampler.
const LeakySlope = 0.4

func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationReLU:
		return "relu"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationSiLU:
		return "silu"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// Activate applies the activation function to a pre-activation value
func Activate(v float64, activation ActivationType) float64 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationLeakyReLU:
		if v < 0 {
			return v * LeakySlope
		}
		return v
	case ActivationSiLU:
		return v * sigmoid(v)
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationSigmoid:
		return sigmoid(v)
	default:
		return v
	}
}

// ActivateDerivative computes the derivative with respect to the PRE-activation value
func ActivateDerivative(preActivation float64, activation ActivationType) float64 {
	switch activation {
	case ActivationReLU:
		if preActivation > 0 {
			return 1
		}
		return 0
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1
		}
		return LeakySlope
	case ActivationSiLU:
		// d/dv v*s(v) = s(v) * (1 + v*(1 - s(v)))
		s := sigmoid(preActivation)
		return s * (1 + preActivation*(1-s))
	case ActivationTanh:
		t := math.Tanh(preActivation)
		return 1 - t*t
	case ActivationSigmoid:
		s := sigmoid(preActivation)
		return s * (1 - s)
	default:
		return 1
	}
}

// ApplyActivation returns a new tensor with the activation applied element-wise.
func ApplyActivation(pre *Tensor, activation ActivationType) *Tensor {
	out := NewTensor(pre.Shape...)
	for i, v := range pre.Data {
		out.Data[i] = Activate(v, activation)
	}
	return out
}

// ActivationBackward multiplies gradOut by the activation derivative at pre.
func ActivationBackward(gradOut, pre *Tensor, activation ActivationType) *Tensor {
	if activation == ActivationNone {
		return gradOut.Clone()
	}
	out := NewTensor(gradOut.Shape...)
	for i, g := range gradOut.Data {
		out.Data[i] = g * ActivateDerivative(pre.Data[i], activation)
	}
	return out
}
