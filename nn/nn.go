// Package nn provides the float64 layer primitives the diffusion model is
// built from, each with an explicit backward pass.
//
// Layers follow one convention: Forward returns both the pre-activation and
// post-activation outputs, and Backward takes the gradient on the
// post-activation output together with the saved input and pre-activation,
// accumulates into Param.Grad and returns the gradient on the input.
// Nothing is cached inside a layer, so Forward is safe for concurrent use.
//
//   - Linear: y = act(x Wᵀ + b) on [batch][features]
//   - Conv1D: dilated, length-preserving convolution on [batch][channels][length],
//     with an optional WebGPU forward pass
//   - ConvTranspose2D: strided transposed convolution for upsampling
//
// Example usage:
//
//	conv, _ := nn.NewConv1D("dilated", 64, 128, 3, 4, nn.ActivationNone, rng)
//	pre, post, _ := conv.Forward(x)
//	gradX := conv.Backward(gradPost, x, pre)
//
//	opt := nn.NewAdamWOptimizerDefault()
//	opt.Step(conv.Params(), 2e-4)
//
// Parameters are saved and restored by name with SaveParams and LoadParams
// using the safetensors format.
package nn
