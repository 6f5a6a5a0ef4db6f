package main

import (
	"github.com/openfluke/diffwave/audio"
	"github.com/openfluke/diffwave/diffusion"
	"github.com/openfluke/diffwave/nn"
)

// makeBatches groups examples into batches of up to size, in order. Mel
// spectrograms are attached only when conditioned is set.
func makeBatches(examples []audio.Example, size int, conditioned bool) ([]diffusion.Batch, error) {
	if size < 1 {
		size = 1
	}
	var out []diffusion.Batch
	for start := 0; start < len(examples); start += size {
		group := examples[start:min(start+size, len(examples))]
		samples := make([]*nn.Tensor, len(group))
		var mels []*nn.Tensor
		for i, ex := range group {
			samples[i] = nn.NewTensorFromSlice(ex.Audio, 1, len(ex.Audio))
			if conditioned {
				mels = append(mels, melTensor(ex.Mel))
			}
		}
		b := diffusion.Batch{}
		var err error
		if b.Samples, err = nn.Stack(samples); err != nil {
			return nil, err
		}
		if conditioned {
			if b.Conditioning, err = nn.Stack(mels); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// melTensor flattens [n_mels][frames] into a [n_mels, frames] tensor.
func melTensor(mel [][]float64) *nn.Tensor {
	if len(mel) == 0 {
		return nn.NewTensor(0, 0)
	}
	frames := len(mel[0])
	data := make([]float64, 0, len(mel)*frames)
	for _, row := range mel {
		data = append(data, row...)
	}
	return nn.NewTensorFromSlice(data, len(mel), frames)
}

// splitValidation holds back the trailing fraction of examples, keeping at
// least one for training.
func splitValidation(examples []audio.Example, fraction float64) (train, validation []audio.Example) {
	n := int(float64(len(examples)) * fraction)
	n = min(n, len(examples)-1)
	if n <= 0 {
		return examples, nil
	}
	return examples[:len(examples)-n], examples[len(examples)-n:]
}
