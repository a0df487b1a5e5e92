// Package guidance implements classifier-free guidance.
package guidance

import (
	"errors"
	"fmt"

	"github.com/ollama/diffusion/tensor"
)

const DefaultScale = 7.5

var ErrBatchSize = errors.New("guidance: prediction must hold an unconditional and a conditional batch")

// Combine merges a dual-batch noise prediction into a single guided
// prediction: uncond + scale * (cond - uncond), evaluated as
// (1-scale)*uncond + scale*cond so scales 0 and 1 return either branch
// exactly. Batch 0 of pred is the
// unconditional prediction and batch 1 the conditional one. The result has a
// leading dimension of 1.
func Combine(pred *tensor.Tensor, scale float64) (*tensor.Tensor, error) {
	if pred.Dim(0) != 2 {
		return nil, fmt.Errorf("%w: got %v", ErrBatchSize, pred.Shape())
	}

	uncond, err := pred.Batch(0)
	if err != nil {
		return nil, err
	}

	cond, err := pred.Batch(1)
	if err != nil {
		return nil, err
	}

	guided := uncond.Clone().Scale(1 - scale)
	if err := guided.AddScaled(scale, cond); err != nil {
		return nil, err
	}

	return guided, nil
}
