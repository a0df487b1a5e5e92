package sample

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/diffusion/noise"
	"github.com/ollama/diffusion/tensor"
)

// Batch describes several independent sampling runs sharing a prompt. Every
// seed gets its own noise, latent and derivative history.
type Batch struct {
	Source     noise.Source
	Shape      []int
	Seeds      []uint32
	Embeddings *tensor.Tensor

	// Parallel bounds the number of concurrent runs. Values below 1 run
	// sequentially.
	Parallel int

	// Progress is called per run, identified by its index in Seeds.
	Progress func(image, step, total int)
}

// SampleBatch runs one sampling run per seed and returns the final latents in
// seed order. The first failure cancels the remaining runs.
func (s *Sampler) SampleBatch(ctx context.Context, b Batch) ([]*tensor.Tensor, error) {
	if len(b.Seeds) == 0 {
		return nil, errors.New("sample: no seeds provided")
	}

	if b.Embeddings == nil {
		return nil, fmt.Errorf("%w: embeddings are required", tensor.ErrShapeMismatch)
	}

	src := b.Source
	if src == nil {
		src = noise.Normal{}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.Parallel, 1))

	latents := make([]*tensor.Tensor, len(b.Seeds))
	for i, seed := range b.Seeds {
		g.Go(func() error {
			n, err := src.Noise(seed, b.Shape)
			if err != nil {
				return fmt.Errorf("noise for seed %d: %w", seed, err)
			}

			var progress func(step, total int)
			if b.Progress != nil {
				progress = func(step, total int) { b.Progress(i, step, total) }
			}

			latent, err := s.sample(ctx, n, b.Embeddings, progress)
			if err != nil {
				return err
			}

			latents[i] = latent
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return latents, nil
}
