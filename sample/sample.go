// Package sample runs the LMS diffusion sampling loop: it turns a noise
// latent into a denoised latent by repeatedly calling an external denoiser,
// combining its predictions with classifier-free guidance and advancing the
// latent with the linear multistep integrator.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/diffusion/guidance"
	"github.com/ollama/diffusion/lms"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/schedule"
	"github.com/ollama/diffusion/tensor"
)

// Denoiser predicts the noise in a batch of two latents. latents has shape
// [2, 4, H/8, W/8] and embeddings [2, 77, D]; batch 0 is unconditional and
// batch 1 conditional. The prediction must have the same shape as latents.
type Denoiser interface {
	Denoise(ctx context.Context, timestep int, latents, embeddings *tensor.Tensor) (*tensor.Tensor, error)
}

type DenoiseFunc func(ctx context.Context, timestep int, latents, embeddings *tensor.Tensor) (*tensor.Tensor, error)

func (f DenoiseFunc) Denoise(ctx context.Context, timestep int, latents, embeddings *tensor.Tensor) (*tensor.Tensor, error) {
	return f(ctx, timestep, latents, embeddings)
}

// TextEncoder encodes a prompt into a [77, D] (or [1, 77, D]) embedding.
type TextEncoder interface {
	Encode(ctx context.Context, prompt string) (*tensor.Tensor, error)
}

// Options configures a Sampler.
type Options struct {
	Steps         int
	GuidanceScale float64
	Order         int
	Schedule      schedule.Config

	// Progress is called with (0, Steps) before the first step and after
	// every completed step.
	Progress func(step, total int)
}

func DefaultOptions() Options {
	return Options{
		Steps:         20,
		GuidanceScale: guidance.DefaultScale,
		Order:         lms.DefaultOrder,
		Schedule:      schedule.DefaultConfig(),
	}
}

// Sampler holds the noise schedule shared by every run. It is safe to use
// from multiple goroutines if its Denoiser is.
type Sampler struct {
	denoiser  Denoiser
	opts      Options
	table     *schedule.LogSigmaTable
	sigmas    []float64
	timesteps []int
}

// NewSampler validates opts and precomputes the sigma schedule and the
// matching denoiser timesteps.
func NewSampler(denoiser Denoiser, opts Options) (*Sampler, error) {
	if denoiser == nil {
		return nil, errors.New("sample: no denoiser provided")
	}

	if opts.Order < 1 {
		return nil, fmt.Errorf("sample: order must be at least 1, got %d", opts.Order)
	}

	table, err := schedule.NewLogSigmaTableFromConfig(opts.Schedule)
	if err != nil {
		return nil, err
	}

	sigmas, err := table.Sigmas(opts.Steps)
	if err != nil {
		return nil, err
	}

	return &Sampler{
		denoiser:  denoiser,
		opts:      opts,
		table:     table,
		sigmas:    sigmas,
		timesteps: table.Timesteps(sigmas[:opts.Steps]),
	}, nil
}

// Sigmas returns the sigma schedule, steps+1 values ending in 0.
func (s *Sampler) Sigmas() []float64 {
	return slices.Clone(s.sigmas)
}

// Timesteps returns the denoiser timestep used at every step.
func (s *Sampler) Timesteps() []int {
	return slices.Clone(s.timesteps)
}

func (s *Sampler) Options() Options {
	return s.opts
}

// Sample denoises noise, a [1, 4, H/8, W/8] tensor of standard normal samples,
// conditioned on embeddings. noise is not modified.
func (s *Sampler) Sample(ctx context.Context, noise, embeddings *tensor.Tensor) (*tensor.Tensor, error) {
	return s.sample(ctx, noise, embeddings, s.opts.Progress)
}

func (s *Sampler) sample(ctx context.Context, noise, embeddings *tensor.Tensor, progress func(step, total int)) (*tensor.Tensor, error) {
	if noise == nil || embeddings == nil {
		return nil, fmt.Errorf("%w: noise and embeddings are required", tensor.ErrShapeMismatch)
	}

	if noise.Dim(0) != 1 {
		return nil, fmt.Errorf("%w: noise must hold a single latent, got %v", tensor.ErrShapeMismatch, noise.Shape())
	}

	if embeddings.Dim(0) != 2 {
		return nil, fmt.Errorf("%w: embeddings must hold an unconditional and a conditional batch, got %v", tensor.ErrShapeMismatch, embeddings.Shape())
	}

	integrator, err := lms.NewIntegrator(s.opts.Order)
	if err != nil {
		return nil, err
	}

	steps := s.opts.Steps
	latent := noise.Clone().Scale(s.sigmas[0])

	runID := uuid.NewString()
	slog.Debug("sampling", "run", runID, "steps", steps, "order", s.opts.Order, "guidance", s.opts.GuidanceScale, "sigma_max", s.sigmas[0], "shape", latent.Shape())

	if progress != nil {
		progress(0, steps)
	}

	start := time.Now()
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stepStart := time.Now()
		sigma := s.sigmas[i]

		input, err := latent.Clone().Scale(1 / math.Sqrt(sigma*sigma+1)).Repeat(2)
		if err != nil {
			return nil, err
		}

		pred, err := s.denoiser.Denoise(ctx, s.timesteps[i], input, embeddings)
		if err != nil {
			return nil, fmt.Errorf("denoise step %d: %w", i, err)
		}

		if !pred.SameShape(input) {
			return nil, fmt.Errorf("%w: denoiser returned %v, expected %v", tensor.ErrShapeMismatch, pred.Shape(), input.Shape())
		}

		guided, err := guidance.Combine(pred, s.opts.GuidanceScale)
		if err != nil {
			return nil, err
		}

		if err := integrator.Step(latent, guided, s.sigmas, i); err != nil {
			return nil, err
		}

		logutil.TraceContext(ctx, "sample step", "run", runID, "step", i, "sigma", sigma, "timestep", s.timesteps[i], "elapsed", time.Since(stepStart))

		if progress != nil {
			progress(i+1, steps)
		}
	}

	slog.Debug("sampling complete", "run", runID, "duration", time.Since(start))
	return latent, nil
}

// EncodePrompts encodes the negative and positive prompts into a [2, 77, D]
// batch, unconditional first.
func EncodePrompts(ctx context.Context, enc TextEncoder, prompt, negative string) (*tensor.Tensor, error) {
	var batch []*tensor.Tensor
	for _, p := range []string{negative, prompt} {
		e, err := enc.Encode(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("encode prompt: %w", err)
		}

		if shape := e.Shape(); len(shape) == 2 {
			if e, err = e.Reshape(append([]int{1}, shape...)...); err != nil {
				return nil, err
			}
		}

		batch = append(batch, e)
	}

	return tensor.Concat(batch...)
}
