package api

import (
	"context"
	"fmt"

	"github.com/ollama/diffusion/tensor"
)

// RemoteDenoiser runs the denoiser on a model runner. Latents and embeddings
// are sent as DType, f32 when empty.
type RemoteDenoiser struct {
	Client *Client
	DType  tensor.DType
}

func (r RemoteDenoiser) Denoise(ctx context.Context, timestep int, latents, embeddings *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := FromTensor(latents, r.DType)
	if err != nil {
		return nil, err
	}

	e, err := FromTensor(embeddings, r.DType)
	if err != nil {
		return nil, err
	}

	resp, err := r.Client.Denoise(ctx, &DenoiseRequest{Timestep: timestep, Latents: l, Embeddings: e})
	if err != nil {
		return nil, err
	}

	pred, err := resp.Prediction.Tensor()
	if err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}

	return pred, nil
}

// RemoteEncoder runs the text encoder on a model runner.
type RemoteEncoder struct {
	Client *Client
}

func (r RemoteEncoder) Encode(ctx context.Context, prompt string) (*tensor.Tensor, error) {
	resp, err := r.Client.Encode(ctx, &EncodeRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	e, err := resp.Embedding.Tensor()
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}

	return e, nil
}
