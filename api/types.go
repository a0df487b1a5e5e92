package api

import (
	"time"

	"github.com/ollama/diffusion/schedule"
	"github.com/ollama/diffusion/tensor"
)

// Tensor is the wire form of a tensor: its shape, element encoding and the
// little-endian element bytes (base64 in JSON).
type Tensor struct {
	Shape []int        `json:"shape"`
	DType tensor.DType `json:"dtype"`
	Data  []byte       `json:"data"`
}

// FromTensor encodes t as dtype. An empty dtype means f32.
func FromTensor(t *tensor.Tensor, dtype tensor.DType) (Tensor, error) {
	if dtype == "" {
		dtype = tensor.F32
	}

	b, err := tensor.Encode(t, dtype)
	if err != nil {
		return Tensor{}, err
	}

	return Tensor{Shape: t.Shape(), DType: dtype, Data: b}, nil
}

// Tensor decodes the wire tensor.
func (t Tensor) Tensor() (*tensor.Tensor, error) {
	dtype := t.DType
	if dtype == "" {
		dtype = tensor.F32
	}

	return tensor.Decode(t.Shape, dtype, t.Data)
}

// DenoiseRequest asks the runner for a noise prediction. Latents and
// embeddings both carry a batch of two, unconditional first.
type DenoiseRequest struct {
	Timestep   int    `json:"timestep"`
	Latents    Tensor `json:"latents"`
	Embeddings Tensor `json:"embeddings"`
}

type DenoiseResponse struct {
	Prediction Tensor `json:"prediction"`
}

type EncodeRequest struct {
	Prompt string `json:"prompt"`
}

type EncodeResponse struct {
	Embedding Tensor `json:"embedding"`
}

// ScheduleRequest describes a sigma schedule. Zero values fall back to the
// service defaults.
type ScheduleRequest struct {
	Steps    int              `json:"steps,omitempty"`
	Schedule *schedule.Config `json:"schedule,omitempty"`
}

type ScheduleResponse struct {
	Sigmas    []float64 `json:"sigmas"`
	Timesteps []int     `json:"timesteps"`
}

// SampleRequest asks the service to sample one latent per seed.
type SampleRequest struct {
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negative_prompt,omitempty"`
	Width          int              `json:"width,omitempty"`
	Height         int              `json:"height,omitempty"`
	Steps          int              `json:"steps,omitempty"`
	GuidanceScale  *float64         `json:"guidance_scale,omitempty"`
	Order          int              `json:"order,omitempty"`
	Seeds          []uint32         `json:"seeds,omitempty"`
	Schedule       *schedule.Config `json:"schedule,omitempty"`

	// DType selects the encoding of the returned latents.
	DType tensor.DType `json:"dtype,omitempty"`
}

// SampleResponse is streamed as newline delimited JSON: progress updates
// followed by a final response with Done set.
type SampleResponse struct {
	ID    string `json:"id"`
	Image int    `json:"image"`
	Step  int    `json:"step"`
	Total int    `json:"total"`

	Done     bool          `json:"done"`
	Latents  []Tensor      `json:"latents,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
