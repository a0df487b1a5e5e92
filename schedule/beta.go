// Package schedule builds the discrete noise schedule used by the LMS sampler:
// the training-time beta sequence, the log-sigma reference table derived from
// it, the runtime sigma schedule and the sigma to timestep mapping.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrInvalidScheduleKind = errors.New("beta schedule must be one of 'linear' or 'scaled_linear'")
	ErrDegenerateStepCount = errors.New("number of steps must be at least 2")
)

// Kind names a beta schedule family.
type Kind string

const (
	Linear       Kind = "linear"
	ScaledLinear Kind = "scaled_linear"
)

// Config holds the training-time noise schedule configuration.
type Config struct {
	NumTrainTimesteps int       `json:"num_train_timesteps"` // 1000
	BetaStart         float64   `json:"beta_start"`          // 0.00085
	BetaEnd           float64   `json:"beta_end"`            // 0.012
	Kind              Kind      `json:"beta_schedule"`       // scaled_linear
	TrainedBetas      []float64 `json:"trained_betas,omitempty"`
}

// DefaultConfig returns the Stable Diffusion 1.x schedule configuration.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		Kind:              ScaledLinear,
	}
}

// Betas returns the per-step noise variances described by cfg. Explicit
// trained betas take precedence over the schedule kind.
func Betas(cfg Config) ([]float64, error) {
	if len(cfg.TrainedBetas) > 0 {
		return slices.Clone(cfg.TrainedBetas), nil
	}

	n := cfg.NumTrainTimesteps
	if n < 2 {
		return nil, fmt.Errorf("num_train_timesteps must be at least 2, got %d", n)
	}

	switch cfg.Kind {
	case Linear:
		return floats.Span(make([]float64, n), cfg.BetaStart, cfg.BetaEnd), nil
	case ScaledLinear:
		betas := floats.Span(make([]float64, n), math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for i, b := range betas {
			betas[i] = b * b
		}
		return betas, nil
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidScheduleKind, cfg.Kind)
	}
}
