package schedule

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// LogSigmaTable holds log(sigma) for every training timestep. It only depends
// on the beta schedule and is shared read-only by every sampling run.
type LogSigmaTable struct {
	values []float64
}

// NewLogSigmaTable derives the table from betas. The cumulative product of
// (1 - beta) is accumulated in float64.
func NewLogSigmaTable(betas []float64) (*LogSigmaTable, error) {
	if len(betas) < 2 {
		return nil, errors.New("beta schedule must hold at least 2 values")
	}

	values := make([]float64, len(betas))
	cumprod := 1.0
	for i, beta := range betas {
		if !(beta > 0 && beta < 1) {
			return nil, fmt.Errorf("beta[%d] = %v is outside (0, 1)", i, beta)
		}

		cumprod *= 1 - beta
		values[i] = math.Log(math.Sqrt((1 - cumprod) / cumprod))
	}

	return &LogSigmaTable{values: values}, nil
}

// NewLogSigmaTableFromConfig is a shorthand for Betas followed by NewLogSigmaTable.
func NewLogSigmaTableFromConfig(cfg Config) (*LogSigmaTable, error) {
	betas, err := Betas(cfg)
	if err != nil {
		return nil, err
	}

	return NewLogSigmaTable(betas)
}

func (t *LogSigmaTable) Len() int {
	return len(t.values)
}

// At returns log(sigma) at training timestep i.
func (t *LogSigmaTable) At(i int) float64 {
	return t.values[i]
}

// Values returns a copy of the table.
func (t *LogSigmaTable) Values() []float64 {
	return slices.Clone(t.values)
}

// MaxSigma is the sigma of the last training timestep.
func (t *LogSigmaTable) MaxSigma() float64 {
	return math.Exp(t.values[len(t.values)-1])
}

// Sigmas returns the runtime sigma schedule for the given number of steps:
// steps values interpolated in log space along a timestep axis running from
// N-1 down to 0, followed by a terminal 0.
func (t *LogSigmaTable) Sigmas(steps int) ([]float64, error) {
	if steps < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrDegenerateStepCount, steps)
	}

	last := float64(len(t.values) - 1)
	timesteps := floats.Span(make([]float64, steps), last, 0)

	sigmas := make([]float64, steps+1)
	for i, ts := range timesteps {
		ts = max(0, min(ts, last))
		lo, hi := math.Floor(ts), math.Ceil(ts)
		w := ts - lo
		sigmas[i] = math.Exp((1-w)*t.values[int(lo)] + w*t.values[int(hi)])
	}

	sigmas[steps] = 0
	return sigmas, nil
}

// Timestep maps sigma to the nearest training timestep. The fractional
// position is found by linear interpolation between the two table entries
// bracketing log(sigma).
func (t *LogSigmaTable) Timestep(sigma float64) int {
	logSigma := math.Log(sigma)

	// largest index whose log sigma does not exceed the target
	var lo int
	for i, v := range t.values {
		if logSigma-v >= 0 {
			lo = i
		}
	}
	lo = min(lo, len(t.values)-2)
	hi := lo + 1

	low, high := t.values[lo], t.values[hi]

	var w float64
	if low != high {
		w = (low - logSigma) / (low - high)
	}
	if math.IsNaN(w) {
		w = 0
	}
	w = max(0, min(1, w))

	return int(math.Round((1-w)*float64(lo) + w*float64(hi)))
}

// Timesteps resolves every sigma in sigmas.
func (t *LogSigmaTable) Timesteps(sigmas []float64) []int {
	timesteps := make([]int, len(sigmas))
	for i, sigma := range sigmas {
		timesteps[i] = t.Timestep(sigma)
	}
	return timesteps
}
