// Package lms implements the linear multistep (LMS) integrator for the
// probability-flow ODE of a variance-exploding diffusion process.
//
// Each step converts an epsilon prediction into an ODE derivative, keeps the
// last Order derivatives, and advances the latent with coefficients obtained
// by integrating Lagrange basis polynomials over the current sigma interval.
package lms

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/tensor"
)

const (
	DefaultOrder          = 4
	DefaultTolerance      = 1e-4
	DefaultMaxRefinements = 100
)

var ErrZeroSigma = errors.New("lms: sigma is zero")

// Coefficient returns the LMS coefficient for history entry k (0 = current
// step) at step i: the integral from sigmas[i] to sigmas[i+1] of the Lagrange
// basis polynomial through sigmas[i], sigmas[i-1], ..., sigmas[i-order+1].
func Coefficient(sigmas []float64, i, order, k int, tol float64, maxRefinements int) float64 {
	basis := func(tau float64) float64 {
		prod := 1.0
		for j := range order {
			if j == k {
				continue
			}
			prod *= (tau - sigmas[i-j]) / (sigmas[i-k] - sigmas[i-j])
		}
		return prod
	}

	return Trapezoidal(basis, sigmas[i], sigmas[i+1], tol, maxRefinements)
}

// Integrator advances a latent along a sigma schedule. It is stateful: Step
// must be called once per step, in order, starting at step 0.
type Integrator struct {
	Order          int
	Tolerance      float64
	MaxRefinements int

	history *History
	step    int
}

func NewIntegrator(order int) (*Integrator, error) {
	if order < 1 {
		return nil, fmt.Errorf("lms: order must be at least 1, got %d", order)
	}

	return &Integrator{
		Order:          order,
		Tolerance:      DefaultTolerance,
		MaxRefinements: DefaultMaxRefinements,
		history:        NewHistory(order),
	}, nil
}

// History returns the derivative history.
func (it *Integrator) History() *History {
	return it.history
}

// Step advances latent in place from sigmas[i] to sigmas[i+1] given the
// guided epsilon prediction pred.
func (it *Integrator) Step(latent, pred *tensor.Tensor, sigmas []float64, i int) error {
	if i != it.step {
		return fmt.Errorf("lms: expected step %d, got %d", it.step, i)
	}

	if i < 0 || i+1 >= len(sigmas) {
		return fmt.Errorf("lms: step %d out of range for %d sigmas", i, len(sigmas))
	}

	if !latent.SameShape(pred) {
		return fmt.Errorf("%w: latent %v, prediction %v", tensor.ErrShapeMismatch, latent.Shape(), pred.Shape())
	}

	sigma := sigmas[i]
	if sigma == 0 {
		return fmt.Errorf("%w: step %d", ErrZeroSigma, i)
	}

	// predicted clean sample for an epsilon prediction, then the ODE
	// derivative (x - x0) / sigma
	sample := latent.Data()
	denoised := floats.AddScaledTo(make([]float64, len(sample)), sample, -sigma, pred.Data())
	derivative := floats.SubTo(make([]float64, len(sample)), sample, denoised)
	for j := range derivative {
		derivative[j] /= sigma
	}

	d, err := tensor.New(latent.Shape(), derivative)
	if err != nil {
		return err
	}

	it.history.Push(d)
	it.step++

	order := min(i+1, it.Order)
	coeffs := make([]float64, order)
	for k := range coeffs {
		coeffs[k] = Coefficient(sigmas, i, order, k, it.Tolerance, it.MaxRefinements)
	}

	logutil.Trace("lms step", "step", i, "sigma", sigma, "next", sigmas[i+1], "order", order, "coeffs", coeffs)

	sum := make([]float64, len(sample))
	for k, d := range it.history.Reversed()[:order] {
		floats.AddScaled(sum, coeffs[k], d.Data())
	}

	floats.Add(sample, sum)
	return nil
}
