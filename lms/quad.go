package lms

import "math"

// Trapezoidal integrates f over [a, b] with the trapezoidal rule, doubling the
// number of panels until two successive estimates differ by less than tol.
// If the estimate does not settle within maxRefinements doublings the last
// estimate is returned.
func Trapezoidal(f func(float64) float64, a, b, tol float64, maxRefinements int) float64 {
	h := (b - a) / 2
	prev := (f(a) + f(b)) * h

	for k := 1; k <= maxRefinements; k++ {
		// the midpoint count 1<<(k-1) must stay representable
		if k > 62 {
			break
		}

		var sum float64
		for j := 1; j <= 1<<(k-1); j++ {
			sum += f(a + float64(2*j-1)*h)
		}

		next := 0.5*prev + h*sum
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return next
		}

		if k > 1 && math.Abs(next-prev) < tol {
			return next
		}

		prev = next
		h /= 2
	}

	return prev
}
