package strategy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

const (
	minPositiveWeight = 0.01
	maxWeight         = 0.25
	redistributeIters = 100
)

// seedWeights implements §4.3 step 1: weights proportional to
// max(0, μ_i/σ_i), normalized. A market with zero or negative seed weight
// starts the descent at zero rather than being dropped outright — the
// gradient step can still pull it positive if the joint objective favors
// it.
func seedWeights(mu []float64, sigma [][]float64) []float64 {
	n := len(mu)
	w := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		sd := math.Sqrt(math.Max(sigma[i][i], 1e-12))
		w[i] = math.Max(0, mu[i]/sd)
		sum += w[i]
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1.0 / float64(n)
		}
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// maximizeSharpe runs §4.3 step 2: bounded gradient descent on
// -μ'w/sqrt(w'Σw) with soft quadratic penalties for Σw=1 and w>=0,
// grounded on the teacher's mv_optimizer.go optimizeMaxSharpe (same
// penalty-method construction, BFGS with a Nelder-Mead fallback, and the
// same convergence-status acceptance set).
func maximizeSharpe(mu []float64, sigma [][]float64, seed []float64) ([]float64, error) {
	n := len(mu)
	if n == 0 {
		return nil, fmt.Errorf("strategy: no eligible markets")
	}
	const penaltyWeight = 1000.0

	variance := func(w []float64) float64 {
		var v float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v += w[i] * w[j] * sigma[i][j]
			}
		}
		return v
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			var ret float64
			for i := 0; i < n; i++ {
				ret += mu[i] * x[i]
			}
			stdDev := math.Sqrt(math.Max(variance(x), 1e-10))

			var sum, negPenalty float64
			for i := 0; i < n; i++ {
				sum += x[i]
				if x[i] < 0 {
					negPenalty += x[i] * x[i]
				}
			}

			obj := -ret / stdDev
			obj += penaltyWeight * (sum - 1.0) * (sum - 1.0)
			obj += penaltyWeight * negPenalty
			return obj
		},
		Grad: func(grad, x []float64) {
			var ret float64
			for i := 0; i < n; i++ {
				ret += mu[i] * x[i]
			}
			v := variance(x)
			stdDev := math.Sqrt(math.Max(v, 1e-10))

			var sum float64
			for i := 0; i < n; i++ {
				sum += x[i]
			}

			for i := 0; i < n; i++ {
				var dVar float64
				for j := 0; j < n; j++ {
					dVar += 2 * sigma[i][j] * x[j]
				}
				grad[i] = -mu[i]/stdDev + ret*dVar/(2*stdDev*stdDev*stdDev)
				grad[i] += 2 * penaltyWeight * (sum - 1.0)
				if x[i] < 0 {
					grad[i] += 2 * penaltyWeight * x[i]
				}
			}
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   1000,
		GradientThreshold: 1e-6,
	}

	successStatuses := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}

	result, err := optimize.Minimize(problem, seed, settings, &optimize.BFGS{})
	if err != nil || !successStatuses[result.Status] {
		result, err = optimize.Minimize(problem, seed, settings, &optimize.NelderMead{})
		if err != nil {
			return nil, fmt.Errorf("strategy: allocator did not converge: %w", err)
		}
		if !successStatuses[result.Status] {
			return nil, fmt.Errorf("strategy: allocator did not converge: status=%v", result.Status)
		}
	}
	return result.X, nil
}

// projectAndNormalize implements §4.3 step 3: clamp negatives to zero,
// renormalize to sum 1.
func projectAndNormalize(w []float64) []float64 {
	out := make([]float64, len(w))
	var sum float64
	for i, v := range w {
		if v < 0 {
			v = 0
		}
		out[i] = v
		sum += v
	}
	if sum <= 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// applyWeightBounds implements §4.3 step 4's two redistribution loops: zero
// out any 0<w<0.01 and spread its mass across w>=0.01 proportionally, then
// cap any w>0.25 and spread the excess across uncapped weights
// proportionally (or equally, if none remain uncapped). Each loop is
// bounded at redistributeIters since successive passes can re-trigger the
// other bound.
func applyWeightBounds(w []float64) []float64 {
	out := append([]float64(nil), w...)

	for iter := 0; iter < redistributeIters; iter++ {
		changed := false
		var freed float64
		keep := make([]bool, len(out))
		for i, v := range out {
			if v > 0 && v < minPositiveWeight {
				freed += v
				out[i] = 0
				changed = true
			} else {
				keep[i] = v >= minPositiveWeight
			}
		}
		if !changed {
			break
		}
		var keepSum float64
		for i, k := range keep {
			if k {
				keepSum += out[i]
			}
		}
		if keepSum > 0 {
			for i, k := range keep {
				if k {
					out[i] += freed * (out[i] / keepSum)
				}
			}
		}
	}

	for iter := 0; iter < redistributeIters; iter++ {
		changed := false
		var excess float64
		uncapped := make([]bool, len(out))
		for i, v := range out {
			if v > maxWeight {
				excess += v - maxWeight
				out[i] = maxWeight
				changed = true
			} else if v > 0 {
				uncapped[i] = true
			}
		}
		if !changed {
			break
		}
		var uncappedSum float64
		for i, u := range uncapped {
			if u {
				uncappedSum += out[i]
			}
		}
		if uncappedSum > 0 {
			for i, u := range uncapped {
				if u {
					out[i] += excess * (out[i] / uncappedSum)
				}
			}
		} else {
			n := 0
			for _, u := range uncapped {
				if u {
					n++
				}
			}
			if n == 0 {
				// nothing left to absorb the excess into; leave it
				// distributed across the capped weights themselves.
				var total float64
				for _, v := range out {
					total += v
				}
				if total > 0 {
					for i := range out {
						out[i] = out[i] / total
					}
				}
			}
		}
	}

	return out
}
