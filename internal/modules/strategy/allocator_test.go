package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaximizeSharpe_WeightsSumToOne(t *testing.T) {
	mu := []float64{0.02, 0.015, 0.01}
	sigma := [][]float64{
		{0.0004, 0.00005, 0.00002},
		{0.00005, 0.0003, 0.00001},
		{0.00002, 0.00001, 0.0002},
	}

	seed := seedWeights(mu, sigma)
	require.Len(t, seed, 3)

	raw, err := maximizeSharpe(mu, sigma, seed)
	require.NoError(t, err)

	w := projectAndNormalize(raw)
	var sum float64
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestApplyWeightBounds_FiltersBelowMinimum(t *testing.T) {
	w := applyWeightBounds([]float64{0.005, 0.2, 0.2, 0.2, 0.2, 0.195})

	assert.Equal(t, 0.0, w[0])
	var sum float64
	for _, v := range w {
		if v > 0 {
			assert.GreaterOrEqual(t, v, minPositiveWeight)
			assert.LessOrEqual(t, v, maxWeight+1e-9)
		}
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestApplyWeightBounds_CapsAboveMaximum(t *testing.T) {
	w := applyWeightBounds([]float64{0.6, 0.1, 0.1, 0.1, 0.1})

	for _, v := range w {
		assert.LessOrEqual(t, v, maxWeight+1e-9)
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestProjectAndNormalize_ClampsNegatives(t *testing.T) {
	w := projectAndNormalize([]float64{-0.2, 0.6, 0.6})
	assert.Equal(t, 0.0, w[0])
	var sum float64
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
