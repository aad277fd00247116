package convergence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

func TestNewAnalyzer_Validation(t *testing.T) {
	_, err := NewAnalyzer(AnalyzerConfig{ConfidenceThreshold: 1.2}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewAnalyzer(AnalyzerConfig{QualityTarget: -0.5}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	a, err := NewAnalyzer(AnalyzerConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfidenceThreshold, a.threshold)
	assert.Equal(t, DefaultQualityTarget, a.target)
}

func TestAnalyze_WeightedConfidence(t *testing.T) {
	a, err := NewAnalyzer(AnalyzerConfig{}, nil)
	require.NoError(t, err)

	scores := []float64{0.8, 0.8, 0.8, 0.8, 0.8}
	stats := quality.ThreadStatistics{HealthRatio: 0.8}
	builds := []bool{true, true, true}
	tests := []bool{true, true, true}

	an := a.Analyze(scores, stats, builds, tests)

	// Flat history: stability 1, trend neutral 0.5.
	assert.Equal(t, 1.0, an.Factors[FactorQualityStability])
	assert.Equal(t, 0.5, an.Factors[FactorTrendImprovement])
	assert.Equal(t, 0.8, an.Factors[FactorThreadHealth])
	assert.Equal(t, 1.0, an.Factors[FactorBuildSuccess])
	assert.Equal(t, 1.0, an.Factors[FactorTestConsistency])
	// 0.30*1 + 0.25*0.8 + 0.20*1 + 0.15*1 + 0.10*0.5
	assert.InDelta(t, 0.9, an.Confidence, 1e-9)
	assert.True(t, an.Converged)
}

func TestAnalyze_NoEvidence(t *testing.T) {
	a, err := NewAnalyzer(AnalyzerConfig{}, nil)
	require.NoError(t, err)

	an := a.Analyze(nil, quality.ThreadStatistics{}, nil, nil)

	assert.Equal(t, 0.0, an.Confidence)
	assert.False(t, an.Converged)
	assert.Equal(t, -1, an.PredictedIterations)
	assert.NotEmpty(t, an.Recommendations)
}

func TestAnalyze_PredictedIterations(t *testing.T) {
	a, err := NewAnalyzer(AnalyzerConfig{QualityTarget: 0.95}, nil)
	require.NoError(t, err)

	// Slope 0.1 per iteration, 0.25 short of target: ceil(2.5) = 3.
	an := a.Analyze([]float64{0.5, 0.6, 0.7}, quality.ThreadStatistics{}, nil, nil)
	assert.Equal(t, 3, an.PredictedIterations)

	// Target already met.
	an = a.Analyze([]float64{0.9, 0.96}, quality.ThreadStatistics{}, nil, nil)
	assert.Equal(t, 0, an.PredictedIterations)

	// Declining trend gives no forecast.
	an = a.Analyze([]float64{0.8, 0.7, 0.6}, quality.ThreadStatistics{}, nil, nil)
	assert.Equal(t, -1, an.PredictedIterations)
}

func TestAnalyze_Recommendations(t *testing.T) {
	a, err := NewAnalyzer(AnalyzerConfig{}, nil)
	require.NoError(t, err)

	t.Run("declining quality suggests revert", func(t *testing.T) {
		an := a.Analyze([]float64{0.8, 0.7, 0.6}, quality.ThreadStatistics{HealthRatio: 0.6}, []bool{true}, []bool{true})
		require.False(t, an.Converged)
		assert.Contains(t, an.Recommendations, "quality is trending down; consider reverting to the last good checkpoint")
	})

	t.Run("red threads called out", func(t *testing.T) {
		stats := quality.ThreadStatistics{Colors: map[quality.Color]int{quality.Red: 2}}
		an := a.Analyze([]float64{0.3, 0.3}, stats, nil, nil)
		assert.Contains(t, an.Recommendations, "red and orange threads cap the weakest-link score; fix those files first")
	})

	t.Run("converged recommends merge", func(t *testing.T) {
		stats := quality.ThreadStatistics{HealthRatio: 1}
		an := a.Analyze([]float64{0.9, 0.9, 0.9}, stats, []bool{true, true}, []bool{true, true})
		require.True(t, an.Converged)
		require.Len(t, an.Recommendations, 1)
		assert.Contains(t, an.Recommendations[0], "merge")
	})

	t.Run("healthy trend keeps iterating", func(t *testing.T) {
		stats := quality.ThreadStatistics{HealthRatio: 0.5}
		an := a.Analyze([]float64{0.55, 0.6, 0.65}, stats, []bool{true, true}, []bool{true, true})
		require.False(t, an.Converged)
		assert.Contains(t, an.Recommendations, "quality is improving; keep iterating")
	})
}

func TestStability(t *testing.T) {
	assert.Equal(t, 0.0, stability(nil))
	assert.Equal(t, 0.0, stability([]float64{0.5}))
	assert.Equal(t, 1.0, stability([]float64{0.7, 0.7, 0.7}))
	// Wild swings drive stability to zero.
	assert.Equal(t, 0.0, stability([]float64{0.0, 1.0, 0.0, 1.0}))
}

func TestPassRate(t *testing.T) {
	assert.Equal(t, 0.0, passRate(nil))
	assert.Equal(t, 1.0, passRate([]bool{true, true}))
	assert.Equal(t, 0.5, passRate([]bool{true, false}))
}

func TestTail(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, tail([]int{1, 2, 3, 4, 5}, 3))
	assert.Equal(t, []int{1, 2}, tail([]int{1, 2}, 3))
}
