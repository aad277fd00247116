package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gyre/internal/convergence"
)

func TestPrintAnalysis_Text(t *testing.T) {
	analysis := convergence.Analysis{
		Confidence: 0.42,
		Converged:  false,
		Factors: map[string]float64{
			convergence.FactorQualityStability: 0.5,
			convergence.FactorThreadHealth:     0.25,
		},
		PredictedIterations: 3,
		Recommendations:     []string{"Quality scores are fluctuating; stabilize failing validators first"},
	}

	var buf bytes.Buffer
	require.NoError(t, printAnalysis(&buf, analysis, false))

	out := buf.String()
	assert.Contains(t, out, "Confidence: 0.420 (not converged)")
	assert.Contains(t, out, "quality_stability")
	assert.Contains(t, out, "thread_health_ratio")
	assert.Contains(t, out, "~3 iteration(s)")
	assert.Contains(t, out, "Recommendations:")
	assert.Contains(t, out, "stabilize failing validators")
}

func TestPrintAnalysis_TextConverged(t *testing.T) {
	analysis := convergence.Analysis{
		Confidence:          0.91,
		Converged:           true,
		PredictedIterations: 0,
	}

	var buf bytes.Buffer
	require.NoError(t, printAnalysis(&buf, analysis, false))

	out := buf.String()
	assert.Contains(t, out, "(converged)")
	assert.Contains(t, out, "quality target already met")
	assert.NotContains(t, out, "Recommendations:")
}

func TestPrintAnalysis_NoForecast(t *testing.T) {
	analysis := convergence.Analysis{
		Confidence:          0.2,
		PredictedIterations: -1,
	}

	var buf bytes.Buffer
	require.NoError(t, printAnalysis(&buf, analysis, false))
	assert.Contains(t, buf.String(), "no trend to forecast from")
}
