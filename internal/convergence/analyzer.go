package convergence

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// Factor names reported by Analyze. Weights sum to 1.
const (
	FactorQualityStability = "quality_stability"
	FactorThreadHealth     = "thread_health_ratio"
	FactorTestConsistency  = "test_pass_consistency"
	FactorBuildSuccess     = "build_success_rate"
	FactorTrendImprovement = "trend_improvement"
)

var factorWeights = map[string]float64{
	FactorQualityStability: 0.30,
	FactorThreadHealth:     0.25,
	FactorTestConsistency:  0.20,
	FactorBuildSuccess:     0.15,
	FactorTrendImprovement: 0.10,
}

const (
	// DefaultConfidenceThreshold is the confidence above which Analyze
	// declares a session converged.
	DefaultConfidenceThreshold = 0.85
	// DefaultQualityTarget is the score PredictedIterations forecasts
	// toward when no target is configured.
	DefaultQualityTarget = 0.8

	// analysisWindow bounds how far back factor computation looks.
	analysisWindow = 10
	// maxPrediction caps the iteration forecast.
	maxPrediction = 100
)

// Analysis is the weighted judgement of whether iterative work is
// converging. PredictedIterations estimates iterations left to reach
// the quality target: 0 when already met, -1 when the trend gives no
// forecast.
type Analysis struct {
	Confidence          float64            `json:"confidence"`
	Converged           bool               `json:"converged"`
	Factors             map[string]float64 `json:"factors"`
	PredictedIterations int                `json:"predicted_iterations"`
	Recommendations     []string           `json:"recommendations"`
}

// AnalyzerConfig tunes the analyzer. Zero values take the defaults.
type AnalyzerConfig struct {
	ConfidenceThreshold float64
	QualityTarget       float64
}

// Analyzer scores convergence confidence from quality history, thread
// statistics, and build and test outcomes.
type Analyzer struct {
	threshold float64
	target    float64
	logger    *zap.Logger
}

// NewAnalyzer returns an analyzer. Thresholds outside [0, 1] are
// rejected up front.
func NewAnalyzer(cfg AnalyzerConfig, logger *zap.Logger) (*Analyzer, error) {
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.QualityTarget == 0 {
		cfg.QualityTarget = DefaultQualityTarget
	}
	if err := validateUnit("confidence threshold", cfg.ConfidenceThreshold); err != nil {
		return nil, err
	}
	if err := validateUnit("quality target", cfg.QualityTarget); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		threshold: cfg.ConfidenceThreshold,
		target:    cfg.QualityTarget,
		logger:    logger,
	}, nil
}

// Analyze weighs recent aggregate scores, thread statistics, and build
// and test outcomes into a single confidence value. Missing evidence
// scores zero for its factor; confidence stays conservative until data
// accumulates.
func (a *Analyzer) Analyze(scores []float64, stats quality.ThreadStatistics, builds, tests []bool) Analysis {
	factors := map[string]float64{
		FactorQualityStability: stability(scores),
		FactorThreadHealth:     clamp01(stats.HealthRatio),
		FactorTestConsistency:  passRate(tests),
		FactorBuildSuccess:     passRate(builds),
		FactorTrendImprovement: trendImprovement(scores),
	}

	var confidence float64
	for name, weight := range factorWeights {
		confidence += weight * factors[name]
	}

	an := Analysis{
		Confidence:          confidence,
		Converged:           confidence >= a.threshold,
		Factors:             factors,
		PredictedIterations: a.predictIterations(scores),
	}
	an.Recommendations = a.recommend(an, stats, scores)

	a.logger.Debug("convergence analyzed",
		zap.Float64("confidence", confidence),
		zap.Bool("converged", an.Converged),
		zap.Int("predicted_iterations", an.PredictedIterations))
	return an
}

func (a *Analyzer) predictIterations(scores []float64) int {
	if len(scores) == 0 {
		return -1
	}
	current := scores[len(scores)-1]
	if current >= a.target {
		return 0
	}
	slope := quality.TrendSlope(tail(scores, analysisWindow))
	if slope <= 0 {
		return -1
	}
	n := int(math.Ceil((a.target - current) / slope))
	if n > maxPrediction {
		return maxPrediction
	}
	return n
}

func (a *Analyzer) recommend(an Analysis, stats quality.ThreadStatistics, scores []float64) []string {
	if an.Converged {
		return []string{"confidence is above threshold; merge the open spiral branch and wind the session down"}
	}

	var recs []string
	if len(scores) < 2 {
		recs = append(recs, "not enough score history to judge convergence; record more measurements")
	}
	if stats.Colors[quality.Red]+stats.Colors[quality.Orange] > 0 {
		recs = append(recs, "red and orange threads cap the weakest-link score; fix those files first")
	}
	if an.Factors[FactorQualityStability] < 0.5 && len(scores) >= 2 {
		recs = append(recs, "scores are oscillating between iterations; stabilize flaky checks before trusting the trend")
	}
	if an.Factors[FactorBuildSuccess] < 0.8 {
		recs = append(recs, "builds are failing; repair the build before iterating further")
	}
	if an.Factors[FactorTestConsistency] < 0.8 {
		recs = append(recs, "test results are inconsistent; hunt down flaky tests")
	}
	if an.Factors[FactorTrendImprovement] < 0.5 && len(scores) >= 2 {
		recs = append(recs, "quality is trending down; consider reverting to the last good checkpoint")
	}
	if len(recs) == 0 {
		recs = append(recs, "quality is improving; keep iterating")
	}
	return recs
}

// stability maps the spread of recent scores to [0, 1]. Flat history
// scores 1; a standard deviation of 0.5 or more scores 0. Fewer than
// two points is no evidence of stability.
func stability(scores []float64) float64 {
	recent := tail(scores, analysisWindow)
	if len(recent) < 2 {
		return 0
	}
	return clamp01(1 - 2*stddev(recent))
}

// trendImprovement maps the least-squares slope of recent scores to
// [0, 1] with 0.5 as flat. A gain of 0.1 per iteration saturates at 1.
func trendImprovement(scores []float64) float64 {
	recent := tail(scores, analysisWindow)
	if len(recent) < 2 {
		return 0
	}
	return clamp01(0.5 + 5*quality.TrendSlope(recent))
}

func passRate(outcomes []bool) float64 {
	recent := tail(outcomes, analysisWindow)
	if len(recent) == 0 {
		return 0
	}
	passed := 0
	for _, ok := range recent {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(recent))
}

func stddev(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

func tail[T any](values []T, n int) []T {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func validateUnit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s must be within [0, 1], got %v", ErrInvalidConfiguration, name, v)
	}
	return nil
}
