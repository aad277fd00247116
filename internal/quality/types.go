package quality

import (
	"errors"
	"time"
)

// ThreadKind names one scored dimension of quality. Kinds are open-ended;
// the constants below are the predefined set.
type ThreadKind string

const (
	KindLint        ThreadKind = "lint"
	KindTypeCheck   ThreadKind = "typecheck"
	KindTest        ThreadKind = "test"
	KindSecurity    ThreadKind = "security"
	KindPerformance ThreadKind = "performance"
	KindDocs        ThreadKind = "docs"
)

// Color is the discrete quality bucket derived from a score.
type Color string

const (
	Red        Color = "red"
	Orange     Color = "orange"
	Yellow     Color = "yellow"
	LightGreen Color = "light_green"
	Green      Color = "green"
)

// ColorFor maps a score in [0,1] to its bucket. Boundary values belong to the
// higher bucket. Pure function; callers validate range before bucketing.
func ColorFor(score float64) Color {
	switch {
	case score < 0.2:
		return Red
	case score < 0.4:
		return Orange
	case score < 0.6:
		return Yellow
	case score < 0.8:
		return LightGreen
	default:
		return Green
	}
}

// QualityPoint is one history entry of a thread.
type QualityPoint struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// FileThread is the tracked quality state of one dimension of one artifact.
// History is append-only and bounded; the oldest points are evicted first.
type FileThread struct {
	Path    string         `json:"path"`
	Kind    ThreadKind     `json:"kind"`
	Score   float64        `json:"score"`
	Color   Color          `json:"color"`
	History []QualityPoint `json:"history"`
}

// Policy selects how a thread set reduces to one aggregate score.
//
// PolicyMin is the default: the aggregate is the minimum thread score, so no
// broken dimension is masked by strong ones elsewhere.
type Policy string

const (
	PolicyMin          Policy = "min"
	PolicyWeightedMean Policy = "weighted_mean"
)

var (
	// ErrInvalidScore reports a measurement outside [0,1]. The tracker state
	// is unchanged when this is returned.
	ErrInvalidScore = errors.New("score outside [0,1]")

	// ErrEmptyThreadSet reports aggregation over zero threads. Nothing
	// measured is a distinct case from measured-and-perfect; it is never
	// reported as 1.0.
	ErrEmptyThreadSet = errors.New("no quality threads to aggregate")
)

// ThreadStatistics summarizes the tracked thread population.
type ThreadStatistics struct {
	Threads      int           `json:"threads"`
	Artifacts    int           `json:"artifacts"`
	MeanScore    float64       `json:"mean_score"`
	Colors       map[Color]int `json:"colors"`
	HealthRatio  float64       `json:"health_ratio"`
	Trend        float64       `json:"trend"`
	LastMeasured time.Time     `json:"last_measured,omitempty"`
}

// TrendSlope fits a least-squares line through equally spaced scores and
// returns its slope. Zero for fewer than two points.
func TrendSlope(scores []float64) float64 {
	n := len(scores)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}
