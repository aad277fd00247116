package validate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// scriptedValidator returns a fixed measurement or error.
type scriptedValidator struct {
	name     string
	kind     quality.ThreadKind
	weight   float64
	required bool
	m        Measurement
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (v *scriptedValidator) Name() string             { return v.name }
func (v *scriptedValidator) Kind() quality.ThreadKind { return v.kind }
func (v *scriptedValidator) Weight() float64          { return v.weight }
func (v *scriptedValidator) Required() bool           { return v.required }

func (v *scriptedValidator) Run(ctx context.Context, _ string) (Measurement, error) {
	v.calls.Add(1)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return Measurement{}, ctx.Err()
		}
	}
	return v.m, v.err
}

func scored(name string, kind quality.ThreadKind, weight, score float64) *scriptedValidator {
	return &scriptedValidator{name: name, kind: kind, weight: weight, m: Measurement{Score: score}}
}

func newTestSuite(t *testing.T, validators []Validator, rules Rules, changed ChangedFilesFunc) (*Suite, *quality.Tracker) {
	t.Helper()
	tracker := quality.NewTracker(quality.Config{}, zap.NewNop())
	s, err := NewSuite(validators, rules, tracker, changed, zap.NewNop())
	require.NoError(t, err)
	return s, tracker
}

func threadScore(t *testing.T, tracker *quality.Tracker, path string, kind quality.ThreadKind) float64 {
	t.Helper()
	for _, thread := range tracker.Snapshot() {
		if thread.Path == path && thread.Kind == kind {
			return thread.Score
		}
	}
	t.Fatalf("no thread for %s/%s", path, kind)
	return 0
}

func TestNewSuite_Validation(t *testing.T) {
	tracker := quality.NewTracker(quality.Config{}, nil)
	lint := scored("lint", quality.KindLint, 1, 1)

	_, err := NewSuite(nil, Rules{}, tracker, nil, nil)
	assert.ErrorContains(t, err, "at least one validator")

	_, err = NewSuite([]Validator{lint}, Rules{}, nil, nil, nil)
	assert.ErrorContains(t, err, "tracker is required")

	_, err = NewSuite([]Validator{lint}, Rules{MinPassingScore: 1.5}, tracker, nil, nil)
	assert.ErrorContains(t, err, "within [0, 1]")

	_, err = NewSuite([]Validator{lint}, Rules{FailFast: true, Parallel: true}, tracker, nil, nil)
	assert.ErrorContains(t, err, "mutually exclusive")

	s, err := NewSuite([]Validator{lint}, Rules{}, tracker, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinPassingScore, s.rules.MinPassingScore)
}

func TestSuite_Run_WeightedScore(t *testing.T) {
	lint := scored("lint", quality.KindLint, 1, 0.9)
	test := scored("test", quality.KindTest, 3, 0.6)
	s, _ := newTestSuite(t, []Validator{test, lint}, Rules{}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.InDelta(t, 0.675, outcome.Score, 1e-9)
	assert.False(t, outcome.Passed)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "lint", outcome.Results[0].Validator)
	assert.Equal(t, "test", outcome.Results[1].Validator)
	assert.True(t, outcome.Results[0].Passed)
	assert.False(t, outcome.Results[1].Passed)
}

func TestSuite_Run_PassesAtThreshold(t *testing.T) {
	s, _ := newTestSuite(t, []Validator{
		scored("lint", quality.KindLint, 1, 0.8),
		scored("test", quality.KindTest, 1, 0.8),
	}, Rules{}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, outcome.Score, 1e-9)
	assert.True(t, outcome.Passed)
}

func TestSuite_Run_RequiredMustPass(t *testing.T) {
	strong := scored("lint", quality.KindLint, 9, 1)
	weak := scored("secrets", quality.KindSecurity, 1, 0.5)
	weak.required = true

	s, _ := newTestSuite(t, []Validator{strong, weak}, Rules{RequiredMustPass: true}, nil)
	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.InDelta(t, 0.95, outcome.Score, 1e-9)
	assert.False(t, outcome.Passed)
}

func TestSuite_Run_OptionalFailureStillPasses(t *testing.T) {
	strong := scored("lint", quality.KindLint, 9, 1)
	weak := scored("secrets", quality.KindSecurity, 1, 0.5)

	s, _ := newTestSuite(t, []Validator{strong, weak}, Rules{RequiredMustPass: true}, nil)
	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, outcome.Passed)
}

func TestSuite_Run_ValidatorErrorScoresZero(t *testing.T) {
	broken := &scriptedValidator{name: "broken", kind: quality.KindTest, weight: 1, err: assert.AnError}
	s, _ := newTestSuite(t, []Validator{broken}, Rules{}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, 0.0, outcome.Results[0].Score)
	assert.NotEmpty(t, outcome.Results[0].Err)
	assert.False(t, outcome.Results[0].Passed)
	assert.Equal(t, 0.0, outcome.Score)
	assert.False(t, outcome.Passed)
}

func TestSuite_Run_InvalidScoreTreatedAsFailure(t *testing.T) {
	wild := &scriptedValidator{
		name: "wild", kind: quality.KindLint, weight: 1,
		m: Measurement{Score: 1.5, Files: map[string]float64{"a.go": 1.5}},
	}
	s, tracker := newTestSuite(t, []Validator{wild}, Rules{}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, 0.0, outcome.Results[0].Score)
	assert.Contains(t, outcome.Results[0].Err, "out of range")
	assert.Equal(t, 0.0, outcome.Score)
	assert.Equal(t, 0.0, threadScore(t, tracker, ".", quality.KindLint))
}

func TestSuite_Run_FailFastStops(t *testing.T) {
	failing := scored("alpha", quality.KindLint, 1, 0.1)
	skipped := scored("beta", quality.KindTest, 1, 1)
	s, _ := newTestSuite(t, []Validator{failing, skipped}, Rules{FailFast: true}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Len(t, outcome.Results, 1)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(0), skipped.calls.Load())
}

func TestSuite_Run_ParallelRunsAll(t *testing.T) {
	validators := []Validator{
		&scriptedValidator{name: "a", kind: quality.KindLint, weight: 1, m: Measurement{Score: 1}, delay: 10 * time.Millisecond},
		&scriptedValidator{name: "b", kind: quality.KindTest, weight: 1, m: Measurement{Score: 1}, delay: 10 * time.Millisecond},
		&scriptedValidator{name: "c", kind: quality.KindDocs, weight: 1, m: Measurement{Score: 1}, delay: 10 * time.Millisecond},
	}
	s, _ := newTestSuite(t, validators, Rules{Parallel: true}, nil)

	outcome, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.Len(t, outcome.Results, 3)
	assert.Equal(t, "a", outcome.Results[0].Validator)
	assert.Equal(t, "b", outcome.Results[1].Validator)
	assert.Equal(t, "c", outcome.Results[2].Validator)
	for _, v := range validators {
		assert.Equal(t, int32(1), v.(*scriptedValidator).calls.Load())
	}
}

func TestSuite_Run_RecordsPerFileScores(t *testing.T) {
	perFile := &scriptedValidator{
		name: "lint", kind: quality.KindLint, weight: 1,
		m: Measurement{Score: 0.4, Files: map[string]float64{"a.go": 0.4, "b.go": 0.9}},
	}
	s, tracker := newTestSuite(t, []Validator{perFile}, Rules{}, nil)

	_, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.4, threadScore(t, tracker, "a.go", quality.KindLint))
	assert.Equal(t, 0.9, threadScore(t, tracker, "b.go", quality.KindLint))
}

func TestSuite_Run_RecordsAgainstChangedFiles(t *testing.T) {
	repoLevel := scored("test", quality.KindTest, 1, 0.7)
	s, tracker := newTestSuite(t, []Validator{repoLevel}, Rules{}, staticChanged("x.go", "y.go"))

	_, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.7, threadScore(t, tracker, "x.go", quality.KindTest))
	assert.Equal(t, 0.7, threadScore(t, tracker, "y.go", quality.KindTest))
}

func TestSuite_Run_FallsBackToRepoRoot(t *testing.T) {
	repoLevel := scored("test", quality.KindTest, 1, 0.7)
	s, tracker := newTestSuite(t, []Validator{repoLevel}, Rules{}, nil)

	_, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0.7, threadScore(t, tracker, ".", quality.KindTest))
}

func TestSuite_Run_ChangedErrorFallsBack(t *testing.T) {
	repoLevel := scored("test", quality.KindTest, 1, 0.7)
	s, tracker := newTestSuite(t, []Validator{repoLevel}, Rules{}, func(context.Context, string) ([]string, error) {
		return nil, assert.AnError
	})

	_, err := s.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0.7, threadScore(t, tracker, ".", quality.KindTest))
}

func TestSuite_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _ := newTestSuite(t, []Validator{scored("lint", quality.KindLint, 1, 1)}, Rules{}, nil)
	_, err := s.Run(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSuite_Evaluate_WeakestLink(t *testing.T) {
	lint := &scriptedValidator{
		name: "lint", kind: quality.KindLint, weight: 1,
		m: Measurement{Score: 0.9, Files: map[string]float64{"a.go": 0.9}},
	}
	test := &scriptedValidator{
		name: "test", kind: quality.KindTest, weight: 1,
		m: Measurement{Score: 0.3, Files: map[string]float64{"a.go": 0.3}},
	}
	s, _ := newTestSuite(t, []Validator{lint, test}, Rules{}, nil)

	score, err := s.Evaluate(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)
}

func TestSuite_Evaluate_WithWeightedMeanPolicy(t *testing.T) {
	lint := &scriptedValidator{
		name: "lint", kind: quality.KindLint, weight: 1,
		m: Measurement{Score: 0.9, Files: map[string]float64{"a.go": 0.9}},
	}
	test := &scriptedValidator{
		name: "test", kind: quality.KindTest, weight: 1,
		m: Measurement{Score: 0.3, Files: map[string]float64{"a.go": 0.3}},
	}
	s, _ := newTestSuite(t, []Validator{lint, test}, Rules{}, nil)
	s.WithPolicy(quality.PolicyWeightedMean)

	score, err := s.Evaluate(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.InDelta(t, 0.6, score, 1e-9)
}
