package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/gyre/internal/metrics"
	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// DefaultMinPassingScore is the aggregate score a run must reach to pass.
const DefaultMinPassingScore = 0.8

// Rules governs how a suite run turns individual results into a verdict.
type Rules struct {
	MinPassingScore  float64
	RequiredMustPass bool
	FailFast         bool
	Parallel         bool
}

func (r Rules) validate() error {
	if r.MinPassingScore < 0 || r.MinPassingScore > 1 {
		return fmt.Errorf("min passing score must be within [0, 1], got %v", r.MinPassingScore)
	}
	if r.FailFast && r.Parallel {
		return errors.New("fail-fast and parallel are mutually exclusive")
	}
	return nil
}

// Suite runs a set of validators against a working tree and feeds their
// scores into the quality tracker.
type Suite struct {
	validators []Validator
	rules      Rules
	tracker    *quality.Tracker
	changed    ChangedFilesFunc
	policy     quality.Policy
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewSuite builds a suite. The tracker is required; changed may be nil,
// in which case repo-level scores are recorded against ".".
func NewSuite(validators []Validator, rules Rules, tracker *quality.Tracker, changed ChangedFilesFunc, logger *zap.Logger) (*Suite, error) {
	if len(validators) == 0 {
		return nil, errors.New("at least one validator is required")
	}
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if rules.MinPassingScore == 0 {
		rules.MinPassingScore = DefaultMinPassingScore
	}
	if err := rules.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suite{
		validators: validators,
		rules:      rules,
		tracker:    tracker,
		changed:    changed,
		policy:     quality.PolicyMin,
		metrics:    metrics.New(),
		logger:     logger,
	}, nil
}

// WithPolicy overrides the aggregation policy used by Evaluate.
func (s *Suite) WithPolicy(policy quality.Policy) *Suite {
	s.policy = policy
	return s
}

// Run executes every validator and returns the combined outcome. Validator
// errors mark the result failed but do not abort the run unless FailFast
// is set.
func (s *Suite) Run(ctx context.Context, dir string) (Outcome, error) {
	start := time.Now()

	var results []Result
	var err error
	if s.rules.Parallel {
		results, err = s.runParallel(ctx, dir)
	} else {
		results, err = s.runSequential(ctx, dir)
	}
	if err != nil {
		return Outcome{}, err
	}

	outcome := s.combine(results)
	outcome.Elapsed = time.Since(start)
	s.metrics.SetAggregateScore(outcome.Score)
	s.logger.Info("validation suite finished",
		zap.Int("validators", len(results)),
		zap.Float64("score", outcome.Score),
		zap.Bool("passed", outcome.Passed),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome, nil
}

func (s *Suite) runSequential(ctx context.Context, dir string) ([]Result, error) {
	results := make([]Result, 0, len(s.validators))
	for _, v := range s.validators {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res := s.runOne(ctx, v, dir)
		results = append(results, res)
		if s.rules.FailFast && !res.Passed {
			s.logger.Warn("stopping at first failing validator",
				zap.String("validator", res.Validator),
				zap.Float64("score", res.Score))
			break
		}
	}
	return results, nil
}

func (s *Suite) runParallel(ctx context.Context, dir string) ([]Result, error) {
	results := make([]Result, len(s.validators))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range s.validators {
		g.Go(func() error {
			results[i] = s.runOne(ctx, v, dir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runOne executes a single validator and records its scores as quality
// threads. A validator error scores zero rather than aborting the suite.
func (s *Suite) runOne(ctx context.Context, v Validator, dir string) Result {
	start := time.Now()
	m, err := v.Run(ctx, dir)
	elapsed := time.Since(start)
	s.metrics.RecordValidator(v.Name(), elapsed, err)

	res := Result{
		Validator: v.Name(),
		Kind:      v.Kind(),
		Weight:    v.Weight(),
		Required:  v.Required(),
		Detail:    m.Detail,
		Files:     m.Files,
		Elapsed:   elapsed,
	}
	switch {
	case err != nil:
		res.Err = err.Error()
		res.Score = 0
		s.logger.Error("validator failed", zap.String("validator", v.Name()), zap.Error(err))
	case math.IsNaN(m.Score) || m.Score < 0 || m.Score > 1:
		res.Err = fmt.Sprintf("score %v out of range", m.Score)
		res.Score = 0
		res.Files = nil
		s.logger.Error("validator reported invalid score",
			zap.String("validator", v.Name()),
			zap.Float64("score", m.Score))
	default:
		res.Score = m.Score
	}
	res.Passed = res.Err == "" && res.Score >= s.rules.MinPassingScore

	s.record(ctx, v, res, dir)
	return res
}

// record writes the validator's scores into the tracker: per-file scores
// when the validator reported them, otherwise the repo score against each
// changed file, falling back to the repository root.
func (s *Suite) record(ctx context.Context, v Validator, res Result, dir string) {
	paths := make(map[string]float64)
	switch {
	case len(res.Files) > 0:
		for path, score := range res.Files {
			paths[path] = score
		}
	case s.changed != nil:
		files, err := s.changed(ctx, dir)
		if err != nil {
			s.logger.Warn("changed files unavailable, recording repo-level score", zap.Error(err))
		}
		for _, f := range files {
			paths[f] = res.Score
		}
		if len(paths) == 0 {
			paths["."] = res.Score
		}
	default:
		paths["."] = res.Score
	}

	for path, score := range paths {
		if err := s.tracker.RecordMeasurement(path, v.Kind(), score); err != nil {
			s.logger.Warn("could not record measurement",
				zap.String("path", path),
				zap.String("validator", v.Name()),
				zap.Error(err))
			continue
		}
		s.metrics.RecordMeasurement(string(v.Kind()))
	}
}

// combine reduces individual results to the suite outcome: a weighted
// mean score plus a pass verdict per the configured rules.
func (s *Suite) combine(results []Result) Outcome {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Validator < results[j].Validator })

	var sum, weights float64
	requiredPassed := true
	for _, r := range results {
		sum += r.Score * r.Weight
		weights += r.Weight
		if r.Required && !r.Passed {
			requiredPassed = false
		}
	}

	var score float64
	if weights > 0 {
		score = sum / weights
	}
	passed := score >= s.rules.MinPassingScore
	if s.rules.RequiredMustPass && !requiredPassed {
		passed = false
	}
	return Outcome{Score: score, Passed: passed, Results: results}
}

// Evaluate runs the suite and reduces the tracker's thread set under the
// suite's policy. A run that recorded nothing surfaces the empty-set error
// instead of a score.
func (s *Suite) Evaluate(ctx context.Context, dir string) (float64, error) {
	if _, err := s.Run(ctx, dir); err != nil {
		return 0, err
	}
	return s.tracker.Aggregate(s.policy, s.tracker.Snapshot())
}
