package convergence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// Default budgets applied when the configuration leaves them unset.
const (
	DefaultThreshold     = 0.8
	DefaultMaxIterations = 10
)

// ErrInvalidConfiguration is returned by NewEngine before any work runs.
var ErrInvalidConfiguration = errors.New("invalid convergence configuration")

// Outcome classifies how a run ended. A run always ends in exactly one.
type Outcome string

const (
	// Converged means an attempt met the threshold and was accepted.
	Converged Outcome = "converged"
	// Exhausted means the budget ran out before any attempt was accepted.
	Exhausted Outcome = "exhausted"
)

// Reason records which budget ended an exhausted run.
type Reason string

const (
	ReasonIterations Reason = "iterations"
	ReasonDeadline   Reason = "deadline"
	ReasonCancelled  Reason = "cancelled"
)

// Decision records what happened to a single attempt.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "failed"
)

// Config bounds a run. MaxIterations must be positive and Threshold must
// be within [0, 1]; both are checked once at construction.
type Config struct {
	// Threshold is the aggregate score an attempt must reach to be
	// accepted. An attempt that exactly meets it converges.
	Threshold float64
	// MaxIterations caps how many attempts a run may make.
	MaxIterations int
	// Deadline is the wall-clock budget for the whole run. Zero means
	// no deadline.
	Deadline time.Duration
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt
	// bound.
	AttemptTimeout time.Duration
}

// Validate reports whether the configuration can drive a run.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidConfiguration, c.MaxIterations)
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be within [0, 1], got %v", ErrInvalidConfiguration, c.Threshold)
	}
	if c.Deadline < 0 {
		return fmt.Errorf("%w: deadline must not be negative", ErrInvalidConfiguration)
	}
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("%w: attempt timeout must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// Funcs supplies the work a run drives. Attempt mutates the workspace,
// Evaluate scores the result, and Reject undoes a rejected or failed
// attempt before the next one starts.
type Funcs struct {
	Attempt  func(ctx context.Context, iteration int) error
	Evaluate func(ctx context.Context) (float64, error)
	Reject   func(ctx context.Context, iteration int) error
}

func (f Funcs) validate() error {
	if f.Attempt == nil {
		return fmt.Errorf("%w: attempt func is required", ErrInvalidConfiguration)
	}
	if f.Evaluate == nil {
		return fmt.Errorf("%w: evaluate func is required", ErrInvalidConfiguration)
	}
	return nil
}

// Attempt is the record of one iteration.
type Attempt struct {
	Index    int      `json:"index"`
	Score    float64  `json:"score"`
	Decision Decision `json:"decision"`
	Err      string   `json:"error,omitempty"`
}

// Result describes a finished run. Converged and Exhausted are ordinary
// results, not errors; Run returns a non-nil error only for evaluation
// or rollback failures and for cancellation.
type Result struct {
	Outcome    Outcome       `json:"outcome"`
	Iterations int           `json:"iterations"`
	Score      float64       `json:"score"`
	BestScore  float64       `json:"best_score"`
	Reason     Reason        `json:"reason,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Attempts   []Attempt     `json:"attempts,omitempty"`
}

// Engine runs convergence loops under a fixed configuration.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine validates the configuration and returns an engine. No work
// starts here; an invalid configuration never reaches Run.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run drives attempts until one meets the threshold or the budget runs
// out. Cancellation and deadline expiry are observed only between
// iterations; an iteration in flight always runs to completion.
//
// A failed attempt consumes an iteration: it is rolled back and the loop
// continues. An evaluation or rollback failure aborts the run with an
// error. On cancellation Run returns the context error alongside a
// result describing the iterations that completed.
func (e *Engine) Run(ctx context.Context, funcs Funcs) (Result, error) {
	if err := funcs.validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	var deadline time.Time
	if e.cfg.Deadline > 0 {
		deadline = start.Add(e.cfg.Deadline)
	}

	e.logger.Debug("convergence run starting",
		zap.Float64("threshold", e.cfg.Threshold),
		zap.Int("max_iterations", e.cfg.MaxIterations),
		zap.Duration("deadline", e.cfg.Deadline))

	res := Result{Outcome: Exhausted}
	defer func() { res.Elapsed = time.Since(start) }()

	for i := 1; i <= e.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			res.Reason = ReasonCancelled
			e.logger.Info("convergence run cancelled",
				zap.Int("iterations", res.Iterations),
				zap.Float64("best_score", res.BestScore))
			return res, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			res.Reason = ReasonDeadline
			e.logger.Info("convergence deadline exhausted",
				zap.Int("iterations", res.Iterations),
				zap.Float64("best_score", res.BestScore))
			return res, nil
		}

		res.Iterations = i
		if err := e.attempt(ctx, funcs, i); err != nil {
			res.Attempts = append(res.Attempts, Attempt{Index: i, Decision: DecisionFailed, Err: err.Error()})
			e.logger.Warn("attempt failed", zap.Int("iteration", i), zap.Error(err))
			if rerr := e.reject(ctx, funcs, i); rerr != nil {
				return res, rerr
			}
			continue
		}

		score, err := funcs.Evaluate(ctx)
		if err != nil {
			return res, fmt.Errorf("evaluate iteration %d: %w", i, err)
		}
		if math.IsNaN(score) || score < 0 || score > 1 {
			return res, fmt.Errorf("evaluate iteration %d: %w: %v", i, quality.ErrInvalidScore, score)
		}
		if score > res.BestScore {
			res.BestScore = score
		}

		if score >= e.cfg.Threshold {
			res.Attempts = append(res.Attempts, Attempt{Index: i, Score: score, Decision: DecisionAccepted})
			res.Outcome = Converged
			res.Score = score
			e.logger.Info("converged",
				zap.Int("iteration", i),
				zap.Float64("score", score),
				zap.Float64("threshold", e.cfg.Threshold))
			return res, nil
		}

		res.Attempts = append(res.Attempts, Attempt{Index: i, Score: score, Decision: DecisionRejected})
		e.logger.Debug("attempt rejected",
			zap.Int("iteration", i),
			zap.Float64("score", score),
			zap.Float64("threshold", e.cfg.Threshold))
		if rerr := e.reject(ctx, funcs, i); rerr != nil {
			return res, rerr
		}
	}

	res.Reason = ReasonIterations
	e.logger.Info("iteration budget exhausted",
		zap.Int("iterations", res.Iterations),
		zap.Float64("best_score", res.BestScore))
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, funcs Funcs, iteration int) error {
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	return funcs.Attempt(ctx, iteration)
}

func (e *Engine) reject(ctx context.Context, funcs Funcs, iteration int) error {
	if funcs.Reject == nil {
		return nil
	}
	if err := funcs.Reject(ctx, iteration); err != nil {
		return fmt.Errorf("reject iteration %d: %w", iteration, err)
	}
	return nil
}
