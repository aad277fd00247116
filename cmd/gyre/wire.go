package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/config"
	"github.com/fyrsmithlabs/gyre/internal/convergence"
	"github.com/fyrsmithlabs/gyre/internal/gitrepo"
	"github.com/fyrsmithlabs/gyre/internal/logging"
	"github.com/fyrsmithlabs/gyre/internal/quality"
	"github.com/fyrsmithlabs/gyre/internal/session"
	"github.com/fyrsmithlabs/gyre/internal/spiral"
	"github.com/fyrsmithlabs/gyre/internal/status"
	"github.com/fyrsmithlabs/gyre/internal/telemetry"
	"github.com/fyrsmithlabs/gyre/internal/validate"
)

// shutdownTimeout bounds resource teardown after a command finishes.
const shutdownTimeout = 5 * time.Second

// dependencies holds the wired stack a command runs against.
type dependencies struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	repo    *gitrepo.Repository
	watcher *gitrepo.Watcher
	tracker *quality.Tracker
	suite   *validate.Suite
	manager *session.Manager
	status  *status.Server
}

// initDependencies loads configuration and builds the full stack. The
// caller owns the result and must Close it; Close is safe on a
// partially built value.
func initDependencies(ctx context.Context) (*dependencies, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if repoOverride != "" {
		cfg.Repository.Path = repoOverride
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	zlog := logger.Underlying()

	deps := &dependencies{cfg: cfg, logger: logger}

	deps.tel, err = telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	if health := deps.tel.Health(); health.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", health.Reason))
	}

	deps.repo, err = gitrepo.Open(gitrepo.Config{
		Path:   cfg.Repository.Path,
		Author: cfg.Repository.Author,
		Email:  cfg.Repository.Email,
	}, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}

	if cfg.Repository.Watch {
		deps.watcher, err = gitrepo.NewWatcher(deps.repo, zlog)
		if err == nil {
			err = deps.watcher.Start(ctx)
		}
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("start repository watcher: %w", err)
		}
	}

	deps.tracker = quality.NewTracker(quality.Config{
		HistoryLimit:  cfg.Quality.HistoryLimit,
		SnapshotLimit: cfg.Quality.SnapshotLimit,
		Weights:       threadWeights(cfg.Aggregation.ThreadWeights),
	}, zlog)

	validators, err := buildValidators(cfg, deps.repo.ChangedFiles, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.suite, err = validate.NewSuite(validators, validate.Rules{
		MinPassingScore:  cfg.Rules.MinPassingScore,
		RequiredMustPass: cfg.Rules.RequiredMustPass,
		FailFast:         cfg.Rules.FailFast,
		Parallel:         cfg.Rules.Parallel,
	}, deps.tracker, deps.repo.ChangedFiles, zlog)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("build validation suite: %w", err)
	}
	deps.suite.WithPolicy(quality.Policy(cfg.Aggregation.Policy))

	engine, err := convergence.NewEngine(convergence.Config{
		Threshold:      cfg.Convergence.Threshold,
		MaxIterations:  cfg.Convergence.MaxIterations,
		Deadline:       cfg.Convergence.Deadline.Duration(),
		AttemptTimeout: cfg.Convergence.AttemptTimeout.Duration(),
	}, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}
	spirals, err := spiral.NewController(deps.repo, engine, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}
	// The analyzer forecasts toward the same score a spiral must reach.
	analyzer, err := convergence.NewAnalyzer(convergence.AnalyzerConfig{
		QualityTarget: cfg.Convergence.Threshold,
	}, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.manager, err = session.NewManager(deps.repo, deps.tracker, spirals, analyzer, session.Config{
		LockWait:          cfg.Session.LockWait.Duration(),
		MaxSpiralAttempts: cfg.Session.MaxSpiralAttempts,
	}, zlog)
	if err != nil {
		deps.Close()
		return nil, err
	}

	if cfg.Status.Enabled {
		deps.status, err = status.NewServer(deps.manager, deps.tracker, zlog, &status.Config{Addr: cfg.Status.Addr})
		if err != nil {
			deps.Close()
			return nil, err
		}
		go func() {
			if err := deps.status.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "status server stopped", zap.Error(err))
			}
		}()
		logger.Info(ctx, "status server listening", zap.String("addr", cfg.Status.Addr))
	}

	logger.Info(ctx, "gyre initialized",
		zap.String("repository", cfg.Repository.Path),
		zap.Int("validators", len(validators)),
		zap.Float64("threshold", cfg.Convergence.Threshold),
		zap.Int("max_iterations", cfg.Convergence.MaxIterations))
	return deps, nil
}

// Close releases resources in reverse construction order.
func (d *dependencies) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.status != nil {
		if err := d.status.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "status server shutdown", zap.Error(err))
		}
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.tel != nil {
		if err := d.tel.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// initLogger builds the process logger from the two knobs the config
// file exposes, on top of the logging package defaults.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parse logging.level: %w", err)
	}
	lcfg := logging.NewDefaultConfig()
	lcfg.Level = level
	lcfg.Format = cfg.Logging.Format
	return logging.NewLogger(lcfg, nil)
}

// telemetryConfig maps the root telemetry section onto the telemetry
// package config. Metric export and shutdown bounds keep their package
// defaults.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.Protocol = cfg.Telemetry.Protocol
	tcfg.Insecure = cfg.Telemetry.Insecure
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.Sampling.Rate = cfg.Telemetry.SampleRate
	return tcfg
}

// threadWeights converts config keys to thread kinds for weighted-mean
// aggregation.
func threadWeights(weights map[string]float64) map[quality.ThreadKind]float64 {
	if len(weights) == 0 {
		return nil
	}
	out := make(map[quality.ThreadKind]float64, len(weights))
	for kind, w := range weights {
		out[quality.ThreadKind(kind)] = w
	}
	return out
}

// buildValidators assembles the suite members: every configured command
// validator, the secret scanner when enabled, and the GitHub check-run
// validator when enabled.
func buildValidators(cfg *config.Config, changed validate.ChangedFilesFunc, logger *zap.Logger) ([]validate.Validator, error) {
	validators := make([]validate.Validator, 0, len(cfg.Validators)+2)
	for _, vc := range cfg.Validators {
		v, err := validate.NewCommand(validate.CommandConfig{
			Name:     vc.Name,
			Kind:     quality.ThreadKind(vc.Kind),
			Command:  vc.Command,
			Args:     vc.Args,
			Timeout:  vc.Timeout.Duration(),
			Weight:   vc.Weight,
			Required: vc.Required,
		}, logger)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}

	if cfg.Security.SecretScan {
		v, err := validate.NewSecrets(validate.SecretsConfig{
			AllowlistPath: cfg.Security.AllowlistPath,
			Weight:        cfg.Security.Weight,
			Required:      cfg.Security.Required,
		}, changed, logger)
		if err != nil {
			return nil, fmt.Errorf("secret scanner: %w", err)
		}
		validators = append(validators, v)
	}

	if cfg.CI.Enabled {
		v, err := validate.NewCI(validate.CIConfig{
			Owner:    cfg.CI.Owner,
			Repo:     cfg.CI.Repo,
			Ref:      cfg.CI.Ref,
			Token:    cfg.CI.Token.Value(),
			Weight:   cfg.CI.Weight,
			Required: cfg.CI.Required,
			Retry: validate.RetryConfig{
				MaxRetries:        cfg.CI.Retry.MaxRetries,
				InitialBackoff:    cfg.CI.Retry.InitialBackoff.Duration(),
				MaxBackoff:        cfg.CI.Retry.MaxBackoff.Duration(),
				BackoffMultiplier: cfg.CI.Retry.BackoffMultiplier,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ci validator: %w", err)
		}
		validators = append(validators, v)
	}

	return validators, nil
}
