// Package config loads gyre configuration from YAML files and environment
// variables. File values are overridden by GYRE_-prefixed environment
// variables; defaults fill anything left unset.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config holds the complete gyre configuration.
type Config struct {
	Convergence ConvergenceConfig `koanf:"convergence"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Quality     QualityConfig     `koanf:"quality"`
	Session     SessionConfig     `koanf:"session"`
	Validators  []ValidatorConfig `koanf:"validators"`
	Rules       RulesConfig       `koanf:"rules"`
	Repository  RepositoryConfig  `koanf:"repository"`
	CI          CIConfig          `koanf:"ci"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Status      StatusConfig      `koanf:"status"`
}

// ConvergenceConfig bounds an iteration run.
type ConvergenceConfig struct {
	Threshold      float64  `koanf:"threshold"`       // aggregate score to accept (default: 0.8)
	MaxIterations  int      `koanf:"max_iterations"`  // attempt cap (default: 10)
	Deadline       Duration `koanf:"deadline"`        // wall-clock budget, 0 = none
	AttemptTimeout Duration `koanf:"attempt_timeout"` // per-attempt bound, 0 = none
}

// AggregationConfig selects how thread scores combine into one number.
type AggregationConfig struct {
	Policy        string             `koanf:"policy"`         // "min" or "weighted_mean" (default: min)
	ThreadWeights map[string]float64 `koanf:"thread_weights"` // per-kind weights for weighted_mean
}

// QualityConfig sizes quality thread history.
type QualityConfig struct {
	HistoryLimit  int `koanf:"history_limit"`  // points retained per thread (default: 50)
	SnapshotLimit int `koanf:"snapshot_limit"` // mean-score history length (default: 100)
}

// SessionConfig governs agent session admission.
type SessionConfig struct {
	LockWait          Duration `koanf:"lock_wait"`           // bound on waiting for the repository lock (default: 5s)
	MaxSpiralAttempts int      `koanf:"max_spiral_attempts"` // spirals per session (default: 100)
}

// ValidatorConfig describes one command validator.
type ValidatorConfig struct {
	Name     string   `koanf:"name"`
	Kind     string   `koanf:"kind"` // lint, typecheck, test, security, performance, docs
	Command  string   `koanf:"command"`
	Args     []string `koanf:"args"`
	Timeout  Duration `koanf:"timeout"` // 0 = validator default
	Weight   float64  `koanf:"weight"`  // 0 = 1.0
	Required bool     `koanf:"required"`
}

// RulesConfig governs how validator results combine into a pass/fail outcome.
type RulesConfig struct {
	MinPassingScore  float64 `koanf:"min_passing_score"` // default: 0.8
	RequiredMustPass bool    `koanf:"required_must_pass"`
	FailFast         bool    `koanf:"fail_fast"`
	Parallel         bool    `koanf:"parallel"`
}

// RepositoryConfig locates the working repository.
type RepositoryConfig struct {
	Path   string `koanf:"path"`   // working tree root (default: .)
	Author string `koanf:"author"` // checkpoint commit author, empty = adapter default
	Email  string `koanf:"email"`
	Watch  bool   `koanf:"watch"` // enable the filesystem watcher for early external-change detection
}

// CIConfig wires the GitHub check-runs validator.
type CIConfig struct {
	Enabled  bool        `koanf:"enabled"`
	Owner    string      `koanf:"owner"`
	Repo     string      `koanf:"repo"`
	Ref      string      `koanf:"ref"`
	Token    Secret      `koanf:"token"`
	Weight   float64     `koanf:"weight"` // 0 = 1.0
	Required bool        `koanf:"required"`
	Retry    RetryConfig `koanf:"retry"`
}

// RetryConfig tunes GitHub API retries.
type RetryConfig struct {
	MaxRetries        int      `koanf:"max_retries"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// SecurityConfig wires the secret-scanning validator.
type SecurityConfig struct {
	SecretScan    bool    `koanf:"secret_scan"`
	AllowlistPath string  `koanf:"allowlist_path"` // TOML allowlist, empty = none
	Weight        float64 `koanf:"weight"`         // 0 = 1.0
	Required      bool    `koanf:"required"`
}

// LoggingConfig selects log verbosity and encoding. The logging package
// carries the richer knobs; these are the two an operator actually sets.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error (default: info)
	Format string `koanf:"format"` // console or json (default: console)
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`     // default: localhost:4317
	Protocol    string  `koanf:"protocol"`     // grpc or http (default: grpc)
	Insecure    bool    `koanf:"insecure"`     // no TLS, local collectors only
	SampleRate  float64 `koanf:"sample_rate"`  // 0 = full sampling; disable telemetry to sample nothing
	ServiceName string  `koanf:"service_name"` // default: gyre
}

// StatusConfig exposes the read-only status server.
type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"` // default: 127.0.0.1:9464
}

// validatorKinds are the thread kinds a validator may record against.
var validatorKinds = map[string]bool{
	"lint":        true,
	"typecheck":   true,
	"test":        true,
	"security":    true,
	"performance": true,
	"docs":        true,
}

// applyDefaults fills unset fields. Zero values that are meaningful
// (deadline, attempt timeout, per-validator knobs) are left alone.
func applyDefaults(cfg *Config) {
	if cfg.Convergence.Threshold == 0 {
		cfg.Convergence.Threshold = 0.8
	}
	if cfg.Convergence.MaxIterations == 0 {
		cfg.Convergence.MaxIterations = 10
	}

	if cfg.Aggregation.Policy == "" {
		cfg.Aggregation.Policy = "min"
	}

	if cfg.Quality.HistoryLimit == 0 {
		cfg.Quality.HistoryLimit = 50
	}
	if cfg.Quality.SnapshotLimit == 0 {
		cfg.Quality.SnapshotLimit = 100
	}

	if cfg.Session.LockWait == 0 {
		cfg.Session.LockWait = Duration(5 * time.Second)
	}
	if cfg.Session.MaxSpiralAttempts == 0 {
		cfg.Session.MaxSpiralAttempts = 100
	}

	if cfg.Rules.MinPassingScore == 0 {
		cfg.Rules.MinPassingScore = 0.8
	}

	if cfg.Repository.Path == "" {
		cfg.Repository.Path = "."
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gyre"
	}

	if cfg.Status.Addr == "" {
		cfg.Status.Addr = "127.0.0.1:9464"
	}
}

// Validate rejects configurations that cannot drive a run. It is called
// after applyDefaults, so only explicit bad values fail here.
func (c *Config) Validate() error {
	if math.IsNaN(c.Convergence.Threshold) || c.Convergence.Threshold < 0 || c.Convergence.Threshold > 1 {
		return fmt.Errorf("convergence.threshold must be in [0, 1], got %v", c.Convergence.Threshold)
	}
	if c.Convergence.MaxIterations < 1 {
		return fmt.Errorf("convergence.max_iterations must be at least 1, got %d", c.Convergence.MaxIterations)
	}

	switch c.Aggregation.Policy {
	case "min", "weighted_mean":
	default:
		return fmt.Errorf("aggregation.policy must be %q or %q, got %q", "min", "weighted_mean", c.Aggregation.Policy)
	}
	for kind, weight := range c.Aggregation.ThreadWeights {
		if math.IsNaN(weight) || weight < 0 {
			return fmt.Errorf("aggregation.thread_weights[%s] must be non-negative, got %v", kind, weight)
		}
	}

	if c.Quality.HistoryLimit < 1 {
		return fmt.Errorf("quality.history_limit must be at least 1, got %d", c.Quality.HistoryLimit)
	}
	if c.Quality.SnapshotLimit < 1 {
		return fmt.Errorf("quality.snapshot_limit must be at least 1, got %d", c.Quality.SnapshotLimit)
	}

	if c.Session.MaxSpiralAttempts < 1 {
		return fmt.Errorf("session.max_spiral_attempts must be at least 1, got %d", c.Session.MaxSpiralAttempts)
	}

	seen := make(map[string]bool, len(c.Validators))
	for i, v := range c.Validators {
		if v.Name == "" {
			return fmt.Errorf("validators[%d]: name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("validators[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
		if !validatorKinds[v.Kind] {
			return fmt.Errorf("validators[%d] (%s): unknown kind %q", i, v.Name, v.Kind)
		}
		if v.Command == "" {
			return fmt.Errorf("validators[%d] (%s): command is required", i, v.Name)
		}
		if math.IsNaN(v.Weight) || v.Weight < 0 {
			return fmt.Errorf("validators[%d] (%s): weight must be non-negative, got %v", i, v.Name, v.Weight)
		}
	}

	if math.IsNaN(c.Rules.MinPassingScore) || c.Rules.MinPassingScore < 0 || c.Rules.MinPassingScore > 1 {
		return fmt.Errorf("rules.min_passing_score must be in [0, 1], got %v", c.Rules.MinPassingScore)
	}
	if c.Rules.FailFast && c.Rules.Parallel {
		return errors.New("rules.fail_fast and rules.parallel are mutually exclusive")
	}

	if c.CI.Enabled {
		if c.CI.Owner == "" || c.CI.Repo == "" {
			return errors.New("ci.owner and ci.repo are required when ci is enabled")
		}
		if c.CI.Ref == "" {
			return errors.New("ci.ref is required when ci is enabled")
		}
		if !c.CI.Token.IsSet() {
			return errors.New("ci.token is required when ci is enabled")
		}
		if math.IsNaN(c.CI.Weight) || c.CI.Weight < 0 {
			return fmt.Errorf("ci.weight must be non-negative, got %v", c.CI.Weight)
		}
	}

	if c.Security.SecretScan && (math.IsNaN(c.Security.Weight) || c.Security.Weight < 0) {
		return fmt.Errorf("security.weight must be non-negative, got %v", c.Security.Weight)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be %q or %q, got %q", "console", "json", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry.service_name is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be %q or %q, got %q", "grpc", "http", c.Telemetry.Protocol)
		}
		if math.IsNaN(c.Telemetry.SampleRate) || c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be in [0, 1], got %v", c.Telemetry.SampleRate)
		}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return errors.New("status.addr is required when the status server is enabled")
	}

	return nil
}
