package validate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gyre/internal/quality"
)

// DefaultCommandTimeout bounds a command validator run when the
// configuration leaves it unset.
const DefaultCommandTimeout = 2 * time.Minute

// Issue penalties applied to command output.
const (
	warningPenalty = 0.1
	errorPenalty   = 0.5
)

var (
	warningPattern = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
	errorPattern   = regexp.MustCompile(`(?i)\berror\b`)
)

// CommandConfig describes an external tool run as a validator.
type CommandConfig struct {
	Name     string
	Kind     quality.ThreadKind
	Command  string
	Args     []string
	Dir      string
	Timeout  time.Duration
	Weight   float64
	Required bool
}

// Command runs an external tool and scores its output. A clean exit
// scores 1.0; every warning line costs 0.1 and every error line 0.5,
// floored at zero. A failing exit with no parseable errors counts as
// one error.
type Command struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommand validates the configuration and returns the validator.
func NewCommand(cfg CommandConfig, logger *zap.Logger) (*Command, error) {
	if cfg.Name == "" {
		return nil, errors.New("validator name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("validator %s: command is required", cfg.Name)
	}
	if cfg.Kind == "" {
		return nil, fmt.Errorf("validator %s: kind is required", cfg.Name)
	}
	if cfg.Weight == 0 {
		cfg.Weight = 1
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("validator %s: weight must not be negative", cfg.Name)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{cfg: cfg, logger: logger}, nil
}

func (c *Command) Name() string             { return c.cfg.Name }
func (c *Command) Kind() quality.ThreadKind { return c.cfg.Kind }
func (c *Command) Weight() float64          { return c.cfg.Weight }
func (c *Command) Required() bool           { return c.cfg.Required }

// Run executes the command in dir (or the configured directory) and
// scores its combined output.
func (c *Command) Run(ctx context.Context, dir string) (Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if c.cfg.Dir != "" {
		cmd.Dir = c.cfg.Dir
	} else {
		cmd.Dir = dir
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return Measurement{}, fmt.Errorf("validator %s: %w", c.cfg.Name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// The command never ran.
		return Measurement{}, fmt.Errorf("validator %s: run %s: %w", c.cfg.Name, c.cfg.Command, err)
	}

	warnings, errCount := countIssues(out)
	if exitErr != nil && errCount == 0 {
		errCount = 1
	}
	score := 1 - warningPenalty*float64(warnings) - errorPenalty*float64(errCount)
	if score < 0 {
		score = 0
	}

	c.logger.Debug("command validator finished",
		zap.String("validator", c.cfg.Name),
		zap.Int("warnings", warnings),
		zap.Int("errors", errCount),
		zap.Float64("score", score),
		zap.Duration("elapsed", time.Since(start)))

	return Measurement{
		Score:  score,
		Detail: fmt.Sprintf("%d warnings, %d errors", warnings, errCount),
	}, nil
}

// countIssues classifies output lines. A line naming both counts once,
// as an error.
func countIssues(out []byte) (warnings, errs int) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case errorPattern.Match(line):
			errs++
		case warningPattern.Match(line):
			warnings++
		}
	}
	return warnings, errs
}
