package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newCore assembles the stdout and OTEL cores described by cfg and wraps
// them with sampling.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("build redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("gyre",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	return newSampledCore(core, cfg.Sampling), nil
}

// newSampledCore wraps core with level-aware sampling. Error and above
// are never sampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &minLevelCore{Core: core, min: zapcore.ErrorLevel}
	belowErrorCore := &maxLevelCore{Core: core, max: zapcore.WarnLevel}

	// The zap sampler applies one rate to everything it sees; use the
	// Info rate for the below-error band. An absent entry would drop
	// every entry, so fall back to a sane rate.
	rates, ok := cfg.Levels[zapcore.InfoLevel]
	if !ok || rates.Initial <= 0 {
		rates = LevelSamplingConfig{Initial: 100, Thereafter: 10}
	}

	sampledCore := zapcore.NewSamplerWithOptions(
		belowErrorCore,
		cfg.Tick.Duration(),
		rates.Initial,
		rates.Thereafter,
	)

	return zapcore.NewTee(errorCore, sampledCore)
}

// minLevelCore passes entries at or above min.
type minLevelCore struct {
	zapcore.Core
	min zapcore.Level
}

func (c *minLevelCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && c.Core.Enabled(lvl)
}

func (c *minLevelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *minLevelCore) With(fields []zapcore.Field) zapcore.Core {
	return &minLevelCore{Core: c.Core.With(fields), min: c.min}
}

// maxLevelCore passes entries at or below max.
type maxLevelCore struct {
	zapcore.Core
	max zapcore.Level
}

func (c *maxLevelCore) Enabled(lvl zapcore.Level) bool {
	return lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *maxLevelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *maxLevelCore) With(fields []zapcore.Field) zapcore.Core {
	return &maxLevelCore{Core: c.Core.With(fields), max: c.max}
}
