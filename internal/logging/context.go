package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context: the active
// trace, the agent identity, and the spiral position.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if agentID := AgentIDFromContext(ctx); agentID != "" {
		fields = append(fields, zap.String("agent.id", agentID))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if spiral := SpiralFromContext(ctx); spiral != "" {
		fields = append(fields, zap.String("spiral", spiral))
	}
	if checkpoint := CheckpointFromContext(ctx); checkpoint != "" {
		fields = append(fields, zap.String("checkpoint", checkpoint))
	}

	return fields
}

// Context key types
type agentCtxKey struct{}
type sessionCtxKey struct{}
type spiralCtxKey struct{}
type checkpointCtxKey struct{}

// Validation constants
const (
	maxIDLen     = 128
	maxBranchLen = 255
)

var (
	// idPattern allows alphanumeric, hyphen, underscore.
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// branchPattern additionally allows slash and dot for git branch names.
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
)

// validateID validates an agent, session, or checkpoint ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// validateBranch validates a spiral branch name.
func validateBranch(branch, name string) error {
	if branch == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(branch) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(branch) > maxBranchLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxBranchLen)
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("%s contains invalid characters (must be a git branch name)", name)
	}
	return nil
}

// AgentIDFromContext extracts the agent ID from context.
func AgentIDFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return a
	}
	return ""
}

// WithAgentID adds the agent ID to context.
// Panics if agentID is empty or contains invalid characters.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if err := validateID(agentID, "agentID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, agentCtxKey{}, agentID)
}

// SessionIDFromContext extracts the session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds the session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SpiralFromContext extracts the spiral branch name from context.
func SpiralFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(spiralCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSpiral adds the spiral branch name to context.
// Panics if branch is empty or not a plausible git branch name.
func WithSpiral(ctx context.Context, branch string) context.Context {
	if err := validateBranch(branch, "spiral"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, spiralCtxKey{}, branch)
}

// CheckpointFromContext extracts the checkpoint ID from context.
func CheckpointFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(checkpointCtxKey{}).(string); ok {
		return c
	}
	return ""
}

// WithCheckpoint adds the checkpoint ID to context.
// Panics if checkpointID is empty or contains invalid characters.
func WithCheckpoint(ctx context.Context, checkpointID string) context.Context {
	if err := validateID(checkpointID, "checkpointID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, checkpointCtxKey{}, checkpointID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
