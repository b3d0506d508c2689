package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep keys consistent.
const (
	// Identity and context
	FieldTaskCode  = "task_code"
	FieldTitle     = "title"
	FieldSessionID = "session_id"

	// Components
	FieldComponent = "component"

	// Processes
	FieldPID        = "pid"
	FieldInvocation = "invocation"
	FieldPlatform   = "platform"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount    = "count"
	FieldAttempts = "attempts"

	// Status
	FieldStatus = "status"

	// Files and paths
	FieldFile = "file"
	FieldPath = "path"

	FieldSymbol = "symbol" // log marker glyph (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	taskCodeKey  contextKey = "logger_task_code"
	sessionIDKey contextKey = "logger_session_id"
)

// WithTaskCode adds a task code to the context for logging
func WithTaskCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, taskCodeKey, code)
}

// WithSessionID adds a listener session ID to the context for logging
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if code, ok := ctx.Value(taskCodeKey).(string); ok && code != "" {
		fields = append(fields, FieldTaskCode, code)
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldSessionID, id)
	}
	return fields
}

// FromContext returns l enriched with the fields carried by ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection:
//
//	listener := schedule.NewListener(svc, procs, cfg, logger.ComponentLogger("pulse.listen"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
