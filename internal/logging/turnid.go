package logging

import "context"

type turnIDKey struct{}

// ContextWithTurnID stores the turn id in ctx so downstream log lines can be
// correlated with one agent turn.
func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	if turnID == "" {
		return ctx
	}
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnIDFromContext returns the turn id stored in ctx, if any.
func TurnIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTurnID returns a logger that prefixes lines with a turn id tag.
func WithTurnID(logger Logger, turnID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if turnID == "" {
		return logger
	}
	return &turnIDLogger{logger: logger, turnID: turnID}
}

// FromContext returns a logger tagged with the turn id found in ctx, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	return WithTurnID(logger, TurnIDFromContext(ctx))
}

type turnIDLogger struct {
	logger Logger
	turnID string
}

func (l *turnIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixTurnID(l.turnID, format), args...)
}

func (l *turnIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixTurnID(l.turnID, format), args...)
}

func (l *turnIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixTurnID(l.turnID, format), args...)
}

func (l *turnIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixTurnID(l.turnID, format), args...)
}

func prefixTurnID(turnID, format string) string {
	if turnID == "" {
		return format
	}
	return "turn=" + turnID + " " + format
}
