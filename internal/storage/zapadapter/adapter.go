// Package zapadapter routes pgx logs to zap, tagged with the request and patron of the calling context.
package zapadapter

import (
	"context"
	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sort"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	profileIDKey
)

// WithRequestID returns ctx carrying the id of the HTTP request it serves
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored by WithRequestID
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// WithProfileID returns ctx carrying the profile a websocket session acts as
func WithProfileID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, profileIDKey, id)
}

// ProfileID returns the profile id stored by WithProfileID
func ProfileID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(profileIDKey).(string)
	return id, ok
}

// Fields returns the zap fields of the ids found in ctx
func Fields(ctx context.Context) []zapcore.Field {
	var fields []zapcore.Field
	if id, ok := RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ProfileID(ctx); ok {
		fields = append(fields, zap.String("profile_id", id))
	}
	return fields
}

// Logger implements pgx.Logger
type Logger struct {
	logger *zap.Logger
}

// NewLogger returns Logger writing to logger
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("pgx").WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := Fields(ctx)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, data[k]))
	}

	switch level {
	case pgx.LogLevelTrace, pgx.LogLevelDebug:
		l.logger.Debug(msg, append(fields, zap.Stringer("pgx_level", level))...)
	case pgx.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case pgx.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	case pgx.LogLevelError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Error(msg, append(fields, zap.Stringer("pgx_level", level))...)
	}
}
