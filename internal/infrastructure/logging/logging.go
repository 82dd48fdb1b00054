// Package logging implements service.Logger on top of zap's sugared
// logger.
package logging

import (
	"context"

	"go.uber.org/zap"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// WithRequestID attaches a request id to ctx so a logger built via
// WithContext picks it up automatically.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// Logger wraps a zap.SugaredLogger to satisfy domainservice.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. In production mode logs are JSON-encoded; otherwise
// a human-readable console encoder is used.
func New(production bool) (*Logger, error) {
	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: z.Sugar()}, nil
}

func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

func (l *Logger) With(args ...any) domainservice.Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

func (l *Logger) WithContext(ctx context.Context) domainservice.Logger {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return l.With("request_id", id)
	}
	return l
}

// Sync flushes any buffered log entries. Call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
