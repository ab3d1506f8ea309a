// Package logging adapts zap to the coordinator's Logger and AuditRecorder
// interfaces.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"certchain/internal/config"
	"certchain/internal/core"
)

const callerSkipFrames = 1

var (
	_ core.Logger        = (*Logger)(nil)
	_ core.AuditRecorder = (*AuditRecorder)(nil)
)

// Logger is a sugared zap logger speaking alternating key/value pairs.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// New builds a logger from cfg: JSON in production, console in development.
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}
	base := zap.NewProductionConfig()
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
		base.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	base.Level = level
	base.DisableStacktrace = true
	built, err := base.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{sugar: built.Sugar(), level: level}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar(), level: zap.NewAtomicLevelAt(z.Level())}
}

func resolveLevel(cfg config.LogConfig) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		if cfg.Development {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var parsed zapcore.Level
	if err := parsed.Set(cfg.Level); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
	}
	return zap.NewAtomicLevelAt(parsed), nil
}

func (l *Logger) must() *zap.SugaredLogger {
	if l == nil || l.sugar == nil {
		return zap.NewNop().Sugar()
	}
	return l.sugar
}

// Debug implements core.Logger.
func (l *Logger) Debug(msg string, args ...any) { l.must().Debugw(msg, args...) }

// Info implements core.Logger.
func (l *Logger) Info(msg string, args ...any) { l.must().Infow(msg, args...) }

// Warn implements core.Logger.
func (l *Logger) Warn(msg string, args ...any) { l.must().Warnw(msg, args...) }

// Error implements core.Logger.
func (l *Logger) Error(msg string, args ...any) { l.must().Errorw(msg, args...) }

// With returns a child logger carrying args on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sugar: l.must().With(args...), level: l.level}
}

// WithContext returns a child logger tagged with the trace and span of the
// active OpenTelemetry span in ctx, or l itself when there is none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// Level returns the runtime-adjustable level.
func (l *Logger) Level() zap.AtomicLevel { return l.level }

// Zap exposes the underlying logger.
func (l *Logger) Zap() *zap.Logger { return l.must().Desugar() }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.must().Sync() }

// AuditRecorder writes coordinator audit entries as structured log lines.
type AuditRecorder struct {
	log *Logger
}

// NewAuditRecorder logs audit entries through l under the "audit" logger name.
func NewAuditRecorder(l *Logger) *AuditRecorder {
	named := &Logger{sugar: l.must().Named("audit"), level: l.level}
	return &AuditRecorder{log: named}
}

// Record implements core.AuditRecorder.
func (r *AuditRecorder) Record(ctx context.Context, e core.AuditEntry) {
	args := []any{
		"operation", e.Operation,
		"status", string(e.Status),
		"actor_id", e.ActorID,
		"role", string(e.Role),
		"duration", e.Duration,
		"at", e.Timestamp,
	}
	if e.Action != "" {
		args = append(args, "action", string(e.Action))
	}
	if e.RequestID != "" {
		args = append(args, "request_id", e.RequestID)
	}
	log := r.log.WithContext(ctx)
	if e.Status == core.AuditStatusError {
		log.Warn("coordinator operation", append(args, "error", e.Error)...)
		return
	}
	log.Info("coordinator operation", args...)
}
