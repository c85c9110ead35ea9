// Package logger builds the process-wide zap logger for Care Hub and
// provides field helpers for the identifiers that show up in every log
// line of the pipeline.
//
// Message text written by students is never logged. Log the classification
// result (category, severity, matched terms) instead.
package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	// Service is attached to every entry.
	Service string
	// Version is attached to every entry when set.
	Version string
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Level:   "info",
		Format:  "json",
		Service: "care-hub",
	}
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// New creates a logger writing to stderr.
func New(opts Options) (*zap.Logger, error) {
	if opts.Format != "" && opts.Format != "json" && opts.Format != "console" {
		return nil, fmt.Errorf("logger: unknown format %q", opts.Format)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(ParseLevel(opts.Level)))
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	if opts.Service != "" {
		l = l.With(zap.String("service", opts.Service))
	}
	if opts.Version != "" {
		l = l.With(zap.String("version", opts.Version))
	}
	return l, nil
}

// Sync flushes l, ignoring the errors stderr returns on some platforms.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && (errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)) {
		return nil
	}
	return err
}

type ctxKey struct{}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// Domain field helpers.
func UserID(id string) zap.Field        { return zap.String("user_id", id) }
func InstitutionID(id string) zap.Field { return zap.String("institution_id", id) }
func AssignmentID(id string) zap.Field  { return zap.String("assignment_id", id) }
func StaffID(id string) zap.Field       { return zap.String("staff_id", id) }
func Stage(name string) zap.Field       { return zap.String("stage", name) }
func RiskLevel(name string) zap.Field   { return zap.String("risk_level", name) }
func Category(name string) zap.Field    { return zap.String("category", name) }
func Severity(name string) zap.Field    { return zap.String("severity", name) }
func MatchedTerms(t []string) zap.Field { return zap.Strings("matched_terms", t) }
func Component(name string) zap.Field   { return zap.String("component", name) }
func Operation(name string) zap.Field   { return zap.String("operation", name) }
func Channel(name string) zap.Field     { return zap.String("channel", name) }
func Latency(d time.Duration) zap.Field { return zap.Duration("latency", d) }
func SubscriberID(id string) zap.Field  { return zap.String("subscriber_id", id) }
func RequestID(id string) zap.Field     { return zap.String("request_id", id) }
func Attempt(n int) zap.Field           { return zap.Int("attempt", n) }

