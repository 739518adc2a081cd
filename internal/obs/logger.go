package obs

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level, JSON-encoded unless
// format is "text".
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	if strings.ToLower(format) == "text" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	return cfg.Build()
}

// WithCorrelationID returns a logger that attaches correlation_id to every
// subsequent line, the request/job-scoped identifier threaded through the
// REST layer and the worker pipeline.
func WithCorrelationID(logger *zap.Logger, id string) *zap.Logger {
	return logger.With(zap.String("correlation_id", id))
}

// Convenience typed fields.
func String(k, v string) zap.Field            { return zap.String(k, v) }
func Int(k string, v int) zap.Field           { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field         { return zap.Bool(k, v) }
func Err(err error) zap.Field                 { return zap.Error(err) }
func Duration(k string, d time.Duration) zap.Field { return zap.Duration(k, d) }
