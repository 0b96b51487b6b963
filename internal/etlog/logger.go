// Package etlog builds the process logger and the per-source log helpers
// shared by every loader.
package etlog

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. format is "json" (production encoder) or
// "console"; level is any zap level name.
func New(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// LogRequest logs an outbound request to a source.
func LogRequest(log *zap.Logger, source, method, url string, params map[string]any) {
	fields := []zap.Field{zap.String("source", source), zap.String("method", method), zap.String("url", url)}
	if len(params) > 0 {
		fields = append(fields, zap.Any("params", params))
	}
	log.Debug("request", fields...)
}

// LogResponse logs a response received from a source.
func LogResponse(log *zap.Logger, source string, statusCode int, duration time.Duration, resultCount int) {
	log.Info("response",
		zap.String("source", source),
		zap.Int("status", statusCode),
		zap.Int64("duration_ms", duration.Milliseconds()),
		zap.Int("results", resultCount),
	)
}

// LogError logs a failed operation against a source.
func LogError(log *zap.Logger, source, operation string, err error) {
	log.Error("operation failed",
		zap.String("source", source),
		zap.String("op", operation),
		zap.Error(err),
	)
}

// LogTransform logs a reshape step (filter, pivot, join).
func LogTransform(log *zap.Logger, source string, inputCount, outputCount int, duration time.Duration) {
	log.Info("transformed",
		zap.String("source", source),
		zap.Int("in", inputCount),
		zap.Int("out", outputCount),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}

// LogUpsert logs rows written for an area.
func LogUpsert(log *zap.Logger, source, area string, count int64, duration time.Duration) {
	log.Info("upserted",
		zap.String("source", source),
		zap.String("area", area),
		zap.Int64("rows", count),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
}
