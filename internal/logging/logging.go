package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a sugared logger. format is "json" or "console"; level is any
// zap level name.
func New(level, format string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Bootstrap is the logger entrypoints use before configuration is loaded.
// It always writes JSON at info level to stderr.
func Bootstrap(component string) *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.InfoLevel,
		))
	}
	return logger.Sugar().With("component", component)
}

// MustNew is New for process entrypoints; it falls back to a production
// logger when the settings are invalid.
func MustNew(level, format, component string) *zap.SugaredLogger {
	logger, err := New(level, format)
	if err != nil {
		fallback, _ := zap.NewProduction()
		logger = fallback.Sugar()
		logger.Warnw("invalid log settings, using defaults", "error", err)
	}
	return logger.With("component", component)
}
