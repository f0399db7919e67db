package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration for the logger
type Config struct {
	Environment string
	LogLevel    string
	ServiceName string
	NodeID      string
}

type contextKey string

const connIDKey = contextKey("conn_id")

// New creates a JSON zap logger tagged with the service, environment and node.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.NodeID == "" {
		cfg.NodeID, _ = os.Hostname()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:            level,
		Development:      cfg.Environment == "development",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return log.With(
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.String("node", cfg.NodeID),
	), nil
}

// WithConnID stores a connection id on the context so log lines emitted deeper
// in the call chain can be correlated with the websocket session.
func WithConnID(ctx context.Context, connID string) context.Context {
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connIDKey, connID)
}

// FromContext returns base annotated with the connection id carried by ctx, if any.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if id, ok := ctx.Value(connIDKey).(string); ok && id != "" {
		return base.With(zap.String("conn_id", id))
	}
	return base
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("unknown log level %q", level)
	}
}
