package core

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap.Logger to the framework Logger interface.
// Production deployments get JSON output; development gets console output.
type ZapLogger struct {
	logger *zap.Logger
}

// NewProductionLogger creates a JSON logger suitable for log aggregation.
// The level can be overridden with FABRIC_LOG_LEVEL (debug/info/warn/error).
func NewProductionLogger(serviceName string) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		// Building a production config only fails on invalid output paths;
		// fall back to a no-op core rather than crashing the host process.
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// NewDevelopmentLogger creates a human-readable console logger.
func NewDevelopmentLogger(serviceName string) *ZapLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	logger, err := cfg.Build(zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("FABRIC_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogger) fields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.logger.Info(msg, z.fields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]interface{}) {
	z.logger.Error(msg, z.fields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.logger.Warn(msg, z.fields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.logger.Debug(msg, z.fields(fields)...)
}

// Sync flushes buffered log entries. Call before process exit.
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}
