package infra

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the production logger writing JSON to cfg.Path.
// Interactive commands also log to stderr. If the file cannot be opened
// the logger falls back to stderr only.
func NewLogger(cfg LogConfig, interactive bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		config.Level = zap.NewAtomicLevelAt(level)
	}

	var outputs []string
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err == nil {
			outputs = append(outputs, cfg.Path)
		}
	}
	if interactive || len(outputs) == 0 {
		outputs = append(outputs, "stderr")
	}
	config.OutputPaths = outputs
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		config.OutputPaths = []string{"stderr"}
		logger, err = config.Build()
		if err != nil {
			return zap.NewNop()
		}
	}
	return logger
}
