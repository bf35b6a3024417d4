package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// newLogger builds a production logger writing to stderr so stdout stays
// reserved for the progress line and the report.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

type zapFailureLogger struct {
	logger *zap.Logger
}

func (l zapFailureLogger) LogFailure(task string, err error) {
	if err == nil {
		return
	}
	l.logger.Warn("task failed", zap.String("task", task), zap.Error(err))
}
