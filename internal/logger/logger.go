package logger

import (
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Entries go to stdout and, when logDir is
// set, to logDir/app.log as well.
func New(debug bool, logDir string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.Development = true
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.LevelKey = "level"

	config.OutputPaths = []string{"stdout"}
	if logDir != "" {
		config.OutputPaths = append(config.OutputPaths, filepath.Join(logDir, "app.log"))
	}

	return config.Build()
}
