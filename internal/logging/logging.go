// Package logging builds the logrus logger shared by all components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

// New creates a logger from the logging configuration. The returned closer
// releases the log file when output is a file and is a no-op otherwise.
func New(cfg domain.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	var closer io.Closer = nopCloser{}
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "file":
		if cfg.Filename == "" {
			return nil, nil, fmt.Errorf("log output is file but no filename is set")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", cfg.Output)
	}

	return logger, closer, nil
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
