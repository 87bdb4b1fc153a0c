// Package logging builds the logrus loggers used across capabot.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level  string    `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string    `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=text json"`
	Output io.Writer `yaml:"-" env:"-"`
}

// New returns a logger configured from opts. Empty fields fall back to info
// level, text format and stderr.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

// Discard returns a logger that writes nothing. Library packages default to
// it so tests stay quiet.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
