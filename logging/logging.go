// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger at level, writing to stderr.
func New(level logrus.Level) *logrus.Logger {
	return NewWithOutput(level, os.Stderr)
}

func NewWithOutput(level logrus.Level, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *logrus.Logger {
	return NewWithOutput(logrus.PanicLevel, io.Discard)
}
