// Package observ centralises the service's observability: the process
// logger and the Prometheus collectors the other packages record into.
package observ

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. Format is "json" (the default) or
// "text"; unknown levels fall back to info.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}
