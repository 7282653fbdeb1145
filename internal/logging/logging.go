// Package logging holds the process wide logger used by every patchbay
// subsystem.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultLogger is the base logger. Subsystems derive their own entry with
// DefaultLogger.WithField(logfields.LogSubsys, "name").
var DefaultLogger = initializeDefaultLogger()

func initializeDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// SetLogLevel parses level and applies it to DefaultLogger. Unknown levels
// are rejected and leave the current level in place.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	DefaultLogger.SetLevel(lvl)
	return nil
}

// SetLogFormat switches DefaultLogger between "text" and "json" output.
func SetLogFormat(format string) {
	switch format {
	case "json":
		DefaultLogger.SetFormatter(&logrus.JSONFormatter{})
	default:
		DefaultLogger.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
			DisableColors:    true,
		})
	}
}
