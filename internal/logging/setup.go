// Package logging configures the process logger and ships audit events
// off the host.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options selects level and output format.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// Setup configures the global logrus logger and installs the sanitizing
// hook. PII stays visible only when DNSGATE_ENABLE_PII_LOGGING=true at
// debug level or below.
func Setup(opts Options) (*SanitizingHook, error) {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	if opts.Output != nil {
		logrus.SetOutput(opts.Output)
	}

	enablePII := os.Getenv("DNSGATE_ENABLE_PII_LOGGING") == "true" && level >= logrus.DebugLevel
	if enablePII {
		logrus.Warn("PII logging is enabled - client addresses will appear in logs")
	}
	hook := NewSanitizingHook(enablePII)
	logrus.AddHook(hook)
	return hook, nil
}
