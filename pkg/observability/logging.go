// Package observability wires logging, tracing, and health reporting for
// the broker process.
package observability

import (
	"github.com/sirupsen/logrus"
)

// SetupLogging configures the process-wide logrus logger. Domain packages
// log through logrus directly; this is the single place its behavior is
// decided.
func SetupLogging(level, format string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}
