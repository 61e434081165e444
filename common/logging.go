// Package common provides centralized logging and error infrastructure for
// the Dossio analysis service. The logging system is built on logrus for
// structured logging with custom output handling: error messages are routed
// to stderr while other levels go to stdout, enabling proper stream
// separation for containerized deployments.
//
// Output Routing Strategy:
//
//	The system implements output routing where error-level messages are
//	directed to stderr (for immediate attention and alerting) while info,
//	debug, and warning messages go to stdout (for general log processing).
//
// Usage Patterns:
//
//	The package provides a global Logger instance used throughout the
//	service for consistent output handling and formatting:
//
//	common.Logger.WithFields(logrus.Fields{
//	    "job_id": job.ID,
//	    "card":   card.Type,
//	}).Info("card completed")
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON logrus formatters.
//
// Routing Logic:
//   - Error messages (containing "level=error" or `"level":"error"`) → stderr
//   - All other messages (info, debug, warn) → stdout
//
// Docker and Kubernetes capture stdout and stderr independently, so error
// streams can be wired to alerting while info logs feed analytics.
type OutputSplitter struct{}

// Write implements io.Writer. It examines the log line for error level
// indicators and writes to the matching OS stream.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the Dossio service. It is
// pre-configured with the OutputSplitter; services customize format and
// level from configuration at startup:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.InfoLevel)
//
// The logger is safe for concurrent use across goroutines.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the level and format names used by the logging
// configuration section. Unknown values fall back to info/text.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
