package internal

import (
	"os"

	"github.com/pion/logging"
)

// NewLoggerFactory returns a factory writing to stderr at Info level, or at
// Debug level when debug is set.
func NewLoggerFactory(debug bool) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.Writer = os.Stderr
	f.DefaultLogLevel = logging.LogLevelInfo
	if debug {
		f.DefaultLogLevel = logging.LogLevelDebug
	}
	return f
}
