// Package debug carries the library-wide trace logger. Tracing is off by
// default; set ENGINEIO_DEBUG=true or call Enable before serving traffic.
package debug

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

var logger = zerolog.Nop()

func init() {
	debugEnv, exists := os.LookupEnv("ENGINEIO_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			Enable()
		}
	}
}

// Logger returns the current trace logger. The pointer keeps level
// events chainable: zerolog's Debug and friends take a *Logger.
func Logger() *zerolog.Logger {
	return &logger
}

// Enable routes tracing to stderr at debug level.
func Enable() {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().
		Level(zerolog.DebugLevel)
}

// Disable drops all tracing.
func Disable() {
	logger = zerolog.Nop()
}

// SetLogger routes tracing through l instead of the built-in stderr writer.
// Intended to be called once at startup, before any server is created.
func SetLogger(l zerolog.Logger) {
	logger = l
}
