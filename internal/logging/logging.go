// Package logging configures zerolog the way RedClaus-cortex/core does:
// one process-wide logger, per-component child loggers attached via
// Component, structured fields instead of formatted strings.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	global zerolog.Logger
)

func init() {
	global = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
}

// Configure replaces the global logger's level and output. Passing a nil
// writer keeps the current output; this is the ambient-logging analogue of
// RedClaus-cortex's logging.SetLevel / logging.DisableConsoleOutput.
func Configure(level zerolog.Level, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		global = global.Level(level)
		return
	}
	global = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

// Global returns the process-wide logger.
func Global() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Component returns a child logger tagged with the given component name,
// mirroring the {component} field RedClaus-cortex attaches per subsystem.
func Component(name string) zerolog.Logger {
	return Global().With().Str("component", name).Logger()
}
