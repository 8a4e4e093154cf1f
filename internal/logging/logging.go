// Package logging provides structured logging via zerolog
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// SetOutput redirects all loggers created afterwards to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel adjusts the global log level for loggers created afterwards.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Level(level)
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}
