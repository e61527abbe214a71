// Package logging provides structured logging for Skylark
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu          sync.Mutex
	root        zerolog.Logger
	initialized bool
)

// Init configures the root logger. The level string is one of
// "trace", "debug", "info", "warn" or "error"; anything else
// falls back to info. When console is true, output is formatted
// for humans instead of JSON.
func Init(level string, console bool) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}

	root = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	initialized = true
}

// WithComponent returns a logger scoped to a named component.
// Components are coarse subsystems like "imap-server" or "summary".
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		root = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
		initialized = true
	}
	return root.With().Str("component", name).Logger()
}
