// Package logging provides the package-level zerolog.Logger used for the
// "logged repair" paths the spec calls for (a corrupt container body is
// treated as empty rather than failing the whole store, but the repair
// is not silent).
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// L returns the current logger. Safe for concurrent use.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &log
}

// SetLogger replaces the package logger, e.g. to redirect to JSON output
// or a different writer. Intended for host binaries embedding this module.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}
