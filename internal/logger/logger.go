// Package logger provides the process-wide structured logger used across
// every Plexus component. Child loggers are derived with request-scoped
// fields rather than reaching into global state per call site.
package logger

import (
	"os"
	"sync"

	"github.com/Laisky/zap"
)

// Logger is the process-wide logger, initialized by Init and safe for
// concurrent use once set.
var Logger *zap.Logger

var initOnce sync.Once

// Init builds the process-wide logger. Safe to call multiple times; only
// the first call takes effect.
func Init(debug bool) {
	initOnce.Do(func() {
		var cfg zap.Config
		if debug {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		cfg.OutputPaths = []string{"stdout"}

		lg, err := cfg.Build()
		if err != nil {
			// logger construction failing is fatal: nothing downstream can
			// report errors sanely without it.
			panic(err)
		}
		Logger = lg
	})
}

func init() {
	// Always have a usable logger even if Init is never called explicitly
	// (e.g. library consumers, tests).
	if os.Getenv("PLEXUS_DEBUG_LOG") == "1" {
		Init(true)
		return
	}
	Init(false)
}

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return Logger.With(fields...)
}
