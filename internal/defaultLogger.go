package internal

import (
	"fmt"
	"os"
	"sync"
	"time"

	_ "code.cloudfoundry.org/go-diodes" // import for lockless writing
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

var (
	defaultLoggerOnce sync.Once
	defaultLogger     zerolog.Logger
)

// CreateDefaultLogger creates a console logger behind a diode writer. Broker callback
// goroutines log through it, so writes must never block on stdout.
func CreateDefaultLogger(level zerolog.Level) zerolog.Logger {
	wr := diode.NewWriter(os.Stdout, 1000, 10*time.Millisecond, func(missed int) {
		_, _ = fmt.Printf("Logger Dropped %d messages", missed)
	})
	return zerolog.New(zerolog.ConsoleWriter{Out: wr}).
		Level(level).
		With().
		Timestamp().
		Str("LIB", "warren").
		Logger()
}

// DefaultLogger returns the shared logger used by the amqp and roger packages when a
// caller does not supply one. Only one diode writer is ever started.
func DefaultLogger() zerolog.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = CreateDefaultLogger(zerolog.InfoLevel)
	})
	return defaultLogger
}
