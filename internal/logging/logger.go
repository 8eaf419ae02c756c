// Package logging wraps zerolog into a single global logger: a package-level
// instance configured once at startup via Init, accessed everywhere else
// through package-level helper functions.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the global logger is built.
type Config struct {
	Level     string // trace, debug, info, warn, error, disabled
	Format    string // json, console
	Caller    bool
	Timestamp bool
	Output    io.Writer // defaults to os.Stdout when nil
}

// DefaultConfig returns the bridge's default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Caller:    false,
		Timestamp: true,
	}
}

var (
	mu     sync.RWMutex
	global zerolog.Logger
)

func init() {
	initLogger(DefaultConfig())
}

// Init (re)configures the global logger. Call once at process start after
// configuration has been loaded.
func Init(cfg Config) {
	initLogger(cfg)
}

func initLogger(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}

	logger := ctx.Logger().Level(parseLevel(cfg.Level))

	mu.Lock()
	global = logger
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the current global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// SetLogger overrides the global logger directly, mostly useful in tests.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// With returns a zerolog.Context seeded from the global logger.
func With() zerolog.Context {
	return Logger().With()
}

func Trace() *zerolog.Event        { l := Logger(); return l.Trace() }
func Debug() *zerolog.Event        { l := Logger(); return l.Debug() }
func Info() *zerolog.Event         { l := Logger(); return l.Info() }
func Warn() *zerolog.Event         { l := Logger(); return l.Warn() }
func Error() *zerolog.Event        { l := Logger(); return l.Error() }
func Err(err error) *zerolog.Event { l := Logger(); return l.Err(err) }

// Fatal logs at fatal level and terminates the process, for startup
// failures with no recovery path (e.g. a malformed embedded policy).
func Fatal() *zerolog.Event { l := Logger(); return l.Fatal() }

// WithComponent returns a child logger tagged with a component field, for
// per-subsystem loggers (transport, mirror, lifecycle, ...).
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}

// NewTestLogger returns a logger writing JSON to w, for use in tests that
// want to assert on log output.
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
