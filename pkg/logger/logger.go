package logger

import (
	"context"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Logger with controls for levels and colors.
//
// Loggers serve both as traditional loggers (each Infof call is a discrete
// entry) and as Writers for subprocess output (each Write may be a fragment
// of a larger stream). Discrete messages always end in a newline before they
// reach the underlying writer.
type Logger interface {
	// Internal details of polling loops and client calls.
	Debugf(format string, a ...interface{})

	// Details a user might want while debugging a flaky test resource.
	Verbosef(format string, a ...interface{})

	// Lifecycle milestones we always want to show.
	Infof(format string, a ...interface{})

	Warnf(format string, a ...interface{})

	Errorf(format string, a ...interface{})

	Write(level Level, bytes []byte)

	// Returns an io.Writer at the given level, e.g., for passing to a subprocess.
	Writer(level Level) io.Writer

	Level() Level

	SupportsColor() bool

	WithFields(fields Fields) Logger
}

type Level struct {
	name     string
	severity int32
}

func (l Level) String() string {
	return l.name
}

// If l is the logger level, determine if we should display
// logs of the given severity.
func (l Level) ShouldDisplay(log Level) bool {
	return l.severity <= log.severity
}

func (l Level) AsSevereAs(log Level) bool {
	return l.severity >= log.severity
}

var (
	NoneLvl    = Level{name: "none", severity: 0}
	DebugLvl   = Level{name: "debug", severity: 100}
	VerboseLvl = Level{name: "verbose", severity: 200}
	InfoLvl    = Level{name: "info", severity: 300}
	WarnLvl    = Level{name: "warn", severity: 400}
	ErrorLvl   = Level{name: "error", severity: 500}
)

type contextKey struct{}

var loggerContextKey = contextKey{}

// Get returns the logger attached to ctx.
//
// Unlike the usual pattern, a missing logger is not fatal: test resources are
// often created from helper goroutines that never had a logger attached, so
// we fall back to stderr at info level.
func Get(ctx context.Context) Logger {
	val := ctx.Value(loggerContextKey)
	if val != nil {
		return val.(Logger)
	}
	return fallback
}

var fallback = NewLogger(InfoLvl, os.Stderr)

func NewLogger(minLevel Level, writer io.Writer) Logger {
	// adapted from fatih/color
	supportsColor := true
	if os.Getenv("TERM") == "dumb" {
		supportsColor = false
	} else if file, isFile := writer.(*os.File); isFile {
		fd := file.Fd()
		supportsColor = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	w := NewMutexWriter(writer)
	return NewFuncLogger(supportsColor, minLevel, func(level Level, fields Fields, bytes []byte) error {
		_, err := w.Write(bytes)
		return err
	})
}

func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

func getColor(l Logger, c color.Attribute) *color.Color {
	color := color.New(c)
	if !l.SupportsColor() {
		color.DisableColor()
	}
	return color
}

func Blue(l Logger) *color.Color   { return getColor(l, color.FgBlue) }
func Yellow(l Logger) *color.Color { return getColor(l, color.FgYellow) }
func Green(l Logger) *color.Color  { return getColor(l, color.FgGreen) }
func Red(l Logger) *color.Color    { return getColor(l, color.FgRed) }

// Returns a context containing a logger that forks all of its output
// to both the parent context's logger and to the given `io.Writer`
func CtxWithForkedOutput(ctx context.Context, writer io.Writer) context.Context {
	l := Get(ctx)
	w := NewMutexWriter(writer)

	write := func(level Level, fields Fields, b []byte) error {
		l.Write(level, b)
		if l.Level().ShouldDisplay(level) {
			_, err := w.Write(append([]byte{}, b...))
			if err != nil {
				return err
			}
		}
		return nil
	}

	return WithLogger(ctx, NewFuncLogger(l.SupportsColor(), l.Level(), write))
}
