package logger

import (
	"bytes"
	"io"
	"sync"
)

type MutexWriter struct {
	underlying io.Writer
	mu         *sync.Mutex
}

func NewMutexWriter(underlying io.Writer) MutexWriter {
	return MutexWriter{
		underlying: underlying,
		mu:         &sync.Mutex{},
	}
}

func (w MutexWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.underlying.Write(b)
}

// A logger that puts a prefix at the start of every line, for
// interleaving the output of several subprocesses in one log.
type prefixedLogger struct {
	Logger
	prefix string

	mu          *sync.Mutex
	atLineStart *bool
}

func NewPrefixedLogger(prefix string, l Logger) Logger {
	atLineStart := true
	return prefixedLogger{
		Logger:      l,
		prefix:      prefix,
		mu:          &sync.Mutex{},
		atLineStart: &atLineStart,
	}
}

func (l prefixedLogger) Write(level Level, b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out bytes.Buffer
	for len(b) > 0 {
		if *l.atLineStart {
			out.WriteString(l.prefix)
			*l.atLineStart = false
		}
		i := bytes.IndexByte(b, '\n')
		if i == -1 {
			out.Write(b)
			break
		}
		out.Write(b[:i+1])
		b = b[i+1:]
		*l.atLineStart = true
	}
	l.Logger.Write(level, out.Bytes())
}

func (l prefixedLogger) Writer(level Level) io.Writer {
	return levelWriter{l: l, level: level}
}

func (l prefixedLogger) WithFields(fields Fields) Logger {
	l.Logger = l.Logger.WithFields(fields)
	return l
}

func (l prefixedLogger) Infof(format string, a ...interface{}) {
	l.Write(InfoLvl, []byte(sprintfln(format, a...)))
}

func (l prefixedLogger) Verbosef(format string, a ...interface{}) {
	l.Write(VerboseLvl, []byte(sprintfln(format, a...)))
}

func (l prefixedLogger) Debugf(format string, a ...interface{}) {
	l.Write(DebugLvl, []byte(sprintfln(format, a...)))
}

type levelWriter struct {
	l     Logger
	level Level
}

func (w levelWriter) Write(b []byte) (int, error) {
	w.l.Write(w.level, b)
	return len(b), nil
}
