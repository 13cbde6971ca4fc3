package logger

import (
	"fmt"
	"io"
)

// A logger that writes all of its messages to `write`
type funcLogger struct {
	supportsColor bool
	level         Level
	fields        Fields
	write         func(level Level, fields Fields, b []byte) error
}

var _ Logger = funcLogger{}

func NewFuncLogger(supportsColor bool, level Level, write func(level Level, fields Fields, b []byte) error) Logger {
	return funcLogger{supportsColor: supportsColor, level: level, write: write}
}

func (l funcLogger) Level() Level {
	return l.level
}

func (l funcLogger) Infof(format string, a ...interface{}) {
	l.writeMessage(InfoLvl, format, a...)
}

func (l funcLogger) Verbosef(format string, a ...interface{}) {
	l.writeMessage(VerboseLvl, format, a...)
}

func (l funcLogger) Debugf(format string, a ...interface{}) {
	l.writeMessage(DebugLvl, format, a...)
}

func (l funcLogger) Warnf(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	l.Write(WarnLvl, []byte(Yellow(l).Sprint("WARNING: ")+msg+"\n"))
}

func (l funcLogger) Errorf(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	l.Write(ErrorLvl, []byte(Red(l).Sprint("ERROR: ")+msg+"\n"))
}

func (l funcLogger) writeMessage(level Level, format string, a ...interface{}) {
	l.Write(level, []byte(sprintfln(format, a...)))
}

func sprintfln(format string, a ...interface{}) string {
	return fmt.Sprintf(format+"\n", a...)
}

// Write drops anything below the logger's level.
func (l funcLogger) Write(level Level, bytes []byte) {
	if !l.level.ShouldDisplay(level) {
		return
	}
	_ = l.write(level, l.fields, bytes)
}

func (l funcLogger) WithFields(fields Fields) Logger {
	l.fields = l.fields.merge(fields)
	return l
}

type funcLoggerWriter struct {
	l     funcLogger
	level Level
}

var _ io.Writer = funcLoggerWriter{}

func (fw funcLoggerWriter) Write(b []byte) (int, error) {
	fw.l.Write(fw.level, b)
	return len(b), nil
}

func (l funcLogger) Writer(level Level) io.Writer {
	return funcLoggerWriter{l, level}
}

func (l funcLogger) SupportsColor() bool {
	return l.supportsColor
}
