package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareEnvDefaults(t *testing.T) {
	l := NewLogger(DebugLvl, &bytes.Buffer{})
	assert.Equal(t, []string{
		"LINES=24",
		"COLUMNS=80",
		"FORCE_COLOR=1",
		"PYTHONUNBUFFERED=1",
	}, PrepareEnv(l, nil))
}

func TestPrepareEnvPreservesExisting(t *testing.T) {
	l := NewLogger(DebugLvl, &bytes.Buffer{})
	assert.Equal(t, []string{
		"PYTHONUNBUFFERED=",
		"COLUMNS=120",
		"LINES=24",
		"FORCE_COLOR=1",
	}, PrepareEnv(l, []string{"PYTHONUNBUFFERED=", "COLUMNS=120"}))
}

func TestPrepareEnvNoColor(t *testing.T) {
	l := NewFuncLogger(false, InfoLvl, func(level Level, fields Fields, b []byte) error { return nil })
	assert.NotContains(t, PrepareEnv(l, nil), "FORCE_COLOR=1")
}
