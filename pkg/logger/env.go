package logger

import (
	"strings"
)

// PrepareEnv returns env with entries added to improve the output of a
// subprocess whose stdout/stderr is piped into l.
//
// Existing entries always win; nothing is overwritten.
func PrepareEnv(l Logger, env []string) []string {
	defaults := []struct {
		key   string
		value string
		when  bool
	}{
		// LINES and COLUMNS are posix standards.
		// https://pubs.opengroup.org/onlinepubs/9699919799/basedefs/V1_chap08.html
		{"LINES", "24", true},
		{"COLUMNS", "80", true},
		// FORCE_COLOR is common in nodejs and honored by most rust CLIs.
		{"FORCE_COLOR", "1", l.SupportsColor()},
		// Older Pythons buffer aggressively when not attached to a TTY.
		{"PYTHONUNBUFFERED", "1", true},
	}

	for _, d := range defaults {
		if !d.when || hasEnvKey(env, d.key) {
			continue
		}
		env = append(env, d.key+"="+d.value)
	}
	return env
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}
