package model

import (
	"runtime"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Cmd is a command to run on the host or inside a container.
type Cmd struct {
	Argv []string
	Dir  string
	Env  []string
}

func (c Cmd) IsShellStandardForm() bool {
	return len(c.Argv) == 3 && c.Argv[0] == "sh" && c.Argv[1] == "-c" && !strings.Contains(c.Argv[2], "\n")
}

func (c Cmd) IsWindowsStandardForm() bool {
	return len(c.Argv) == 4 && c.Argv[0] == "cmd" && c.Argv[1] == "/S" && c.Argv[2] == "/C"
}

func ArgListToString(args []string) string {
	return Cmd{Argv: args}.String()
}

func (c Cmd) String() string {
	if c.IsShellStandardForm() {
		return c.Argv[2]
	}

	if c.IsWindowsStandardForm() {
		return c.Argv[3]
	}

	return shellquote.Join(c.Argv...)
}

// ParseCmd splits a shell-style command line into argv without running a shell.
func ParseCmd(s string) (Cmd, error) {
	argv, err := shellquote.Split(s)
	if err != nil {
		return Cmd{}, err
	}
	return Cmd{Argv: argv}, nil
}

func (c Cmd) Empty() bool {
	return len(c.Argv) == 0
}

// WithEnv returns a copy of the command with extra KEY=VALUE entries.
func (c Cmd) WithEnv(env ...string) Cmd {
	c.Env = append(append([]string{}, c.Env...), env...)
	return c
}

// Create a shell command for running on the Host OS
func ToHostCmd(cmd string) Cmd {
	if cmd == "" {
		return Cmd{}
	}
	if runtime.GOOS == "windows" {
		return ToBatCmd(cmd)
	}
	return ToUnixCmd(cmd)
}

func ToHostCmdInDir(cmd string, dir string) Cmd {
	c := ToHostCmd(cmd)
	c.Dir = dir
	return c
}

// Named in honor of Bazel
// https://docs.bazel.build/versions/master/be/general.html#genrule.cmd_bat
func ToBatCmd(cmd string) Cmd {
	if cmd == "" {
		return Cmd{}
	}
	// cmd /S /C does not handle multi-line strings correctly;
	// the TrimSpace ensures we at least execute the first non-empty line.
	return Cmd{Argv: []string{"cmd", "/S", "/C", strings.TrimSpace(cmd)}}
}

func ToUnixCmd(cmd string) Cmd {
	if cmd == "" {
		return Cmd{}
	}

	// trim spurious spaces and execute them in shell.
	return Cmd{Argv: []string{"sh", "-c", strings.TrimSpace(cmd)}}
}
