package model

// ProcessState represents the observed execution state of a local process.
type ProcessState string

const (
	// ProcessStateRunning indicates that a process is alive and executing.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateTerminated indicates that a process is no longer executing
	// either because it exited or was terminated.
	ProcessStateTerminated ProcessState = "terminated"
)

// ProcessStatus is a snapshot of a spawned process.
type ProcessStatus struct {
	State    ProcessState
	Pid      int
	ExitCode int
	// Set when the process could not be waited on, e.g., it was killed by a signal.
	Err error
}
