package docker

import (
	typescontainer "github.com/docker/docker/api/types/container"
)

// Helper functions for dealing with container.State.
const ZeroTime = "0001-01-01T00:00:00Z"

func HasStarted(cState *typescontainer.State) bool {
	return cState != nil && cState.StartedAt != "" && cState.StartedAt != ZeroTime
}

func HasFinished(cState *typescontainer.State) bool {
	return cState != nil && cState.FinishedAt != "" && cState.FinishedAt != ZeroTime
}

// IsRunning is false for a nil state, e.g. a container that was never inspected.
func IsRunning(cState *typescontainer.State) bool {
	return cState != nil && cState.Running
}

func NewRunningState() *typescontainer.State {
	return &typescontainer.State{
		Status:     "running",
		Running:    true,
		StartedAt:  "2021-09-08T19:58:01.483005100Z",
		FinishedAt: ZeroTime,
	}
}

func NewExitedState(exitCode int) *typescontainer.State {
	return &typescontainer.State{
		Status:     "exited",
		ExitCode:   exitCode,
		StartedAt:  "2021-09-08T19:58:01.483005100Z",
		FinishedAt: "2021-09-08T19:58:02.811211500Z",
	}
}

// ExitCodeStopped is what a container reports after a graceful SIGTERM stop.
const ExitCodeStopped = 143
