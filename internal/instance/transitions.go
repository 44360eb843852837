package instance

import "github.com/nimbusforge/gpuorch/pkg/gpuinstance"

// transitions encodes the allowed InstanceStatus graph. Anything not listed
// here is rejected by Store.UpdateStatus with a Validation error.
var transitions = map[gpuinstance.InstanceStatus][]gpuinstance.InstanceStatus{
	gpuinstance.StatusCreating: {
		gpuinstance.StatusCreated,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusCreated: {
		gpuinstance.StatusStarting,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusStarting: {
		gpuinstance.StatusRunning,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusRunning: {
		gpuinstance.StatusHealthChecking,
		gpuinstance.StatusStopping,
		gpuinstance.StatusExited,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusHealthChecking: {
		gpuinstance.StatusReady,
		gpuinstance.StatusFailed,
		gpuinstance.StatusStopping,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusReady: {
		gpuinstance.StatusStopping,
		gpuinstance.StatusExited,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusStopping: {
		gpuinstance.StatusStopped,
		gpuinstance.StatusFailed,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusStopped: {
		gpuinstance.StatusStarting,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusExited: {
		gpuinstance.StatusStarting,
		gpuinstance.StatusTerminated,
	},
	gpuinstance.StatusFailed:     {},
	gpuinstance.StatusTerminated: {},
}

// canTransition reports whether from -> to is an allowed edge, or a no-op
// (from == to, always allowed: re-observing the same status from a sync is
// not a transition).
func canTransition(from, to gpuinstance.InstanceStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
