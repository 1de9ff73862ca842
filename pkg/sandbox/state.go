package sandbox

import "fmt"

// State is a sandbox lifecycle state.
type State string

const (
	// StateIdle is the state of a sandbox that has not been booted.
	StateIdle State = "idle"

	// StateBooting indicates the sandbox environment is being prepared.
	StateBooting State = "booting"

	// StateReady indicates the sandbox booted and holds no project yet.
	StateReady State = "ready"

	// StateBootFailed indicates the environment could not be prepared.
	// It is surfaced to the user and never retried automatically.
	StateBootFailed State = "boot_failed"

	// StateSyncing indicates project files are being written.
	StateSyncing State = "syncing"

	// StateInstalling indicates dependencies are being installed.
	StateInstalling State = "installing"

	// StateStarting indicates the start command is being spawned.
	StateStarting State = "starting"

	// StateRunning indicates the project process is running.
	StateRunning State = "running"

	// StateError indicates a pipeline step failed.
	StateError State = "error"

	// StateClosed indicates the sandbox was torn down.
	StateClosed State = "closed"
)

// transitions lists the legal successor states of each state. Error and
// Closed are handled separately.
var transitions = map[State][]State{
	StateIdle:       {StateBooting},
	StateBooting:    {StateReady, StateBootFailed},
	StateBootFailed: {StateBooting},
	StateReady:      {StateSyncing},
	StateSyncing:    {StateInstalling},
	StateInstalling: {StateStarting},
	StateStarting:   {StateRunning},
	StateRunning:    {StateSyncing},
	StateError:      {StateSyncing},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if s == StateClosed {
		return false
	}
	if next == StateClosed {
		return true
	}
	if next == StateError {
		switch s {
		case StateSyncing, StateInstalling, StateStarting, StateRunning:
			return true
		}
		return false
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether a pipeline step is in progress.
func (s State) IsActive() bool {
	switch s {
	case StateBooting, StateSyncing, StateInstalling, StateStarting:
		return true
	}
	return false
}

// Validate checks that s is a known state.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateBooting, StateReady, StateBootFailed, StateSyncing,
		StateInstalling, StateStarting, StateRunning, StateError, StateClosed:
		return nil
	}
	return fmt.Errorf("invalid sandbox state: %s", s)
}

func (s State) String() string {
	return string(s)
}
