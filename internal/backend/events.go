package backend

// Event is a backend notification delivered to the subscribed sink. The
// concrete types below are the only implementations.
type Event interface {
	isEvent()
}

// StateEvent reports an inferior state transition.
type StateEvent struct {
	State ProcessState
	// Restarted marks a stop that is part of an internal restart and must
	// not be reported to the client.
	Restarted bool
	ExitCode  int
}

// BreakpointEvent reports a breakpoint object change.
type BreakpointEvent struct {
	Kind BreakpointEventKind
	ID   int
}

// OutputEvent signals that inferior output is available on a stream. The
// consumer drains the stream; the event carries no data.
type OutputEvent struct {
	Stream Stream
}

func (StateEvent) isEvent()      {}
func (BreakpointEvent) isEvent() {}
func (OutputEvent) isEvent()     {}

// ProcessState classifies an inferior state transition.
type ProcessState int

const (
	StateRunning ProcessState = iota
	StateStopped
	StateCrashed
	StateExited
	StateDetached
)

// String returns a string representation of the state.
func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateExited:
		return "exited"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// BreakpointEventKind classifies a breakpoint change.
type BreakpointEventKind int

const (
	BreakpointAdded BreakpointEventKind = iota
	BreakpointLocationsResolved
	BreakpointRemoved
)

// String returns a string representation of the kind.
func (k BreakpointEventKind) String() string {
	switch k {
	case BreakpointAdded:
		return "added"
	case BreakpointLocationsResolved:
		return "locations-resolved"
	case BreakpointRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Stream identifies an inferior output stream.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

// String returns the protocol category name for the stream.
func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// StopReason classifies why a thread stopped, as the backend reports it.
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonBreakpoint
	StopReasonWatchpoint
	StopReasonStep
	StopReasonSignal
	StopReasonException
	StopReasonExec
	StopReasonUnknown
)

// String returns a string representation of the reason.
func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonStep:
		return "step"
	case StopReasonSignal:
		return "signal"
	case StopReasonException:
		return "exception"
	case StopReasonExec:
		return "exec"
	default:
		return "unknown"
	}
}

// HasConcreteReason reports whether the reason identifies this thread as
// the cause of a stop, rather than an incidental all-stop participant.
func (r StopReason) HasConcreteReason() bool {
	return r != StopReasonNone
}
