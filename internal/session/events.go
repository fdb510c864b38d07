package session

import (
	"sort"

	"github.com/samber/lo"
	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/dap"
)

// outputChunk bounds one non-blocking read of inferior output.
const outputChunk = 1024

// onBackendEvent handles one backend notification. Runs on the session
// goroutine, in delivery order.
func (s *Session) onBackendEvent(ev backend.Event) {
	switch ev := ev.(type) {
	case backend.StateEvent:
		s.onStateChange(ev)
	case backend.BreakpointEvent:
		s.onBreakpointChange(ev)
	case backend.OutputEvent:
		s.drainStream(ev.Stream)
	}
}

func (s *Session) onStateChange(ev backend.StateEvent) {
	switch ev.State {
	case backend.StateRunning:
		s.running = true
		s.sendEvent("continued", dap.ContinuedEventBody{
			ThreadID:            s.selectedThreadID(),
			AllThreadsContinued: true,
		})
	case backend.StateStopped:
		if ev.Restarted {
			return
		}
		s.running = false
		s.notifyStopped()
	case backend.StateCrashed:
		s.running = false
		s.notifyStopped()
	case backend.StateExited:
		s.running = false
		s.drainOutput()
		s.sendEvent("exited", dap.ExitedEventBody{ExitCode: ev.ExitCode})
		s.sendEvent("terminated", dap.TerminatedEventBody{})
	case backend.StateDetached:
		s.running = false
		s.sendEvent("terminated", dap.TerminatedEventBody{})
	}
}

func (s *Session) selectedThreadID() int {
	if s.process == nil {
		return 0
	}
	if t := s.process.SelectedThread(); t != nil {
		return t.ID()
	}
	return 0
}

// notifyStopped reports a stop to the client: thread lifecycle diffs
// first, then the stopped event for the resolved thread, then any
// buffered inferior output.
func (s *Session) notifyStopped() {
	if s.process == nil {
		return
	}
	s.refreshThreads()
	thread := resolveStoppedThread(s.process)
	s.sendEvent("stopped", s.stoppedBody(thread))
	s.drainOutput()
}

// resolveStoppedThread picks the thread to report as stopped: the
// backend-selected thread if it has a concrete stop reason, otherwise
// the first thread that does, which also becomes selected. All-stop
// participants report no reason of their own.
func resolveStoppedThread(proc backend.Process) backend.Thread {
	if t := proc.SelectedThread(); t != nil && t.StopReason().HasConcreteReason() {
		return t
	}
	for _, t := range proc.Threads() {
		if t.StopReason().HasConcreteReason() {
			proc.SelectThread(t.ID())
			return t
		}
	}
	return proc.SelectedThread()
}

func (s *Session) stoppedBody(thread backend.Thread) dap.StoppedEventBody {
	body := dap.StoppedEventBody{Reason: "unknown", AllThreadsStopped: true}
	if thread == nil {
		return body
	}
	body.ThreadID = thread.ID()
	switch reason := thread.StopReason(); reason {
	case backend.StopReasonBreakpoint:
		// Reason data holds (breakpoint id, location id) pairs. A hit on
		// an exception-type breakpoint reports as an exception stop.
		body.Reason = "breakpoint"
		data := thread.StopReasonData()
		for i := 0; i+1 < len(data); i += 2 {
			id := int(data[i])
			if !lo.Contains(body.HitBreakpointIds, id) {
				body.HitBreakpointIds = append(body.HitBreakpointIds, id)
			}
			if s.bps.IsExceptionBreakpoint(id) {
				body.Reason = "exception"
			}
		}
	case backend.StopReasonStep:
		body.Reason = "step"
	case backend.StopReasonNone:
	default:
		// Signals, watchpoints, target exceptions. The description is the
		// only detail the backend offers, so surface it both ways.
		body.Reason = reason.String()
		if desc := thread.StopDescription(); desc != "" {
			body.Text = desc
			s.console(desc + "\n")
		}
	}
	return body
}

// refreshThreads diffs live threads against the last reported set and
// emits thread started/exited events.
func (s *Session) refreshThreads() {
	current := make(map[int]bool)
	for _, t := range s.process.Threads() {
		current[t.ID()] = true
		if !s.knownThreads[t.ID()] {
			s.sendEvent("thread", dap.ThreadEventBody{Reason: "started", ThreadID: t.ID()})
		}
	}
	gone := lo.Reject(lo.Keys(s.knownThreads), func(id int, _ int) bool { return current[id] })
	sort.Ints(gone)
	for _, id := range gone {
		s.sendEvent("thread", dap.ThreadEventBody{Reason: "exited", ThreadID: id})
	}
	s.knownThreads = current
}

// drainStream forwards buffered inferior output from one stream, one
// event per bounded chunk, never blocking on the inferior.
func (s *Session) drainStream(stream backend.Stream) {
	if s.process == nil {
		return
	}
	read := s.process.ReadStdout
	if stream == backend.StreamStderr {
		read = s.process.ReadStderr
	}
	for {
		chunk := read(outputChunk)
		if chunk == nil {
			break
		}
		s.sendEvent("output", dap.OutputEventBody{Category: stream.String(), Output: string(chunk)})
	}
}

// drainOutput drains both streams, stdout first. Stops and exit flush
// everything regardless of which stream was last signaled.
func (s *Session) drainOutput() {
	s.drainStream(backend.StreamStdout)
	s.drainStream(backend.StreamStderr)
}

func (s *Session) onBreakpointChange(ev backend.BreakpointEvent) {
	switch ev.Kind {
	case backend.BreakpointAdded:
		if s.target == nil {
			return
		}
		bp := s.target.FindBreakpoint(ev.ID)
		if bp == nil || !s.bps.Observe(bp) {
			return
		}
		s.sendEvent("breakpoint", dap.BreakpointEventBody{
			Reason:     "new",
			Breakpoint: s.bps.Describe(ev.ID, s.resolveSource),
		})
	case backend.BreakpointLocationsResolved:
		s.sendEvent("breakpoint", dap.BreakpointEventBody{
			Reason:     "changed",
			Breakpoint: s.bps.Describe(ev.ID, s.resolveSource),
		})
	case backend.BreakpointRemoved:
		if !s.bps.Forget(ev.ID) {
			return
		}
		s.sendEvent("breakpoint", dap.BreakpointEventBody{
			Reason:     "removed",
			Breakpoint: dap.Breakpoint{ID: ev.ID},
		})
	}
}
