package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

func TestStoppedAtBreakpoint(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	doRequest(t, s, 4, "setBreakpoints",
		`{"source": {"path": "/src/main.c"}, "breakpoints": [{"line": 5}]}`)
	bpID := int(tr.response(t, "setBreakpoints").Get("body.breakpoints.0.id").Int())
	require.NotZero(t, bpID)
	tr.clear()

	fake.Target.Proc.Thrs[0].StopAtBreakpoint(bpID)
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped})

	stopped := tr.events("stopped")
	require.Len(t, stopped, 1)
	body := stopped[0].Get("body")
	assert.Equal(t, "breakpoint", body.Get("reason").String())
	assert.EqualValues(t, 1, body.Get("threadId").Int())
	assert.True(t, body.Get("allThreadsStopped").Bool())
	ids := body.Get("hitBreakpointIds").Array()
	require.Len(t, ids, 1)
	assert.EqualValues(t, bpID, ids[0].Int())
}

func TestStoppedDeduplicatesHitIds(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	// Two locations of the same breakpoint hit at once.
	th := fake.Target.Proc.Thrs[0]
	th.Reason = backend.StopReasonBreakpoint
	th.Data = []uint64{7, 1, 7, 2}
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped})

	ids := tr.events("stopped")[0].Get("body.hitBreakpointIds").Array()
	require.Len(t, ids, 1)
	assert.EqualValues(t, 7, ids[0].Int())
}

func TestStoppedExceptionReclassified(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	doRequest(t, s, 4, "setExceptionBreakpoints", `{"filters": ["cpp_throw"]}`)
	require.Len(t, fake.Target.Breakpoints, 1)
	var excID int
	for id := range fake.Target.Breakpoints {
		excID = id
	}
	tr.clear()

	fake.Target.Proc.Thrs[0].StopAtBreakpoint(excID)
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped})

	body := tr.events("stopped")[0].Get("body")
	assert.Equal(t, "exception", body.Get("reason").String(),
		"stops on exception breakpoints reclassify")
	ids := body.Get("hitBreakpointIds").Array()
	require.Len(t, ids, 1)
	assert.EqualValues(t, excID, ids[0].Int())
}

func TestStoppedStep(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	stopMain(s, fake, backend.StopReasonStep)

	body := tr.events("stopped")[0].Get("body")
	assert.Equal(t, "step", body.Get("reason").String())
	assert.Empty(t, body.Get("text").String())
}

func TestStoppedNoReasonStaysQuiet(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	stopMain(s, fake, backend.StopReasonNone)

	body := tr.events("stopped")[0].Get("body")
	assert.Equal(t, "unknown", body.Get("reason").String())
	assert.Empty(t, body.Get("text").String())
	assert.Empty(t, tr.events("output"))
}

func TestStoppedSignalEchoesDescription(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	th := fake.Target.Proc.Thrs[0]
	th.Desc = "signal SIGSEGV: address access protected"
	stopMain(s, fake, backend.StopReasonSignal)

	body := tr.events("stopped")[0].Get("body")
	assert.Equal(t, "signal", body.Get("reason").String())
	assert.Equal(t, th.Desc, body.Get("text").String())

	outputs := tr.events("output")
	require.Len(t, outputs, 1, "the description echoes to the console")
	assert.Equal(t, "console", outputs[0].Get("body.category").String())
	assert.Equal(t, th.Desc+"\n", outputs[0].Get("body.output").String())
}

func TestStoppedSelectsCausingThread(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	proc := fake.Target.Proc
	worker := proc.AddThread(2, "worker")
	worker.Reason = backend.StopReasonStep
	tr.clear()

	// The backend-selected thread stopped with no reason of its own; the
	// report must follow the thread that caused the stop.
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped})

	body := tr.events("stopped")[0].Get("body")
	assert.EqualValues(t, 2, body.Get("threadId").Int())
	assert.Equal(t, "step", body.Get("reason").String())
	assert.Equal(t, 2, proc.Selected.TID, "the causing thread becomes selected")
}

func TestThreadLifecycleEvents(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	proc := fake.Target.Proc
	tr.clear()

	stopMain(s, fake, backend.StopReasonStep)
	threads := tr.events("thread")
	require.Len(t, threads, 1, "the first stop introduces the main thread")
	assert.Equal(t, "started", threads[0].Get("body.reason").String())
	assert.EqualValues(t, 1, threads[0].Get("body.threadId").Int())

	tr.clear()
	proc.AddThread(2, "worker")
	stopMain(s, fake, backend.StopReasonStep)
	threads = tr.events("thread")
	require.Len(t, threads, 1, "known threads are not re-announced")
	assert.Equal(t, "started", threads[0].Get("body.reason").String())
	assert.EqualValues(t, 2, threads[0].Get("body.threadId").Int())

	tr.clear()
	proc.RemoveThread(2)
	stopMain(s, fake, backend.StopReasonStep)
	threads = tr.events("thread")
	require.Len(t, threads, 1)
	assert.Equal(t, "exited", threads[0].Get("body.reason").String())
	assert.EqualValues(t, 2, threads[0].Get("body.threadId").Int())
}

func TestOutputDrainedInChunks(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	fake.Target.Proc.AppendStdout(strings.Repeat("a", 2600))
	s.onBackendEvent(backend.OutputEvent{Stream: backend.StreamStdout})

	outputs := tr.events("output")
	require.Len(t, outputs, 3)
	assert.Equal(t, "stdout", outputs[0].Get("body.category").String())
	assert.Len(t, outputs[0].Get("body.output").String(), 1024)
	assert.Len(t, outputs[1].Get("body.output").String(), 1024)
	assert.Len(t, outputs[2].Get("body.output").String(), 552)
}

func TestOutputDrainsSignaledStreamOnly(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	fake.Target.Proc.AppendStdout("hello\n")
	fake.Target.Proc.AppendStderr("oops\n")
	s.onBackendEvent(backend.OutputEvent{Stream: backend.StreamStderr})

	outputs := tr.events("output")
	require.Len(t, outputs, 1, "stdout stays buffered until its own notification")
	assert.Equal(t, "stderr", outputs[0].Get("body.category").String())
	assert.Equal(t, "oops\n", outputs[0].Get("body.output").String())

	tr.clear()
	s.onBackendEvent(backend.OutputEvent{Stream: backend.StreamStdout})
	outputs = tr.events("output")
	require.Len(t, outputs, 1)
	assert.Equal(t, "stdout", outputs[0].Get("body.category").String())
	assert.Equal(t, "hello\n", outputs[0].Get("body.output").String())
}

func TestExitDrainsPendingOutputFirst(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	fake.Target.Proc.Exit = 3
	fake.Target.Proc.AppendStdout("bye\n")
	tr.clear()

	s.onBackendEvent(backend.StateEvent{State: backend.StateExited, ExitCode: 3})

	msgs := tr.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, "output", msgs[0].Get("event").String())
	assert.Equal(t, "bye\n", msgs[0].Get("body.output").String())
	assert.Equal(t, "exited", msgs[1].Get("event").String())
	assert.EqualValues(t, 3, msgs[1].Get("body.exitCode").Int())
	assert.Equal(t, "terminated", msgs[2].Get("event").String())
}

func TestContinuedEvent(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	stopMain(s, fake, backend.StopReasonStep)
	require.False(t, s.running)
	tr.clear()

	s.onBackendEvent(backend.StateEvent{State: backend.StateRunning})

	require.True(t, s.running)
	continued := tr.events("continued")
	require.Len(t, continued, 1)
	assert.EqualValues(t, 1, continued[0].Get("body.threadId").Int())
	assert.True(t, continued[0].Get("body.allThreadsContinued").Bool())
}

func TestRestartedStopSuppressed(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	fake.Target.Proc.Thrs[0].Reason = backend.StopReasonStep
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped, Restarted: true})

	assert.Empty(t, tr.events("stopped"), "implementation stops during restart stay invisible")
	assert.True(t, s.running, "a restarted stop does not flip the run state")
}

func TestDetachedEmitsTerminated(t *testing.T) {
	s, tr, _ := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	s.onBackendEvent(backend.StateEvent{State: backend.StateDetached})

	require.Len(t, tr.events("terminated"), 1)
	assert.Empty(t, tr.events("exited"))
}

func TestBreakpointAddedObservedOnce(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	tr.clear()

	// Created behind the adapter's back, e.g. via a console command.
	bp := fake.Target.CreateBreakpointByLocation("/src/util.c", 12)
	s.onBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointAdded, ID: bp.ID()})

	events := tr.events("breakpoint")
	require.Len(t, events, 1)
	body := events[0].Get("body")
	assert.Equal(t, "new", body.Get("reason").String())
	assert.EqualValues(t, bp.ID(), body.Get("breakpoint.id").Int())
	assert.True(t, body.Get("breakpoint.verified").Bool())
	assert.Equal(t, "/src/util.c", body.Get("breakpoint.source.path").String())
	assert.EqualValues(t, 12, body.Get("breakpoint.line").Int())

	// A duplicate notification for a known breakpoint is swallowed.
	s.onBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointAdded, ID: bp.ID()})
	assert.Len(t, tr.events("breakpoint"), 1)
}

func TestBreakpointResolvedReportsChange(t *testing.T) {
	s, tr, _ := newTestSession(t)
	launched(t, s, tr)
	doRequest(t, s, 4, "setBreakpoints",
		`{"source": {"path": "/src/main.c"}, "breakpoints": [{"line": 5}]}`)
	bpID := int(tr.response(t, "setBreakpoints").Get("body.breakpoints.0.id").Int())
	tr.clear()

	s.onBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointLocationsResolved, ID: bpID})

	events := tr.events("breakpoint")
	require.Len(t, events, 1)
	assert.Equal(t, "changed", events[0].Get("body.reason").String())
	assert.True(t, events[0].Get("body.breakpoint.verified").Bool())
}

func TestBreakpointRemovedForgotten(t *testing.T) {
	s, tr, fake := newTestSession(t)
	launched(t, s, tr)
	doRequest(t, s, 4, "setBreakpoints",
		`{"source": {"path": "/src/main.c"}, "breakpoints": [{"line": 5}]}`)
	bpID := int(tr.response(t, "setBreakpoints").Get("body.breakpoints.0.id").Int())
	fake.Target.RemoveBreakpoint(bpID)
	tr.clear()

	s.onBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointRemoved, ID: bpID})

	events := tr.events("breakpoint")
	require.Len(t, events, 1)
	body := events[0].Get("body")
	assert.Equal(t, "removed", body.Get("reason").String())
	assert.EqualValues(t, bpID, body.Get("breakpoint.id").Int())

	// Unknown ids produce nothing.
	s.onBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointRemoved, ID: 999})
	assert.Len(t, tr.events("breakpoint"), 1)
}
