package session

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/backend/backendtest"
	"github.com/spyglass-dap/spyglass/internal/config"
	"github.com/spyglass-dap/spyglass/internal/dap"
)

// testTransport records sent messages in memory and feeds Receive from
// a channel, so tests can inspect the wire traffic of a session.
type testTransport struct {
	mu        sync.Mutex
	sent      []json.RawMessage
	inbox     chan *dap.Message
	closeOnce sync.Once
}

func newTestTransport() *testTransport {
	return &testTransport{inbox: make(chan *dap.Message, 64)}
}

func (t *testTransport) Send(msg *dap.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg.Content)
	return nil
}

func (t *testTransport) Receive() (*dap.Message, error) {
	msg, ok := <-t.inbox
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *testTransport) Close() error {
	t.closeInbox()
	return nil
}

func (t *testTransport) closeInbox() {
	t.closeOnce.Do(func() { close(t.inbox) })
}

// push queues one inbound client message for the read loop.
func (t *testTransport) push(tb testing.TB, v any) {
	tb.Helper()
	content, err := json.Marshal(v)
	require.NoError(tb, err)
	t.inbox <- &dap.Message{Content: content}
}

// all returns every sent message so far, parsed, oldest first.
func (t *testTransport) all() []gjson.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]gjson.Result, len(t.sent))
	for i, m := range t.sent {
		out[i] = gjson.ParseBytes(m)
	}
	return out
}

func (t *testTransport) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

func (t *testTransport) responses(command string) []gjson.Result {
	return filterMessages(t.all(), "response", "command", command)
}

func (t *testTransport) events(name string) []gjson.Result {
	return filterMessages(t.all(), "event", "event", name)
}

func (t *testTransport) requests(command string) []gjson.Result {
	return filterMessages(t.all(), "request", "command", command)
}

// response returns the single response sent for command.
func (t *testTransport) response(tb testing.TB, command string) gjson.Result {
	tb.Helper()
	rs := t.responses(command)
	require.Len(tb, rs, 1, "expected exactly one %q response", command)
	return rs[0]
}

func filterMessages(msgs []gjson.Result, typ, key, want string) []gjson.Result {
	var out []gjson.Result
	for _, m := range msgs {
		if m.Get("type").String() == typ && m.Get(key).String() == want {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *testTransport, *backendtest.Fake) {
	t.Helper()
	tr := newTestTransport()
	t.Cleanup(tr.closeInbox)
	fake := backendtest.New()
	s := New(zaptest.NewLogger(t).Sugar(), tr, fake, config.Default())
	return s, tr, fake
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// doRequest routes one client request straight into the dispatcher.
// Handlers never block, so tests stay on a single goroutine; the run
// loop itself is covered by the TestRunLoop tests.
func doRequest(t *testing.T, s *Session, seq int, command string, args any) {
	t.Helper()
	req := &dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
	}
	switch a := args.(type) {
	case nil:
	case json.RawMessage:
		req.Arguments = a
	case string:
		req.Arguments = json.RawMessage(a)
	default:
		raw, err := json.Marshal(args)
		require.NoError(t, err)
		req.Arguments = raw
	}
	s.dispatchRequest(req)
}

// launched drives initialize, launch and configurationDone against the
// fake backend, leaving a running process behind.
func launched(t *testing.T, s *Session, tr *testTransport) {
	t.Helper()
	doRequest(t, s, 1, "initialize", dap.InitializeRequestArguments{ClientID: "test"})
	doRequest(t, s, 2, "launch", `{"program": "/bin/app"}`)
	doRequest(t, s, 3, "configurationDone", nil)
	require.True(t, tr.response(t, "launch").Get("success").Bool(), "launch failed")
	require.True(t, tr.response(t, "configurationDone").Get("success").Bool())
}

// stopMain flags the first thread as stopped for the given reason and
// delivers the state change to the session.
func stopMain(s *Session, fake *backendtest.Fake, reason backend.StopReason) *backendtest.FakeThread {
	th := fake.Target.Proc.Thrs[0]
	th.Reason = reason
	s.onBackendEvent(backend.StateEvent{State: backend.StateStopped})
	return th
}

func TestInitializeCapabilities(t *testing.T) {
	s, tr, _ := newTestSession(t)

	doRequest(t, s, 1, "initialize", dap.InitializeRequestArguments{ClientID: "vscode"})

	resp := tr.response(t, "initialize")
	assert.True(t, resp.Get("success").Bool())
	assert.EqualValues(t, 1, resp.Get("request_seq").Int())

	body := resp.Get("body")
	for _, cap := range []string{
		"supportsConfigurationDoneRequest",
		"supportsFunctionBreakpoints",
		"supportsConditionalBreakpoints",
		"supportsHitConditionalBreakpoints",
		"supportsEvaluateForHovers",
		"supportsStepBack",
		"supportsSetVariable",
		"supportsCompletionsRequest",
		"supportsLogPoints",
		"supportTerminateDebuggee",
	} {
		assert.True(t, body.Get(cap).Bool(), cap)
	}
	assert.Equal(t, []string{".", " "}, func() []string {
		var out []string
		for _, c := range body.Get("completionTriggerCharacters").Array() {
			out = append(out, c.String())
		}
		return out
	}())

	filters := body.Get("exceptionBreakpointFilters").Array()
	require.Len(t, filters, 3, "all filters offered before the languages are known")
	assert.Equal(t, "cpp_throw", filters[0].Get("filter").String())
	assert.True(t, filters[0].Get("default").Bool())
	assert.Equal(t, "cpp_catch", filters[1].Get("filter").String())
	assert.False(t, filters[1].Get("default").Bool())
	assert.Equal(t, "rust_panic", filters[2].Get("filter").String())
	assert.True(t, filters[2].Get("default").Bool())
}

func TestInitializeReflectsSettings(t *testing.T) {
	tr := newTestTransport()
	t.Cleanup(tr.closeInbox)
	settings := config.Default()
	settings.EvaluateForHovers = false
	settings.CommandCompletions = false
	s := New(zaptest.NewLogger(t).Sugar(), tr, backendtest.New(), settings)

	doRequest(t, s, 1, "initialize", nil)

	body := tr.response(t, "initialize").Get("body")
	assert.False(t, body.Get("supportsEvaluateForHovers").Bool())
	assert.False(t, body.Get("supportsCompletionsRequest").Bool())
}

func TestUnknownRequestRejected(t *testing.T) {
	s, tr, _ := newTestSession(t)

	doRequest(t, s, 1, "restart", nil)

	resp := tr.response(t, "restart")
	assert.False(t, resp.Get("success").Bool())
	assert.Equal(t, `unsupported request "restart"`, resp.Get("message").String())
	assert.EqualValues(t, errorIDUser, resp.Get("body.error.id").Int())
	assert.True(t, resp.Get("body.error.showUser").Bool())
	assert.Empty(t, tr.events("output"), "rejection must not echo to the console")
}

func TestHandlerPanicRecovered(t *testing.T) {
	s, tr, _ := newTestSession(t)
	s.handlers["boom"] = func(json.RawMessage) (any, error) { panic("kaboom") }

	doRequest(t, s, 1, "boom", nil)

	resp := tr.response(t, "boom")
	assert.False(t, resp.Get("success").Bool())
	assert.EqualValues(t, errorIDInternal, resp.Get("body.error.id").Int())
	format := resp.Get("body.error.format").String()
	assert.Contains(t, format, internalErrorPrefix)
	assert.Contains(t, format, "kaboom")

	outputs := tr.events("output")
	require.NotEmpty(t, outputs, "internal errors are reported to the console")
	assert.Contains(t, outputs[0].Get("body.output").String(), "kaboom")

	// The session keeps serving requests afterwards.
	doRequest(t, s, 2, "threads", nil)
	assert.True(t, tr.response(t, "threads").Get("success").Bool())
}

func TestSeqAssignment(t *testing.T) {
	s, tr, _ := newTestSession(t)
	launched(t, s, tr)

	var respSeqs []int64
	for _, m := range tr.all() {
		switch m.Get("type").String() {
		case "response":
			respSeqs = append(respSeqs, m.Get("seq").Int())
		case "event":
			assert.EqualValues(t, 0, m.Get("seq").Int(), "events do not consume sequence numbers")
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, respSeqs, "responses consume consecutive sequence numbers")

	assert.EqualValues(t, 1, tr.response(t, "initialize").Get("request_seq").Int())
	assert.EqualValues(t, 2, tr.response(t, "launch").Get("request_seq").Int())
	assert.EqualValues(t, 3, tr.response(t, "configurationDone").Get("request_seq").Int())
}

func TestReverseRequestCallbackRunsOnce(t *testing.T) {
	s, tr, _ := newTestSession(t)

	calls := 0
	s.sendReverseRequest("runInTerminal", dap.RunInTerminalRequestArguments{Kind: "integrated"}, func(*dap.Response) { calls++ })

	reqs := tr.requests("runInTerminal")
	require.Len(t, reqs, 1)
	seq := int(reqs[0].Get("seq").Int())
	require.NotZero(t, seq, "reverse requests consume sequence numbers")

	s.handleClientResponse(&dap.Response{RequestSeq: seq, Success: true})
	assert.Equal(t, 1, calls)

	// Duplicate and unmatched responses are dropped, never re-invoked.
	s.handleClientResponse(&dap.Response{RequestSeq: seq, Success: true})
	s.handleClientResponse(&dap.Response{RequestSeq: 999, Success: true})
	assert.Equal(t, 1, calls)
}

func TestBreakpointEventsGatedAtIntake(t *testing.T) {
	s, _, fake := newTestSession(t)
	bp := fake.Target.CreateBreakpointByLocation("/src/main.c", 3)

	s.bpEventsOK.Store(false)
	s.enqueueBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointAdded, ID: bp.ID()})
	assert.Empty(t, s.backendCh, "breakpoint events are dropped while the adapter mutates breakpoints")

	s.enqueueBackendEvent(backend.StateEvent{State: backend.StateRunning})
	assert.Len(t, s.backendCh, 1, "state events pass the gate")

	s.bpEventsOK.Store(true)
	s.enqueueBackendEvent(backend.BreakpointEvent{Kind: backend.BreakpointAdded, ID: bp.ID()})
	assert.Len(t, s.backendCh, 2)
}

func TestRunLoopServesUntilDisconnect(t *testing.T) {
	s, tr, fake := newTestSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: "initialize"})
	tr.push(t, dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "request"},
		Command:         "launch",
		Arguments:       json.RawMessage(`{"program": "/bin/app"}`),
	})
	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "request"}, Command: "configurationDone"})
	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 4, Type: "request"}, Command: "disconnect"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit on disconnect")
	}

	assert.True(t, tr.response(t, "disconnect").Get("success").Bool())
	assert.True(t, fake.Target.Proc.Killed, "launched processes are killed on disconnect")
	assert.False(t, fake.Target.Proc.Detached)
}

func TestRunLoopShutsDownOnConnectionLoss(t *testing.T) {
	s, tr, fake := newTestSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: "initialize"})
	tr.push(t, dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "request"},
		Command:         "launch",
		Arguments:       json.RawMessage(`{"program": "/bin/app"}`),
	})
	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "request"}, Command: "configurationDone"})
	require.Eventually(t, func() bool {
		return len(tr.responses("configurationDone")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	tr.closeInbox()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit on connection loss")
	}

	assert.True(t, fake.Target.Proc.Killed, "connection loss tears the inferior down")
}

func TestRunLoopDeliversBackendEvents(t *testing.T) {
	s, tr, fake := newTestSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"}, Command: "initialize"})
	tr.push(t, dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "request"},
		Command:         "launch",
		Arguments:       json.RawMessage(`{"program": "/bin/app"}`),
	})
	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "request"}, Command: "configurationDone"})
	require.Eventually(t, func() bool {
		return len(tr.responses("configurationDone")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fake.Target.Proc.Thrs[0].Reason = backend.StopReasonStep
	fake.Emit(backend.StateEvent{State: backend.StateStopped})

	require.Eventually(t, func() bool {
		return len(tr.events("stopped")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "step", tr.events("stopped")[0].Get("body.reason").String())

	tr.push(t, dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 4, Type: "request"}, Command: "disconnect"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not exit")
	}
}

func TestDisconnectTerminateOverride(t *testing.T) {
	s, tr, fake := newTestSession(t)
	doRequest(t, s, 1, "initialize", nil)
	doRequest(t, s, 2, "attach", `{"pid": 1234}`)
	doRequest(t, s, 3, "configurationDone", nil)
	require.True(t, tr.response(t, "attach").Get("success").Bool())

	doRequest(t, s, 4, "disconnect", `{"terminateDebuggee": true}`)

	assert.True(t, fake.Target.Proc.Killed, "explicit terminateDebuggee overrides the attach default")
	assert.False(t, fake.Target.Proc.Detached)
}

func TestDisconnectDetachesAttachedProcess(t *testing.T) {
	s, tr, fake := newTestSession(t)
	doRequest(t, s, 1, "initialize", nil)
	doRequest(t, s, 2, "attach", `{"pid": 1234}`)
	doRequest(t, s, 3, "configurationDone", nil)
	require.True(t, tr.response(t, "attach").Get("success").Bool())

	doRequest(t, s, 4, "disconnect", nil)

	assert.True(t, fake.Target.Proc.Detached, "attached processes detach by default")
	assert.False(t, fake.Target.Proc.Killed)
}
