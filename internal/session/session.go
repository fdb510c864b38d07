package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/config"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/dasm"
	"github.com/spyglass-dap/spyglass/internal/expr"
)

// Session drives one debug session between a connected client and the
// native backend. All mutable session state belongs to the goroutine
// running Run; the transport reader and the backend notifier feed it
// through channels and never touch state directly.
type Session struct {
	log       *zap.SugaredLogger
	transport dap.Transport
	backend   backend.Backend

	settings *config.Settings

	target  backend.Target
	process backend.Process

	handles  *handleTree
	srcMap   *sourceMap
	bps      *breakpointRegistry
	disasm   *dasm.Registry
	dispatch *expr.Dispatcher
	content  *contentStore

	handlers map[string]handlerFunc
	curReq   *dap.Request
	seq      int
	pending  map[int]func(*dap.Response)

	clientCh  chan clientMessage
	backendCh chan backend.Event

	// bpEventsOK gates breakpoint-change notifications at intake.
	// Cleared while a set-breakpoints request reconciles, so the
	// registry's own edits are dropped rather than echoed back to the
	// client as breakpoint events.
	bpEventsOK atomic.Bool

	launchReq       *dap.Request // deferred launch/attach, completed by configurationDone
	launchArgs      []byte       // launch configuration with defaults merged
	launchSourceMap []mapEntry   // launch-config rules, ahead of settings presets
	attaching       bool
	noDebug         bool

	terminateOnDisconnect  bool
	clientSupportsTerminal bool

	running      bool
	ended        bool
	knownThreads map[int]bool

	format         backend.Format
	defaultDialect expr.Dialect
}

// clientMessage is one parsed inbound transport message: a request to
// dispatch or a response to a reverse request.
type clientMessage struct {
	req  *dap.Request
	resp *dap.Response
}

// New wires a session over the given transport and backend. Run starts it.
func New(log *zap.SugaredLogger, transport dap.Transport, bk backend.Backend, settings *config.Settings) *Session {
	s := &Session{
		log:          log,
		transport:    transport,
		backend:      bk,
		settings:     settings,
		handles:      newHandleTree(),
		srcMap:       newSourceMap(),
		content:      newContentStore(),
		pending:      make(map[int]func(*dap.Response)),
		clientCh:     make(chan clientMessage, 16),
		backendCh:    make(chan backend.Event, 128),
		knownThreads: make(map[int]bool),
	}
	s.dispatch = expr.NewDispatcher(func() backend.Target { return s.target })
	s.dispatch.SetHTMLSink(s.displayHTML)

	s.bps = newBreakpointRegistry(s.dispatch)
	s.bps.dialect = func() expr.Dialect { return s.defaultDialect }
	s.bps.console = s.console
	s.bps.logOutput = s.logOutput
	s.bps.render = s.renderResult

	s.handlers = s.buildHandlers()
	s.bpEventsOK.Store(true)
	s.applySettings()
	return s
}

// Run processes client messages and backend events until the client
// disconnects or the connection is lost. Both endings tear down the
// inferior; connection loss uses the same cleanup as an explicit
// disconnect.
func (s *Session) Run() error {
	s.backend.Subscribe(s.enqueueBackendEvent)
	go s.readLoop()
	for {
		select {
		case m, ok := <-s.clientCh:
			if !ok {
				if !s.ended {
					s.log.Infow("client connection closed")
					s.shutdown(nil)
				}
				return nil
			}
			switch {
			case m.req != nil:
				s.dispatchRequest(m.req)
			case m.resp != nil:
				s.handleClientResponse(m.resp)
			}
			if s.ended {
				return nil
			}
		case ev := <-s.backendCh:
			s.onBackendEvent(ev)
		}
	}
}

// enqueueBackendEvent is the subscribed sink; the backend calls it from
// its notifier thread.
func (s *Session) enqueueBackendEvent(ev backend.Event) {
	if _, ok := ev.(backend.BreakpointEvent); ok && !s.bpEventsOK.Load() {
		return
	}
	s.backendCh <- ev
}

// readLoop parses transport messages and forwards them to the run loop.
// Closing the channel signals connection loss.
func (s *Session) readLoop() {
	defer close(s.clientCh)
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			s.log.Debugw("transport closed", "error", err)
			return
		}
		var pm dap.ProtocolMessage
		if err := json.Unmarshal(msg.Content, &pm); err != nil {
			s.log.Warnw("undecodable message", "error", err)
			continue
		}
		switch pm.Type {
		case "request":
			var req dap.Request
			if err := json.Unmarshal(msg.Content, &req); err != nil {
				s.log.Warnw("undecodable request", "error", err)
				continue
			}
			s.clientCh <- clientMessage{req: &req}
		case "response":
			var resp dap.Response
			if err := json.Unmarshal(msg.Content, &resp); err != nil {
				s.log.Warnw("undecodable response", "error", err)
				continue
			}
			s.clientCh <- clientMessage{resp: &resp}
		default:
			s.log.Warnw("unexpected message type", "type", pm.Type)
		}
	}
}

func (s *Session) handleInitialize(raw json.RawMessage) (any, error) {
	var args dap.InitializeRequestArguments
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, userErrorf("malformed initialize arguments: %s", err)
		}
	}
	s.clientSupportsTerminal = args.SupportsRunInTerminalRequest

	// Before launch the source languages are unknown, so every filter is
	// offered; setExceptionBreakpoints narrows by the launch config.
	filters := lo.Map(filtersForLanguages(nil), func(f exceptionFilter, _ int) dap.ExceptionBreakpointFilter {
		return dap.ExceptionBreakpointFilter{Filter: f.id, Label: f.label, Default: f.dflt}
	})
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsFunctionBreakpoints:       true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         s.settings.EvaluateForHovers,
		SupportsStepBack:                  true,
		SupportsSetVariable:               true,
		SupportsCompletionsRequest:        s.settings.CommandCompletions,
		CompletionTriggerCharacters:       []string{".", " "},
		SupportsLogPoints:                 true,
		SupportTerminateDebuggee:          true,
		ExceptionBreakpointFilters:        filters,
	}, nil
}

func (s *Session) handleDisconnect(raw json.RawMessage) (any, error) {
	var args dap.DisconnectArguments
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, userErrorf("malformed disconnect arguments: %s", err)
		}
	}
	s.shutdown(args.TerminateDebuggee)
	s.ended = true
	return nil, nil
}

// shutdown tears the inferior down. Launched processes are killed by
// default, attached ones detached; the client may override either way.
// Pending reverse-request callbacks are dropped without invocation.
func (s *Session) shutdown(terminateOverride *bool) {
	terminate := s.terminateOnDisconnect
	if terminateOverride != nil {
		terminate = *terminateOverride
	}
	if err := s.runCommandHook("exitCommands"); err != nil {
		s.log.Warnw("exit commands failed", "error", err)
	}
	if s.process != nil {
		var err error
		if terminate {
			err = s.process.Kill()
		} else {
			err = s.process.Detach()
		}
		if err != nil {
			s.log.Warnw("inferior teardown failed", "terminate", terminate, "error", err)
		}
		s.process = nil
	}
	s.dispatch.Close()
}

// applySettings recomputes the derived state that tracks the settings:
// effective display format, default expression dialect, source map.
// Launch-config remap rules precede the settings presets, first match
// wins.
func (s *Session) applySettings() {
	s.format = displayFormat(s.settings.DisplayFormat)
	if d, err := expr.ParseDialect(s.settings.Expressions); err == nil {
		s.defaultDialect = d
	}
	entries := append([]mapEntry(nil), s.launchSourceMap...)
	entries = append(entries, lo.Map(s.settings.SourceMap, func(e config.SourceMapEntry, _ int) mapEntry {
		return mapEntry{From: e.From, Local: e.To}
	})...)
	s.srcMap.Configure(entries)
	s.srcMap.suppressMissing = s.settings.SuppressMissingSources
}

func displayFormat(name string) backend.Format {
	switch name {
	case "hex":
		return backend.FormatHex
	case "decimal":
		return backend.FormatDecimal
	case "binary":
		return backend.FormatBinary
	default:
		return backend.FormatDefault
	}
}

// resolveSource maps a backend file spec to a client-visible path.
// ok=false means the source must not be surfaced and callers fall back
// to a disassembly view.
func (s *Session) resolveSource(spec backend.FileSpec) (string, bool) {
	return s.srcMap.Resolve(spec)
}

// currentFrame is the selected thread's top frame when stopped, or nil.
func (s *Session) currentFrame() backend.Frame {
	if s.process == nil || s.running {
		return nil
	}
	t := s.process.SelectedThread()
	if t == nil || t.FrameCount() == 0 {
		return nil
	}
	return t.Frame(0)
}

func (s *Session) requireProcess() (backend.Process, error) {
	if s.process == nil {
		return nil, &UserError{Message: "no debuggee process"}
	}
	return s.process, nil
}

// runCommandHook executes one launch-config command list (initCommands,
// preRunCommands, exitCommands) through the backend interpreter, echoing
// output to the console. The first failing command aborts the hook.
func (s *Session) runCommandHook(key string) error {
	if len(s.launchArgs) == 0 {
		return nil
	}
	for _, cmd := range gjson.GetBytes(s.launchArgs, key).Array() {
		out, err := s.backend.ExecCommand(cmd.String(), s.currentFrame())
		if out != "" {
			s.console(ensureTrailingNewline(out))
		}
		if err != nil {
			return userErrorf("command %q failed: %s", cmd.String(), err)
		}
	}
	return nil
}

func ensureTrailingNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		return s + "\n"
	}
	return s
}

// displayHTML stores script-provided content and asks the client to
// render it. Scripts may trigger this from breakpoint conditions, hence
// the thread-safe content store.
func (s *Session) displayHTML(html, title string, reveal bool) {
	if title == "" {
		title = "Debugger"
	}
	s.content.Put("debugger/"+title, html)
	s.sendEvent("displayHtml", dap.DisplayHTMLEventBody{HTML: html, Title: title, Reveal: reveal})
}

// contentStore holds content served through provideContent, keyed by a
// URI-shaped name.
type contentStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newContentStore() *contentStore {
	return &contentStore{m: make(map[string]string)}
}

func (c *contentStore) Put(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = content
}

func (c *contentStore) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.m[key]
	return content, ok
}
