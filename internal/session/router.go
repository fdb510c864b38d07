package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/expr"
)

// handlerFunc processes one request's raw arguments. Returning
// errDeferred means the handler stashed the request and will complete
// the response itself later; any other outcome is responded to
// immediately.
type handlerFunc func(raw json.RawMessage) (any, error)

func (s *Session) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"initialize":              s.handleInitialize,
		"launch":                  s.handleLaunch,
		"attach":                  s.handleAttach,
		"setBreakpoints":          s.handleSetBreakpoints,
		"setFunctionBreakpoints":  s.handleSetFunctionBreakpoints,
		"setExceptionBreakpoints": s.handleSetExceptionBreakpoints,
		"configurationDone":       s.handleConfigurationDone,
		"pause":                   s.handlePause,
		"continue":                s.handleContinue,
		"next":                    s.handleNext,
		"stepIn":                  s.handleStepIn,
		"stepOut":                 s.handleStepOut,
		"stepBack":                s.handleStepBack,
		"reverseContinue":         s.handleReverseContinue,
		"threads":                 s.handleThreads,
		"stackTrace":              s.handleStackTrace,
		"source":                  s.handleSource,
		"scopes":                  s.handleScopes,
		"variables":               s.handleVariables,
		"setVariable":             s.handleSetVariable,
		"completions":             s.handleCompletions,
		"evaluate":                s.handleEvaluate,
		"disconnect":              s.handleDisconnect,
		"displaySettings":         s.handleDisplaySettings,
		"provideContent":          s.handleProvideContent,
	}
}

// dispatchRequest routes one inbound request. A handler panic becomes a
// structured error response; the session stays alive.
func (s *Session) dispatchRequest(req *dap.Request) {
	s.curReq = req
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s handler panicked: %v\n%s", req.Command, r, debug.Stack())
			s.sendErrorResponse(req, fmt.Errorf("%s: %v", req.Command, r))
		}
	}()
	h, ok := s.handlers[req.Command]
	if !ok {
		s.sendErrorResponse(req, &UserError{
			Message:   fmt.Sprintf("unsupported request %q", req.Command),
			NoConsole: true,
		})
		return
	}
	body, err := h(req.Arguments)
	switch {
	case errors.Is(err, errDeferred):
	case err != nil:
		s.sendErrorResponse(req, err)
	default:
		s.sendSuccessResponse(req, body)
	}
}

func (s *Session) sendSuccessResponse(req *dap.Request, body any) {
	resp := &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.log.Errorf("marshal %s response body: %v", req.Command, err)
			s.sendErrorResponse(req, err)
			return
		}
		resp.Body = raw
	}
	s.sendMessage(resp)
}

// Error ids reported in structured error bodies, by taxonomy class.
const (
	errorIDUser     = 1
	errorIDEval     = 2
	errorIDInternal = 3
)

// sendErrorResponse classifies err and emits a failed response. User
// errors are shown to the user and echoed to the console unless marked
// quiet; evaluation errors travel in the body only (the client renders
// them inline); anything else is internal: full detail to the log,
// generic prefix to the console.
func (s *Session) sendErrorResponse(req *dap.Request, err error) {
	var (
		ue *UserError
		ee *expr.EvalError
	)
	em := dap.ErrorMessage{Format: err.Error()}
	switch {
	case errors.As(err, &ue):
		em.ID = errorIDUser
		em.Format = ue.Message
		em.ShowUser = true
		if !ue.NoConsole {
			s.console(ue.Message + "\n")
		}
	case errors.As(err, &ee):
		em.ID = errorIDEval
		em.Format = ee.Message
	default:
		em.ID = errorIDInternal
		em.Format = internalErrorPrefix + err.Error()
		s.log.Errorf("%s failed: %v", req.Command, err)
		s.console(internalErrorPrefix + err.Error() + "\n")
	}

	resp := &dap.ErrorResponse{}
	resp.Response = dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		RequestSeq:      req.Seq,
		Success:         false,
		Command:         req.Command,
		Message:         em.Format,
	}
	resp.Body.Error = &em
	s.sendMessage(resp)
}

// nextSeq allocates an outbound sequence number. Responses and reverse
// requests consume numbers; events do not. Session goroutine only.
func (s *Session) nextSeq() int {
	s.seq++
	return s.seq
}

// sendEvent emits an event to the client. Events carry seq 0.
func (s *Session) sendEvent(name string, body any) {
	ev := &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.log.Errorf("marshal %s event: %v", name, err)
			return
		}
		ev.Body = raw
	}
	s.sendMessage(ev)
}

// console writes adapter-originated text to the client console.
func (s *Session) console(text string) {
	s.sendEvent("output", dap.OutputEventBody{Category: "console", Output: text})
}

// logOutput writes breakpoint log-message text to the client.
func (s *Session) logOutput(text string) {
	s.sendEvent("output", dap.OutputEventBody{Category: "stdout", Output: text})
}

// sendReverseRequest issues a request toward the client. done is
// invoked exactly once, on the session goroutine, when the matching
// response arrives. Pending callbacks have no timeout; disconnect drops
// them without invocation.
func (s *Session) sendReverseRequest(command string, args any, done func(*dap.Response)) {
	raw, err := json.Marshal(args)
	if err != nil {
		s.log.Errorf("marshal %s reverse request: %v", command, err)
		return
	}
	seq := s.nextSeq()
	s.pending[seq] = done
	s.sendMessage(&dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
		Arguments:       raw,
	})
}

// handleClientResponse completes a pending reverse request. A response
// nobody is waiting for is a client protocol error: logged, dropped,
// never fatal.
func (s *Session) handleClientResponse(resp *dap.Response) {
	done, ok := s.pending[resp.RequestSeq]
	if !ok {
		s.log.Warnf("unmatched response for request seq %d (%s)", resp.RequestSeq, resp.Command)
		return
	}
	delete(s.pending, resp.RequestSeq)
	done(resp)
}

func (s *Session) sendMessage(v any) {
	content, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("marshal message: %v", err)
		return
	}
	if err := s.transport.Send(&dap.Message{Content: content}); err != nil {
		s.log.Errorf("send: %v", err)
	}
}
