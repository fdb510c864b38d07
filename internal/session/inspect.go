package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/samber/lo"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/config"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/expr"
)

func (s *Session) handleEvaluate(raw json.RawMessage) (any, error) {
	var args dap.EvaluateArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed evaluate arguments: %s", err)
	}
	var frame backend.Frame
	if args.FrameID != 0 {
		node, ok := s.handles.Get(args.FrameID).(frameNode)
		if !ok {
			return nil, userErrorf("invalid frame id %d", args.FrameID)
		}
		frame = node.frame
	}

	expression := args.Expression
	if args.Context == "repl" {
		command, rest, isCommand := replSplit(expression, s.settings.ConsoleMode)
		if isCommand {
			out, err := s.backend.ExecCommand(command, frame)
			if err != nil {
				return nil, &UserError{Message: err.Error(), NoConsole: true}
			}
			return dap.EvaluateResponseBody{Result: out}, nil
		}
		expression = rest
	}
	if args.Context == "hover" && !s.settings.EvaluateForHovers {
		return nil, &expr.EvalError{Message: "hover evaluation is disabled"}
	}

	base, format, hasFormat := expr.SplitFormatSuffix(expression)
	res, err := s.dispatch.Evaluate(base, frame, s.defaultDialect)
	if err != nil {
		return nil, s.evalErrorFor(args.Context, err)
	}
	renderFormat := s.format
	if hasFormat {
		renderFormat = format
	}
	body := dap.EvaluateResponseBody{Result: s.renderResultFormat(res, renderFormat)}
	if res.Value != nil {
		body.Type = res.Value.TypeName()
		if expandable(res.Value) {
			body.VariablesReference = s.handles.Create(valueNode{value: res.Value}, base, 0)
		}
	}
	return body, nil
}

// replSplit applies the console input convention. In "commands" mode
// input runs as a debugger command unless prefixed with '?'; in
// "evaluate" mode input evaluates as an expression unless prefixed with
// a backtick.
func replSplit(input, mode string) (command, expression string, isCommand bool) {
	if mode == "evaluate" {
		if rest, ok := strings.CutPrefix(input, "`"); ok {
			return rest, "", true
		}
		return "", input, false
	}
	if rest, ok := strings.CutPrefix(input, "?"); ok {
		return "", rest, false
	}
	return input, "", true
}

// evalErrorFor shapes an evaluation failure by request context: echoed
// to the console for the REPL, silent for hovers and watches. The
// structured body carries the message either way.
func (s *Session) evalErrorFor(context string, err error) error {
	var ee *expr.EvalError
	if !errors.As(err, &ee) {
		ee = &expr.EvalError{Message: err.Error()}
	}
	if context == "repl" {
		s.console(ensureTrailingNewline(ee.Message))
	}
	return ee
}

func (s *Session) handleCompletions(raw json.RawMessage) (any, error) {
	var args dap.CompletionsArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed completions arguments: %s", err)
	}
	if !s.settings.CommandCompletions {
		return dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}, nil
	}
	targets := lo.Map(s.backend.Completions(args.Text, args.Column), func(c string, _ int) dap.CompletionItem {
		return dap.CompletionItem{Label: c}
	})
	return dap.CompletionsResponseBody{Targets: targets}, nil
}

// handleDisplaySettings applies a settings overlay at runtime and
// refreshes the client's views.
func (s *Session) handleDisplaySettings(raw json.RawMessage) (any, error) {
	overlay, err := config.ParseAdapterSettings(raw)
	if err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	if err := s.settings.Apply(overlay); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	s.applySettings()
	s.refreshClientViews()
	return nil, nil
}

// refreshClientViews makes the client re-request frames and variables
// after a presentation change, via a synthetic continued/stopped event
// pair. Only meaningful while the inferior is stopped.
func (s *Session) refreshClientViews() {
	if s.process == nil || s.running {
		return
	}
	threadID := s.selectedThreadID()
	s.sendEvent("continued", dap.ContinuedEventBody{ThreadID: threadID, AllThreadsContinued: true})
	s.sendEvent("stopped", dap.StoppedEventBody{
		Reason:            "mode switch",
		ThreadID:          threadID,
		AllThreadsStopped: true,
		PreserveFocusHint: true,
	})
}

func (s *Session) handleProvideContent(raw json.RawMessage) (any, error) {
	var args dap.ProvideContentArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed provideContent arguments: %s", err)
	}
	content, ok := s.content.Get(args.URI)
	if !ok {
		return nil, userErrorf("no content for %q", args.URI)
	}
	return dap.ProvideContentResponseBody{Content: content}, nil
}
