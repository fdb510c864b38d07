package session

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/samber/lo"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/dasm"
)

// prepareResume invalidates all variable handles. It must run before
// the backend is told to resume, so no request can resolve a handle
// into state that is about to change.
func (s *Session) prepareResume() {
	s.handles.Reset()
}

func (s *Session) handleContinue(json.RawMessage) (any, error) {
	proc, err := s.requireProcess()
	if err != nil {
		return nil, err
	}
	s.prepareResume()
	if err := proc.Continue(); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return dap.ContinueResponseBody{AllThreadsContinued: true}, nil
}

func (s *Session) handlePause(json.RawMessage) (any, error) {
	proc, err := s.requireProcess()
	if err != nil {
		return nil, err
	}
	if err := proc.Pause(); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return nil, nil
}

func (s *Session) handleNext(raw json.RawMessage) (any, error) {
	var args dap.NextArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed next arguments: %s", err)
	}
	thread, err := s.threadByID(args.ThreadID)
	if err != nil {
		return nil, err
	}
	s.prepareResume()
	if err := thread.StepOver(s.instructionStep(args.Granularity)); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return nil, nil
}

func (s *Session) handleStepIn(raw json.RawMessage) (any, error) {
	var args dap.StepInArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed stepIn arguments: %s", err)
	}
	thread, err := s.threadByID(args.ThreadID)
	if err != nil {
		return nil, err
	}
	s.prepareResume()
	if err := thread.StepInto(s.instructionStep(args.Granularity)); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return nil, nil
}

func (s *Session) handleStepOut(raw json.RawMessage) (any, error) {
	var args dap.StepOutArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed stepOut arguments: %s", err)
	}
	thread, err := s.threadByID(args.ThreadID)
	if err != nil {
		return nil, err
	}
	s.prepareResume()
	if err := thread.StepOut(); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return nil, nil
}

// handleStepBack steps in reverse. Reverse execution replays at
// instruction granularity, so disassembly stays on for the rest of the
// session.
func (s *Session) handleStepBack(raw json.RawMessage) (any, error) {
	var args dap.StepBackArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed stepBack arguments: %s", err)
	}
	thread, err := s.threadByID(args.ThreadID)
	if err != nil {
		return nil, err
	}
	s.settings.ShowDisassembly = "always"
	s.prepareResume()
	if err := thread.StepBack(); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return nil, nil
}

func (s *Session) handleReverseContinue(json.RawMessage) (any, error) {
	proc, err := s.requireProcess()
	if err != nil {
		return nil, err
	}
	s.prepareResume()
	if err := proc.ReverseContinue(); err != nil {
		return nil, &UserError{Message: err.Error()}
	}
	return dap.ContinueResponseBody{AllThreadsContinued: true}, nil
}

// instructionStep reports whether a step should move by instruction:
// either the client asked for it or the session is showing disassembly
// everywhere.
func (s *Session) instructionStep(granularity string) bool {
	return granularity == "instruction" || s.settings.ShowDisassembly == "always"
}

func (s *Session) threadByID(id int) (backend.Thread, error) {
	proc, err := s.requireProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(id)
	if thread == nil {
		return nil, userErrorf("unknown thread %d", id)
	}
	return thread, nil
}

func (s *Session) handleThreads(json.RawMessage) (any, error) {
	// Clients ask for threads before launch; an empty list is the
	// expected answer then.
	if s.process == nil {
		return dap.ThreadsResponseBody{Threads: []dap.Thread{}}, nil
	}
	threads := lo.Map(s.process.Threads(), func(t backend.Thread, _ int) dap.Thread {
		name := t.Name()
		if name == "" {
			name = fmt.Sprintf("Thread #%d", t.IndexID())
		}
		return dap.Thread{ID: t.ID(), Name: name}
	})
	return dap.ThreadsResponseBody{Threads: threads}, nil
}

func (s *Session) handleStackTrace(raw json.RawMessage) (any, error) {
	var args dap.StackTraceArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed stackTrace arguments: %s", err)
	}
	thread, err := s.threadByID(args.ThreadID)
	if err != nil {
		return nil, err
	}
	total := thread.FrameCount()
	start := args.StartFrame
	if start < 0 || start > total {
		start = 0
	}
	end := total
	if args.Levels > 0 && start+args.Levels < end {
		end = start + args.Levels
	}
	frames := make([]dap.StackFrame, 0, end-start)
	for i := start; i < end; i++ {
		frame := thread.Frame(i)
		if frame == nil {
			continue
		}
		frames = append(frames, s.frameEntry(frame, args.ThreadID, i))
	}
	return dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: total}, nil
}

// frameEntry renders one stack frame, picking real source or a
// disassembly view by the disassembly-visibility mode.
func (s *Session) frameEntry(frame backend.Frame, threadID, index int) dap.StackFrame {
	h := s.handles.Create(frameNode{frame: frame}, fmt.Sprintf("[%d.%d]", threadID, index), 0)
	name := frame.FunctionName()
	if name == "" {
		name = fmt.Sprintf("%#x", frame.PC())
	}
	sf := dap.StackFrame{
		ID:                          h,
		Name:                        name,
		InstructionPointerReference: fmt.Sprintf("%#x", frame.PC()),
	}

	spec, line, col := frame.Location()
	local, visible := "", false
	if spec.Valid() {
		local, visible = s.resolveSource(spec)
	}
	switch {
	case visible && s.settings.ShowDisassembly != "always":
		sf.Source = &dap.Source{Name: path.Base(local), Path: local}
		sf.Line, sf.Column = line, col
	case s.settings.ShowDisassembly != "never":
		if view, err := s.disasm.ViewForAddress(frame.PC()); err == nil {
			sf.Source = disasmSource(view)
			sf.Line = view.LineForAddress(frame.PC())
			sf.Column = 1
		} else {
			s.log.Debugw("no disassembly for frame", "pc", frame.PC(), "error", err)
		}
	default:
		// Sources are suppressed and disassembly is off; report the raw
		// line so the client can at least show frame names.
		sf.Line = line
	}
	return sf
}

func disasmSource(view *dasm.View) *dap.Source {
	data, err := json.Marshal(view.AdapterData())
	if err != nil {
		data = nil
	}
	return &dap.Source{
		Name:             view.Name(),
		SourceReference:  view.SourceRef(),
		PresentationHint: "deemphasize",
		Origin:           "disassembly",
		AdapterData:      data,
	}
}

// handleSource serves disassembly listing text for synthesized sources.
func (s *Session) handleSource(raw json.RawMessage) (any, error) {
	var args dap.SourceArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed source arguments: %s", err)
	}
	ref := args.SourceReference
	if ref == 0 && args.Source != nil {
		ref = args.Source.SourceReference
	}
	if ref == 0 || s.disasm == nil {
		return nil, userErrorf("no source for reference %d", ref)
	}
	view := s.disasm.ViewByRef(ref)
	if view == nil {
		return nil, userErrorf("no source for reference %d", ref)
	}
	return dap.SourceResponseBody{Content: view.Text(), MimeType: "text/x-asm"}, nil
}
