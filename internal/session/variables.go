package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/expr"
)

type scopeKind int

const (
	scopeLocals scopeKind = iota
	scopeStatics
	scopeGlobals
	scopeRegisters
)

// Handle tree node variants. Scope and frame keys are bracketed so that
// evaluate-name composition can skip them.
type frameNode struct{ frame backend.Frame }

type scopeNode struct {
	kind  scopeKind
	frame backend.Frame
}

type valueNode struct{ value backend.Value }

func (s *Session) handleScopes(raw json.RawMessage) (any, error) {
	var args dap.ScopesArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed scopes arguments: %s", err)
	}
	node, ok := s.handles.Get(args.FrameID).(frameNode)
	if !ok {
		return nil, userErrorf("invalid frame id %d", args.FrameID)
	}

	mk := func(name, key, hint string, kind scopeKind, expensive bool) dap.Scope {
		h := s.handles.Create(scopeNode{kind: kind, frame: node.frame}, key, args.FrameID)
		return dap.Scope{Name: name, PresentationHint: hint, VariablesReference: h, Expensive: expensive}
	}
	return dap.ScopesResponseBody{Scopes: []dap.Scope{
		mk("Local", "[locs]", "locals", scopeLocals, false),
		mk("Static", "[stat]", "", scopeStatics, false),
		mk("Global", "[glob]", "", scopeGlobals, true),
		mk("Registers", "[regs]", "registers", scopeRegisters, true),
	}}, nil
}

func (s *Session) handleVariables(raw json.RawMessage) (any, error) {
	var args dap.VariablesArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed variables arguments: %s", err)
	}
	switch node := s.handles.Get(args.VariablesReference).(type) {
	case scopeNode:
		return dap.VariablesResponseBody{Variables: s.scopeVariables(node, args.VariablesReference)}, nil
	case valueNode:
		return dap.VariablesResponseBody{Variables: s.childVariables(node.value, args.VariablesReference)}, nil
	default:
		return nil, userErrorf("invalid variables reference %d", args.VariablesReference)
	}
}

// scopeVariables lists one scope. Locals deduplicate shadowed names
// keeping the innermost definition, and gain a "[return value]" entry
// right after a step-out captured one.
func (s *Session) scopeVariables(node scopeNode, parent int) []dap.Variable {
	values := s.scopeValuesByName(node)

	out := make([]dap.Variable, 0, len(values)+1)
	if node.kind == scopeLocals {
		if thread := node.frame.Thread(); thread != nil {
			if ret := thread.ReturnValue(); ret != nil {
				out = append(out, s.makeVariable(ret, "[return value]", parent))
			}
		}
	}
	for _, v := range values {
		out = append(out, s.makeVariable(v, v.Name(), parent))
	}
	return out
}

// dedupeShadowed keeps one entry per name. The backend reports outer
// scopes first, so a later duplicate is the innermost definition and
// replaces the earlier one in place.
func dedupeShadowed(values []backend.Value) []backend.Value {
	index := make(map[string]int, len(values))
	out := values[:0:0]
	for _, v := range values {
		if at, seen := index[v.Name()]; seen {
			out[at] = v
			continue
		}
		index[v.Name()] = len(out)
		out = append(out, v)
	}
	return out
}

// childVariables expands one composite value. In pointer-dereference
// mode pointers expand through their pointee; synthetic values get an
// extra "[raw]" child exposing the unformatted view.
func (s *Session) childVariables(v backend.Value, parent int) []dap.Variable {
	expand := v
	if s.settings.DereferencePointers && v.IsPointer() {
		if pointee := v.Dereference(); pointee != nil {
			expand = pointee
		}
	}
	n := expand.NumChildren()
	out := make([]dap.Variable, 0, n+1)
	for i := 0; i < n; i++ {
		child := expand.ChildAt(i)
		if child == nil {
			continue
		}
		out = append(out, s.makeVariable(child, child.Name(), parent))
	}
	if v.IsSynthetic() {
		raw := v.NonSynthetic()
		if raw != nil {
			out = append(out, s.makeVariable(raw, "[raw]", parent))
		}
	}
	return out
}

// makeVariable renders one value and allocates a child handle when the
// value can expand.
func (s *Session) makeVariable(v backend.Value, name string, parent int) dap.Variable {
	ref := 0
	if expandable(v) {
		ref = s.handles.Create(valueNode{value: v}, name, parent)
	}
	return dap.Variable{
		Name:               name,
		Value:              s.renderValue(v, s.format),
		Type:               v.TypeName(),
		EvaluateName:       s.evaluateName(parent, name),
		VariablesReference: ref,
	}
}

func expandable(v backend.Value) bool {
	if v.NumChildren() > 0 {
		return true
	}
	return v.IsPointer() || v.IsSynthetic()
}

// evaluateName composes the watch expression naming this value: the
// parent handle's path with bracketed bookkeeping segments dropped,
// then the member name.
func (s *Session) evaluateName(parent int, name string) string {
	if strings.HasPrefix(name, "[") && !isIndexSegment(name) {
		return ""
	}
	var segs []string
	if parent != 0 {
		if _, path := s.handles.Path(parent); path != nil {
			segs = path
		}
	}
	segs = append(segs, name)
	var b strings.Builder
	for _, seg := range segs {
		switch {
		case seg == "" || (strings.HasPrefix(seg, "[") && !isIndexSegment(seg)):
			continue
		case strings.HasPrefix(seg, "["):
			b.WriteString(seg)
		case b.Len() == 0:
			b.WriteString(seg)
		default:
			b.WriteByte('.')
			b.WriteString(seg)
		}
	}
	return b.String()
}

// isIndexSegment distinguishes array-child names like "[3]" from
// bookkeeping keys like "[locs]".
func isIndexSegment(seg string) bool {
	if len(seg) < 3 || seg[0] != '[' || seg[len(seg)-1] != ']' {
		return false
	}
	for _, c := range seg[1 : len(seg)-1] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// renderValue is the client-facing rendering of a value: scalar in the
// requested format, else summary, else a composite placeholder. Pointer
// dereference mode renders through the pointee.
func (s *Session) renderValue(v backend.Value, format backend.Format) string {
	if v.IsPointer() {
		if i, ok := v.AsInt(); ok && i == 0 {
			return "<null>"
		}
		if s.settings.DereferencePointers && format == backend.FormatDefault {
			if pointee := v.Dereference(); pointee != nil {
				if summ := pointee.Summary(); summ != "" {
					return summ
				}
				if val := pointee.Value(format); val != "" {
					return val
				}
			}
		}
	}
	if val := v.Value(format); val != "" {
		return val
	}
	if summ := v.Summary(); summ != "" {
		return summ
	}
	return "{...}"
}

// renderResult renders an evaluation result: backend values through the
// value renderer, plain script values through their Go form.
func (s *Session) renderResult(res expr.Result) string {
	return s.renderResultFormat(res, s.format)
}

func (s *Session) renderResultFormat(res expr.Result, format backend.Format) string {
	if res.Value != nil {
		return s.renderValue(res.Value, format)
	}
	switch v := res.Plain.(type) {
	case nil:
		return "nil"
	case string:
		return v
	case int64:
		return formatPlainInt(v, format)
	default:
		return fmt.Sprint(v)
	}
}

// formatPlainInt honors a format suffix for script results that carry no
// backend value.
func formatPlainInt(v int64, format backend.Format) string {
	switch format {
	case backend.FormatHex:
		return fmt.Sprintf("%#x", v)
	case backend.FormatOctal:
		return fmt.Sprintf("%#o", v)
	case backend.FormatBinary:
		return fmt.Sprintf("%#b", v)
	default:
		return fmt.Sprintf("%d", v)
	}
}

func (s *Session) handleSetVariable(raw json.RawMessage) (any, error) {
	var args dap.SetVariableArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed setVariable arguments: %s", err)
	}

	var target backend.Value
	switch node := s.handles.Get(args.VariablesReference).(type) {
	case scopeNode:
		for _, v := range s.scopeValuesByName(node) {
			if v.Name() == args.Name {
				target = v
				break
			}
		}
	case valueNode:
		target = node.value.ChildByName(args.Name)
	default:
		return nil, userErrorf("invalid variables reference %d", args.VariablesReference)
	}
	if target == nil {
		return nil, userErrorf("unknown variable %q", args.Name)
	}
	if err := target.SetValue(args.Value); err != nil {
		return nil, &UserError{Message: err.Error()}
	}

	ref := 0
	if expandable(target) {
		ref = s.handles.Create(valueNode{value: target}, args.Name, args.VariablesReference)
	}
	return dap.SetVariableResponseBody{
		Value:              s.renderValue(target, s.format),
		Type:               target.TypeName(),
		VariablesReference: ref,
	}, nil
}

func (s *Session) scopeValuesByName(node scopeNode) []backend.Value {
	switch node.kind {
	case scopeLocals:
		return dedupeShadowed(node.frame.Variables(backend.VariableOptions{
			Arguments:   true,
			Locals:      true,
			InScopeOnly: true,
		}))
	case scopeStatics:
		return node.frame.Variables(backend.VariableOptions{Statics: true, InScopeOnly: true})
	case scopeGlobals:
		return node.frame.Variables(backend.VariableOptions{Statics: true})
	case scopeRegisters:
		return node.frame.Registers()
	default:
		return nil
	}
}
