package session

import (
	"errors"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/backend/backendtest"
	"github.com/spyglass-dap/spyglass/internal/dap"
)

// scopeRefs resolves the four scope references for a frame.
func scopeRefs(t *testing.T, s *Session, frame *backendtest.FakeFrame) map[string]int {
	t.Helper()
	ref := s.handles.Create(frameNode{frame: frame}, "[1.0]", 0)
	body, err := s.handleScopes(mustRaw(t, dap.ScopesArguments{FrameID: ref}))
	require.NoError(t, err)
	out := make(map[string]int)
	for _, sc := range body.(dap.ScopesResponseBody).Scopes {
		out[sc.Name] = sc.VariablesReference
	}
	return out
}

func listVariables(t *testing.T, s *Session, ref int) []dap.Variable {
	t.Helper()
	body, err := s.handleVariables(mustRaw(t, dap.VariablesArguments{VariablesReference: ref}))
	require.NoError(t, err)
	return body.(dap.VariablesResponseBody).Variables
}

func TestScopes(t *testing.T) {
	s, _, _ := newTestSession(t)
	frame := frameWith(backendtest.Int("x", 1))
	ref := s.handles.Create(frameNode{frame: frame}, "[1.0]", 0)

	body, err := s.handleScopes(mustRaw(t, dap.ScopesArguments{FrameID: ref}))
	require.NoError(t, err)
	scopes := body.(dap.ScopesResponseBody).Scopes
	require.Len(t, scopes, 4)

	assert.Equal(t, "Local", scopes[0].Name)
	assert.Equal(t, "locals", scopes[0].PresentationHint)
	assert.False(t, scopes[0].Expensive)
	assert.Equal(t, "Static", scopes[1].Name)
	assert.Equal(t, "Global", scopes[2].Name)
	assert.True(t, scopes[2].Expensive)
	assert.Equal(t, "Registers", scopes[3].Name)
	assert.Equal(t, "registers", scopes[3].PresentationHint)
	assert.True(t, scopes[3].Expensive)

	for _, sc := range scopes {
		node, ok := s.handles.Get(sc.VariablesReference).(scopeNode)
		require.True(t, ok, sc.Name)
		assert.NotNil(t, node.frame)
	}
}

func TestScopesInvalidFrame(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.handleScopes(mustRaw(t, dap.ScopesArguments{FrameID: 999}))
	require.Error(t, err)
	assert.Equal(t, "invalid frame id 999", err.Error())
}

func TestLocalsShadowingAndReturnValue(t *testing.T) {
	s, _, _ := newTestSession(t)
	frame := frameWith(
		backendtest.Int("x", 1), // outer, shadowed
		backendtest.Int("y", 10),
		backendtest.Int("x", 2), // innermost wins
	)
	frame.Th = &backendtest.FakeThread{TID: 1, Index: 1, RetValue: backendtest.Int("", 99)}

	vars := listVariables(t, s, scopeRefs(t, s, frame)["Local"])
	require.Len(t, vars, 3)

	assert.Equal(t, "[return value]", vars[0].Name)
	assert.Equal(t, "99", vars[0].Value)
	assert.Empty(t, vars[0].EvaluateName, "pseudo variables have no watch expression")

	assert.Equal(t, "x", vars[1].Name)
	assert.Equal(t, "2", vars[1].Value, "the innermost definition shadows, in the outer position")
	assert.Equal(t, "x", vars[1].EvaluateName)
	assert.Equal(t, "y", vars[2].Name)
}

func TestStaticsSplitFromLocals(t *testing.T) {
	s, _, _ := newTestSession(t)
	static := backendtest.Int("g_mode", 1)
	static.Static = true
	frame := frameWith(backendtest.Int("x", 2), static)
	refs := scopeRefs(t, s, frame)

	locals := listVariables(t, s, refs["Local"])
	require.Len(t, locals, 1)
	assert.Equal(t, "x", locals[0].Name)

	statics := listVariables(t, s, refs["Static"])
	require.Len(t, statics, 1)
	assert.Equal(t, "g_mode", statics[0].Name)
}

func TestRegistersScope(t *testing.T) {
	s, _, _ := newTestSession(t)
	frame := frameWith()
	frame.Regs = []*backendtest.FakeValue{backendtest.Int("pc", 0x1000)}

	regs := listVariables(t, s, scopeRefs(t, s, frame)["Registers"])
	require.Len(t, regs, 1)
	assert.Equal(t, "pc", regs[0].Name)
}

func TestChildVariablesAndRawView(t *testing.T) {
	s, _, _ := newTestSession(t)
	vec := &backendtest.FakeValue{
		VName: "vec", TName: "std::vector<int>", Summ: "size=2",
		Synth: true,
		Raw:   &backendtest.FakeValue{VName: "__raw", TName: "impl", Val: "0xbeef"},
		Children: []*backendtest.FakeValue{
			backendtest.Int("[0]", 10),
			backendtest.Int("[1]", 20),
		},
	}
	frame := frameWith(vec)

	locals := listVariables(t, s, scopeRefs(t, s, frame)["Local"])
	require.Len(t, locals, 1)
	assert.Equal(t, "size=2", locals[0].Value, "no scalar value falls back to the summary")
	require.NotZero(t, locals[0].VariablesReference)

	children := listVariables(t, s, locals[0].VariablesReference)
	require.Len(t, children, 3)
	assert.Equal(t, "[0]", children[0].Name)
	assert.Equal(t, "vec[0]", children[0].EvaluateName)
	assert.Equal(t, "10", children[0].Value)
	assert.Equal(t, "vec[1]", children[1].EvaluateName)

	assert.Equal(t, "[raw]", children[2].Name, "synthetic values expose their backing view")
	assert.Equal(t, "0xbeef", children[2].Value)
	assert.Empty(t, children[2].EvaluateName)
}

func TestPointerDereferenceMode(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.settings.DereferencePointers = true

	point := &backendtest.FakeValue{VName: "pt", TName: "Point", Summ: "(1, 2)",
		Children: []*backendtest.FakeValue{backendtest.Int("x", 1), backendtest.Int("y", 2)}}
	ptr := &backendtest.FakeValue{VName: "p", TName: "Point *", Val: "0x7fff0000",
		Pointer: true, IntVal: lo.ToPtr(int64(0x7fff0000)), Pointee: point}
	null := &backendtest.FakeValue{VName: "q", TName: "Point *", Val: "0x0",
		Pointer: true, IntVal: lo.ToPtr(int64(0))}
	frame := frameWith(ptr, null)

	locals := listVariables(t, s, scopeRefs(t, s, frame)["Local"])
	require.Len(t, locals, 2)

	assert.Equal(t, "(1, 2)", locals[0].Value, "pointers render through the pointee")
	require.NotZero(t, locals[0].VariablesReference)
	children := listVariables(t, s, locals[0].VariablesReference)
	require.Len(t, children, 2, "expansion goes through the pointee too")
	assert.Equal(t, "x", children[0].Name)

	assert.Equal(t, "<null>", locals[1].Value)
}

func TestPointerPlainMode(t *testing.T) {
	s, _, _ := newTestSession(t)
	point := &backendtest.FakeValue{VName: "pt", Summ: "(1, 2)"}
	ptr := &backendtest.FakeValue{VName: "p", TName: "Point *", Val: "0x7fff0000",
		Pointer: true, IntVal: lo.ToPtr(int64(0x7fff0000)), Pointee: point}
	frame := frameWith(ptr)

	locals := listVariables(t, s, scopeRefs(t, s, frame)["Local"])
	require.Len(t, locals, 1)
	assert.Equal(t, "0x7fff0000", locals[0].Value, "without dereference mode the raw pointer shows")
}

func TestEvaluateNameComposition(t *testing.T) {
	s, _, _ := newTestSession(t)
	frame := s.handles.Create(frameNode{}, "[1.0]", 0)
	locs := s.handles.Create(scopeNode{}, "[locs]", frame)
	obj := s.handles.Create(valueNode{}, "obj", locs)
	arr := s.handles.Create(valueNode{}, "items", obj)
	elem := s.handles.Create(valueNode{}, "[3]", arr)

	assert.Equal(t, "x", s.evaluateName(locs, "x"))
	assert.Equal(t, "obj.field", s.evaluateName(obj, "field"))
	assert.Equal(t, "obj.items[3]", s.evaluateName(arr, "[3]"))
	assert.Equal(t, "obj.items[3].len", s.evaluateName(elem, "len"))
	assert.Empty(t, s.evaluateName(obj, "[raw]"))
	assert.Empty(t, s.evaluateName(locs, "[return value]"))
}

func TestRenderValue(t *testing.T) {
	s, _, _ := newTestSession(t)

	null := &backendtest.FakeValue{Pointer: true, IntVal: lo.ToPtr(int64(0))}
	assert.Equal(t, "<null>", s.renderValue(null, backend.FormatDefault))

	scalar := backendtest.Int("n", 255)
	assert.Equal(t, "255", s.renderValue(scalar, backend.FormatDefault))
	assert.Equal(t, "0xff", s.renderValue(scalar, backend.FormatHex))

	summary := &backendtest.FakeValue{Summ: "hello"}
	assert.Equal(t, "hello", s.renderValue(summary, backend.FormatDefault))

	opaque := &backendtest.FakeValue{}
	assert.Equal(t, "{...}", s.renderValue(opaque, backend.FormatDefault))
}

func TestFormatPlainInt(t *testing.T) {
	assert.Equal(t, "0xff", formatPlainInt(255, backend.FormatHex))
	assert.Equal(t, "010", formatPlainInt(8, backend.FormatOctal))
	assert.Equal(t, "0b101", formatPlainInt(5, backend.FormatBinary))
	assert.Equal(t, "7", formatPlainInt(7, backend.FormatDefault))
}

func TestVariablesInvalidReference(t *testing.T) {
	s, _, _ := newTestSession(t)
	_, err := s.handleVariables(mustRaw(t, dap.VariablesArguments{VariablesReference: 999}))
	require.Error(t, err)
	assert.Equal(t, "invalid variables reference 999", err.Error())
}

func TestSetVariableInScope(t *testing.T) {
	s, _, _ := newTestSession(t)
	count := backendtest.Int("count", 7)
	frame := frameWith(count)
	locs := scopeRefs(t, s, frame)["Local"]

	body, err := s.handleSetVariable(mustRaw(t, dap.SetVariableArguments{
		VariablesReference: locs, Name: "count", Value: "42",
	}))
	require.NoError(t, err)
	out := body.(dap.SetVariableResponseBody)
	assert.Equal(t, "42", out.Value)
	assert.Equal(t, "int", out.Type)
	assert.Zero(t, out.VariablesReference)
	assert.Equal(t, "42", count.Val)
}

func TestSetVariableChild(t *testing.T) {
	s, _, _ := newTestSession(t)
	inner := backendtest.Int("a", 1)
	obj := &backendtest.FakeValue{VName: "obj", Children: []*backendtest.FakeValue{inner}}
	frame := frameWith(obj)
	locals := listVariables(t, s, scopeRefs(t, s, frame)["Local"])
	require.NotZero(t, locals[0].VariablesReference)

	_, err := s.handleSetVariable(mustRaw(t, dap.SetVariableArguments{
		VariablesReference: locals[0].VariablesReference, Name: "a", Value: "5",
	}))
	require.NoError(t, err)
	assert.Equal(t, "5", inner.Val)
}

func TestSetVariableUnknownName(t *testing.T) {
	s, _, _ := newTestSession(t)
	frame := frameWith(backendtest.Int("count", 7))
	locs := scopeRefs(t, s, frame)["Local"]

	_, err := s.handleSetVariable(mustRaw(t, dap.SetVariableArguments{
		VariablesReference: locs, Name: "zzz", Value: "1",
	}))
	require.Error(t, err)
	assert.Equal(t, `unknown variable "zzz"`, err.Error())
}

func TestSetVariableBackendError(t *testing.T) {
	s, _, _ := newTestSession(t)
	v := backendtest.Int("count", 7)
	v.SetErr = errors.New("variable is read-only")
	frame := frameWith(v)
	locs := scopeRefs(t, s, frame)["Local"]

	_, err := s.handleSetVariable(mustRaw(t, dap.SetVariableArguments{
		VariablesReference: locs, Name: "count", Value: "42",
	}))
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "variable is read-only", ue.Message)
}
