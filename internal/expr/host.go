package expr

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// Result is the outcome of a script-dialect evaluation: either a backend
// value (when the script resolved debuggee state) or a plain host value.
type Result struct {
	Value backend.Value
	Plain any
}

// IsValue reports whether the result wraps a backend value.
func (r Result) IsValue() bool { return r.Value != nil }

// Host runs script-dialect evaluations on a single sandboxed Lua state.
// Evaluations arrive from the session goroutine and from backend
// breakpoint callbacks, so every entry point serializes on the mutex.
type Host struct {
	mu       sync.Mutex
	L        *lua.LState
	valueMT  *lua.LTable
	env      *lua.LTable
	curFrame backend.Frame
	closed   bool
}

// NewHost creates a sandboxed host.
func NewHost() *Host {
	h := &Host{L: lua.NewState()}
	h.sandbox()
	h.valueMT = h.newValueMetatable()
	h.env = h.newEnv()
	return h
}

// Close releases the Lua state. Pending evaluations fail with ErrHostClosed.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.L.Close()
}

// SetHTMLSink installs the display_html builtin. Scripts call
// display_html(html [, title [, reveal]]) to push rendered content at
// the client. The sink may be invoked from any evaluation, including
// breakpoint condition callbacks on the backend's thread.
func (h *Host) SetHTMLSink(fn func(html, title string, reveal bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.env.RawSetString("display_html", h.L.NewFunction(func(L *lua.LState) int {
		html := L.CheckString(1)
		title := L.OptString(2, "")
		reveal := L.OptBool(3, true)
		fn(html, title, reveal)
		return 0
	}))
}

// sandbox removes load-from-disk primitives and replaces require with a
// whitelist of built-in modules. Expressions never need the io/os surface.
func (h *Host) sandbox() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "print", "io", "os", "debug", "channel"} {
		h.L.SetGlobal(name, lua.LNil)
	}

	if pkg, ok := h.L.GetGlobal("package").(*lua.LTable); ok {
		h.L.SetField(pkg, "path", lua.LString(""))
		h.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
		"bit32":  true,
		"utf8":   true,
	}

	originalRequire := h.L.GetGlobal("require")
	h.L.SetGlobal("require", h.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if !safeModules[modName] {
			L.RaiseError("module %q is not available", modName)
			return 0
		}
		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// Eval compiles and runs one script-dialect chunk in frame context.
func (h *Host) Eval(frame backend.Frame, src string) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Result{}, ErrHostClosed
	}
	fn, _, err := h.compile(src)
	if err != nil {
		return Result{}, err
	}
	return h.run(frame, fn)
}

// compile tries the chunk as an expression first, then as a statement.
// The caller holds the mutex.
func (h *Host) compile(src string) (*lua.LFunction, bool, error) {
	fn, err := h.L.LoadString("return " + src)
	if err == nil {
		return fn, true, nil
	}
	fn, err = h.L.LoadString(src)
	if err != nil {
		return nil, false, &EvalError{Message: err.Error()}
	}
	return fn, false, nil
}

// run executes a compiled chunk with the frame-variable environment
// installed. The caller holds the mutex.
func (h *Host) run(frame backend.Frame, fn *lua.LFunction) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvalError{Message: fmt.Sprintf("script panic: %v", r)}
		}
	}()

	h.curFrame = frame
	defer func() { h.curFrame = nil }()

	h.L.SetFEnv(fn, h.env)

	base := h.L.GetTop()
	h.L.Push(fn)
	if cerr := h.L.PCall(0, lua.MultRet, nil); cerr != nil {
		return Result{}, &EvalError{Message: cerr.Error()}
	}
	nret := h.L.GetTop() - base
	if nret > 0 {
		res = h.toResult(h.L.Get(base + 1))
		h.L.Pop(nret)
	}
	return res, nil
}

// newEnv builds the evaluation environment. Identifier lookups resolve
// names assigned by earlier evaluations first, then variables of the
// current frame, then sandboxed globals. Assignments land in this table
// and persist for the life of the host, which lets statement-form
// conditions keep state across hits.
func (h *Host) newEnv() *lua.LTable {
	env := h.L.NewTable()
	mt := h.L.NewTable()
	h.L.SetField(mt, "__index", h.L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(2)
		if h.curFrame != nil {
			if v := h.curFrame.FindVariable(key); v != nil {
				L.Push(h.wrapAuto(v))
				return 1
			}
		}
		L.Push(L.GetGlobal(key))
		return 1
	}))
	h.L.SetMetatable(env, mt)
	return env
}

// wrap boxes a backend value as userdata carrying the value metatable.
func (h *Host) wrap(v backend.Value) *lua.LUserData {
	ud := h.L.NewUserData()
	ud.Value = v
	h.L.SetMetatable(ud, h.valueMT)
	return ud
}

// wrapAuto surfaces plain scalars as Lua numbers so literal comparisons
// behave (Lua skips __eq when operand types differ). Pointers and
// aggregates keep their backend identity for member access.
func (h *Host) wrapAuto(v backend.Value) lua.LValue {
	if !v.IsPointer() && v.NumChildren() == 0 {
		if i, ok := v.AsInt(); ok {
			return lua.LNumber(i)
		}
		if f, ok := v.AsFloat(); ok {
			return lua.LNumber(f)
		}
	}
	return h.wrap(v)
}

// unwrap extracts a backend value from userdata, or nil.
func unwrap(lv lua.LValue) backend.Value {
	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil
	}
	v, ok := ud.Value.(backend.Value)
	if !ok {
		return nil
	}
	return v
}

// renderValue is the script-side string form of a backend value.
func renderValue(v backend.Value) string {
	if s := v.Value(backend.FormatDefault); s != "" {
		return s
	}
	if s := v.Summary(); s != "" {
		return s
	}
	return "<" + v.TypeName() + ">"
}

// asNumber coerces an operand of an arithmetic metamethod.
func (h *Host) asNumber(L *lua.LState, lv lua.LValue) float64 {
	if v := unwrap(lv); v != nil {
		if f, ok := v.AsFloat(); ok {
			return f
		}
		if i, ok := v.AsInt(); ok {
			return float64(i)
		}
		L.RaiseError("cannot convert %s to number", v.TypeName())
		return 0
	}
	if n, ok := lv.(lua.LNumber); ok {
		return float64(n)
	}
	L.RaiseError("cannot convert %s to number", lv.Type().String())
	return 0
}

// newValueMetatable builds the shared metatable making backend values
// usable in script expressions: member access, arithmetic, comparison.
func (h *Host) newValueMetatable() *lua.LTable {
	mt := h.L.NewTable()

	h.L.SetField(mt, "__index", h.L.NewFunction(func(L *lua.LState) int {
		v := unwrap(L.CheckUserData(1))
		if v == nil {
			L.Push(lua.LNil)
			return 1
		}
		var child backend.Value
		switch key := L.Get(2).(type) {
		case lua.LString:
			child = v.ChildByName(string(key))
		case lua.LNumber:
			child = v.ChildAt(int(key))
		}
		if child == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(h.wrapAuto(child))
		return 1
	}))

	h.L.SetField(mt, "__tostring", h.L.NewFunction(func(L *lua.LState) int {
		v := unwrap(L.CheckUserData(1))
		if v == nil {
			L.Push(lua.LString("<invalid>"))
			return 1
		}
		L.Push(lua.LString(renderValue(v)))
		return 1
	}))

	h.L.SetField(mt, "__len", h.L.NewFunction(func(L *lua.LState) int {
		v := unwrap(L.CheckUserData(1))
		if v == nil {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(v.NumChildren()))
		return 1
	}))

	h.L.SetField(mt, "__concat", h.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(lua.LVAsString(h.stringify(L.Get(1))) + lua.LVAsString(h.stringify(L.Get(2)))))
		return 1
	}))

	arith := func(op func(a, b float64) float64) lua.LGFunction {
		return func(L *lua.LState) int {
			a := h.asNumber(L, L.Get(1))
			b := h.asNumber(L, L.Get(2))
			L.Push(lua.LNumber(op(a, b)))
			return 1
		}
	}
	h.L.SetField(mt, "__add", h.L.NewFunction(arith(func(a, b float64) float64 { return a + b })))
	h.L.SetField(mt, "__sub", h.L.NewFunction(arith(func(a, b float64) float64 { return a - b })))
	h.L.SetField(mt, "__mul", h.L.NewFunction(arith(func(a, b float64) float64 { return a * b })))
	h.L.SetField(mt, "__div", h.L.NewFunction(arith(func(a, b float64) float64 { return a / b })))
	h.L.SetField(mt, "__mod", h.L.NewFunction(arith(func(a, b float64) float64 {
		return float64(int64(a) % int64(b))
	})))

	h.L.SetField(mt, "__unm", h.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(-h.asNumber(L, L.Get(1))))
		return 1
	}))

	cmp := func(op func(a, b float64) bool) lua.LGFunction {
		return func(L *lua.LState) int {
			a := h.asNumber(L, L.Get(1))
			b := h.asNumber(L, L.Get(2))
			L.Push(lua.LBool(op(a, b)))
			return 1
		}
	}
	h.L.SetField(mt, "__eq", h.L.NewFunction(cmp(func(a, b float64) bool { return a == b })))
	h.L.SetField(mt, "__lt", h.L.NewFunction(cmp(func(a, b float64) bool { return a < b })))
	h.L.SetField(mt, "__le", h.L.NewFunction(cmp(func(a, b float64) bool { return a <= b })))

	return mt
}

// stringify renders any operand for concatenation.
func (h *Host) stringify(lv lua.LValue) lua.LValue {
	if v := unwrap(lv); v != nil {
		return lua.LString(renderValue(v))
	}
	return lv
}

// toResult converts the chunk's first return value.
func (h *Host) toResult(lv lua.LValue) Result {
	if v := unwrap(lv); v != nil {
		return Result{Value: v}
	}
	return Result{Plain: h.toGo(lv, make(map[*lua.LTable]bool))}
}

// toGo converts a Lua value to a plain Go value, guarding against
// circular tables.
func (h *Host) toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return h.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

// tableToGo converts a table to a slice (contiguous 1-based integer keys)
// or a map.
func (h *Host) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := 0
	isArray := true
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) <= 0 {
			isArray = false
			return
		}
		if int(kn) > maxN {
			maxN = int(kn)
		}
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = h.toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[lua.LVAsString(k)] = h.toGo(v, visited)
	})
	return m
}
