package expr

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// Predicate is a compiled breakpoint condition. Evaluate runs it in the
// context of the frame where the breakpoint was hit. A false result with
// a nil error means execution continues silently.
type Predicate interface {
	Evaluate(frame backend.Frame) (bool, error)
}

// Dispatcher classifies expressions by dialect prefix and routes them to
// the native backend evaluator or the script host.
type Dispatcher struct {
	host   *Host
	target func() backend.Target
}

// NewDispatcher creates a dispatcher. target supplies the current debug
// target for native evaluation without frame context; it may return nil
// before a target exists.
func NewDispatcher(target func() backend.Target) *Dispatcher {
	return &Dispatcher{host: NewHost(), target: target}
}

// Close releases the script host.
func (d *Dispatcher) Close() { d.host.Close() }

// SetHTMLSink forwards the display_html builtin to the script host.
func (d *Dispatcher) SetHTMLSink(fn func(html, title string, reveal bool)) {
	d.host.SetHTMLSink(fn)
}

// Evaluate runs an expression in the given frame context. A nil frame
// evaluates in global target context. dflt applies when the expression
// carries no dialect prefix.
func (d *Dispatcher) Evaluate(expression string, frame backend.Frame, dflt Dialect) (Result, error) {
	dialect, body := Classify(expression, dflt)
	switch dialect {
	case DialectNative:
		return d.evalNative(body, frame)
	case DialectLua:
		return d.host.Eval(frame, body)
	default:
		return d.host.Eval(frame, Preprocess(body))
	}
}

func (d *Dispatcher) evalNative(body string, frame backend.Frame) (Result, error) {
	if frame != nil {
		v, err := frame.Evaluate(body)
		if err != nil {
			return Result{}, &EvalError{Message: err.Error()}
		}
		return Result{Value: v}, nil
	}
	t := d.target()
	if t == nil {
		return Result{}, &EvalError{Message: "no debug target"}
	}
	v, err := t.Evaluate(body)
	if err != nil {
		return Result{}, &EvalError{Message: err.Error()}
	}
	return Result{Value: v}, nil
}

// CompilePredicate compiles a script-dialect condition once for reuse on
// every breakpoint hit. Native-dialect conditions are not compiled here;
// they are installed on the backend breakpoint directly.
func (d *Dispatcher) CompilePredicate(body string, dialect Dialect) (Predicate, error) {
	src := body
	if dialect == DialectSimple {
		src = Preprocess(body)
	}
	fn, isExpr, err := d.host.compileChunk(src)
	if err != nil {
		return nil, err
	}
	return &scriptPredicate{host: d.host, fn: fn, isExpr: isExpr, dialect: dialect}, nil
}

// compileChunk compiles under the host lock without running.
func (h *Host) compileChunk(src string) (*lua.LFunction, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false, ErrHostClosed
	}
	return h.compile(src)
}

// evalCompiled runs a previously compiled chunk.
func (h *Host) evalCompiled(frame backend.Frame, fn *lua.LFunction) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Result{}, ErrHostClosed
	}
	return h.run(frame, fn)
}

type scriptPredicate struct {
	host    *Host
	fn      *lua.LFunction
	isExpr  bool
	dialect Dialect
}

// Evaluate runs the condition in frame context. Chunks that compiled
// only as statements run for their side effects and never stop.
func (p *scriptPredicate) Evaluate(frame backend.Frame) (bool, error) {
	res, err := p.host.evalCompiled(frame, p.fn)
	if err != nil {
		return false, err
	}
	if !p.isExpr {
		return false, nil
	}
	return truthy(res, p.dialect), nil
}

// truthy interprets a condition result per the dialect. Backend values
// always use numeric truthiness. Plain results follow C-like rules in
// the simple dialect (zero and empty string are false) and Lua rules in
// the lua dialect (only nil and false are false).
func truthy(res Result, dialect Dialect) bool {
	if res.Value != nil {
		if i, ok := res.Value.AsInt(); ok {
			return i != 0
		}
		if f, ok := res.Value.AsFloat(); ok {
			return f != 0
		}
		return true
	}
	switch v := res.Plain.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return dialect != DialectSimple || v != 0
	case float64:
		return dialect != DialectSimple || v != 0
	case string:
		return dialect != DialectSimple || v != ""
	default:
		return true
	}
}
