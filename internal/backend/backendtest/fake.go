// Package backendtest provides an in-memory scripted backend for session
// engine tests. Tests construct targets, threads, frames, and values as
// plain structs, then drive the engine by emitting backend events.
package backendtest

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// Fake implements backend.Backend.
type Fake struct {
	mu   sync.Mutex
	sink func(backend.Event)

	// Target is returned by CreateTarget. Tests may preconfigure it; a
	// zero Fake creates one on demand.
	Target *FakeTarget

	// Commands records every ExecCommand invocation.
	Commands []string

	// CommandOutput maps a command string to its canned output. Unmapped
	// commands return a generic acknowledgement.
	CommandOutput map[string]string

	// CommandErr, when set, fails every ExecCommand.
	CommandErr error

	// CompletionItems is returned verbatim by Completions.
	CompletionItems []string

	Closed bool
}

// New returns an empty fake backend.
func New() *Fake {
	return &Fake{Target: NewTarget()}
}

func (f *Fake) CreateTarget(path string) (backend.Target, error) {
	if f.Target == nil {
		f.Target = NewTarget()
	}
	f.Target.Path = path
	return f.Target, nil
}

func (f *Fake) ExecCommand(cmd string, frame backend.Frame) (string, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	f.mu.Unlock()
	if f.CommandErr != nil {
		return "", f.CommandErr
	}
	if out, ok := f.CommandOutput[cmd]; ok {
		return out, nil
	}
	return fmt.Sprintf("(%s)\n", cmd), nil
}

func (f *Fake) Completions(text string, column int) []string {
	return f.CompletionItems
}

func (f *Fake) Subscribe(sink func(backend.Event)) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

// Emit delivers an event to the subscribed sink, as the backend's notifier
// thread would.
func (f *Fake) Emit(ev backend.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// FakeTarget implements backend.Target.
type FakeTarget struct {
	Path string

	mu     sync.Mutex
	nextID int
	// Breakpoints holds every live breakpoint by id.
	Breakpoints map[int]*FakeBreakpoint
	// NextAddress seeds auto-assigned location addresses.
	NextAddress uint64

	// Proc is returned by Launch/Attach and Process.
	Proc      *FakeProcess
	LaunchErr error
	AttachErr error
	// LastLaunch and LastAttach record the most recent specs.
	LastLaunch *backend.LaunchSpec
	LastAttach *backend.AttachSpec

	// Instrs is the flat instruction listing Instructions filters.
	Instrs []backend.Instruction
	// Syms is the symbol table SymbolAt scans.
	Syms []backend.Symbol

	// EvalFunc handles global-context Evaluate; nil fails every call.
	EvalFunc func(expr string) (backend.Value, error)
}

// NewTarget returns an empty target.
func NewTarget() *FakeTarget {
	return &FakeTarget{
		Breakpoints: make(map[int]*FakeBreakpoint),
		NextAddress: 0x1000,
	}
}

func (t *FakeTarget) Launch(spec backend.LaunchSpec) (backend.Process, error) {
	if t.LaunchErr != nil {
		return nil, t.LaunchErr
	}
	t.LastLaunch = &spec
	if t.Proc == nil {
		t.Proc = NewProcess()
	}
	return t.Proc, nil
}

func (t *FakeTarget) Attach(spec backend.AttachSpec) (backend.Process, error) {
	if t.AttachErr != nil {
		return nil, t.AttachErr
	}
	t.LastAttach = &spec
	if t.Proc == nil {
		t.Proc = NewProcess()
	}
	return t.Proc, nil
}

func (t *FakeTarget) newBreakpoint() *FakeBreakpoint {
	t.nextID++
	bp := &FakeBreakpoint{BID: t.nextID, target: t}
	t.Breakpoints[bp.BID] = bp
	return bp
}

func (t *FakeTarget) CreateBreakpointByLocation(file string, line int) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := t.newBreakpoint()
	bp.Kind = "location"
	addr := t.NextAddress
	t.NextAddress += 4
	bp.Locs = []*FakeLocation{{
		Addr: addr,
		Spec: backend.FileSpec{Dir: filepath.Dir(file), Name: filepath.Base(file)},
		Ln:   line,
		On:   true,
	}}
	bp.Resolved = true
	return bp
}

func (t *FakeTarget) CreateBreakpointByAddress(addr uint64) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := t.newBreakpoint()
	bp.Kind = "address"
	bp.Locs = []*FakeLocation{{Addr: addr, On: true}}
	bp.Resolved = true
	return bp
}

func (t *FakeTarget) CreateBreakpointByName(name string) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := t.newBreakpoint()
	bp.Kind = "name"
	bp.Spec = name
	addr := t.NextAddress
	t.NextAddress += 4
	bp.Locs = []*FakeLocation{{Addr: addr, On: true}}
	bp.Resolved = true
	return bp
}

func (t *FakeTarget) CreateBreakpointByRegex(pattern string) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := t.newBreakpoint()
	bp.Kind = "regex"
	bp.Spec = pattern
	return bp
}

func (t *FakeTarget) CreateBreakpointForException(language string, onThrow, onCatch bool) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := t.newBreakpoint()
	bp.Kind = "exception"
	bp.Spec = fmt.Sprintf("%s throw=%v catch=%v", language, onThrow, onCatch)
	return bp
}

func (t *FakeTarget) FindBreakpoint(id int) backend.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.Breakpoints[id]
	if !ok {
		return nil
	}
	return bp
}

func (t *FakeTarget) RemoveBreakpoint(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.Breakpoints[id]; !ok {
		return false
	}
	delete(t.Breakpoints, id)
	return true
}

func (t *FakeTarget) Evaluate(expr string) (backend.Value, error) {
	if t.EvalFunc != nil {
		return t.EvalFunc(expr)
	}
	return nil, fmt.Errorf("cannot evaluate %q", expr)
}

func (t *FakeTarget) Instructions(start, end uint64) ([]backend.Instruction, error) {
	var out []backend.Instruction
	for _, ins := range t.Instrs {
		if ins.Address >= start && ins.Address < end {
			out = append(out, ins)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instructions in [%#x, %#x)", start, end)
	}
	return out, nil
}

func (t *FakeTarget) SymbolAt(addr uint64) (backend.Symbol, bool) {
	for _, sym := range t.Syms {
		if addr >= sym.Start && addr < sym.End {
			return sym, true
		}
	}
	return backend.Symbol{}, false
}

func (t *FakeTarget) Process() backend.Process {
	if t.Proc == nil {
		return nil
	}
	return t.Proc
}

// FakeBreakpoint implements backend.Breakpoint.
type FakeBreakpoint struct {
	BID      int
	Kind     string // "location", "address", "name", "regex", "exception"
	Spec     string
	Cond     string
	Ignore   int
	Hits     int
	Locs     []*FakeLocation
	Resolved bool

	target *FakeTarget
	hitFn  func(backend.Thread, backend.Frame) bool
}

func (b *FakeBreakpoint) ID() int                { return b.BID }
func (b *FakeBreakpoint) SetCondition(c string)  { b.Cond = c }
func (b *FakeBreakpoint) Condition() string      { return b.Cond }
func (b *FakeBreakpoint) SetIgnoreCount(n int)   { b.Ignore = n }
func (b *FakeBreakpoint) HitCount() int          { return b.Hits }
func (b *FakeBreakpoint) IsResolved() bool       { return b.Resolved }

func (b *FakeBreakpoint) SetHitFunc(fn func(backend.Thread, backend.Frame) bool) {
	b.hitFn = fn
}

func (b *FakeBreakpoint) Locations() []backend.Location {
	out := make([]backend.Location, len(b.Locs))
	for i, loc := range b.Locs {
		out[i] = loc
	}
	return out
}

// Hit simulates the backend invoking the stop decision callback. It
// returns true (stop) when no callback is installed.
func (b *FakeBreakpoint) Hit(th backend.Thread, fr backend.Frame) bool {
	b.Hits++
	if b.hitFn == nil {
		return true
	}
	return b.hitFn(th, fr)
}

// FakeLocation implements backend.Location.
type FakeLocation struct {
	Addr uint64
	Spec backend.FileSpec
	Ln   int
	On   bool
}

func (l *FakeLocation) Address() uint64 { return l.Addr }
func (l *FakeLocation) Enabled() bool   { return l.On }
func (l *FakeLocation) SetEnabled(enabled bool) {
	l.On = enabled
}

func (l *FakeLocation) File() (backend.FileSpec, int, bool) {
	if !l.Spec.Valid() {
		return backend.FileSpec{}, 0, false
	}
	return l.Spec, l.Ln, true
}

// FakeProcess implements backend.Process.
type FakeProcess struct {
	Pid  int
	Exit int

	mu       sync.Mutex
	stdout   []byte
	stderr   []byte
	Thrs     []*FakeThread
	Selected *FakeThread

	Continued      int
	ReverseResumes int
	Paused         int
	Killed         bool
	Detached       bool
	ContinueErr    error
	PauseErr       error
}

// NewProcess returns a process with a single stopped main thread.
func NewProcess() *FakeProcess {
	th := &FakeThread{TID: 1, Index: 1, TName: "main"}
	return &FakeProcess{Pid: 4242, Thrs: []*FakeThread{th}, Selected: th}
}

func (p *FakeProcess) PID() int { return p.Pid }

func (p *FakeProcess) Continue() error {
	p.Continued++
	return p.ContinueErr
}

func (p *FakeProcess) ReverseContinue() error {
	p.ReverseResumes++
	return nil
}

func (p *FakeProcess) Pause() error {
	p.Paused++
	return p.PauseErr
}

func (p *FakeProcess) Kill() error {
	p.Killed = true
	return nil
}

func (p *FakeProcess) Detach() error {
	p.Detached = true
	return nil
}

func (p *FakeProcess) ExitCode() int { return p.Exit }

func (p *FakeProcess) Threads() []backend.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]backend.Thread, len(p.Thrs))
	for i, th := range p.Thrs {
		out[i] = th
	}
	return out
}

func (p *FakeProcess) ThreadByID(id int) backend.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.Thrs {
		if th.TID == id {
			return th
		}
	}
	return nil
}

func (p *FakeProcess) SelectedThread() backend.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Selected == nil {
		return nil
	}
	return p.Selected
}

func (p *FakeProcess) SelectThread(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.Thrs {
		if th.TID == id {
			p.Selected = th
			return true
		}
	}
	return false
}

// AddThread appends a thread, returning it for configuration.
func (p *FakeProcess) AddThread(id int, name string) *FakeThread {
	p.mu.Lock()
	defer p.mu.Unlock()
	th := &FakeThread{TID: id, Index: len(p.Thrs) + 1, TName: name}
	p.Thrs = append(p.Thrs, th)
	return th
}

// RemoveThread drops the thread with the given id.
func (p *FakeProcess) RemoveThread(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, th := range p.Thrs {
		if th.TID == id {
			p.Thrs = append(p.Thrs[:i], p.Thrs[i+1:]...)
			return
		}
	}
}

// AppendStdout buffers inferior stdout for ReadStdout to drain.
func (p *FakeProcess) AppendStdout(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdout = append(p.stdout, data...)
}

// AppendStderr buffers inferior stderr for ReadStderr to drain.
func (p *FakeProcess) AppendStderr(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderr = append(p.stderr, data...)
}

func (p *FakeProcess) ReadStdout(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(max, len(p.stdout))
	if n == 0 {
		return nil
	}
	out := p.stdout[:n:n]
	p.stdout = p.stdout[n:]
	return out
}

func (p *FakeProcess) ReadStderr(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(max, len(p.stderr))
	if n == 0 {
		return nil
	}
	out := p.stderr[:n:n]
	p.stderr = p.stderr[n:]
	return out
}

// FakeThread implements backend.Thread.
type FakeThread struct {
	TID    int
	Index  int
	TName  string
	Reason backend.StopReason
	Data   []uint64
	Desc   string
	Frames []*FakeFrame

	Steps    []string // records step operations: "over", "into", "out", "back"; "-inst" suffix for instruction granularity
	StepErr  error
	RetValue *FakeValue
}

func (t *FakeThread) ID() int                   { return t.TID }
func (t *FakeThread) IndexID() int              { return t.Index }
func (t *FakeThread) Name() string              { return t.TName }
func (t *FakeThread) StopReason() backend.StopReason { return t.Reason }
func (t *FakeThread) StopReasonData() []uint64  { return t.Data }
func (t *FakeThread) StopDescription() string   { return t.Desc }
func (t *FakeThread) FrameCount() int           { return len(t.Frames) }

func (t *FakeThread) Frame(i int) backend.Frame {
	if i < 0 || i >= len(t.Frames) {
		return nil
	}
	fr := t.Frames[i]
	if fr.Th == nil {
		fr.Th = t
	}
	return fr
}

func (t *FakeThread) step(kind string) error {
	t.Steps = append(t.Steps, kind)
	return t.StepErr
}

func (t *FakeThread) StepOver(instruction bool) error { return t.step(stepKind("over", instruction)) }
func (t *FakeThread) StepInto(instruction bool) error { return t.step(stepKind("into", instruction)) }
func (t *FakeThread) StepOut() error                  { return t.step("out") }
func (t *FakeThread) StepBack() error                 { return t.step("back") }

func stepKind(kind string, instruction bool) string {
	if instruction {
		return kind + "-inst"
	}
	return kind
}

func (t *FakeThread) ReturnValue() backend.Value {
	if t.RetValue == nil {
		return nil
	}
	return t.RetValue
}

// StopAtBreakpoint marks the thread stopped at the given breakpoint id.
func (t *FakeThread) StopAtBreakpoint(bpID int) {
	t.Reason = backend.StopReasonBreakpoint
	t.Data = []uint64{uint64(bpID), 1}
}

// FakeFrame implements backend.Frame.
type FakeFrame struct {
	Th       *FakeThread
	Fn       string
	Addr     uint64
	Spec     backend.FileSpec
	Ln       int
	Col      int
	Vars     []*FakeValue
	Regs     []*FakeValue
	EvalFunc func(expr string) (backend.Value, error)
}

func (f *FakeFrame) Thread() backend.Thread {
	if f.Th == nil {
		return nil
	}
	return f.Th
}

func (f *FakeFrame) FunctionName() string { return f.Fn }
func (f *FakeFrame) PC() uint64           { return f.Addr }

func (f *FakeFrame) Location() (backend.FileSpec, int, int) {
	return f.Spec, f.Ln, f.Col
}

func (f *FakeFrame) Variables(opts backend.VariableOptions) []backend.Value {
	var out []backend.Value
	for _, v := range f.Vars {
		if v.Static && !opts.Statics {
			continue
		}
		if !v.Static && !opts.Locals && !opts.Arguments {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (f *FakeFrame) Registers() []backend.Value {
	out := make([]backend.Value, len(f.Regs))
	for i, v := range f.Regs {
		out[i] = v
	}
	return out
}

func (f *FakeFrame) FindVariable(name string) backend.Value {
	for _, v := range f.Vars {
		if v.VName == name {
			return v
		}
	}
	return nil
}

func (f *FakeFrame) ValueForPath(path string) backend.Value {
	head := path
	if i := strings.IndexAny(path, ".["); i >= 0 {
		head = path[:i]
	}
	root := f.FindVariable(head)
	if root == nil || head == path {
		return root
	}
	rest := path[len(head):]
	cur := root
	for _, seg := range strings.FieldsFunc(rest, func(r rune) bool {
		return r == '.' || r == '[' || r == ']'
	}) {
		cur = cur.ChildByName(seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (f *FakeFrame) Evaluate(expr string) (backend.Value, error) {
	if f.EvalFunc != nil {
		return f.EvalFunc(expr)
	}
	if v := f.FindVariable(expr); v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("use of undeclared identifier '%s'", expr)
}

// FakeValue implements backend.Value.
type FakeValue struct {
	VName     string
	TName     string
	Val       string
	Formatted map[backend.Format]string
	Summ      string
	Children  []*FakeValue
	Pointer   bool
	Pointee   *FakeValue
	Synth     bool
	Raw       *FakeValue
	Static    bool
	IntVal    *int64
	FloatVal  *float64
	SetErr    error
}

// Int returns a scalar integer value for tests.
func Int(name string, v int64) *FakeValue {
	return &FakeValue{VName: name, TName: "int", Val: fmt.Sprintf("%d", v), IntVal: &v}
}

// Str returns a string-summary value for tests.
func Str(name, s string) *FakeValue {
	return &FakeValue{VName: name, TName: "const char *", Summ: fmt.Sprintf("%q", s)}
}

func (v *FakeValue) Name() string     { return v.VName }
func (v *FakeValue) TypeName() string { return v.TName }

func (v *FakeValue) Value(f backend.Format) string {
	if s, ok := v.Formatted[f]; ok {
		return s
	}
	if f == backend.FormatHex && v.IntVal != nil {
		return fmt.Sprintf("0x%x", *v.IntVal)
	}
	return v.Val
}

func (v *FakeValue) Summary() string  { return v.Summ }
func (v *FakeValue) NumChildren() int { return len(v.Children) }

func (v *FakeValue) ChildAt(i int) backend.Value {
	if i < 0 || i >= len(v.Children) {
		return nil
	}
	return v.Children[i]
}

func (v *FakeValue) ChildByName(name string) backend.Value {
	for _, c := range v.Children {
		if c.VName == name {
			return c
		}
	}
	return nil
}

func (v *FakeValue) IsPointer() bool { return v.Pointer }

func (v *FakeValue) Dereference() backend.Value {
	if v.Pointee == nil {
		return nil
	}
	return v.Pointee
}

func (v *FakeValue) IsSynthetic() bool { return v.Synth }

func (v *FakeValue) NonSynthetic() backend.Value {
	if v.Raw == nil {
		return v
	}
	return v.Raw
}

func (v *FakeValue) SetValue(s string) error {
	if v.SetErr != nil {
		return v.SetErr
	}
	v.Val = s
	return nil
}

func (v *FakeValue) AsInt() (int64, bool) {
	if v.IntVal == nil {
		return 0, false
	}
	return *v.IntVal, true
}

func (v *FakeValue) AsFloat() (float64, bool) {
	if v.FloatVal != nil {
		return *v.FloatVal, true
	}
	if v.IntVal != nil {
		return float64(*v.IntVal), true
	}
	return 0, false
}
