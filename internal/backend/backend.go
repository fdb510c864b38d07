package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Backend is the native debugger engine the session drives. Implementations
// wrap a concrete debugger (LLDB, a gdb-remote speaker, a mock) and surface
// the primitives the session engine needs; everything protocol-shaped stays
// out of this package.
type Backend interface {
	// CreateTarget prepares a debug target for the given executable. An
	// empty path creates an empty target suitable for attach.
	CreateTarget(path string) (Target, error)

	// ExecCommand runs a debugger console command, in the context of frame
	// when non-nil, and returns its output.
	ExecCommand(cmd string, frame Frame) (string, error)

	// Completions returns completion candidates for a partial console
	// command or expression, with the cursor at column.
	Completions(text string, column int) []string

	// Subscribe registers the event sink. The backend invokes sink from its
	// own notifier thread; at most one sink is active.
	Subscribe(sink func(Event))

	// Close releases the backend.
	Close() error
}

// Target is a loaded (or empty) debug target.
type Target interface {
	Launch(spec LaunchSpec) (Process, error)
	Attach(spec AttachSpec) (Process, error)

	CreateBreakpointByLocation(file string, line int) Breakpoint
	CreateBreakpointByAddress(addr uint64) Breakpoint
	CreateBreakpointByName(name string) Breakpoint
	CreateBreakpointByRegex(pattern string) Breakpoint
	CreateBreakpointForException(language string, onThrow, onCatch bool) Breakpoint

	// FindBreakpoint returns the breakpoint with the given id, or nil.
	FindBreakpoint(id int) Breakpoint

	// RemoveBreakpoint deletes a breakpoint by id.
	RemoveBreakpoint(id int) bool

	// Evaluate evaluates a native expression in global (target) context.
	Evaluate(expr string) (Value, error)

	// Instructions disassembles the half-open address range [start, end).
	Instructions(start, end uint64) ([]Instruction, error)

	// SymbolAt resolves the symbol containing addr.
	SymbolAt(addr uint64) (Symbol, bool)

	// Process returns the current process, or nil before launch/attach.
	Process() Process
}

// Process is a launched or attached inferior.
type Process interface {
	PID() int
	Continue() error
	ReverseContinue() error
	Pause() error
	Kill() error
	Detach() error
	ExitCode() int

	Threads() []Thread
	ThreadByID(id int) Thread
	SelectedThread() Thread
	SelectThread(id int) bool

	// ReadStdout and ReadStderr drain buffered inferior output without
	// blocking, returning at most max bytes; nil means nothing buffered.
	ReadStdout(max int) []byte
	ReadStderr(max int) []byte
}

// Thread is one thread of the inferior.
type Thread interface {
	ID() int
	IndexID() int
	Name() string

	StopReason() StopReason
	// StopReasonData carries reason-specific payload; for breakpoint stops
	// it holds (breakpoint id, location id) pairs.
	StopReasonData() []uint64
	StopDescription() string

	FrameCount() int
	Frame(i int) Frame

	StepOver(instruction bool) error
	StepInto(instruction bool) error
	StepOut() error
	StepBack() error

	// ReturnValue is the function return value captured by the last
	// step-out on this thread, or nil.
	ReturnValue() Value
}

// Frame is one stack frame of a stopped thread.
type Frame interface {
	Thread() Thread
	FunctionName() string
	PC() uint64

	// Location returns the frame's source position. A zero FileSpec means
	// no line information is available.
	Location() (FileSpec, int, int)

	Variables(opts VariableOptions) []Value
	Registers() []Value
	FindVariable(name string) Value

	// ValueForPath resolves a member path (e.g. "a.b[3].c") rooted at the
	// frame, or nil.
	ValueForPath(path string) Value

	// Evaluate evaluates a native expression in this frame's context.
	Evaluate(expr string) (Value, error)
}

// VariableOptions selects which variable classes Frame.Variables returns.
type VariableOptions struct {
	Arguments   bool
	Locals      bool
	Statics     bool
	InScopeOnly bool
}

// Value is one debugger value, lazily expandable into children.
type Value interface {
	Name() string
	TypeName() string

	// Value renders the scalar value in the given format, "" when the type
	// has no scalar rendering.
	Value(f Format) string

	// Summary is the formatter-provided summary, "" when absent.
	Summary() string

	NumChildren() int
	ChildAt(i int) Value
	ChildByName(name string) Value

	IsPointer() bool
	Dereference() Value

	// IsSynthetic reports whether a formatter synthesized this value's
	// child list; NonSynthetic returns the raw view.
	IsSynthetic() bool
	NonSynthetic() Value

	SetValue(s string) error

	AsInt() (int64, bool)
	AsFloat() (float64, bool)
}

// Breakpoint is one backend breakpoint object.
type Breakpoint interface {
	ID() int
	SetCondition(cond string)
	Condition() string
	SetIgnoreCount(n int)
	HitCount() int

	// SetHitFunc installs the stop decision callback, invoked by the
	// backend on its own thread when the breakpoint triggers; returning
	// false resumes the inferior without reporting a stop.
	SetHitFunc(fn func(Thread, Frame) bool)

	Locations() []Location
	IsResolved() bool
}

// Location is one resolved address of a breakpoint.
type Location interface {
	Address() uint64
	// File returns the source position of this location, ok=false when the
	// address has no line information.
	File() (FileSpec, int, bool)
	Enabled() bool
	SetEnabled(enabled bool)
}

// FileSpec identifies a source file as the backend reports it.
type FileSpec struct {
	Dir  string
	Name string
}

// Valid reports whether the spec names a file.
func (f FileSpec) Valid() bool { return f.Name != "" }

// Path joins directory and filename the way the backend would.
func (f FileSpec) Path() string {
	if f.Dir == "" {
		return f.Name
	}
	sep := "/"
	if len(f.Dir) > 0 && f.Dir[len(f.Dir)-1] == '/' {
		sep = ""
	}
	return f.Dir + sep + f.Name
}

// LaunchSpec carries everything needed to launch an inferior.
type LaunchSpec struct {
	Args        []string
	Env         map[string]string
	Cwd         string
	Stdio       [3]*string // stdin, stdout, stderr; nil = inherit
	StopOnEntry bool
	NoDebug     bool
	DisableASLR bool
}

// AttachSpec identifies the process to attach to, by pid or by program
// path (optionally waiting for it to appear).
type AttachSpec struct {
	PID     int
	Program string
	WaitFor bool
}

// Instruction is one disassembled machine instruction.
type Instruction struct {
	Address  uint64
	Bytes    []byte
	Mnemonic string
	Operands string
	Comment  string
}

// Symbol is a resolved function symbol and its address range.
type Symbol struct {
	Name  string
	Start uint64
	End   uint64
}

// Factory constructs a backend. Implementations register themselves in an
// init function; the adapter binary selects one by name.
type Factory func() (Backend, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under the given name. It panics if
// name is already registered.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open constructs the named backend.
func Open(name string) (Backend, error) {
	registryMu.Lock()
	factory, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, name, Registered())
	}
	return factory()
}

// Registered lists the registered backend names, sorted.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
