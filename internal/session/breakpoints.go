package session

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/dap"
	"github.com/spyglass-dap/spyglass/internal/dasm"
	"github.com/spyglass-dap/spyglass/internal/expr"
)

type breakpointKind int

const (
	bpSource breakpointKind = iota
	bpDisassembly
	bpFunction
	bpException
)

// breakpointInfo pairs one backend breakpoint with the session-side
// settings applied to it. Exactly one exists per backend breakpoint the
// session created or observed.
type breakpointInfo struct {
	id          int
	bp          backend.Breakpoint
	kind        breakpointKind
	condition   expr.Predicate
	logMessage  string
	ignoreCount int
	address     uint64
	adapterData []byte
}

// exceptionFilter is one selectable exception breakpoint class.
type exceptionFilter struct {
	id       string
	label    string
	language string
	onThrow  bool
	onCatch  bool
	dflt     bool
}

var exceptionFilters = []exceptionFilter{
	{id: "cpp_throw", label: "C++: on throw", language: "cpp", onThrow: true, dflt: true},
	{id: "cpp_catch", label: "C++: on catch", language: "cpp", onCatch: true},
	{id: "rust_panic", label: "Rust: on panic", language: "rust", onThrow: true, dflt: true},
}

// filtersForLanguages selects the exception filters offered for the
// configured source languages; all of them when none are configured.
func filtersForLanguages(langs []string) []exceptionFilter {
	if len(langs) == 0 {
		return exceptionFilters
	}
	return lo.Filter(exceptionFilters, func(f exceptionFilter, _ int) bool {
		return lo.Contains(langs, f.language)
	})
}

// breakpointRegistry owns breakpoint identity and the per-breakpoint
// condition, ignore-count and log-message settings. Reconciliation runs
// on the session goroutine; hit decisions run on the backend's thread,
// hence the mutex.
type breakpointRegistry struct {
	mu         sync.RWMutex
	dispatcher *expr.Dispatcher
	dialect    func() expr.Dialect
	console    func(string)
	logOutput  func(string)
	render     func(expr.Result) string

	infos     map[int]*breakpointInfo
	byPath    map[string]map[int]int // file key or view key -> line -> id
	byFn      map[string]int
	exception map[string]int // filter id -> breakpoint id
}

func newBreakpointRegistry(dispatcher *expr.Dispatcher) *breakpointRegistry {
	return &breakpointRegistry{
		dispatcher: dispatcher,
		infos:      make(map[int]*breakpointInfo),
		byPath:     make(map[string]map[int]int),
		byFn:       make(map[string]int),
		exception:  make(map[string]int),
	}
}

// SetSourceBreakpoints reconciles the requested line breakpoints for one
// source file and returns verification results in request order.
func (r *breakpointRegistry) SetSourceBreakpoints(target backend.Target, filePath string, reqs []dap.SourceBreakpoint, resolve func(backend.FileSpec) (string, bool)) []dap.Breakpoint {
	key := normalizePath(filePath)
	create := func(req dap.SourceBreakpoint) *breakpointInfo {
		bp := target.CreateBreakpointByLocation(key, req.Line)
		if bp == nil {
			return nil
		}
		return &breakpointInfo{id: bp.ID(), bp: bp, kind: bpSource}
	}
	verify := func(info *breakpointInfo, req dap.SourceBreakpoint) dap.Breakpoint {
		return r.verifySourceLocked(info, key, resolve)
	}
	return r.reconcileLines(target, key, reqs, create, verify)
}

// SetDisassemblyBreakpoints reconciles instruction-level breakpoints for
// a disassembly view. Lines resolve to addresses either through the live
// view or through persisted adapter data from an earlier session.
func (r *breakpointRegistry) SetDisassemblyBreakpoints(target backend.Target, start uint64, lineToAddr func(int) (uint64, bool), addrToLine func(uint64) int, adapterData []byte, source *dap.Source, reqs []dap.SourceBreakpoint) []dap.Breakpoint {
	key := fmt.Sprintf("@%#x", start)
	create := func(req dap.SourceBreakpoint) *breakpointInfo {
		addr, ok := lineToAddr(req.Line)
		if !ok {
			return nil
		}
		bp := target.CreateBreakpointByAddress(addr)
		if bp == nil {
			return nil
		}
		return &breakpointInfo{id: bp.ID(), bp: bp, kind: bpDisassembly, address: addr, adapterData: adapterData}
	}
	verify := func(info *breakpointInfo, req dap.SourceBreakpoint) dap.Breakpoint {
		out := dap.Breakpoint{ID: info.id, Source: source, Line: addrToLine(info.address)}
		for _, loc := range info.bp.Locations() {
			if loc.Enabled() {
				out.Verified = true
				break
			}
		}
		return out
	}
	return r.reconcileLines(target, key, reqs, create, verify)
}

// reconcileLines deletes breakpoints whose line left the requested set,
// reuses breakpoints whose line is still present (keeping their id and
// hit count), creates the rest, and reapplies settings on every pass.
func (r *breakpointRegistry) reconcileLines(target backend.Target, key string, reqs []dap.SourceBreakpoint, create func(dap.SourceBreakpoint) *breakpointInfo, verify func(*breakpointInfo, dap.SourceBreakpoint) dap.Breakpoint) []dap.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.byPath[key]
	if index == nil {
		index = make(map[int]int)
		r.byPath[key] = index
	}

	requested := lo.Map(reqs, func(b dap.SourceBreakpoint, _ int) int { return b.Line })
	stale, _ := lo.Difference(lo.Keys(index), requested)
	for _, line := range stale {
		id := index[line]
		target.RemoveBreakpoint(id)
		delete(r.infos, id)
		delete(index, line)
	}

	out := make([]dap.Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		var info *breakpointInfo
		if id, ok := index[req.Line]; ok {
			info = r.infos[id]
		}
		if info == nil {
			info = create(req)
			if info == nil {
				out = append(out, dap.Breakpoint{Verified: false, Line: req.Line, Message: "no instruction at this line"})
				continue
			}
			r.infos[info.id] = info
			index[req.Line] = info.id
			r.installHitFunc(info)
		}
		r.applySettingsLocked(info, req.Condition, req.HitCondition, req.LogMessage)
		out = append(out, verify(info, req))
	}
	return out
}

// SetFunctionBreakpoints reconciles breakpoints keyed by function name
// or, with a "/re " prefix, by regex pattern.
func (r *breakpointRegistry) SetFunctionBreakpoints(target backend.Target, reqs []dap.FunctionBreakpoint) []dap.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := lo.Map(reqs, func(b dap.FunctionBreakpoint, _ int) string { return b.Name })
	stale, _ := lo.Difference(lo.Keys(r.byFn), requested)
	for _, name := range stale {
		id := r.byFn[name]
		target.RemoveBreakpoint(id)
		delete(r.infos, id)
		delete(r.byFn, name)
	}

	out := make([]dap.Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		var info *breakpointInfo
		if id, ok := r.byFn[req.Name]; ok {
			info = r.infos[id]
		}
		if info == nil {
			var bp backend.Breakpoint
			if pattern, isRe := strings.CutPrefix(req.Name, "/re "); isRe {
				bp = target.CreateBreakpointByRegex(pattern)
			} else {
				bp = target.CreateBreakpointByName(req.Name)
			}
			if bp == nil {
				out = append(out, dap.Breakpoint{Verified: false, Message: "cannot create function breakpoint"})
				continue
			}
			info = &breakpointInfo{id: bp.ID(), bp: bp, kind: bpFunction}
			r.infos[info.id] = info
			r.byFn[req.Name] = info.id
			r.installHitFunc(info)
		}
		r.applySettingsLocked(info, req.Condition, req.HitCondition, "")
		out = append(out, dap.Breakpoint{ID: info.id, Verified: anyEnabledLocation(info.bp)})
	}
	return out
}

// SetExceptionBreakpoints replaces the exception partition wholesale;
// it is never merged incrementally.
func (r *breakpointRegistry) SetExceptionBreakpoints(target backend.Target, filters []exceptionFilter, conditions map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for fid, id := range r.exception {
		target.RemoveBreakpoint(id)
		delete(r.infos, id)
		delete(r.exception, fid)
	}
	for _, f := range filters {
		bp := target.CreateBreakpointForException(f.language, f.onThrow, f.onCatch)
		if bp == nil {
			continue
		}
		info := &breakpointInfo{id: bp.ID(), bp: bp, kind: bpException}
		r.infos[info.id] = info
		r.exception[f.id] = info.id
		r.installHitFunc(info)
		if cond := conditions[f.id]; cond != "" {
			r.applySettingsLocked(info, cond, "", "")
		}
	}
}

// IsExceptionBreakpoint reports whether id belongs to the exception
// partition; stops caused by these reclassify as reason "exception".
func (r *breakpointRegistry) IsExceptionBreakpoint(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	return ok && info.kind == bpException
}

// Observe registers a breakpoint created outside any client request,
// e.g. through a console command. Returns false if already known.
func (r *breakpointRegistry) Observe(bp backend.Breakpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.infos[bp.ID()]; known {
		return false
	}
	info := &breakpointInfo{id: bp.ID(), bp: bp, kind: bpSource}
	r.infos[info.id] = info
	r.installHitFunc(info)
	return true
}

// Forget drops the info for a breakpoint the backend removed. The line
// and function indexes are scrubbed so a later reconciliation does not
// resurrect the stale id.
func (r *breakpointRegistry) Forget(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.infos[id]; !known {
		return false
	}
	delete(r.infos, id)
	for _, index := range r.byPath {
		for line, lid := range index {
			if lid == id {
				delete(index, line)
			}
		}
	}
	for name, fid := range r.byFn {
		if fid == id {
			delete(r.byFn, name)
		}
	}
	for fid, eid := range r.exception {
		if eid == id {
			delete(r.exception, fid)
		}
	}
	return true
}

// Describe builds the client-facing view of a breakpoint for breakpoint
// events.
func (r *breakpointRegistry) Describe(id int, resolve func(backend.FileSpec) (string, bool)) dap.Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	if !ok {
		return dap.Breakpoint{ID: id, Verified: false}
	}
	out := dap.Breakpoint{ID: id, Verified: false}
	for _, loc := range info.bp.Locations() {
		if !loc.Enabled() {
			continue
		}
		out.Verified = true
		if spec, line, hasFile := loc.File(); hasFile {
			if local, visible := resolve(spec); visible {
				out.Source = &dap.Source{Name: path.Base(local), Path: local}
				out.Line = line
			}
		}
		break
	}
	return out
}

// installHitFunc wires the stop decision callback; the backend invokes
// it on its own thread.
func (r *breakpointRegistry) installHitFunc(info *breakpointInfo) {
	id := info.id
	info.bp.SetHitFunc(func(_ backend.Thread, frame backend.Frame) bool {
		return r.shouldStop(id, frame)
	})
}

// shouldStop decides one breakpoint hit: reapply the ignore count, then
// the condition (false means continue, an error means report and stop),
// then the log message (emit and continue, an error means report and
// stop), else stop.
func (r *breakpointRegistry) shouldStop(id int, frame backend.Frame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[id]
	if !ok {
		return true
	}
	if info.ignoreCount > 0 {
		// rearm so the next stop needs the same number of hits again
		info.bp.SetIgnoreCount(info.ignoreCount)
	}
	if info.condition != nil {
		stop, err := info.condition.Evaluate(frame)
		if err != nil {
			r.console("Failed to evaluate breakpoint condition: " + err.Error() + "\n")
			return true
		}
		if !stop {
			return false
		}
	}
	if info.logMessage != "" {
		text, err := r.renderLogMessage(info.logMessage, frame)
		if err != nil {
			r.console("Failed to format log message: " + err.Error() + "\n")
			return true
		}
		r.logOutput(text + "\n")
		return false
	}
	return true
}

// applySettingsLocked reinstalls condition, ignore count and log message.
// It runs on every reconciliation pass, new breakpoint or reused.
func (r *breakpointRegistry) applySettingsLocked(info *breakpointInfo, condition, hitCondition, logMessage string) {
	info.condition = nil
	info.bp.SetCondition("")
	if condition != "" {
		dialect, body := expr.Classify(condition, r.dialect())
		if dialect == expr.DialectNative {
			info.bp.SetCondition(body)
		} else {
			pred, err := r.dispatcher.CompilePredicate(body, dialect)
			if err != nil {
				// fall back to unconditional
				r.console(fmt.Sprintf("Invalid breakpoint condition %q: %s\n", condition, err))
			} else {
				info.condition = pred
			}
		}
	}

	info.ignoreCount = 0
	if hitCondition != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(hitCondition)); err == nil && n >= 0 {
			info.ignoreCount = n
		} else {
			r.console(fmt.Sprintf("Invalid hit count %q, ignoring.\n", hitCondition))
		}
	}
	info.bp.SetIgnoreCount(info.ignoreCount)

	info.logMessage = logMessage
}

// renderLogMessage substitutes {expr} placeholders against the hit
// frame. Braces nest; "{{" and "}}" escape literal braces.
func (r *breakpointRegistry) renderLogMessage(tmpl string, frame backend.Frame) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		switch {
		case strings.HasPrefix(tmpl[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(tmpl[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case tmpl[i] == '{':
			depth := 1
			j := i + 1
			for j < len(tmpl) && depth > 0 {
				switch tmpl[j] {
				case '{':
					depth++
				case '}':
					depth--
				}
				j++
			}
			if depth != 0 {
				return "", fmt.Errorf("unbalanced braces in %q", tmpl)
			}
			res, err := r.dispatcher.Evaluate(tmpl[i+1:j-1], frame, r.dialect())
			if err != nil {
				return "", err
			}
			b.WriteString(r.render(res))
			i = j
		default:
			b.WriteByte(tmpl[i])
			i++
		}
	}
	return b.String(), nil
}

// verifySourceLocked reports a source breakpoint verified when at least
// one enabled location resolves into the requested file. Locations that
// resolved into a different file are disabled so the breakpoint cannot
// fire in a same-named file elsewhere.
func (r *breakpointRegistry) verifySourceLocked(info *breakpointInfo, wantPath string, resolve func(backend.FileSpec) (string, bool)) dap.Breakpoint {
	out := dap.Breakpoint{ID: info.id, Verified: false}
	for _, loc := range info.bp.Locations() {
		spec, line, hasFile := loc.File()
		if !hasFile {
			continue
		}
		local, visible := resolve(spec)
		if !visible || normalizePath(local) != wantPath {
			loc.SetEnabled(false)
			continue
		}
		if !loc.Enabled() {
			continue
		}
		if !out.Verified {
			out.Verified = true
			out.Source = &dap.Source{Name: path.Base(local), Path: local}
			out.Line = line
		}
	}
	return out
}

func anyEnabledLocation(bp backend.Breakpoint) bool {
	for _, loc := range bp.Locations() {
		if loc.Enabled() {
			return true
		}
	}
	return false
}

// Session-side breakpoint request handlers. Each reconciliation runs
// with backend breakpoint events gated off, so the registry's own edits
// never come back as client-visible breakpoint events.

func (s *Session) handleSetBreakpoints(raw json.RawMessage) (any, error) {
	var args dap.SetBreakpointsArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed setBreakpoints arguments: %s", err)
	}
	reqs := args.Breakpoints
	if len(reqs) == 0 && len(args.Lines) > 0 {
		reqs = lo.Map(args.Lines, func(line int, _ int) dap.SourceBreakpoint {
			return dap.SourceBreakpoint{Line: line}
		})
	}
	if s.noDebug || s.target == nil {
		return dap.SetBreakpointsResponseBody{Breakpoints: unverified(len(reqs))}, nil
	}
	s.bpEventsOK.Store(false)
	defer s.bpEventsOK.Store(true)

	var results []dap.Breakpoint
	switch {
	case args.Source.SourceReference != 0 || len(args.Source.AdapterData) > 0:
		results = s.setDisassemblyBreakpoints(args.Source, reqs)
	case args.Source.Path != "":
		results = s.bps.SetSourceBreakpoints(s.target, args.Source.Path, reqs, s.resolveSource)
	default:
		return nil, &UserError{Message: "breakpoint source has neither a path nor a source reference"}
	}
	return dap.SetBreakpointsResponseBody{Breakpoints: results}, nil
}

// setDisassemblyBreakpoints places instruction-level breakpoints, from
// the live view when one exists, else by re-resolving persisted adapter
// data saved in an earlier session.
func (s *Session) setDisassemblyBreakpoints(source dap.Source, reqs []dap.SourceBreakpoint) []dap.Breakpoint {
	if view := s.disasm.ViewByRef(source.SourceReference); view != nil {
		data, _ := json.Marshal(view.AdapterData())
		return s.bps.SetDisassemblyBreakpoints(s.target, view.Start(),
			view.AddressForLine, view.LineForAddress, data, disasmSource(view), reqs)
	}

	var data dasm.AdapterData
	if len(source.AdapterData) == 0 || json.Unmarshal(source.AdapterData, &data) != nil || len(data.Lines) == 0 {
		return unverified(len(reqs))
	}
	lineToAddr := func(line int) (uint64, bool) {
		return dasm.AddressForPersistedLine(source.AdapterData, line)
	}
	addrToLine := func(addr uint64) int {
		for line, a := range data.Lines {
			if a == addr {
				if n, err := strconv.Atoi(line); err == nil {
					return n
				}
			}
		}
		return 0
	}
	src := &dap.Source{
		Name:            source.Name,
		SourceReference: source.SourceReference,
		AdapterData:     source.AdapterData,
	}
	return s.bps.SetDisassemblyBreakpoints(s.target, data.Start, lineToAddr, addrToLine, source.AdapterData, src, reqs)
}

func (s *Session) handleSetFunctionBreakpoints(raw json.RawMessage) (any, error) {
	var args dap.SetFunctionBreakpointsArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed setFunctionBreakpoints arguments: %s", err)
	}
	if s.noDebug || s.target == nil {
		return dap.SetBreakpointsResponseBody{Breakpoints: unverified(len(args.Breakpoints))}, nil
	}
	s.bpEventsOK.Store(false)
	defer s.bpEventsOK.Store(true)
	results := s.bps.SetFunctionBreakpoints(s.target, args.Breakpoints)
	return dap.SetBreakpointsResponseBody{Breakpoints: results}, nil
}

func (s *Session) handleSetExceptionBreakpoints(raw json.RawMessage) (any, error) {
	var args dap.SetExceptionBreakpointsArguments
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, userErrorf("malformed setExceptionBreakpoints arguments: %s", err)
	}
	if s.noDebug || s.target == nil {
		return nil, nil
	}
	s.bpEventsOK.Store(false)
	defer s.bpEventsOK.Store(true)

	langs := stringList(gjson.GetBytes(s.launchArgs, "sourceLanguages"))
	selected := lo.Filter(filtersForLanguages(langs), func(f exceptionFilter, _ int) bool {
		return lo.Contains(args.Filters, f.id) || lo.ContainsBy(args.FilterOptions, func(o dap.ExceptionFilterOptions) bool {
			return o.FilterID == f.id
		})
	})
	conditions := make(map[string]string)
	for _, o := range args.FilterOptions {
		if o.Condition != "" {
			conditions[o.FilterID] = o.Condition
		}
	}
	s.bps.SetExceptionBreakpoints(s.target, selected, conditions)
	return nil, nil
}

func unverified(n int) []dap.Breakpoint {
	return make([]dap.Breakpoint, n)
}
