// Package dasm maintains synthesized disassembly views for code without
// source. Each view covers one symbol's address range, carries a stable
// source reference for the client, and serializes enough metadata to
// re-resolve instruction-level breakpoints in a later session.
package dasm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// headerLines is the number of comment lines preceding the first
// instruction in a rendered listing.
const headerLines = 2

// noSymbolWindow is the range disassembled around an address that falls
// outside any known symbol.
const noSymbolWindow = 64

// AdapterData is the serialized identity of a disassembly view, embedded
// in breakpoint sources so instruction breakpoints survive restarts.
type AdapterData struct {
	Start uint64            `json:"start"`
	End   uint64            `json:"end"`
	Lines map[string]uint64 `json:"lines"`
}

// Registry owns every view of the session, keyed by source reference and
// by address range. It is confined to the session goroutine.
type Registry struct {
	target  backend.Target
	nextRef int
	byRef   map[int]*View
	views   []*View
}

// NewRegistry returns an empty registry over the given target.
func NewRegistry(target backend.Target) *Registry {
	return &Registry{
		target:  target,
		nextRef: 1,
		byRef:   make(map[int]*View),
	}
}

// ViewByRef returns the view with the given source reference, or nil.
func (r *Registry) ViewByRef(ref int) *View {
	return r.byRef[ref]
}

// ViewForAddress returns the view covering addr, building one from the
// containing symbol (or a fixed window when no symbol is known).
func (r *Registry) ViewForAddress(addr uint64) (*View, error) {
	for _, v := range r.views {
		if addr >= v.start && addr < v.end {
			return v, nil
		}
	}

	start, end := addr, addr+noSymbolWindow
	name := fmt.Sprintf("%#x", addr)
	if sym, ok := r.target.SymbolAt(addr); ok {
		start, end = sym.Start, sym.End
		name = sym.Name
	}

	instrs, err := r.target.Instructions(start, end)
	if err != nil {
		return nil, fmt.Errorf("disassemble %#x: %w", addr, err)
	}

	v := &View{
		ref:    r.nextRef,
		name:   name,
		start:  start,
		end:    end,
		instrs: instrs,
		byAddr: make(map[uint64]int, len(instrs)),
	}
	for i, ins := range instrs {
		v.byAddr[ins.Address] = headerLines + i + 1
	}
	r.nextRef++
	r.byRef[v.ref] = v
	r.views = append(r.views, v)
	return v, nil
}

// View is one synthesized disassembly listing.
type View struct {
	ref    int
	name   string
	start  uint64
	end    uint64
	instrs []backend.Instruction
	byAddr map[uint64]int
}

// SourceRef is the client-visible source reference of this view.
func (v *View) SourceRef() int { return v.ref }

// Name is the display name of the view (the symbol, if known).
func (v *View) Name() string { return v.name }

// Start returns the first address covered by the view.
func (v *View) Start() uint64 { return v.start }

// End returns the first address past the view.
func (v *View) End() uint64 { return v.end }

// LineForAddress maps an address to its 1-based listing line, or 0.
func (v *View) LineForAddress(addr uint64) int {
	return v.byAddr[addr]
}

// AddressForLine maps a 1-based listing line to the instruction address
// at that line.
func (v *View) AddressForLine(line int) (uint64, bool) {
	i := line - headerLines - 1
	if i < 0 || i >= len(v.instrs) {
		return 0, false
	}
	return v.instrs[i].Address, true
}

// Text renders the listing served through the source request.
func (v *View) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "; %s\n", v.name)
	fmt.Fprintf(&b, "; range: %#x-%#x\n", v.start, v.end)
	for _, ins := range v.instrs {
		hex := make([]string, len(ins.Bytes))
		for i, by := range ins.Bytes {
			hex[i] = fmt.Sprintf("%02x", by)
		}
		fmt.Fprintf(&b, "%#012x: %-24s %s %s", ins.Address, strings.Join(hex, " "), ins.Mnemonic, ins.Operands)
		if ins.Comment != "" {
			fmt.Fprintf(&b, " ; %s", ins.Comment)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// AdapterData serializes the view's identity for breakpoint persistence.
func (v *View) AdapterData() AdapterData {
	lines := make(map[string]uint64, len(v.instrs))
	for addr, line := range v.byAddr {
		lines[strconv.Itoa(line)] = addr
	}
	return AdapterData{Start: v.start, End: v.end, Lines: lines}
}

// AddressForPersistedLine resolves a listing line against serialized
// adapter data without re-disassembling.
func AddressForPersistedLine(data []byte, line int) (uint64, bool) {
	entry := gjson.GetBytes(data, "lines."+strconv.Itoa(line))
	if !entry.Exists() {
		return 0, false
	}
	return entry.Uint(), true
}
