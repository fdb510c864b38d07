package dasm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyglass-dap/spyglass/internal/backend"
	"github.com/spyglass-dap/spyglass/internal/backend/backendtest"
)

func testTarget() *backendtest.FakeTarget {
	target := backendtest.NewTarget()
	target.Syms = []backend.Symbol{{Name: "compute", Start: 0x1000, End: 0x1010}}
	target.Instrs = []backend.Instruction{
		{Address: 0x1000, Bytes: []byte{0x55}, Mnemonic: "push", Operands: "rbp"},
		{Address: 0x1001, Bytes: []byte{0x48, 0x89, 0xe5}, Mnemonic: "mov", Operands: "rbp, rsp"},
		{Address: 0x1004, Bytes: []byte{0xc3}, Mnemonic: "ret", Operands: ""},
	}
	return target
}

func TestViewForAddress(t *testing.T) {
	r := NewRegistry(testTarget())

	v, err := r.ViewForAddress(0x1001)
	require.NoError(t, err)
	assert.Equal(t, "compute", v.Name())
	assert.Equal(t, uint64(0x1000), v.Start())
	assert.Equal(t, uint64(0x1010), v.End())
	assert.Positive(t, v.SourceRef())

	// Same range resolves to the same view.
	again, err := r.ViewForAddress(0x1004)
	require.NoError(t, err)
	assert.Same(t, v, again)
	assert.Same(t, v, r.ViewByRef(v.SourceRef()))
}

func TestLineAddressMapping(t *testing.T) {
	r := NewRegistry(testTarget())
	v, err := r.ViewForAddress(0x1000)
	require.NoError(t, err)

	// Instructions start right after the header comments.
	line := v.LineForAddress(0x1001)
	assert.Equal(t, headerLines+2, line)

	addr, ok := v.AddressForLine(line)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1001), addr)

	_, ok = v.AddressForLine(1)
	assert.False(t, ok, "header lines carry no instruction")
	assert.Zero(t, v.LineForAddress(0x2000))
}

func TestText(t *testing.T) {
	r := NewRegistry(testTarget())
	v, err := r.ViewForAddress(0x1000)
	require.NoError(t, err)

	text := v.Text()
	assert.Contains(t, text, "; compute")
	assert.Contains(t, text, "push rbp")
	assert.Contains(t, text, "mov rbp, rsp")
}

func TestAdapterDataRoundTrip(t *testing.T) {
	r := NewRegistry(testTarget())
	v, err := r.ViewForAddress(0x1000)
	require.NoError(t, err)

	line := v.LineForAddress(0x1004)
	require.Positive(t, line)

	raw, err := json.Marshal(v.AdapterData())
	require.NoError(t, err)

	// A later session resolves the same address from the serialized data
	// alone, without a live view.
	addr, ok := AddressForPersistedLine(raw, line)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1004), addr)

	_, ok = AddressForPersistedLine(raw, 999)
	assert.False(t, ok)
}

func TestViewWithoutSymbol(t *testing.T) {
	target := testTarget()
	target.Instrs = append(target.Instrs, backend.Instruction{
		Address: 0x9000, Bytes: []byte{0x90}, Mnemonic: "nop",
	})
	r := NewRegistry(target)

	v, err := r.ViewForAddress(0x9000)
	require.NoError(t, err)
	assert.Equal(t, "0x9000", v.Name())
	assert.Equal(t, uint64(0x9000), v.Start())
}
