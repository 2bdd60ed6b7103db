//go:build linux && (amd64 || arm64)

package livepatch

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveFunctions returns a function returning 42 with a hookable prologue and
// a callback returning 7.
func liveFunctions() (target, callback []byte) {
	if runtime.GOARCH == "arm64" {
		target = a64Code(0x52800540, a64Nop, a64Nop, a64Nop, 0xd65f03c0)
		callback = a64Code(0x528000e0, 0xd65f03c0)
		return target, callback
	}
	target = append([]byte{0xb8, 0x2a, 0, 0, 0}, bytes.Repeat([]byte{0x90}, 16)...)
	target = append(target, 0xc3)
	callback = []byte{0xb8, 0x07, 0, 0, 0, 0xc3}
	return target, callback
}

func loadCode(t *testing.T, alloc *mmapAllocator, code []byte) uintptr {
	t.Helper()
	addr, err := alloc.Alloc(len(code))
	require.NoError(t, err)
	require.NoError(t, NewProcessMemory().Write(addr, code))
	require.NoError(t, alloc.Seal(addr))
	t.Cleanup(func() { alloc.Free(addr) })
	return addr
}

func invoke(t *testing.T, fn uintptr) uintptr {
	t.Helper()
	r, err := Invoke(fn)
	require.NoError(t, err)
	return r & 0xffffffff
}

func TestLiveHook(t *testing.T) {
	alloc := newMmapAllocator()
	targetCode, callbackCode := liveFunctions()
	target := loadCode(t, alloc, targetCode)
	callback := loadCode(t, alloc, callbackCode)

	h, err := NewHookEngine(HookEngineConfig{})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, uintptr(42), invoke(t, target))

	orig, err := h.HookNamed("answer", target, callback)
	require.NoError(t, err)
	assert.Equal(t, uintptr(7), invoke(t, target))
	assert.Equal(t, uintptr(42), invoke(t, orig))

	require.NoError(t, h.Toggle("answer", false))
	assert.Equal(t, uintptr(42), invoke(t, target))

	require.NoError(t, h.Toggle("answer", true))
	assert.Equal(t, uintptr(7), invoke(t, target))

	require.NoError(t, h.Remove("answer"))
	assert.Equal(t, uintptr(42), invoke(t, target))
	assert.Equal(t, targetCode, makeSliceFromPointer(target, len(targetCode)))
}

func TestLivePatch(t *testing.T) {
	alloc := newMmapAllocator()
	targetCode, callbackCode := liveFunctions()
	target := loadCode(t, alloc, targetCode)

	reg := NewRegistry(RegistryConfig{})
	require.NoError(t, reg.ApplyBytes(uint64(target), callbackCode))
	assert.Equal(t, uintptr(7), invoke(t, target))

	require.NoError(t, reg.RevertAll())
	assert.Equal(t, uintptr(42), invoke(t, target))
}

func TestInvokeNil(t *testing.T) {
	_, err := Invoke(0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, Bind(new(func() int), 0), ErrNotFound)
}

func TestBindAndCallback(t *testing.T) {
	cb, err := NewCallback(func(a, b uintptr) uintptr { return a*10 + b })
	require.NoError(t, err)

	var add func(a, b uintptr) uintptr
	require.NoError(t, Bind(&add, cb))
	assert.Equal(t, uintptr(42), add(4, 2))

	r, err := Invoke(cb, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uintptr(12), r)

	assert.ErrorIs(t, Bind(add, cb), ErrUnsupported)
}
