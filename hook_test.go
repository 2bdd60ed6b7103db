package livepatch

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/livepatch/asm"
	"github.com/brahma-adshonor/livepatch/internal/fakemem"
)

const (
	hookTarget   = 0x400000
	hookCallback = 0x500000
	blockBase    = 0x7000000
)

// a64Target is movz w0, #42; nop; nop; nop; ret.
var a64Target = []byte{
	0x40, 0x05, 0x80, 0x52,
	0x1f, 0x20, 0x03, 0xd5,
	0x1f, 0x20, 0x03, 0xd5,
	0x1f, 0x20, 0x03, 0xd5,
	0xc0, 0x03, 0x5f, 0xd6,
}

type hookFixture struct {
	mem   *fakemem.Memory
	alloc *fakemem.Allocator
	hooks *HookEngine
	logs  *bytes.Buffer
}

func newHookFixture(t *testing.T, arch asm.Arch, target []byte) *hookFixture {
	t.Helper()
	mem := fakemem.New()
	mem.MapBytes(hookTarget, target)
	alloc := fakemem.NewAllocator(mem, blockBase)

	var logs bytes.Buffer
	h, err := NewHookEngine(HookEngineConfig{
		Memory:    mem,
		Allocator: alloc,
		Symbols:   SymbolTable{"doWork": hookTarget},
		Mapper:    Image{Base: 0x3ff000},
		Arch:      arch,
		Logger:    log.New(&logs, "", 0),
	})
	require.NoError(t, err)
	return &hookFixture{mem: mem, alloc: alloc, hooks: h, logs: &logs}
}

func (f *hookFixture) slot() []byte {
	return f.mem.Bytes(blockBase+slotOffset, 8)
}

func TestHookLifecycle(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)
	h := f.hooks

	assert.Equal(t, uintptr(hookTarget), h.RealAddress(0x1000))

	orig, err := h.HookNamed("work", hookTarget, hookCallback)
	require.NoError(t, err)
	assert.Equal(t, uintptr(blockBase+trampolineOffset), orig)
	assert.True(t, f.alloc.Sealed(blockBase))
	assert.Contains(t, f.logs.String(), "[HOOK] \"work\" @ 0x400000 -> 0x500000 [OK]")

	// The prologue jumps to the stub, the slot points at the callback and
	// the trampoline runs the saved prologue before jumping back.
	assert.Equal(t, a64{}.absJump(blockBase+stubOffset), f.mem.Bytes(hookTarget, 16))
	assert.Equal(t, putUint64(nil, hookCallback), f.slot())
	assert.Equal(t, a64{}.stub(), f.mem.Bytes(blockBase+stubOffset, 8))
	wantTramp := append(append([]byte(nil), a64Target[:16]...), a64{}.absJump(hookTarget+16)...)
	assert.Equal(t, wantTramp, f.mem.Bytes(orig, len(wantTramp)))

	assert.True(t, h.IsEnabled("work"))
	assert.Equal(t, []string{"work"}, h.ActiveHooks())
	got, ok := h.Original("work")
	assert.True(t, ok)
	assert.Equal(t, orig, got)

	require.NoError(t, h.Toggle("work", false))
	assert.False(t, h.IsEnabled("work"))
	assert.Equal(t, putUint64(nil, uint64(orig)), f.slot())
	assert.Equal(t, a64{}.absJump(blockBase+stubOffset), f.mem.Bytes(hookTarget, 16))

	writes := f.mem.Writes()
	require.NoError(t, h.Toggle("work", false))
	assert.Equal(t, writes, f.mem.Writes())

	require.NoError(t, h.Toggle("work", true))
	assert.True(t, h.IsEnabled("work"))
	assert.Equal(t, putUint64(nil, hookCallback), f.slot())

	require.NoError(t, h.Remove("work"))
	assert.Equal(t, a64Target, f.mem.Bytes(hookTarget, len(a64Target)))
	assert.Empty(t, h.ActiveHooks())
	assert.False(t, h.IsEnabled("work"))
	_, ok = h.Original("work")
	assert.False(t, ok)
	assert.ErrorIs(t, h.Toggle("work", true), ErrNotFound)
	assert.ErrorIs(t, h.Remove("work"), ErrNotFound)

	// The block outlives the hook until Close.
	assert.Equal(t, 1, f.alloc.Live())
	assert.Equal(t, putUint64(nil, uint64(orig)), f.slot())
	require.NoError(t, h.Close())
	assert.Zero(t, f.alloc.Live())
	assert.Equal(t, []uintptr{blockBase}, f.alloc.Freed())
}

func TestHookRehookAfterRemove(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)
	h := f.hooks

	_, err := h.HookNamed("work", hookTarget, hookCallback)
	require.NoError(t, err)
	require.NoError(t, h.Unhook(hookTarget))

	orig, err := h.HookNamed("work", hookTarget, hookCallback+0x100)
	require.NoError(t, err)
	assert.NotEqual(t, uintptr(blockBase+trampolineOffset), orig)
	assert.ErrorIs(t, h.Unhook(hookTarget+4), ErrNotFound)
}

func TestHookConflicts(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)
	h := f.hooks

	_, err := h.HookNamed("work", hookTarget, hookCallback)
	require.NoError(t, err)

	_, err = h.HookNamed("work", hookTarget+0x100, hookCallback)
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = h.Hook(hookTarget, hookCallback+8)
	assert.ErrorIs(t, err, ErrHookInstall)

	_, err = h.HookNamed("", hookTarget, hookCallback)
	assert.ErrorIs(t, err, ErrHookInstall)

	_, err = h.Hook(0, hookCallback)
	assert.ErrorIs(t, err, ErrHookInstall)
	_, err = h.Hook(hookTarget, 0)
	assert.ErrorIs(t, err, ErrHookInstall)

	assert.Equal(t, 1, f.alloc.Live())
}

func TestHookSymbol(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)

	_, err := f.hooks.HookSymbolNamed("work", "doWork", hookCallback)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, f.hooks.ActiveHooks())
}

func TestHookSymbolNotFound(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)

	_, err := f.hooks.HookSymbol("missing", hookCallback)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Zero(t, f.mem.Writes())
	assert.Zero(t, f.alloc.Live())
}

func TestHookInstallFailures(t *testing.T) {
	t.Run("unmapped target", func(t *testing.T) {
		f := newHookFixture(t, asm.ARM64, a64Target)
		_, err := f.hooks.Hook(0x900000, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.ErrorIs(t, err, ErrReadFault)
		assert.Zero(t, f.alloc.Live())
	})

	t.Run("read-only target", func(t *testing.T) {
		f := newHookFixture(t, asm.ARM64, a64Target)
		f.mem.SetWritable(hookTarget, false)

		_, err := f.hooks.HookNamed("work", hookTarget, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.Zero(t, f.alloc.Live())
		assert.Equal(t, a64Target, f.mem.Bytes(hookTarget, len(a64Target)))

		// The name and the address are free again.
		f.mem.SetWritable(hookTarget, true)
		_, err = f.hooks.HookNamed("work", hookTarget, hookCallback)
		assert.NoError(t, err)
	})

	t.Run("allocation", func(t *testing.T) {
		f := newHookFixture(t, asm.ARM64, a64Target)
		f.alloc.FailNext()
		_, err := f.hooks.Hook(hookTarget, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.Zero(t, f.mem.Writes())
	})

	t.Run("too short", func(t *testing.T) {
		// ret; nop; nop; nop
		code := []byte{0xc0, 0x03, 0x5f, 0xd6, 0x1f, 0x20, 0x03, 0xd5, 0x1f, 0x20, 0x03, 0xd5, 0x1f, 0x20, 0x03, 0xd5}
		f := newHookFixture(t, asm.ARM64, code)
		_, err := f.hooks.Hook(hookTarget, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.ErrorIs(t, err, errPrologueTooShort)
		assert.Zero(t, f.mem.Writes())
	})
}

func TestHookX64(t *testing.T) {
	// mov eax, 42; 11 x nop; ret
	code := append([]byte{0xb8, 0x2a, 0, 0, 0}, bytes.Repeat([]byte{0x90}, 11)...)
	code = append(code, 0xc3)
	f := newHookFixture(t, asm.X86_64, code)

	orig, err := f.hooks.HookNamed("work", hookTarget, hookCallback)
	require.NoError(t, err)

	assert.Equal(t, x64{}.absJump(blockBase+stubOffset), f.mem.Bytes(hookTarget, 14))
	assert.Equal(t, code[14:], f.mem.Bytes(hookTarget+14, len(code)-14))
	wantTramp := append(append([]byte(nil), code[:14]...), x64{}.absJump(hookTarget+14)...)
	assert.Equal(t, wantTramp, f.mem.Bytes(orig, len(wantTramp)))

	require.NoError(t, f.hooks.Close())
	assert.Equal(t, code, f.mem.Bytes(hookTarget, len(code)))
	assert.Zero(t, f.alloc.Live())
}

func TestRemoveAllReportsFailures(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)
	other := f.mem.MapBytes(0x600000, a64Target)

	_, err := f.hooks.HookNamed("a", hookTarget, hookCallback)
	require.NoError(t, err)
	_, err = f.hooks.HookNamed("b", other.Base, hookCallback)
	require.NoError(t, err)

	f.mem.SetWritable(other.Base, false)
	err = f.hooks.RemoveAll()
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []string{`"b"`}, be.Keys())
	assert.ErrorIs(t, err, ErrWriteFault)

	// The failed hook is still installed and can be removed later.
	assert.Equal(t, []string{"b"}, f.hooks.ActiveHooks())
	f.mem.SetWritable(other.Base, true)
	require.NoError(t, f.hooks.Remove("b"))
	assert.Equal(t, a64Target, f.mem.Bytes(other.Base, len(a64Target)))
}

func TestNewHookEngineUnsupported(t *testing.T) {
	_, err := NewHookEngine(HookEngineConfig{Memory: fakemem.New(), Arch: asm.X86})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestHookOverlappingPrologue(t *testing.T) {
	t.Run("arm64", func(t *testing.T) {
		f := newHookFixture(t, asm.ARM64, a64Target)
		_, err := f.hooks.HookNamed("a", hookTarget, hookCallback)
		require.NoError(t, err)

		_, err = f.hooks.HookNamed("b", hookTarget+4, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.Equal(t, []string{"a"}, f.hooks.ActiveHooks())
		assert.Equal(t, 1, f.alloc.Live())

		require.NoError(t, f.hooks.Remove("a"))
		assert.Equal(t, a64Target, f.mem.Bytes(hookTarget, len(a64Target)))
	})

	t.Run("x64", func(t *testing.T) {
		// mov eax, 42; 40 x nop; ret
		code := append([]byte{0xb8, 0x2a, 0, 0, 0}, bytes.Repeat([]byte{0x90}, 40)...)
		code = append(code, 0xc3)
		f := newHookFixture(t, asm.X86_64, code)

		_, err := f.hooks.HookNamed("a", hookTarget, hookCallback)
		require.NoError(t, err)
		_, err = f.hooks.HookNamed("b", hookTarget+6, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)

		// The first byte past the overwritten prologue is free.
		_, err = f.hooks.HookNamed("c", hookTarget+14, hookCallback)
		require.NoError(t, err)

		require.NoError(t, f.hooks.Remove("a"))
		require.NoError(t, f.hooks.Remove("c"))
		assert.Equal(t, code, f.mem.Bytes(hookTarget, len(code)))
	})

	t.Run("relocated prologue", func(t *testing.T) {
		// 10 x nop; mov eax, 42; 30 x nop; ret. The mov straddles the jump,
		// so the prologue grows to 15 bytes and reaches a hook at +14.
		code := append(bytes.Repeat([]byte{0x90}, 10), 0xb8, 0x2a, 0, 0, 0)
		code = append(code, bytes.Repeat([]byte{0x90}, 30)...)
		code = append(code, 0xc3)
		f := newHookFixture(t, asm.X86_64, code)

		_, err := f.hooks.HookNamed("inner", hookTarget+14, hookCallback)
		require.NoError(t, err)
		_, err = f.hooks.HookNamed("outer", hookTarget, hookCallback)
		assert.ErrorIs(t, err, ErrHookInstall)
		assert.ErrorContains(t, err, "overlaps the hook")
		assert.Equal(t, 1, f.alloc.Live())

		require.NoError(t, f.hooks.Remove("inner"))
		assert.Equal(t, code, f.mem.Bytes(hookTarget, len(code)))
	})
}

func TestHookGuardsRegistry(t *testing.T) {
	f := newHookFixture(t, asm.ARM64, a64Target)
	reg := NewRegistry(RegistryConfig{Memory: f.mem, Guard: f.hooks})

	_, err := f.hooks.HookNamed("work", hookTarget, hookCallback)
	require.NoError(t, err)

	err = reg.ApplyPatch(hookTarget+8, "1F2003D5")
	assert.ErrorIs(t, err, ErrOverlap)
	assert.ErrorContains(t, err, `overlaps the hook "work"`)
	assert.Zero(t, reg.Len())

	// Past the prologue and after removal the range is free.
	require.NoError(t, reg.ApplyPatch(hookTarget+16, "1F2003D5"))
	require.NoError(t, f.hooks.Remove("work"))
	require.NoError(t, reg.ApplyPatch(hookTarget+8, "1F2003D5"))
	require.NoError(t, reg.RevertAll())
	assert.Equal(t, a64Target, f.mem.Bytes(hookTarget, len(a64Target)))
}
