package livepatch

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch/asm"
)

// Code block layout shared by every architecture:
//
//	+0   slot        callback when enabled, trampoline when disabled
//	+8   stub        indirect jump through slot
//	+32  trampoline  relocated prologue, then a jump back behind it
const (
	slotOffset       = 0
	stubOffset       = 8
	trampolineOffset = 32
)

var errPrologueTooShort = errors.New("function too short for the hook jump")

// hookArch generates the machine code an inline hook needs.
type hookArch interface {
	// jumpSize is the length of absJump, the minimum prologue to overwrite.
	jumpSize() int
	// window is how many prologue bytes relocate may need to look at.
	window() int
	// absJump jumps to an arbitrary 64-bit address.
	absJump(to uintptr) []byte
	// stub jumps through the pointer stored at slotOffset.
	stub() []byte
	nop() []byte
	// relocate rewrites whole instructions from code (located at pc) until
	// at least min bytes are consumed, so they run correctly from any
	// address. It returns the new code and the number of bytes consumed.
	relocate(code []byte, pc uintptr, min int) ([]byte, int, error)
}

func archFor(a asm.Arch) (hookArch, error) {
	if a == asm.Unknown {
		a = asm.Native()
	}
	switch a {
	case asm.ARM64:
		return a64{}, nil
	case asm.X86_64:
		return x64{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "inline hooks on %s (%s)", a, runtime.GOARCH)
}

// hookPrologue is the jump to the dispatch stub, padded with nops to the
// relocated length so no partial instruction is left behind.
func hookPrologue(a hookArch, stub uintptr, n int) []byte {
	code := a.absJump(stub)
	for len(code) < n {
		code = append(code, a.nop()...)
	}
	return code[:n]
}

// codeBlock assembles slot, stub and trampoline.
func codeBlock(a hookArch, slot uintptr, trampoline []byte) []byte {
	block := putUint64(nil, uint64(slot))
	block = append(block, a.stub()...)
	for len(block) < trampolineOffset {
		block = append(block, a.nop()...)
	}
	block = block[:trampolineOffset]
	return append(block, trampoline...)
}

func inRange(addr, start uintptr, n int) bool {
	return addr >= start && addr < start+uintptr(n)
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
