package livepatch

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

type x64 struct{}

func (x64) jumpSize() int { return 14 }
func (x64) window() int   { return 32 }
func (x64) nop() []byte   { return []byte{0x90} }

// absJump is JMP [RIP+0] followed by the 64-bit target.
func (x64) absJump(to uintptr) []byte {
	return putUint64([]byte{0xff, 0x25, 0, 0, 0, 0}, uint64(to))
}

// stub is JMP [RIP-14], reaching back from stubOffset to the slot.
func (x64) stub() []byte {
	return []byte{0xff, 0x25, 0xf2, 0xff, 0xff, 0xff}
}

var x64CondCodes = map[x86asm.Op]byte{
	x86asm.JO: 0x0, x86asm.JNO: 0x1, x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5, x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9, x86asm.JP: 0xa, x86asm.JNP: 0xb,
	x86asm.JL: 0xc, x86asm.JGE: 0xd, x86asm.JLE: 0xe, x86asm.JG: 0xf,
}

func (a x64) relocate(code []byte, pc uintptr, min int) ([]byte, int, error) {
	var out []byte
	off := 0
	for off < min {
		at := pc + uintptr(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "0x%x: decode % x", at, code[off:])
		}
		next := off + inst.Len
		last := next >= min

		rel, err := a.relocateOne(inst, code[off:next], at, pc, min, last)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "0x%x: %s", at, x86asm.IntelSyntax(inst, uint64(at), nil))
		}
		out = append(out, rel...)
		off = next
	}
	return out, off, nil
}

func (a x64) relocateOne(inst x86asm.Inst, raw []byte, at, start uintptr, min int, last bool) ([]byte, error) {
	for _, arg := range inst.Args {
		if m, ok := arg.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			return nil, errors.New("RIP-relative operand is not relocatable")
		}
	}

	target := func() (uintptr, bool, error) {
		r, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return 0, false, nil
		}
		t := at + uintptr(inst.Len) + uintptr(int64(r))
		if inRange(t, start, min) {
			return 0, true, errors.Errorf("branch into the overwritten prologue (0x%x)", t)
		}
		return t, true, nil
	}

	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.UD2, x86asm.HLT, x86asm.INT:
		if !last {
			return nil, errPrologueTooShort
		}
		return raw, nil

	case x86asm.JMP:
		if !last {
			return nil, errPrologueTooShort
		}
		t, ok, err := target()
		if err != nil || !ok {
			return raw, err
		}
		return a.absJump(t), nil

	case x86asm.CALL:
		t, ok, err := target()
		if err != nil || !ok {
			return raw, err
		}
		// CALL [RIP+2]; JMP +8; .quad target
		code := []byte{0xff, 0x15, 0x02, 0, 0, 0, 0xeb, 0x08}
		return putUint64(code, uint64(t)), nil

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return nil, errors.New("short-only branch is not relocatable")
	}

	if cc, ok := x64CondCodes[inst.Op]; ok {
		t, _, err := target()
		if err != nil {
			return nil, err
		}
		// Jcc +2; JMP +14; absolute jump to target
		code := []byte{0x70 | cc, 0x02, 0xeb, 0x0e}
		return append(code, a.absJump(t)...), nil
	}
	return raw, nil
}
