package livepatch

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

// AArch64 inline hooks branch through X17 (IP1), which the procedure call
// standard leaves free on function entry.
const (
	a64Nop     = 0xd503201f
	a64BrX17   = 0xd61f0220
	a64BlrX17  = 0xd63f0220
	a64StubLdr = 0x58ffffd1 // LDR X17, #-8
	x17        = 17
)

type a64 struct{}

func (a64) jumpSize() int { return 16 }
func (a64) window() int   { return 16 }
func (a64) nop() []byte   { return putUint32(nil, a64Nop) }

func (a64) absJump(to uintptr) []byte {
	code := putUint32(nil, a64LdrLiteral(x17, 8))
	code = putUint32(code, a64BrX17)
	return putUint64(code, uint64(to))
}

func (a64) stub() []byte {
	return putUint32(putUint32(nil, a64StubLdr), a64BrX17)
}

// a64LdrLiteral encodes LDR Xt, [PC+off].
func a64LdrLiteral(rt uint32, off int) uint32 {
	return 0x58000000 | (uint32(off/4)&0x7ffff)<<5 | rt
}

// a64Branch encodes B [PC+off].
func a64Branch(off int) uint32 {
	return 0x14000000 | uint32(off/4)&0x3ffffff
}

func (a a64) relocate(code []byte, pc uintptr, min int) ([]byte, int, error) {
	if len(code) < min {
		return nil, 0, errors.Errorf("need %d prologue bytes, have %d", min, len(code))
	}

	var out []byte
	for off := 0; off < min; off += 4 {
		ins := binary.LittleEndian.Uint32(code[off:])
		at := pc + uintptr(off)
		last := off+4 >= min

		rel, err := a.relocateOne(ins, at, pc, min, last)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "0x%x: %s", at, a64Describe(ins))
		}
		out = append(out, rel...)
	}
	return out, min, nil
}

func (a a64) relocateOne(ins uint32, at, start uintptr, min int, last bool) ([]byte, error) {
	target := func(imm int64) (uintptr, error) {
		t := uintptr(int64(at) + imm)
		if inRange(t, start, min) {
			return 0, errors.Errorf("branch into the overwritten prologue (0x%x)", t)
		}
		return t, nil
	}

	switch {
	case ins&0xfffffc1f == 0xd65f0000, ins&0xfffffc1f == 0xd61f0000:
		// RET, BR: the function ends inside the overwritten range.
		if !last {
			return nil, errPrologueTooShort
		}
		return putUint32(nil, ins), nil

	case ins&0xfc000000 == 0x14000000: // B
		if !last {
			return nil, errPrologueTooShort
		}
		t, err := target(signExtend(uint64(ins&0x3ffffff), 26) * 4)
		if err != nil {
			return nil, err
		}
		return a.absJump(t), nil

	case ins&0xfc000000 == 0x94000000: // BL
		t, err := target(signExtend(uint64(ins&0x3ffffff), 26) * 4)
		if err != nil {
			return nil, err
		}
		code := putUint32(nil, a64LdrLiteral(x17, 12))
		code = putUint32(code, a64BlrX17)
		code = putUint32(code, a64Branch(12))
		return putUint64(code, uint64(t)), nil

	case ins&0xff000010 == 0x54000000, // B.cond
		ins&0x7e000000 == 0x34000000: // CBZ, CBNZ
		t, err := target(signExtend(uint64(ins>>5&0x7ffff), 19) * 4)
		if err != nil {
			return nil, err
		}
		return a.conditional(ins&^(0x7ffff<<5)|2<<5, t), nil

	case ins&0x7e000000 == 0x36000000: // TBZ, TBNZ
		t, err := target(signExtend(uint64(ins>>5&0x3fff), 14) * 4)
		if err != nil {
			return nil, err
		}
		return a.conditional(ins&^(0x3fff<<5)|2<<5, t), nil

	case ins&0x1f000000 == 0x10000000: // ADR, ADRP
		imm := signExtend(uint64(ins>>5&0x7ffff)<<2|uint64(ins>>29&3), 21)
		var t uintptr
		if ins&0x80000000 != 0 {
			t = uintptr(int64(at&^0xfff) + imm<<12)
		} else {
			t = uintptr(int64(at) + imm)
		}
		code := putUint32(nil, a64LdrLiteral(ins&0x1f, 8))
		code = putUint32(code, a64Branch(12))
		return putUint64(code, uint64(t)), nil

	case ins&0x3b000000 == 0x18000000: // LDR (literal)
		if ins&(1<<26) != 0 {
			return nil, errors.New("SIMD literal load is not relocatable")
		}
		t := uintptr(int64(at) + signExtend(uint64(ins>>5&0x7ffff), 19)*4)
		rt := ins & 0x1f
		var load uint32
		size := 4
		switch ins >> 30 {
		case 0:
			load = 0xb9400000 | x17<<5 | rt // LDR Wt, [X17]
		case 1:
			load = 0xf9400000 | x17<<5 | rt // LDR Xt, [X17]
			size = 8
		case 2:
			load = 0xb9800000 | x17<<5 | rt // LDRSW Xt, [X17]
		default:
			return putUint32(nil, a64Nop), nil // PRFM
		}
		if spansOverlap(t, size, start, min) {
			return nil, errors.Errorf("literal load from the overwritten prologue (0x%x)", t)
		}
		code := putUint32(nil, a64LdrLiteral(x17, 12))
		code = putUint32(code, load)
		code = putUint32(code, a64Branch(12))
		return putUint64(code, uint64(t)), nil
	}

	return putUint32(nil, ins), nil
}

// conditional emits the branch ins (already retargeted to +8) followed by a
// skip over an absolute jump to t.
func (a a64) conditional(ins uint32, t uintptr) []byte {
	code := putUint32(nil, ins)
	code = putUint32(code, a64Branch(20))
	return append(code, a.absJump(t)...)
}

func a64Describe(ins uint32) string {
	inst, err := arm64asm.Decode(putUint32(nil, ins))
	if err != nil {
		return fmt.Sprintf("%08x", ins)
	}
	return arm64asm.GNUSyntax(inst)
}
