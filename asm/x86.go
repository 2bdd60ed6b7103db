package asm

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

type x86Encoder struct{}

type x86Reg struct {
	n     byte
	wide  bool
	named string
}

var x86Regs = func() map[string]x86Reg {
	m := make(map[string]x86Reg)
	r64 := []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	r32 := []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	for i := range r64 {
		m[r64[i]] = x86Reg{n: byte(i), wide: true, named: r64[i]}
		m[r32[i]] = x86Reg{n: byte(i), named: r32[i]}
	}
	return m
}()

func (x86Encoder) encode(st statement, pc uint64) ([]byte, error) {
	switch st.mnemonic {
	case "nop":
		return x86Fixed(st, 0x90)
	case "ret":
		return x86Fixed(st, 0xc3)
	case "int3":
		return x86Fixed(st, 0xcc)
	case "push":
		return x86PushPop(st, 0x50)
	case "pop":
		return x86PushPop(st, 0x58)
	case "mov":
		return x86Mov(st)
	case "xor":
		return x86Arith(st, 0x31, 6)
	case "add":
		return x86Arith(st, 0x01, 0)
	case "sub":
		return x86Arith(st, 0x29, 5)
	case "jmp":
		return x86Branch(st, pc, 0xe9, 4)
	case "call":
		return x86Branch(st, pc, 0xe8, 2)
	}
	return nil, unknownMnemonic(st.mnemonic)
}

func (x86Encoder) check(code []byte) error {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return errors.Wrap(err, "x86 self check")
	}
	if inst.Len != len(code) {
		return errors.Errorf("x86 self check: decoded %d of %d bytes", inst.Len, len(code))
	}
	return nil
}

func x86Register(op operand) (x86Reg, error) {
	if op.kind == opIdent {
		if r, ok := x86Regs[op.ident]; ok {
			return r, nil
		}
	}
	return x86Reg{}, errors.Errorf("expected register, got %q", op.text)
}

// x86Imm accepts both bare and '#' prefixed numbers.
func x86Imm(op operand) (int64, bool) {
	if op.kind == opNum || op.kind == opImm {
		return op.imm, true
	}
	return 0, false
}

// rex returns the REX prefix for the given W, R and B bits, or nil when none
// is needed.
func rex(w bool, r, b byte) []byte {
	v := byte(0x40)
	if w {
		v |= 8
	}
	v |= r >> 3 << 2
	v |= b >> 3
	if v == 0x40 {
		return nil
	}
	return []byte{v}
}

func modrm(reg, rm byte) byte {
	return 0xc0 | (reg&7)<<3 | rm&7
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func x86Fixed(st statement, b byte) ([]byte, error) {
	if err := wantOps(st, 0); err != nil {
		return nil, err
	}
	return []byte{b}, nil
}

func x86PushPop(st statement, base byte) ([]byte, error) {
	if err := wantOps(st, 1); err != nil {
		return nil, err
	}
	r, err := x86Register(st.ops[0])
	if err != nil {
		return nil, err
	}
	if !r.wide {
		return nil, errors.Errorf("%s needs a 64-bit register", st.mnemonic)
	}
	return append(rex(false, 0, r.n), base+r.n&7), nil
}

func x86Mov(st statement) ([]byte, error) {
	if err := wantOps(st, 2); err != nil {
		return nil, err
	}
	dst, err := x86Register(st.ops[0])
	if err != nil {
		return nil, err
	}

	if imm, ok := x86Imm(st.ops[1]); ok {
		switch {
		case !dst.wide:
			if imm < math.MinInt32 || imm > math.MaxUint32 {
				return nil, errors.Errorf("immediate %d does not fit %s", imm, dst.named)
			}
			code := append(rex(false, 0, dst.n), 0xb8+dst.n&7)
			return append(code, le32(uint32(imm))...), nil
		case imm >= math.MinInt32 && imm <= math.MaxInt32:
			// REX.W C7 /0 id, sign extended
			code := append(rex(true, 0, dst.n), 0xc7, modrm(0, dst.n))
			return append(code, le32(uint32(imm))...), nil
		default:
			// REX.W B8+r io
			code := append(rex(true, 0, dst.n), 0xb8+dst.n&7)
			for i := 0; i < 8; i++ {
				code = append(code, byte(uint64(imm)>>(8*i)))
			}
			return code, nil
		}
	}

	src, err := x86Register(st.ops[1])
	if err != nil {
		return nil, err
	}
	if src.wide != dst.wide {
		return nil, errors.New("operand sizes differ")
	}
	return append(rex(dst.wide, src.n, dst.n), 0x89, modrm(src.n, dst.n)), nil
}

// x86Arith encodes op r, r (opcode) and op r, imm (group 1 extension ext).
func x86Arith(st statement, opcode, ext byte) ([]byte, error) {
	if err := wantOps(st, 2); err != nil {
		return nil, err
	}
	dst, err := x86Register(st.ops[0])
	if err != nil {
		return nil, err
	}

	if imm, ok := x86Imm(st.ops[1]); ok {
		switch {
		case imm >= math.MinInt8 && imm <= math.MaxInt8:
			return append(rex(dst.wide, 0, dst.n), 0x83, modrm(ext, dst.n), byte(imm)), nil
		case imm >= math.MinInt32 && imm <= math.MaxInt32:
			code := append(rex(dst.wide, 0, dst.n), 0x81, modrm(ext, dst.n))
			return append(code, le32(uint32(imm))...), nil
		}
		return nil, errors.Errorf("immediate %d out of range", imm)
	}

	src, err := x86Register(st.ops[1])
	if err != nil {
		return nil, err
	}
	if src.wide != dst.wide {
		return nil, errors.New("operand sizes differ")
	}
	return append(rex(dst.wide, src.n, dst.n), opcode, modrm(src.n, dst.n)), nil
}

// x86Branch encodes a rel32 branch to an absolute target, or an indirect
// branch through a register (FF /ext).
func x86Branch(st statement, pc uint64, opcode, ext byte) ([]byte, error) {
	if err := wantOps(st, 1); err != nil {
		return nil, err
	}

	if target, ok := x86Imm(st.ops[0]); ok {
		rel := int64(uint64(target) - (pc + 5))
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return nil, errors.Errorf("target 0x%x out of rel32 range", target)
		}
		return append([]byte{opcode}, le32(uint32(rel))...), nil
	}

	r, err := x86Register(st.ops[0])
	if err != nil {
		return nil, err
	}
	if !r.wide {
		return nil, errors.Errorf("%s needs a 64-bit register", st.mnemonic)
	}
	return append(rex(false, 0, r.n), 0xff, modrm(ext, r.n)), nil
}
