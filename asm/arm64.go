package asm

import (
	"encoding/binary"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

type arm64Encoder struct{}

func (arm64Encoder) encode(st statement, pc uint64) ([]byte, error) {
	enc, ok := a64Ops[st.mnemonic]
	if !ok && strings.HasPrefix(st.mnemonic, "b.") {
		enc = a64BranchCond
		ok = true
	}
	if !ok {
		return nil, unknownMnemonic(st.mnemonic)
	}
	ins, err := enc(st, pc)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(nil, ins), nil
}

func (arm64Encoder) check(code []byte) error {
	if _, err := arm64asm.Decode(code); err != nil {
		return errors.Wrap(err, "arm64 self check")
	}
	return nil
}

type a64Func func(st statement, pc uint64) (uint32, error)

var a64Ops = map[string]a64Func{
	"nop":    a64Fixed(0xd503201f),
	"isb":    a64Fixed(0xd5033fdf),
	"ret":    a64Ret,
	"br":     a64BranchReg(0xd61f0000),
	"blr":    a64BranchReg(0xd63f0000),
	"brk":    a64Exception(0xd4200000),
	"svc":    a64Exception(0xd4000001),
	"dmb":    a64Barrier(0xd50330bf),
	"dsb":    a64Barrier(0xd503309f),
	"b":      a64Branch(0x14000000),
	"bl":     a64Branch(0x94000000),
	"cbz":    a64CompareBranch(0x34000000),
	"cbnz":   a64CompareBranch(0x35000000),
	"mov":    a64Mov,
	"movz":   a64MoveWide(2),
	"movn":   a64MoveWide(0),
	"movk":   a64MoveWide(3),
	"add":    a64AddSub(0, 0),
	"adds":   a64AddSub(0, 1),
	"sub":    a64AddSub(1, 0),
	"subs":   a64AddSub(1, 1),
	"cmp":    a64Compare(1),
	"cmn":    a64Compare(0),
	"mul":    a64Mul,
	"and":    a64Logical(0),
	"orr":    a64Logical(1),
	"eor":    a64Logical(2),
	"ands":   a64Logical(3),
	"ldr":    a64LoadStore(-1, 1),
	"str":    a64LoadStore(-1, 0),
	"ldrb":   a64LoadStore(0, 1),
	"strb":   a64LoadStore(0, 0),
	"ldrh":   a64LoadStore(1, 1),
	"strh":   a64LoadStore(1, 0),
	"ldp":    a64Pair(1),
	"stp":    a64Pair(0),
	"fmov":   a64Fmov,
	"fadd":   a64FloatArith(0x1e202800),
	"fsub":   a64FloatArith(0x1e203800),
	"fmul":   a64FloatArith(0x1e200800),
	"fdiv":   a64FloatArith(0x1e201800),
	"fcmp":   a64Fcmp,
	"scvtf":  a64Scvtf,
	"fcvtzs": a64Fcvtzs,
	"cset":   a64Cset,
}

// a64Reg is a general purpose (w, x) or floating point (s, d) register.
// Number 31 is sp or the zero register depending on the instruction.
type a64Reg struct {
	n    uint32
	kind byte
	sp   bool
	zr   bool
}

func (r a64Reg) is64() bool { return r.kind == 'x' || r.kind == 'd' }
func (r a64Reg) fp() bool   { return r.kind == 's' || r.kind == 'd' }

func (r a64Reg) sf() uint32 {
	if r.is64() {
		return 1 << 31
	}
	return 0
}

// ftype is the floating point type field: 0 single, 1 double.
func (r a64Reg) ftype() uint32 {
	if r.kind == 'd' {
		return 1 << 22
	}
	return 0
}

func (r a64Reg) width() uint {
	if r.is64() {
		return 64
	}
	return 32
}

func parseA64Reg(name string) (a64Reg, bool) {
	switch name {
	case "sp":
		return a64Reg{n: 31, kind: 'x', sp: true}, true
	case "wsp":
		return a64Reg{n: 31, kind: 'w', sp: true}, true
	case "xzr":
		return a64Reg{n: 31, kind: 'x', zr: true}, true
	case "wzr":
		return a64Reg{n: 31, kind: 'w', zr: true}, true
	case "fp":
		return a64Reg{n: 29, kind: 'x'}, true
	case "lr":
		return a64Reg{n: 30, kind: 'x'}, true
	}
	if len(name) < 2 {
		return a64Reg{}, false
	}
	kind := name[0]
	if kind != 'x' && kind != 'w' && kind != 's' && kind != 'd' {
		return a64Reg{}, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n > 31 || (n == 31 && (kind == 'x' || kind == 'w')) {
		return a64Reg{}, false
	}
	return a64Reg{n: uint32(n), kind: kind}, true
}

func a64Register(op operand) (a64Reg, error) {
	if op.kind == opIdent {
		if r, ok := parseA64Reg(op.ident); ok {
			return r, nil
		}
	}
	return a64Reg{}, errors.Errorf("expected register, got %q", op.text)
}

// a64GP parses a general purpose register. sp is accepted only when allowSP.
func a64GP(op operand, allowSP bool) (a64Reg, error) {
	r, err := a64Register(op)
	if err != nil {
		return r, err
	}
	if r.fp() {
		return r, errors.Errorf("expected general purpose register, got %q", op.text)
	}
	if r.sp && !allowSP {
		return r, errors.Errorf("%q is not allowed here", op.text)
	}
	return r, nil
}

func a64FP(op operand) (a64Reg, error) {
	r, err := a64Register(op)
	if err != nil {
		return r, err
	}
	if !r.fp() {
		return r, errors.Errorf("expected floating point register, got %q", op.text)
	}
	return r, nil
}

func sameWidth(regs ...a64Reg) error {
	for _, r := range regs[1:] {
		if r.is64() != regs[0].is64() {
			return errors.New("register widths differ")
		}
	}
	return nil
}

func a64Imm(op operand) (int64, error) {
	if op.kind != opImm && op.kind != opNum {
		return 0, errors.Errorf("expected immediate, got %q", op.text)
	}
	return op.imm, nil
}

func a64UImm(op operand, width uint) (uint32, error) {
	v, err := a64Imm(op)
	if err != nil {
		return 0, err
	}
	if v < 0 || v >= 1<<width {
		return 0, errors.Errorf("immediate %d out of range", v)
	}
	return uint32(v), nil
}

// a64Offset converts an absolute branch target into a word offset field of
// the given width.
func a64Offset(op operand, pc uint64, width uint) (uint32, error) {
	if op.kind != opNum && op.kind != opImm {
		return 0, errors.Errorf("expected branch target, got %q", op.text)
	}
	delta := int64(uint64(op.imm) - pc)
	if delta%4 != 0 {
		return 0, errors.Errorf("branch target 0x%x is not word aligned", op.imm)
	}
	delta /= 4
	if lim := int64(1) << (width - 1); delta < -lim || delta >= lim {
		return 0, errors.Errorf("branch target 0x%x out of range", op.imm)
	}
	return uint32(delta) & (1<<width - 1), nil
}

var a64Conds = map[string]uint32{
	"eq": 0, "ne": 1, "cs": 2, "hs": 2, "cc": 3, "lo": 3, "mi": 4, "pl": 5,
	"vs": 6, "vc": 7, "hi": 8, "ls": 9, "ge": 10, "lt": 11, "gt": 12, "le": 13,
	"al": 14,
}

func a64Fixed(ins uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 0); err != nil {
			return 0, err
		}
		return ins, nil
	}
}

func a64Ret(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 0, 1); err != nil {
		return 0, err
	}
	if len(st.ops) == 0 {
		return 0xd65f03c0, nil
	}
	return a64BranchReg(0xd65f0000)(st, pc)
}

func a64BranchReg(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 1); err != nil {
			return 0, err
		}
		r, err := a64GP(st.ops[0], false)
		if err != nil {
			return 0, err
		}
		if !r.is64() || r.zr {
			return 0, errors.Errorf("expected x register, got %q", st.ops[0].text)
		}
		return base | r.n<<5, nil
	}
}

func a64Exception(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 1); err != nil {
			return 0, err
		}
		imm, err := a64UImm(st.ops[0], 16)
		if err != nil {
			return 0, err
		}
		return base | imm<<5, nil
	}
}

var a64BarrierOptions = map[string]uint32{
	"oshld": 1, "oshst": 2, "osh": 3, "nshld": 5, "nshst": 6, "nsh": 7,
	"ishld": 9, "ishst": 10, "ish": 11, "ld": 13, "st": 14, "sy": 15,
}

func a64Barrier(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 0, 1); err != nil {
			return 0, err
		}
		opt := uint32(15)
		if len(st.ops) == 1 {
			var ok bool
			if opt, ok = a64BarrierOptions[st.ops[0].ident]; !ok {
				return 0, errors.Errorf("unknown barrier option %q", st.ops[0].text)
			}
		}
		return base | opt<<8, nil
	}
}

func a64Branch(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 1); err != nil {
			return 0, err
		}
		off, err := a64Offset(st.ops[0], pc, 26)
		if err != nil {
			return 0, err
		}
		return base | off, nil
	}
}

func a64BranchCond(st statement, pc uint64) (uint32, error) {
	cond, ok := a64Conds[strings.TrimPrefix(st.mnemonic, "b.")]
	if !ok {
		return 0, unknownMnemonic(st.mnemonic)
	}
	if err := wantOps(st, 1); err != nil {
		return 0, err
	}
	off, err := a64Offset(st.ops[0], pc, 19)
	if err != nil {
		return 0, err
	}
	return 0x54000000 | off<<5 | cond, nil
}

func a64CompareBranch(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 2); err != nil {
			return 0, err
		}
		rt, err := a64GP(st.ops[0], false)
		if err != nil {
			return 0, err
		}
		off, err := a64Offset(st.ops[1], pc, 19)
		if err != nil {
			return 0, err
		}
		return rt.sf() | base | off<<5 | rt.n, nil
	}
}

// a64MoveWide encodes MOVN (opc 0), MOVZ (2) and MOVK (3).
func a64MoveWide(opc uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 2, 3); err != nil {
			return 0, err
		}
		rd, err := a64GP(st.ops[0], false)
		if err != nil {
			return 0, err
		}
		imm, err := a64UImm(st.ops[1], 16)
		if err != nil {
			return 0, err
		}
		var shift int64
		if len(st.ops) == 3 {
			op := st.ops[2]
			if op.kind != opShift || op.ident != "lsl" {
				return 0, errors.Errorf("expected lsl, got %q", op.text)
			}
			shift = op.imm
		}
		if shift%16 != 0 || shift < 0 || shift >= int64(rd.width()) {
			return 0, errors.Errorf("invalid shift %d", shift)
		}
		return moveWide(rd, opc, uint32(shift/16), imm), nil
	}
}

func moveWide(rd a64Reg, opc, hw, imm uint32) uint32 {
	return rd.sf() | opc<<29 | 0x12800000 | hw<<21 | imm<<5 | rd.n
}

func a64Mov(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rd, err := a64GP(st.ops[0], true)
	if err != nil {
		return 0, err
	}

	if st.ops[1].kind == opIdent {
		rm, err := a64GP(st.ops[1], true)
		if err != nil {
			return 0, err
		}
		if err := sameWidth(rd, rm); err != nil {
			return 0, err
		}
		if rd.sp || rm.sp {
			// ADD rd, rn, #0
			return rd.sf() | 0x11000000 | rm.n<<5 | rd.n, nil
		}
		// ORR rd, zr, rm
		return rd.sf() | 0x2a0003e0 | rm.n<<16 | rd.n, nil
	}

	imm, err := a64Imm(st.ops[1])
	if err != nil {
		return 0, err
	}
	width := rd.width()
	if width == 32 && (imm < math.MinInt32 || imm > math.MaxUint32) {
		return 0, errors.Errorf("immediate %d does not fit a w register", imm)
	}
	mask := ^uint64(0) >> (64 - width)
	v := uint64(imm) & mask

	if !rd.sp {
		for hw := uint32(0); hw < uint32(width/16); hw++ {
			if v&^(0xffff<<(16*hw)) == 0 {
				return moveWide(rd, 2, hw, uint32(v>>(16*hw))), nil
			}
			if inv := ^v & mask; inv&^(0xffff<<(16*hw)) == 0 {
				return moveWide(rd, 0, hw, uint32(inv>>(16*hw))), nil
			}
		}
	}
	if n, immr, imms, ok := encodeBitmask(v, width); ok {
		// ORR rd, zr, #imm
		return rd.sf() | 0x32000000 | n<<22 | immr<<16 | imms<<10 | 31<<5 | rd.n, nil
	}
	return 0, errors.Errorf("immediate 0x%x needs movz/movk", v)
}

// encodeBitmask finds the N:immr:imms encoding of a logical immediate.
func encodeBitmask(v uint64, width uint) (n, immr, imms uint32, ok bool) {
	if width == 32 {
		v = v&0xffffffff | v<<32
	}
	if v == 0 || v == ^uint64(0) {
		return 0, 0, 0, false
	}

	size := uint(64)
	for size > 2 {
		half := size / 2
		m := uint64(1)<<half - 1
		if v&m != v>>half&m {
			break
		}
		size = half
	}

	mask := ^uint64(0) >> (64 - size)
	elem := v & mask
	ones := uint(bits.OnesCount64(elem))
	pattern := uint64(1)<<ones - 1

	for r := uint(0); r < size; r++ {
		if (elem>>r|elem<<(size-r))&mask != pattern {
			continue
		}
		immr = uint32((size - r) % size)
		imms = uint32(^(size*2-1))&0x3f | uint32(ones-1)
		if size == 64 {
			n = 1
		}
		return n, immr, imms, true
	}
	return 0, 0, 0, false
}

func a64AddSub(op, s uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 3, 4); err != nil {
			return 0, err
		}
		rd, err := a64GP(st.ops[0], s == 0)
		if err != nil {
			return 0, err
		}
		return addSub(st, op, s, rd, st.ops[1:])
	}
}

func a64Compare(op uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 2, 3); err != nil {
			return 0, err
		}
		rn, err := a64GP(st.ops[0], true)
		if err != nil {
			return 0, err
		}
		zr := a64Reg{n: 31, kind: rn.kind, zr: true}
		return addSub(st, op, 1, zr, st.ops)
	}
}

// addSub encodes rd = rn op (imm | rm{, shift}) with ops starting at rn.
func addSub(st statement, op, s uint32, rd a64Reg, ops []operand) (uint32, error) {
	if ops[1].kind == opImm || ops[1].kind == opNum {
		rn, err := a64GP(ops[0], true)
		if err != nil {
			return 0, err
		}
		if rn.zr || (rd.zr && s == 0) {
			return 0, errors.New("zero register is not allowed here")
		}
		if err := sameWidth(rd, rn); err != nil {
			return 0, err
		}
		imm := ops[1].imm
		if imm < 0 {
			imm, op = -imm, op^1
		}
		var sh uint32
		if len(ops) == 3 {
			if ops[2].kind != opShift || ops[2].ident != "lsl" || (ops[2].imm != 0 && ops[2].imm != 12) {
				return 0, errors.Errorf("expected lsl #0 or lsl #12, got %q", ops[2].text)
			}
			if ops[2].imm == 12 {
				sh = 1
			}
		} else if imm >= 1<<12 && imm&0xfff == 0 {
			imm, sh = imm>>12, 1
		}
		if imm >= 1<<12 {
			return 0, errors.Errorf("immediate %d out of range", ops[1].imm)
		}
		return rd.sf() | op<<30 | s<<29 | 0x11000000 | sh<<22 | uint32(imm)<<10 | rn.n<<5 | rd.n, nil
	}

	if rd.sp {
		return 0, errors.New("sp needs the immediate form")
	}
	rn, err := a64GP(ops[0], false)
	if err != nil {
		return 0, err
	}
	rm, err := a64GP(ops[1], false)
	if err != nil {
		return 0, err
	}
	if err := sameWidth(rd, rn, rm); err != nil {
		return 0, err
	}
	shift, amount, err := a64ShiftOperand(ops[2:], rd, false)
	if err != nil {
		return 0, err
	}
	return rd.sf() | op<<30 | s<<29 | 0x0b000000 | shift<<22 | rm.n<<16 | amount<<10 | rn.n<<5 | rd.n, nil
}

func a64ShiftOperand(ops []operand, rd a64Reg, allowRor bool) (shift, amount uint32, err error) {
	if len(ops) == 0 {
		return 0, 0, nil
	}
	op := ops[0]
	if op.kind != opShift {
		return 0, 0, errors.Errorf("expected shift, got %q", op.text)
	}
	types := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2}
	if allowRor {
		types["ror"] = 3
	}
	shift, ok := types[op.ident]
	if !ok || op.imm < 0 || op.imm >= int64(rd.width()) {
		return 0, 0, errors.Errorf("invalid shift %q", op.text)
	}
	return shift, uint32(op.imm), nil
}

func a64Mul(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 3); err != nil {
		return 0, err
	}
	var r [3]a64Reg
	for i := range r {
		var err error
		if r[i], err = a64GP(st.ops[i], false); err != nil {
			return 0, err
		}
	}
	if err := sameWidth(r[:]...); err != nil {
		return 0, err
	}
	return r[0].sf() | 0x1b007c00 | r[2].n<<16 | r[1].n<<5 | r[0].n, nil
}

// a64Logical encodes AND (opc 0), ORR (1), EOR (2) and ANDS (3).
func a64Logical(opc uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 3, 4); err != nil {
			return 0, err
		}
		rd, err := a64GP(st.ops[0], opc != 3)
		if err != nil {
			return 0, err
		}
		rn, err := a64GP(st.ops[1], false)
		if err != nil {
			return 0, err
		}
		if err := sameWidth(rd, rn); err != nil {
			return 0, err
		}

		if op := st.ops[2]; op.kind == opImm || op.kind == opNum {
			if len(st.ops) != 3 {
				return 0, errors.New("immediate form takes no shift")
			}
			mask := ^uint64(0) >> (64 - rd.width())
			n, immr, imms, ok := encodeBitmask(uint64(op.imm)&mask, rd.width())
			if !ok {
				return 0, errors.Errorf("0x%x is not a logical immediate", op.imm)
			}
			return rd.sf() | opc<<29 | 0x12000000 | n<<22 | immr<<16 | imms<<10 | rn.n<<5 | rd.n, nil
		}

		if rd.sp {
			return 0, errors.New("sp needs the immediate form")
		}
		rm, err := a64GP(st.ops[2], false)
		if err != nil {
			return 0, err
		}
		if err := sameWidth(rd, rm); err != nil {
			return 0, err
		}
		shift, amount, err := a64ShiftOperand(st.ops[3:], rd, true)
		if err != nil {
			return 0, err
		}
		return rd.sf() | opc<<29 | 0x0a000000 | shift<<22 | rm.n<<16 | amount<<10 | rn.n<<5 | rd.n, nil
	}
}

// a64LoadStore encodes single register loads and stores. size is fixed for
// the byte and halfword forms and taken from the register otherwise.
func a64LoadStore(size int, load uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 2, 3); err != nil {
			return 0, err
		}
		rt, err := a64Register(st.ops[0])
		if err != nil {
			return 0, err
		}
		if rt.sp {
			return 0, errors.Errorf("%q is not allowed here", st.ops[0].text)
		}

		var v uint32
		sz := uint32(size)
		switch {
		case size >= 0:
			if rt.kind != 'w' {
				return 0, errors.Errorf("%s needs a w register", st.mnemonic)
			}
		case rt.fp():
			v = 1 << 26
			sz = 2
			if rt.kind == 'd' {
				sz = 3
			}
		case rt.is64():
			sz = 3
		default:
			sz = 2
		}

		if st.ops[1].kind != opMem {
			if load == 0 || size >= 0 || len(st.ops) != 2 {
				return 0, errors.Errorf("expected memory operand, got %q", st.ops[1].text)
			}
			off, err := a64Offset(st.ops[1], pc, 19)
			if err != nil {
				return 0, err
			}
			opc := map[uint32]uint32{2: 0x18000000, 3: 0x58000000}[sz]
			if v != 0 {
				opc = map[uint32]uint32{2: 0x1c000000, 3: 0x5c000000}[sz]
			}
			return opc | off<<5 | rt.n, nil
		}

		mem := st.ops[1].mem
		rn, err := a64Base(mem.base)
		if err != nil {
			return 0, err
		}
		base := sz<<30 | v | load<<22 | rn<<5 | rt.n
		scale := int64(1) << sz

		switch {
		case len(st.ops) == 3:
			if mem.pre || mem.off != 0 {
				return 0, errors.New("post-index takes a bare base register")
			}
			off, err := a64Imm(st.ops[2])
			if err != nil {
				return 0, err
			}
			return indexed(base, off, 1)
		case mem.pre:
			return indexed(base, mem.off, 3)
		case mem.off >= 0 && mem.off%scale == 0 && mem.off/scale < 1<<12:
			return base | 0x39000000 | uint32(mem.off/scale)<<10, nil
		default:
			// LDUR/STUR
			return indexed(base, mem.off, 0)
		}
	}
}

func indexed(base uint32, off int64, idx uint32) (uint32, error) {
	if off < -256 || off > 255 {
		return 0, errors.Errorf("offset %d out of range", off)
	}
	return base | 0x38000000 | (uint32(off)&0x1ff)<<12 | idx<<10, nil
}

func a64Base(name string) (uint32, error) {
	r, ok := parseA64Reg(name)
	if !ok || r.kind != 'x' || r.zr {
		return 0, errors.Errorf("invalid base register %q", name)
	}
	return r.n, nil
}

func a64Pair(load uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 3, 4); err != nil {
			return 0, err
		}
		rt, err := a64Register(st.ops[0])
		if err != nil {
			return 0, err
		}
		rt2, err := a64Register(st.ops[1])
		if err != nil {
			return 0, err
		}
		if rt.kind != rt2.kind || rt.sp || rt2.sp {
			return 0, errors.New("pair registers must be of the same kind")
		}
		if st.ops[2].kind != opMem {
			return 0, errors.Errorf("expected memory operand, got %q", st.ops[2].text)
		}
		mem := st.ops[2].mem
		rn, err := a64Base(mem.base)
		if err != nil {
			return 0, err
		}

		var opc, v uint32
		scale := int64(4)
		switch rt.kind {
		case 'x':
			opc, scale = 2, 8
		case 's':
			v = 1
		case 'd':
			opc, v, scale = 1, 1, 8
		}

		idx, off := uint32(2), mem.off
		switch {
		case len(st.ops) == 4:
			if mem.pre || mem.off != 0 {
				return 0, errors.New("post-index takes a bare base register")
			}
			if off, err = a64Imm(st.ops[3]); err != nil {
				return 0, err
			}
			idx = 1
		case mem.pre:
			idx = 3
		}
		if off%scale != 0 || off/scale < -64 || off/scale > 63 {
			return 0, errors.Errorf("offset %d out of range", off)
		}
		imm7 := uint32(off/scale) & 0x7f
		return opc<<30 | 0x28000000 | v<<26 | idx<<23 | load<<22 | imm7<<15 | rt2.n<<10 | rn<<5 | rt.n, nil
	}
}

func a64Fmov(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rd, err := a64Register(st.ops[0])
	if err != nil {
		return 0, err
	}

	if src := st.ops[1]; src.kind == opFloat || src.kind == opImm {
		if !rd.fp() {
			return 0, errors.New("fmov immediate needs a floating point destination")
		}
		f := src.float
		if src.kind == opImm {
			f = float64(src.imm)
		}
		imm8, ok := encodeFloat8(f)
		if !ok {
			return 0, errors.Errorf("%v is not an 8-bit float immediate", f)
		}
		return 0x1e201000 | rd.ftype() | imm8<<13 | rd.n, nil
	}

	rn, err := a64Register(st.ops[1])
	if err != nil {
		return 0, err
	}
	if rd.sp || rn.sp {
		return 0, errors.New("sp is not allowed here")
	}
	if err := sameWidth(rd, rn); err != nil {
		return 0, err
	}
	switch {
	case rd.fp() && rn.fp():
		return 0x1e204000 | rd.ftype() | rn.n<<5 | rd.n, nil
	case rd.fp():
		return rd.sf() | rd.ftype() | 0x1e270000 | rn.n<<5 | rd.n, nil
	case rn.fp():
		return rd.sf() | rn.ftype() | 0x1e260000 | rn.n<<5 | rd.n, nil
	}
	return 0, errors.New("fmov needs a floating point operand")
}

// encodeFloat8 finds the imm8 whose expansion equals f.
func encodeFloat8(f float64) (uint32, bool) {
	for imm := uint64(0); imm < 256; imm++ {
		b6 := imm >> 6 & 1
		exp := (b6^1)<<10 | b6*0xff<<2 | imm>>4&3
		raw := imm>>7<<63 | exp<<52 | (imm&0xf)<<48
		if math.Float64frombits(raw) == f {
			return uint32(imm), true
		}
	}
	return 0, false
}

func a64FloatArith(base uint32) a64Func {
	return func(st statement, pc uint64) (uint32, error) {
		if err := wantOps(st, 3); err != nil {
			return 0, err
		}
		var r [3]a64Reg
		for i := range r {
			var err error
			if r[i], err = a64FP(st.ops[i]); err != nil {
				return 0, err
			}
		}
		if err := sameWidth(r[:]...); err != nil {
			return 0, err
		}
		return base | r[0].ftype() | r[2].n<<16 | r[1].n<<5 | r[0].n, nil
	}
}

func a64Fcmp(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rn, err := a64FP(st.ops[0])
	if err != nil {
		return 0, err
	}
	if op := st.ops[1]; (op.kind == opFloat && op.float == 0) || (op.kind == opImm && op.imm == 0) {
		return 0x1e202008 | rn.ftype() | rn.n<<5, nil
	}
	rm, err := a64FP(st.ops[1])
	if err != nil {
		return 0, err
	}
	if err := sameWidth(rn, rm); err != nil {
		return 0, err
	}
	return 0x1e202000 | rn.ftype() | rm.n<<16 | rn.n<<5, nil
}

func a64Scvtf(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rd, err := a64FP(st.ops[0])
	if err != nil {
		return 0, err
	}
	rn, err := a64GP(st.ops[1], false)
	if err != nil {
		return 0, err
	}
	return rn.sf() | rd.ftype() | 0x1e220000 | rn.n<<5 | rd.n, nil
}

func a64Fcvtzs(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rd, err := a64GP(st.ops[0], false)
	if err != nil {
		return 0, err
	}
	rn, err := a64FP(st.ops[1])
	if err != nil {
		return 0, err
	}
	return rd.sf() | rn.ftype() | 0x1e380000 | rn.n<<5 | rd.n, nil
}

// a64Cset is CSINC rd, zr, zr, !cond.
func a64Cset(st statement, pc uint64) (uint32, error) {
	if err := wantOps(st, 2); err != nil {
		return 0, err
	}
	rd, err := a64GP(st.ops[0], false)
	if err != nil {
		return 0, err
	}
	cond, ok := a64Conds[st.ops[1].ident]
	if !ok || cond == 14 {
		return 0, errors.Errorf("invalid condition %q", st.ops[1].text)
	}
	return rd.sf() | 0x1a9f07e0 | (cond^1)<<12 | rd.n, nil
}
