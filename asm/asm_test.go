package asm

import (
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleARM64(t *testing.T) {
	const pc = 0x1000

	cases := []struct {
		text string
		want string
	}{
		{"nop", "1f2003d5"},
		{"ret", "c0035fd6"},
		{"br x17", "20021fd6"},
		{"blr x8", "00013fd6"},
		{"brk #0", "000020d4"},
		{"svc #0x80", "011000d4"},
		{"isb", "df3f03d5"},
		{"dsb ish", "9f3b03d5"},
		{"dmb ish", "bf3b03d5"},
		{"mov w0, #1", "20008052"},
		{"mov x0, #1", "200080d2"},
		{"mov x0, #-1", "00008092"},
		{"movn w0, #0", "00008012"},
		{"mov x0, x1", "e00301aa"},
		{"mov w0, w1", "e003012a"},
		{"mov x29, sp", "fd030091"},
		{"movk x0, #0x1234, lsl #16", "8046a2f2"},
		{"add x0, x0, #1", "00040091"},
		{"sub sp, sp, #0x10", "ff4300d1"},
		{"cmp w0, #0", "1f000071"},
		{"cmp x0, x1", "1f0001eb"},
		{"add x0, x1, x2", "2000028b"},
		{"mul x0, x1, x2", "207c029b"},
		{"and w0, w0, #0xff", "001c0012"},
		{"ldr x0, [x1]", "200040f9"},
		{"ldr x0, [x0, #8]", "000440f9"},
		{"ldr x0, [x1, #-8]", "20805ff8"},
		{"str w1, [x0, #4]", "010400b9"},
		{"ldrb w0, [x0]", "00004039"},
		{"stp x29, x30, [sp, #-16]!", "fd7bbfa9"},
		{"ldp x29, x30, [sp], #16", "fd7bc1a8"},
		{"fmov s0, wzr", "e003271e"},
		{"fmov d0, xzr", "e003679e"},
		{"fmov s0, #1.0", "00102e1e"},
		{"fadd s0, s0, s1", "0028211e"},
		{"fcmp s0, s1", "0020211e"},
		{"scvtf s0, w0", "0000221e"},
		{"fcvtzs w0, s0", "0000381e"},
		{"cset w0, eq", "e0179f1a"},
		{"b 0x1008", "02000014"},
		{"b .", "00000014"},
		{"bl 0xffc", "ffffff97"},
		{"b.ne 0x1010", "81000054"},
		{"cbz x0, .+8", "400000b4"},
	}

	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			code, err := Assemble(ARM64, c.text, pc)
			require.NoError(t, err)
			assert.Equal(t, c.want, hex.EncodeToString(code))
		})
	}
}

func TestAssembleX86_64(t *testing.T) {
	const pc = 0x1000

	cases := []struct {
		text string
		want string
	}{
		{"nop", "90"},
		{"ret", "c3"},
		{"int3", "cc"},
		{"push rbp", "55"},
		{"push r12", "4154"},
		{"pop r15", "415f"},
		{"mov eax, 7", "b807000000"},
		{"mov rax, -1", "48c7c0ffffffff"},
		{"mov rax, 0x1122334455667788", "48b88877665544332211"},
		{"mov r8, rax", "4989c0"},
		{"mov rbp, rsp", "4889e5"},
		{"xor eax, eax", "31c0"},
		{"sub rsp, 0x28", "4883ec28"},
		{"add rsp, 0x1000", "4881c400100000"},
		{"jmp 0x1100", "e9fb000000"},
		{"call 0x1000", "e8fbffffff"},
		{"call rax", "ffd0"},
		{"jmp r11", "41ffe3"},
	}

	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			code, err := Assemble(X86_64, c.text, pc)
			require.NoError(t, err)
			assert.Equal(t, c.want, hex.EncodeToString(code))
		})
	}
}

func TestAssembleSequence(t *testing.T) {
	code, err := Assemble(ARM64, "mov w0, #1 // true\nret", 0)
	require.NoError(t, err)
	assert.Equal(t, "20008052c0035fd6", hex.EncodeToString(code))

	// "." tracks the address of each statement.
	code, err = Assemble(ARM64, "nop; b .", 0x2000)
	require.NoError(t, err)
	assert.Equal(t, "1f2003d500000014", hex.EncodeToString(code))
}

func TestAssembleErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"bogus x0",
		"mov w0",
		"mov w0, #0x123456789",
		"mov x0, #0x12345",
		"add x0, sp, x1",
		"ldrb x0, [x1]",
		"b 0x1002",
		"and w0, w0, #0",
		"fmov s0, #0.1",
		"cset w0, al",
		"ldr x0, [x1, x2]",
	} {
		_, err := Assemble(ARM64, text, 0x1000)
		assert.True(t, errors.Is(err, ErrSyntax), "%q: %v", text, err)
	}

	_, err := Assemble(X86_64, "mov eax, rbx", 0)
	assert.True(t, errors.Is(err, ErrSyntax))

	_, err = Assemble(ARM, "nop", 0)
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
}

func TestPatternsAssemble(t *testing.T) {
	for name, text := range map[string]string{
		"ret":          PatternRet,
		"nop":          PatternNop,
		"loop":         PatternInfiniteLoop,
		"true":         PatternBoolTrue,
		"false":        PatternBoolFalse,
		"int max":      PatternIntMax,
		"long min":     PatternLongMin,
		"float max":    PatternFloatMax,
		"double max":   PatternDoubleMax,
		"double one":   PatternDoubleOne,
		"float equal":  PatternFloatEqual,
		"long to dbl":  PatternLongToDouble,
		"push frame":   PatternPushFrame,
		"pop frame":    PatternPopFrame,
		"virtual call": PatternVirtualCall,
		"null guard":   PatternNullGuard,
	} {
		_, err := Assemble(ARM64, text, 0x4000)
		assert.NoError(t, err, name)
	}
}

func TestDisassemble(t *testing.T) {
	code := MustAssemble(ARM64, PatternBoolTrue, 0)
	insts, err := Disassemble(ARM64, code, 0x100)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, uint64(0x104), insts[1].PC)
	assert.Equal(t, "ret", insts[1].Text)

	insts, err = Disassemble(X86_64, []byte{0x31, 0xc0, 0xc3}, 0)
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, []byte{0x31, 0xc0}, insts[0].Bytes)
	assert.Equal(t, "xor eax, eax", insts[0].Text)

	// GNU syntax pads operand-less mnemonics.
	insts, err = Disassemble(ARM64, []byte{0x1f, 0x20, 0x03, 0xd5}, 0)
	require.NoError(t, err)
	assert.Equal(t, "nop", insts[0].Text)

	_, err = Disassemble(Unknown, code, 0)
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
}

func TestParseArch(t *testing.T) {
	for s, want := range map[string]Arch{
		"arm64": ARM64, "AArch64": ARM64, "amd64": X86_64, "x86_64": X86_64,
		"386": X86, "armv7": ARM,
	} {
		got, err := ParseArch(s)
		require.NoError(t, err)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseArch("mips")
	assert.True(t, errors.Is(err, ErrUnsupportedArch))
}

func TestEncodeBitmask(t *testing.T) {
	n, immr, imms, ok := encodeBitmask(0x5555555555555555, 64)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 0, 0x3c}, []uint32{n, immr, imms})

	n, immr, imms, ok = encodeBitmask(0xff00, 32)
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 24, 7}, []uint32{n, immr, imms})

	_, _, _, ok = encodeBitmask(0x1234, 64)
	assert.False(t, ok)
}
