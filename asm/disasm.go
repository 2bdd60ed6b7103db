package asm

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst is one decoded instruction.
type Inst struct {
	PC    uint64
	Bytes []byte
	Text  string
}

// Disassemble decodes all of code, which is located at pc. ARM code is
// printed in GNU syntax and x86 code in Intel syntax.
func Disassemble(arch Arch, code []byte, pc uint64) ([]Inst, error) {
	var next func(code []byte, pc uint64) (int, string, error)
	switch arch {
	case ARM:
		next = func(code []byte, pc uint64) (int, string, error) {
			inst, err := armasm.Decode(code, armasm.ModeARM)
			if err != nil {
				return 0, "", err
			}
			return inst.Len, armasm.GNUSyntax(inst), nil
		}
	case ARM64:
		next = func(code []byte, pc uint64) (int, string, error) {
			inst, err := arm64asm.Decode(code)
			if err != nil {
				return 0, "", err
			}
			return 4, arm64asm.GNUSyntax(inst), nil
		}
	case X86, X86_64:
		mode := 32
		if arch == X86_64 {
			mode = 64
		}
		next = func(code []byte, pc uint64) (int, string, error) {
			inst, err := x86asm.Decode(code, mode)
			if err != nil {
				return 0, "", err
			}
			return inst.Len, x86asm.IntelSyntax(inst, pc, nil), nil
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedArch, "disassemble %s", arch)
	}

	var out []Inst
	for off := 0; off < len(code); {
		n, text, err := next(code[off:], pc+uint64(off))
		if err != nil {
			return out, errors.Wrapf(err, "decode instruction %d at 0x%x (% x)", len(out), pc+uint64(off), code[off:])
		}
		out = append(out, Inst{
			PC:    pc + uint64(off),
			Bytes: append([]byte(nil), code[off:off+n]...),
			Text:  strings.TrimSpace(text),
		})
		off += n
	}
	return out, nil
}
