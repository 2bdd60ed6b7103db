// Package asm turns short instruction sequences into machine code for
// patching, and machine code back into text.
package asm

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Arch identifies an instruction set.
type Arch int

const (
	Unknown Arch = iota
	ARM
	ARM64
	X86
	X86_64
)

var (
	ErrSyntax          = errors.New("syntax error")
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

func (a Arch) String() string {
	switch a {
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	}
	return "unknown"
}

// ParseArch accepts the common spellings of each architecture, including
// the GOARCH names.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arm", "arm32", "armv7":
		return ARM, nil
	case "arm64", "aarch64":
		return ARM64, nil
	case "x86", "386", "i386":
		return X86, nil
	case "x86_64", "x86-64", "amd64", "x64":
		return X86_64, nil
	}
	return Unknown, errors.Wrapf(ErrUnsupportedArch, "%q", s)
}

// Native is the architecture the current process runs on.
func Native() Arch {
	switch runtime.GOARCH {
	case "arm":
		return ARM
	case "arm64":
		return ARM64
	case "386":
		return X86
	case "amd64":
		return X86_64
	}
	return Unknown
}

// Assemble encodes text for arch. Statements are separated by ';' or
// newlines and "//" starts a comment. pc is the address the code will run
// at: branch operands are absolute addresses and "." is the address of the
// current statement.
func Assemble(arch Arch, text string, pc uint64) ([]byte, error) {
	var enc encoder
	switch arch {
	case ARM64:
		enc = arm64Encoder{}
	case X86_64:
		enc = x86Encoder{}
	default:
		return nil, errors.Wrapf(ErrUnsupportedArch, "assemble for %s", arch)
	}

	lines := splitStatements(text)
	if len(lines) == 0 {
		return nil, errors.Wrap(ErrSyntax, "no instructions")
	}

	var out []byte
	for _, line := range lines {
		at := pc + uint64(len(out))
		st, err := parseStatement(line, at)
		if err != nil {
			return nil, syntaxError(line, err)
		}
		code, err := enc.encode(st, at)
		if err != nil {
			return nil, syntaxError(line, err)
		}
		if err := enc.check(code); err != nil {
			return nil, errors.Wrapf(err, "%q encoded as % x", line, code)
		}
		out = append(out, code...)
	}
	return out, nil
}

// MustAssemble is Assemble for fixed, known-good input.
func MustAssemble(arch Arch, text string, pc uint64) []byte {
	code, err := Assemble(arch, text, pc)
	if err != nil {
		panic(err)
	}
	return code
}

type encoder interface {
	encode(st statement, pc uint64) ([]byte, error)
	// check decodes code again and fails unless it is exactly one
	// instruction.
	check(code []byte) error
}

func syntaxError(line string, err error) error {
	return errors.Wrapf(ErrSyntax, "%q: %v", line, err)
}

func unknownMnemonic(m string) error {
	return errors.Errorf("unknown mnemonic %q", m)
}
