package asm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type opKind int

const (
	opIdent opKind = iota // register or condition name
	opImm                 // #n
	opNum                 // bare number or "." expression
	opFloat               // #1.5
	opMem                 // [base, #off] or [base, #off]!
	opShift               // lsl #n
)

type operand struct {
	kind  opKind
	text  string
	ident string
	imm   int64
	float float64
	mem   memRef
}

type memRef struct {
	base string
	off  int64
	pre  bool
}

type statement struct {
	mnemonic string
	ops      []operand
}

func splitStatements(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		for _, s := range strings.Split(line, ";") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func parseStatement(line string, pc uint64) (statement, error) {
	mnemonic, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		mnemonic, rest = line[:i], line[i+1:]
	}
	st := statement{mnemonic: strings.ToLower(mnemonic)}

	for _, text := range splitOperands(rest) {
		op, err := parseOperand(text, pc)
		if err != nil {
			return statement{}, err
		}
		st.ops = append(st.ops, op)
	}
	return st, nil
}

// splitOperands splits on commas outside brackets.
func splitOperands(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

func parseOperand(s string, pc uint64) (operand, error) {
	op := operand{text: s}
	if s == "" {
		return op, errors.New("empty operand")
	}

	switch {
	case s[0] == '[':
		body := strings.TrimSuffix(s, "!")
		op.mem.pre = body != s
		if !strings.HasSuffix(body, "]") {
			return op, errors.Errorf("unterminated memory operand %q", s)
		}
		parts := strings.Split(body[1:len(body)-1], ",")
		if len(parts) > 2 {
			return op, errors.Errorf("register offsets are not supported: %q", s)
		}
		op.kind = opMem
		op.mem.base = strings.ToLower(strings.TrimSpace(parts[0]))
		if len(parts) == 2 {
			v, err := parseInt(strings.TrimPrefix(strings.TrimSpace(parts[1]), "#"))
			if err != nil {
				return op, err
			}
			op.mem.off = v
		}
		return op, nil

	case s[0] == '#':
		if v, err := parseInt(s[1:]); err == nil {
			op.kind, op.imm = opImm, v
			return op, nil
		}
		f, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return op, errors.Errorf("bad immediate %q", s)
		}
		op.kind, op.float = opFloat, f
		return op, nil

	case s[0] == '.':
		op.kind, op.imm = opNum, int64(pc)
		if rest := strings.TrimSpace(s[1:]); rest != "" {
			v, err := parseInt(strings.ReplaceAll(rest, " ", ""))
			if err != nil {
				return op, errors.Errorf("bad address expression %q", s)
			}
			op.imm += v
		}
		return op, nil

	case s[0] == '-' || s[0] == '+' || (s[0] >= '0' && s[0] <= '9'):
		v, err := parseInt(s)
		if err != nil {
			return op, err
		}
		op.kind, op.imm = opNum, v
		return op, nil
	}

	if f := strings.Fields(s); len(f) == 2 {
		v, err := parseInt(strings.TrimPrefix(f[1], "#"))
		if err != nil {
			return op, err
		}
		op.kind, op.ident, op.imm = opShift, strings.ToLower(f[0]), v
		return op, nil
	}

	op.kind, op.ident = opIdent, strings.ToLower(s)
	return op, nil
}

// parseInt accepts decimal, 0x, 0o and 0b forms with an optional sign, and
// 64-bit unsigned values.
func parseInt(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "+"), 0, 64)
	if err != nil {
		return 0, errors.Errorf("bad number %q", s)
	}
	return int64(v), nil
}

func wantOps(st statement, counts ...int) error {
	for _, n := range counts {
		if len(st.ops) == n {
			return nil
		}
	}
	return errors.Errorf("%s takes %v operands, got %d", st.mnemonic, counts, len(st.ops))
}
