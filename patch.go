package livepatch

import (
	"sync"

	"github.com/brahma-adshonor/livepatch/asm"
)

// MemoryPatch is one reversible modification of a byte range. The original
// bytes are captured once, when the patch is created, and are the only data
// ever used to revert it.
type MemoryPatch struct {
	mem      Memory
	addr     uintptr
	original []byte

	mu      sync.Mutex
	patched []byte
	applied bool
}

// NewPatch captures len(code) bytes at addr without writing anything.
func NewPatch(mem Memory, addr uintptr, code []byte) (*MemoryPatch, error) {
	if len(code) == 0 {
		return nil, newError(ErrEncoding, "patch", addrSubject(addr), errEmptyPayload)
	}

	original, err := mem.Read(addr, len(code))
	if err != nil {
		return nil, newError(ErrReadFault, "patch", addrSubject(addr), err)
	}

	return &MemoryPatch{
		mem:      mem,
		addr:     addr,
		original: original,
		patched:  append([]byte(nil), code...),
	}, nil
}

// NewHexPatch decodes hexBytes before touching memory.
func NewHexPatch(mem Memory, addr uintptr, hexBytes string) (*MemoryPatch, error) {
	code, err := DecodeHex(hexBytes)
	if err != nil {
		return nil, err
	}
	return NewPatch(mem, addr, code)
}

// NewAsmPatch assembles text for arch with addr as the program counter, so
// branch operands are absolute targets.
func NewAsmPatch(mem Memory, addr uintptr, arch asm.Arch, text string) (*MemoryPatch, error) {
	code, err := asm.Assemble(arch, text, uint64(addr))
	if err != nil {
		return nil, newError(ErrAssembly, "patch", addrSubject(addr), err)
	}
	return NewPatch(mem, addr, code)
}

// Apply writes the patched bytes. Applying twice writes the same bytes again.
func (p *MemoryPatch) Apply() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.mem.Write(p.addr, p.patched); err != nil {
		return newError(ErrWriteFault, "apply", addrSubject(p.addr), err)
	}
	p.applied = true
	return nil
}

// Revert restores the original bytes. It is a no-op when the patch is not
// applied.
func (p *MemoryPatch) Revert() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.applied {
		return nil
	}
	if err := p.mem.Write(p.addr, p.original); err != nil {
		return newError(ErrWriteFault, "revert", addrSubject(p.addr), err)
	}
	p.applied = false
	return nil
}

// CurrentBytes re-reads the live range, reflecting any foreign writes.
func (p *MemoryPatch) CurrentBytes() ([]byte, error) {
	b, err := p.mem.Read(p.addr, len(p.original))
	if err != nil {
		return nil, newError(ErrReadFault, "read", addrSubject(p.addr), err)
	}
	return b, nil
}

func (p *MemoryPatch) OriginalBytes() []byte {
	return append([]byte(nil), p.original...)
}

func (p *MemoryPatch) PatchedBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.patched...)
}

func (p *MemoryPatch) Address() uintptr {
	return p.addr
}

func (p *MemoryPatch) Len() int {
	return len(p.original)
}

func (p *MemoryPatch) IsApplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func (p *MemoryPatch) overlaps(addr uintptr, n int) bool {
	return spansOverlap(p.addr, len(p.original), addr, n)
}

func spansOverlap(a uintptr, an int, b uintptr, bn int) bool {
	return a < b+uintptr(bn) && b < a+uintptr(an)
}
