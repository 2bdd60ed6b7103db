package livepatch

import (
	"io"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch/asm"
)

// Mapper converts a registry key into a runtime address. Image maps static
// offsets of a loaded image, Absolute uses the key as the address.
type Mapper interface {
	Address(offset uint64) uintptr
}

// Guard reports code that must not be patched over. HookEngine is a Guard
// for the prologues it has overwritten.
type Guard interface {
	Guarded(addr uintptr, n int) (owner string, ok bool)
}

type RegistryConfig struct {
	// Memory defaults to the current process.
	Memory Memory
	// Mapper defaults to Absolute.
	Mapper Mapper
	// Guard is optional. Without one, a patch over a hooked prologue records
	// the hook jump as its original bytes.
	Guard  Guard
	Logger *log.Logger
}

// Registry owns the active patches, keyed by offset.
type Registry struct {
	mem    Memory
	mapper Mapper
	guard  Guard
	log    *log.Logger

	mu      sync.Mutex
	patches map[uint64]*MemoryPatch
	order   []uint64
	pending map[uint64]span
}

type span struct {
	addr uintptr
	n    int
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Memory == nil {
		cfg.Memory = NewProcessMemory()
	}
	if cfg.Mapper == nil {
		cfg.Mapper = Absolute{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		mem:     cfg.Memory,
		mapper:  cfg.Mapper,
		guard:   cfg.Guard,
		log:     cfg.Logger,
		patches: make(map[uint64]*MemoryPatch),
		pending: make(map[uint64]span),
	}
}

// BatchResult reports the outcome of every entry of a batch.
type BatchResult struct {
	Applied []uint64
	Failed  map[uint64]error
}

func (b BatchResult) OK() bool {
	return len(b.Failed) == 0
}

// Err returns a *BatchError naming every failed offset, or nil.
func (b BatchResult) Err() error {
	if len(b.Failed) == 0 {
		return nil
	}
	be := &BatchError{Op: "apply patches", Errors: make(map[string]error, len(b.Failed))}
	for off, err := range b.Failed {
		be.Errors[offsetSubject(off)] = err
	}
	return be
}

// ApplyPatch decodes hexBytes and patches the range at offset. An existing
// patch at the same offset is reverted and replaced.
func (r *Registry) ApplyPatch(offset uint64, hexBytes string) error {
	code, err := DecodeHex(hexBytes)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return newError(e.Kind, "apply", offsetSubject(offset), e.Err)
		}
		return newError(ErrEncoding, "apply", offsetSubject(offset), err)
	}
	return r.ApplyBytes(offset, code)
}

// ApplyAsm assembles text at the runtime address of offset and patches it.
func (r *Registry) ApplyAsm(offset uint64, arch asm.Arch, text string) error {
	code, err := asm.Assemble(arch, text, uint64(r.mapper.Address(offset)))
	if err != nil {
		return newError(ErrAssembly, "apply", offsetSubject(offset), err)
	}
	return r.ApplyBytes(offset, code)
}

func (r *Registry) ApplyBytes(offset uint64, code []byte) error {
	if len(code) == 0 {
		return newError(ErrEncoding, "apply", offsetSubject(offset), errEmptyPayload)
	}

	addr := r.mapper.Address(offset)
	old, err := r.reserve(offset, addr, len(code))
	if err != nil {
		return err
	}

	if old != nil {
		if err := old.Revert(); err != nil {
			r.finish(offset, old)
			return newError(ErrWriteFault, "apply", offsetSubject(offset), err)
		}
	}

	p, err := NewPatch(r.mem, addr, code)
	if err != nil {
		r.finish(offset, nil)
		r.log.Printf("[PATCH] 0x%x @ 0x%x [FAIL] %v", offset, addr, err)
		return newError(ErrWriteFault, "apply", offsetSubject(offset), err)
	}
	if err := p.Apply(); err != nil {
		r.finish(offset, nil)
		r.log.Printf("[PATCH] 0x%x @ 0x%x [FAIL] %v", offset, addr, err)
		return newError(ErrWriteFault, "apply", offsetSubject(offset), err)
	}

	r.finish(offset, p)
	r.log.Printf("[PATCH] 0x%x @ 0x%x %s [OK]", offset, addr, EncodeHex(code))
	return nil
}

// ApplyPatches applies every entry independently; a failure does not stop the
// remaining entries.
func (r *Registry) ApplyPatches(patches map[uint64]string) BatchResult {
	return r.batch(patches, r.ApplyPatch)
}

func (r *Registry) ApplyAsmPatches(patches map[uint64]string, arch asm.Arch) BatchResult {
	return r.batch(patches, func(offset uint64, text string) error {
		return r.ApplyAsm(offset, arch, text)
	})
}

func (r *Registry) batch(patches map[uint64]string, apply func(uint64, string) error) BatchResult {
	offsets := make([]uint64, 0, len(patches))
	for off := range patches {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	res := BatchResult{Failed: make(map[uint64]error)}
	for _, off := range offsets {
		if err := apply(off, patches[off]); err != nil {
			res.Failed[off] = err
			continue
		}
		res.Applied = append(res.Applied, off)
	}
	return res
}

// Revert restores the original bytes at offset and forgets the patch. A patch
// whose revert fails stays registered.
func (r *Registry) Revert(offset uint64) error {
	r.mu.Lock()
	p, ok := r.patches[offset]
	if !ok {
		r.mu.Unlock()
		return newError(ErrNotFound, "revert", offsetSubject(offset), nil)
	}
	r.removeLocked(offset)
	r.pending[offset] = span{addr: p.Address(), n: p.Len()}
	r.mu.Unlock()

	if err := p.Revert(); err != nil {
		r.finish(offset, p)
		r.log.Printf("[PATCH] revert 0x%x [FAIL] %v", offset, err)
		return newError(ErrWriteFault, "revert", offsetSubject(offset), err)
	}

	r.finish(offset, nil)
	r.log.Printf("[PATCH] revert 0x%x [OK]", offset)
	return nil
}

// RevertAll reverts every patch exactly once, newest first, and reports all
// failures together.
func (r *Registry) RevertAll() error {
	r.mu.Lock()
	offsets := make([]uint64, len(r.order))
	for i, off := range r.order {
		offsets[len(r.order)-1-i] = off
	}
	r.mu.Unlock()

	be := &BatchError{Op: "revert all", Errors: make(map[string]error)}
	for _, off := range offsets {
		err := r.Revert(off)
		if err != nil && !errors.Is(err, ErrNotFound) {
			be.Errors[offsetSubject(off)] = err
		}
	}
	if len(be.Errors) != 0 {
		return be
	}
	return nil
}

// CurrentBytes returns the live bytes of the patched range as hex.
func (r *Registry) CurrentBytes(offset uint64) (string, error) {
	p, ok := r.Patch(offset)
	if !ok {
		return "", newError(ErrNotFound, "current bytes", offsetSubject(offset), nil)
	}
	b, err := p.CurrentBytes()
	if err != nil {
		return "", err
	}
	return EncodeHex(b), nil
}

// OriginalBytes returns the bytes captured before the patch was applied.
func (r *Registry) OriginalBytes(offset uint64) (string, error) {
	p, ok := r.Patch(offset)
	if !ok {
		return "", newError(ErrNotFound, "original bytes", offsetSubject(offset), nil)
	}
	return EncodeHex(p.OriginalBytes()), nil
}

func (r *Registry) Patch(offset uint64) (*MemoryPatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patches[offset]
	return p, ok
}

// Offsets returns the registered offsets in ascending order.
func (r *Registry) Offsets() []uint64 {
	r.mu.Lock()
	offsets := append([]uint64(nil), r.order...)
	r.mu.Unlock()

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patches)
}

// reserve claims offset and its byte range so no other goroutine patches an
// overlapping range until finish. An existing patch at offset is handed back
// to the caller for replacement.
func (r *Registry) reserve(offset uint64, addr uintptr, n int) (*MemoryPatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.pending {
		if key == offset || spansOverlap(s.addr, s.n, addr, n) {
			return nil, newError(ErrOverlap, "apply", offsetSubject(offset), errors.Errorf("0x%x is being patched", key))
		}
	}
	for key, p := range r.patches {
		if key != offset && p.overlaps(addr, n) {
			return nil, newError(ErrOverlap, "apply", offsetSubject(offset), errors.Errorf("overlaps patch at 0x%x", key))
		}
	}
	if r.guard != nil {
		if owner, ok := r.guard.Guarded(addr, n); ok {
			return nil, newError(ErrOverlap, "apply", offsetSubject(offset), errors.Errorf("overlaps the hook %s", owner))
		}
	}

	s := span{addr: addr, n: n}
	old := r.patches[offset]
	if old != nil {
		r.removeLocked(offset)
		lo, hi := addr, addr+uintptr(n)
		if old.Address() < lo {
			lo = old.Address()
		}
		if end := old.Address() + uintptr(old.Len()); end > hi {
			hi = end
		}
		s = span{addr: lo, n: int(hi - lo)}
	}
	r.pending[offset] = s
	return old, nil
}

// finish releases the reservation of offset and registers p when non-nil.
func (r *Registry) finish(offset uint64, p *MemoryPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, offset)
	if p != nil {
		r.patches[offset] = p
		r.order = append(r.order, offset)
	}
}

func (r *Registry) removeLocked(offset uint64) {
	delete(r.patches, offset)
	for i, off := range r.order {
		if off == offset {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
