package livepatch

import (
	"bytes"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch/asm"
)

type HookEngineConfig struct {
	// Memory defaults to the current process.
	Memory Memory
	// Allocator defaults to anonymous mmap blocks.
	Allocator CodeAllocator
	// Symbols resolves HookSymbol names, defaulting to every loaded image.
	Symbols SymbolResolver
	// Mapper converts image offsets for RealAddress, defaulting to Absolute.
	Mapper Mapper
	// Arch defaults to the architecture the process runs on.
	Arch   asm.Arch
	Logger *log.Logger
}

// HookEngine installs inline hooks. Each hook owns a code block holding the
// dispatch slot, the dispatch stub and the trampoline to the original code.
type HookEngine struct {
	mem    Memory
	alloc  CodeAllocator
	syms   SymbolResolver
	mapper Mapper
	arch   hookArch
	log    *log.Logger

	mu      sync.Mutex
	byAddr  map[uintptr]*hookEntry
	byName  map[string]*hookEntry
	retired []uintptr
}

type hookEntry struct {
	name       string
	target     uintptr
	callback   uintptr
	block      uintptr
	trampoline uintptr
	prologue   *MemoryPatch
	// span is the number of bytes at target the hook owns: the relocation
	// window while installing, the overwritten prologue once relocated.
	span int

	// ready is guarded by HookEngine.mu and is false while the hook is being
	// installed or removed.
	ready bool

	mu      sync.Mutex
	enabled bool
	removed bool
}

func (e *hookEntry) subject() string {
	if e.name != "" {
		return quote(e.name)
	}
	return addrSubject(e.target)
}

func NewHookEngine(cfg HookEngineConfig) (*HookEngine, error) {
	arch, err := archFor(cfg.Arch)
	if err != nil {
		return nil, newError(ErrUnsupported, "new hook engine", "", err)
	}
	if cfg.Memory == nil {
		cfg.Memory = NewProcessMemory()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = newMmapAllocator()
	}
	if cfg.Symbols == nil {
		cfg.Symbols = DynamicSymbols{}
	}
	if cfg.Mapper == nil {
		cfg.Mapper = Absolute{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	return &HookEngine{
		mem:    cfg.Memory,
		alloc:  cfg.Allocator,
		syms:   cfg.Symbols,
		mapper: cfg.Mapper,
		arch:   arch,
		log:    cfg.Logger,
		byAddr: make(map[uintptr]*hookEntry),
		byName: make(map[string]*hookEntry),
	}, nil
}

// Hook redirects calls of the function at target to callback and returns the
// address that runs the original function.
func (h *HookEngine) Hook(target, callback uintptr) (uintptr, error) {
	return h.install("", target, callback)
}

// HookNamed is Hook with a name for Toggle, Remove and the queries.
func (h *HookEngine) HookNamed(name string, target, callback uintptr) (uintptr, error) {
	if name == "" {
		return 0, newError(ErrHookInstall, "hook", addrSubject(target), errors.New("empty hook name"))
	}
	return h.install(name, target, callback)
}

// HookSymbol resolves symbol and hooks it. Nothing is written when the symbol
// cannot be resolved.
func (h *HookEngine) HookSymbol(symbol string, callback uintptr) (uintptr, error) {
	target, err := h.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return h.install("", target, callback)
}

func (h *HookEngine) HookSymbolNamed(name, symbol string, callback uintptr) (uintptr, error) {
	target, err := h.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return h.HookNamed(name, target, callback)
}

// RealAddress converts an image offset into a runtime address through the
// configured Mapper.
func (h *HookEngine) RealAddress(offset uint64) uintptr {
	return h.mapper.Address(offset)
}

func (h *HookEngine) lookup(symbol string) (uintptr, error) {
	addr, err := h.syms.LookupSymbol(symbol)
	if err == nil && addr == 0 {
		err = errors.New("resolved to nil")
	}
	if err != nil {
		h.log.Printf("[HOOK] symbol %s [FAIL] %v", symbol, err)
		return 0, newError(ErrSymbolNotFound, "hook symbol", quote(symbol), err)
	}
	return addr, nil
}

func (h *HookEngine) install(name string, target, callback uintptr) (uintptr, error) {
	e := &hookEntry{name: name, target: target, callback: callback}
	if target == 0 || callback == 0 {
		return 0, newError(ErrHookInstall, "hook", e.subject(), errors.New("nil target or callback"))
	}
	if err := h.reserve(e); err != nil {
		return 0, err
	}

	if err := h.build(e); err != nil {
		h.release(e)
		h.log.Printf("[HOOK] %s @ 0x%x [FAIL] %v", e.subject(), target, err)
		return 0, newError(ErrHookInstall, "hook", e.subject(), err)
	}

	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()

	h.mu.Lock()
	e.ready = true
	h.mu.Unlock()

	h.log.Printf("[HOOK] %s @ 0x%x -> 0x%x [OK]", e.subject(), target, callback)
	return e.trampoline, nil
}

// reserve claims the name and the bytes at target before any memory is
// touched. The jump always overwrites jumpSize bytes, so those must be free of
// other hooks; the rest of the window is held until shrink.
func (h *HookEngine) reserve(e *hookEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.name != "" {
		if _, ok := h.byName[e.name]; ok {
			return newError(ErrDuplicateName, "hook", e.subject(), nil)
		}
	}
	if other := h.overlapping(e, e.target, h.arch.jumpSize()); other != nil {
		return newError(ErrHookInstall, "hook", e.subject(), errors.Errorf("0x%x overlaps the hook %s", e.target, other.subject()))
	}

	e.span = h.arch.window()
	h.byAddr[e.target] = e
	if e.name != "" {
		h.byName[e.name] = e
	}
	return nil
}

// shrink narrows the claim of e to the n bytes the prologue jump replaces.
func (h *HookEngine) shrink(e *hookEntry, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if other := h.overlapping(e, e.target, n); other != nil {
		return errors.Errorf("prologue 0x%x+%d overlaps the hook %s", e.target, n, other.subject())
	}
	e.span = n
	return nil
}

// overlapping returns a hook other than self owning bytes of [addr, addr+n).
func (h *HookEngine) overlapping(self *hookEntry, addr uintptr, n int) *hookEntry {
	for _, o := range h.byAddr {
		if o != self && spansOverlap(o.target, o.span, addr, n) {
			return o
		}
	}
	return nil
}

// Guarded reports the hook whose overwritten prologue intersects
// [addr, addr+n). Registry uses it to refuse patches over hooks.
func (h *HookEngine) Guarded(addr uintptr, n int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o := h.overlapping(nil, addr, n); o != nil {
		return o.subject(), true
	}
	return "", false
}

func (h *HookEngine) release(e *hookEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.byAddr, e.target)
	if e.name != "" {
		delete(h.byName, e.name)
	}
}

func (h *HookEngine) build(e *hookEntry) error {
	code, err := h.readPrologue(e.target)
	if err != nil {
		return err
	}

	relocated, n, err := h.arch.relocate(code, e.target, h.arch.jumpSize())
	if err != nil {
		return errors.Wrap(err, "relocate prologue")
	}
	if err := h.shrink(e, n); err != nil {
		return err
	}
	trampoline := append(relocated, h.arch.absJump(e.target+uintptr(n))...)

	block, err := h.alloc.Alloc(trampolineOffset + len(trampoline))
	if err != nil {
		return errors.Wrap(err, "allocate code block")
	}
	ok := false
	defer func() {
		if !ok {
			h.alloc.Free(block)
		}
	}()

	if err := h.mem.Write(block, codeBlock(h.arch, e.callback, trampoline)); err != nil {
		return errors.Wrap(err, "write code block")
	}
	if err := h.alloc.Seal(block); err != nil {
		return errors.Wrap(err, "seal code block")
	}

	patch, err := NewPatch(h.mem, e.target, hookPrologue(h.arch, block+stubOffset, n))
	if err != nil {
		return err
	}
	if !bytes.Equal(patch.OriginalBytes(), code[:n]) {
		return errors.Errorf("prologue at 0x%x changed during install", e.target)
	}
	if err := patch.Apply(); err != nil {
		return err
	}

	ok = true
	e.block = block
	e.trampoline = block + trampolineOffset
	e.prologue = patch
	return nil
}

// readPrologue reads the relocation window, or only the jump size when the
// target sits at the end of its mapping.
func (h *HookEngine) readPrologue(addr uintptr) ([]byte, error) {
	code, err := h.mem.Read(addr, h.arch.window())
	if err == nil {
		return code, nil
	}
	code, err = h.mem.Read(addr, h.arch.jumpSize())
	if err != nil {
		return nil, newError(ErrReadFault, "hook", addrSubject(addr), err)
	}
	return code, nil
}

// Toggle points the dispatch slot at the callback when enabled and at the
// trampoline otherwise.
func (h *HookEngine) Toggle(name string, enabled bool) error {
	e, ok := h.named(name)
	if !ok {
		return newError(ErrNotFound, "toggle", quote(name), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return newError(ErrNotFound, "toggle", quote(name), nil)
	}
	if e.enabled == enabled {
		return nil
	}

	dest := e.trampoline
	if enabled {
		dest = e.callback
	}
	if err := h.mem.Write(e.block+slotOffset, putUint64(nil, uint64(dest))); err != nil {
		h.log.Printf("[HOOK] toggle %s [FAIL] %v", name, err)
		return newError(ErrWriteFault, "toggle", quote(name), err)
	}
	e.enabled = enabled

	h.log.Printf("[HOOK] %s enabled=%t", name, enabled)
	return nil
}

// Remove restores the original prologue of a named hook.
func (h *HookEngine) Remove(name string) error {
	e, ok := h.claim(func() *hookEntry { return h.byName[name] })
	if !ok {
		return newError(ErrNotFound, "remove", quote(name), nil)
	}
	return h.uninstall(e, "remove")
}

// Unhook removes the hook at target, named or not.
func (h *HookEngine) Unhook(target uintptr) error {
	e, ok := h.claim(func() *hookEntry { return h.byAddr[target] })
	if !ok {
		return newError(ErrNotFound, "unhook", addrSubject(target), nil)
	}
	return h.uninstall(e, "unhook")
}

// RemoveAll removes every installed hook and reports all failures together.
func (h *HookEngine) RemoveAll() error {
	h.mu.Lock()
	targets := make([]uintptr, 0, len(h.byAddr))
	for addr := range h.byAddr {
		targets = append(targets, addr)
	}
	h.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	be := &BatchError{Op: "remove all hooks", Errors: make(map[string]error)}
	for _, addr := range targets {
		e, ok := h.claim(func() *hookEntry { return h.byAddr[addr] })
		if !ok {
			continue
		}
		if err := h.uninstall(e, "remove"); err != nil {
			be.Errors[e.subject()] = err
		}
	}
	if len(be.Errors) != 0 {
		return be
	}
	return nil
}

// claim takes a ready hook out of circulation so that only one caller
// uninstalls it.
func (h *HookEngine) claim(find func() *hookEntry) (*hookEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := find()
	if e == nil || !e.ready {
		return nil, false
	}
	e.ready = false
	return e, true
}

func (h *HookEngine) uninstall(e *hookEntry, op string) error {
	e.mu.Lock()
	err := e.prologue.Revert()
	if err == nil {
		e.removed = true
		// Threads still inside the stub continue into the original code.
		if werr := h.mem.Write(e.block+slotOffset, putUint64(nil, uint64(e.trampoline))); werr != nil {
			h.log.Printf("[HOOK] %s: retarget slot: %v", e.subject(), werr)
		}
	}
	e.mu.Unlock()

	if err != nil {
		h.mu.Lock()
		e.ready = true
		h.mu.Unlock()
		h.log.Printf("[HOOK] %s %s [FAIL] %v", op, e.subject(), err)
		return newError(ErrWriteFault, op, e.subject(), err)
	}

	h.mu.Lock()
	delete(h.byAddr, e.target)
	if e.name != "" {
		delete(h.byName, e.name)
	}
	h.retired = append(h.retired, e.block)
	h.mu.Unlock()

	h.log.Printf("[HOOK] %s %s [OK]", op, e.subject())
	return nil
}

// Close removes every hook and releases all code blocks. Code returned by
// Original must not run afterwards.
func (h *HookEngine) Close() error {
	err := h.RemoveAll()

	h.mu.Lock()
	retired := h.retired
	h.retired = nil
	h.mu.Unlock()

	for _, block := range retired {
		if ferr := h.alloc.Free(block); ferr != nil {
			h.log.Printf("[HOOK] free block 0x%x: %v", block, ferr)
		}
	}
	return err
}

func (h *HookEngine) IsEnabled(name string) bool {
	e, ok := h.named(name)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled && !e.removed
}

// ActiveHooks returns the names of the installed hooks, enabled or not.
func (h *HookEngine) ActiveHooks() []string {
	h.mu.Lock()
	names := make([]string, 0, len(h.byName))
	for name, e := range h.byName {
		if e.ready {
			names = append(names, name)
		}
	}
	h.mu.Unlock()

	sort.Strings(names)
	return names
}

// Original returns the trampoline of a named hook.
func (h *HookEngine) Original(name string) (uintptr, bool) {
	e, ok := h.named(name)
	if !ok {
		return 0, false
	}
	return e.trampoline, true
}

func (h *HookEngine) named(name string) (*hookEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byName[name]
	if !ok || !e.ready {
		return nil, false
	}
	return e, true
}
