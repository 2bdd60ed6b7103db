package livepatch

import (
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// CodeAllocator hands out memory for hook code blocks. Alloc returns writable
// memory; Seal makes it read+execute once the code is in place.
type CodeAllocator interface {
	Alloc(size int) (uintptr, error)
	Seal(addr uintptr) error
	Free(addr uintptr) error
}

// mmapAllocator maps one anonymous region per block.
type mmapAllocator struct {
	mu     sync.Mutex
	blocks map[uintptr]mmap.MMap
}

func newMmapAllocator() *mmapAllocator {
	return &mmapAllocator{blocks: make(map[uintptr]mmap.MMap)}
}

func (a *mmapAllocator) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, errors.Errorf("invalid block size %d", size)
	}

	m, err := mmap.MapRegion(nil, alignUp(size, int(pageSize)), allocProt, mmap.ANON, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "map %d bytes", size)
	}
	addr := uintptr(unsafe.Pointer(&m[0]))

	a.mu.Lock()
	a.blocks[addr] = m
	a.mu.Unlock()
	return addr, nil
}

func (a *mmapAllocator) Seal(addr uintptr) error {
	m, err := a.block(addr)
	if err != nil {
		return err
	}
	return protectExec(addr, len(m))
}

func (a *mmapAllocator) Free(addr uintptr) error {
	a.mu.Lock()
	m, ok := a.blocks[addr]
	delete(a.blocks, addr)
	a.mu.Unlock()

	if !ok {
		return errors.Errorf("0x%x is not an allocated block", addr)
	}
	return m.Unmap()
}

func (a *mmapAllocator) block(addr uintptr) (mmap.MMap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.blocks[addr]
	if !ok {
		return nil, errors.Errorf("0x%x is not an allocated block", addr)
	}
	return m, nil
}
