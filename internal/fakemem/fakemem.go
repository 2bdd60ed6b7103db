// Package fakemem is an in-memory address space for exercising the patch and
// hook engines without touching real code.
package fakemem

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Region is one mapping. Reads of a region that is not Readable fault, as do
// writes of a region that is not Writable.
type Region struct {
	Base     uintptr
	Data     []byte
	Readable bool
	Writable bool
}

func (r *Region) end() uintptr {
	return r.Base + uintptr(len(r.Data))
}

type Memory struct {
	mu      sync.Mutex
	regions []*Region
	writes  int
}

func New() *Memory {
	return &Memory{}
}

// Map adds a readable, writable region of size zero bytes at base.
func (m *Memory) Map(base uintptr, size int) *Region {
	return m.MapBytes(base, make([]byte, size))
}

// MapBytes adds a readable, writable region holding a copy of data.
func (m *Memory) MapBytes(base uintptr, data []byte) *Region {
	r := &Region{Base: base, Data: append([]byte(nil), data...), Readable: true, Writable: true}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return r
}

func (m *Memory) Unmap(base uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.Base == base {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return true
		}
	}
	return false
}

// SetWritable flips the write permission of the region starting at base.
func (m *Memory) SetWritable(base uintptr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Base == base {
			r.Writable = ok
		}
	}
}

func (m *Memory) Read(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid read length %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, 0, n)
	err := m.walk(addr, n, func(r *Region, lo, hi int) error {
		if !r.Readable {
			return errors.Errorf("0x%x is not readable", r.Base+uintptr(lo))
		}
		out = append(out, r.Data[lo:hi]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write checks the whole range before changing any byte.
func (m *Memory) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return errors.New("empty write")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.walk(addr, len(data), func(r *Region, lo, _ int) error {
		if !r.Writable {
			return errors.Errorf("0x%x is not writable", r.Base+uintptr(lo))
		}
		return nil
	})
	if err != nil {
		return err
	}

	done := 0
	m.walk(addr, len(data), func(r *Region, lo, hi int) error {
		done += copy(r.Data[lo:hi], data[done:])
		return nil
	})
	m.writes++
	return nil
}

// Bytes returns a copy of n bytes at addr regardless of permissions, or nil
// when the range is not mapped.
func (m *Memory) Bytes(addr uintptr, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, 0, n)
	err := m.walk(addr, n, func(r *Region, lo, hi int) error {
		out = append(out, r.Data[lo:hi]...)
		return nil
	})
	if err != nil {
		return nil
	}
	return out
}

// Writes counts successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// walk visits the regions covering [addr, addr+n) in order. A gap anywhere in
// the range is a fault.
func (m *Memory) walk(addr uintptr, n int, fn func(r *Region, lo, hi int) error) error {
	cur, end := addr, addr+uintptr(n)
	for cur < end {
		r := m.find(cur)
		if r == nil {
			return errors.Errorf("0x%x is not mapped", cur)
		}
		stop := r.end()
		if stop > end {
			stop = end
		}
		if err := fn(r, int(cur-r.Base), int(stop-r.Base)); err != nil {
			return err
		}
		cur = stop
	}
	return nil
}

func (m *Memory) find(addr uintptr) *Region {
	for _, r := range m.regions {
		if addr >= r.Base && addr < r.end() {
			return r
		}
	}
	return nil
}

// Allocator hands out code blocks from a fake address space.
type Allocator struct {
	mem  *Memory
	next uintptr

	mu     sync.Mutex
	live   map[uintptr]bool
	sealed map[uintptr]bool
	freed  []uintptr
	fail   bool
}

// NewAllocator allocates blocks in mem starting at base.
func NewAllocator(mem *Memory, base uintptr) *Allocator {
	return &Allocator{
		mem:    mem,
		next:   base,
		live:   make(map[uintptr]bool),
		sealed: make(map[uintptr]bool),
	}
}

// FailNext makes the next Alloc fail.
func (a *Allocator) FailNext() {
	a.mu.Lock()
	a.fail = true
	a.mu.Unlock()
}

func (a *Allocator) Alloc(size int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fail {
		a.fail = false
		return 0, errors.New("out of memory")
	}
	if size <= 0 {
		return 0, errors.Errorf("invalid block size %d", size)
	}

	addr := a.next
	a.next += uintptr(size+0xfff) &^ 0xfff
	a.mem.Map(addr, size)
	a.live[addr] = true
	return addr, nil
}

func (a *Allocator) Seal(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[addr] {
		return errors.Errorf("0x%x is not an allocated block", addr)
	}
	a.sealed[addr] = true
	return nil
}

func (a *Allocator) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[addr] {
		return errors.Errorf("0x%x is not an allocated block", addr)
	}
	delete(a.live, addr)
	delete(a.sealed, addr)
	a.freed = append(a.freed, addr)
	a.mem.Unmap(addr)
	return nil
}

func (a *Allocator) Sealed(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed[addr]
}

// Live counts blocks allocated and not yet freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *Allocator) Freed() []uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uintptr(nil), a.freed...)
}
