package livepatch

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Memory is the byte-level view of a process image the patch and hook engines
// operate on. Write must leave the range executable-coherent: protection
// restored and instruction cache invalidated before it returns.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
	Write(addr uintptr, data []byte) error
}

const (
	protRead = 1 << iota
	protWrite
	protExec
)

// region is one mapping as reported by the operating system. sys keeps the
// native protection value so it can be restored verbatim.
type region struct {
	start, end uintptr
	prot       int
	sys        uint32
}

// writeMu serializes every protect/write/flush/restore sequence in the
// process. Patches are installed at setup time, never on a hot path.
var writeMu sync.Mutex

// ProcessMemory reads and writes the memory of the current process.
type ProcessMemory struct{}

func NewProcessMemory() *ProcessMemory {
	return &ProcessMemory{}
}

func (m *ProcessMemory) Read(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid read length %d", n)
	}

	regions, err := coveringRegions(addr, uintptr(n))
	if err != nil {
		return nil, err
	}
	for _, r := range regions {
		if r.prot&protRead == 0 {
			return nil, errors.Errorf("region 0x%x-0x%x is not readable", r.start, r.end)
		}
	}

	buf := make([]byte, n)
	if err := safeCopy(buf, makeSliceFromPointer(addr, n)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *ProcessMemory) Write(addr uintptr, data []byte) (err error) {
	if len(data) == 0 {
		return errors.New("empty write")
	}

	writeMu.Lock()
	defer writeMu.Unlock()

	n := uintptr(len(data))
	regions, err := coveringRegions(addr, n)
	if err != nil {
		return err
	}

	var changed []region
	defer func() {
		for _, r := range changed {
			lo, hi := clipToPages(r, addr, n)
			if rerr := restoreProtection(r, lo, hi); rerr != nil && err == nil {
				err = errors.Wrapf(rerr, "restore protection of 0x%x-0x%x", lo, hi)
			}
		}
	}()

	for _, r := range regions {
		if r.prot&protWrite != 0 {
			continue
		}
		lo, hi := clipToPages(r, addr, n)
		if err = makeWritable(r, lo, hi); err != nil {
			return errors.Wrapf(err, "make 0x%x-0x%x writable", lo, hi)
		}
		changed = append(changed, r)
	}

	if err = storeBytes(addr, data); err != nil {
		return err
	}
	flushICache(addr, n)
	return nil
}

// coveringRegions returns the mappings spanning [addr, addr+n) in address
// order, failing when any byte of the range is unmapped.
func coveringRegions(addr, n uintptr) ([]region, error) {
	if addr+n < addr {
		return nil, errors.Errorf("range 0x%x+%d overflows", addr, n)
	}
	regions, err := queryRegions(addr, n)
	if err != nil {
		return nil, err
	}

	cur, end := addr, addr+n
	for _, r := range regions {
		if r.start > cur {
			break
		}
		if r.end > cur {
			cur = r.end
		}
		if cur >= end {
			return regions, nil
		}
	}
	return nil, errors.Errorf("0x%x is not mapped", cur)
}

func clipToPages(r region, addr, n uintptr) (uintptr, uintptr) {
	lo, hi := addr, addr+n
	if r.start > lo {
		lo = r.start
	}
	if r.end < hi {
		hi = r.end
	}
	return pageStart(lo), pageEnd(hi)
}

// storeBytes writes data with a single store when it is an aligned word so
// concurrent executors never observe a torn instruction or pointer.
func storeBytes(addr uintptr, data []byte) error {
	switch {
	case len(data) == 8 && addr%8 == 0:
		atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), *(*uint64)(unsafe.Pointer(&data[0])))
		return nil
	case len(data) == 4 && addr%4 == 0:
		atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), *(*uint32)(unsafe.Pointer(&data[0])))
		return nil
	}
	return safeCopy(makeSliceFromPointer(addr, len(data)), data)
}

// safeCopy turns a fault raised by a racing unmap into an error instead of
// crashing the host.
func safeCopy(dst, src []byte) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("memory fault: %v", r)
		}
	}()

	copy(dst, src)
	return nil
}
