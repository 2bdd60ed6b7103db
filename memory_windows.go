package livepatch

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

func queryRegions(addr, n uintptr) ([]region, error) {
	var regions []region
	cur, end := addr, addr+n
	for cur < end {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(cur, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return nil, errors.Wrapf(err, "VirtualQuery(0x%x)", cur)
		}
		if mbi.State != windows.MEM_COMMIT {
			break
		}
		regions = append(regions, region{
			start: mbi.BaseAddress,
			end:   mbi.BaseAddress + mbi.RegionSize,
			prot:  pageProt(mbi.Protect),
			sys:   mbi.Protect,
		})
		cur = mbi.BaseAddress + mbi.RegionSize
	}
	return regions, nil
}

func pageProt(sys uint32) int {
	if sys&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
		return 0
	}
	switch sys &^ (windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return protRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return protRead | protWrite
	case windows.PAGE_EXECUTE:
		return protExec
	case windows.PAGE_EXECUTE_READ:
		return protRead | protExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return protRead | protWrite | protExec
	}
	return 0
}

func virtualProtect(lo, hi uintptr, prot uint32) error {
	var old uint32
	if err := windows.VirtualProtect(lo, hi-lo, prot, &old); err != nil {
		return errors.Wrapf(err, "VirtualProtect(0x%x, %d, 0x%x)", lo, hi-lo, prot)
	}
	return nil
}

func makeWritable(r region, lo, hi uintptr) error {
	return virtualProtect(lo, hi, windows.PAGE_EXECUTE_READWRITE)
}

func restoreProtection(r region, lo, hi uintptr) error {
	return virtualProtect(lo, hi, r.sys)
}

func protectExec(addr uintptr, size int) error {
	return virtualProtect(pageStart(addr), pageEnd(addr+uintptr(size)), windows.PAGE_EXECUTE_READ)
}

func flushICache(addr, n uintptr) {
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, n)
}
