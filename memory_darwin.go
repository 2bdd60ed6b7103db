package livepatch

import (
	"unsafe"

	"github.com/pkg/errors"
)

func queryRegions(addr, n uintptr) ([]region, error) {
	if err := loadLibSystem(); err != nil {
		return nil, err
	}

	var regions []region
	cur, end := uint64(addr), uint64(addr+n)
	for cur < end {
		var (
			a, size uint64
			info    [vmRegionBasicInfoCount64]int32
			count   uint32 = vmRegionBasicInfoCount64
			object  uint32
		)
		a = cur
		kr := libSystem.machVMRegion(libSystem.task, &a, &size, vmRegionBasicInfo64, unsafe.Pointer(&info[0]), &count, &object)
		if kr != kernSuccess || a >= end {
			break
		}

		sys := uint32(info[0])
		regions = append(regions, region{
			start: uintptr(a),
			end:   uintptr(a + size),
			prot:  machProt(sys),
			sys:   sys,
		})
		cur = a + size
	}
	return regions, nil
}

func machProt(sys uint32) int {
	prot := 0
	if sys&vmProtRead != 0 {
		prot |= protRead
	}
	if sys&vmProtWrite != 0 {
		prot |= protWrite
	}
	if sys&vmProtExecute != 0 {
		prot |= protExec
	}
	return prot
}

func machProtect(lo, hi uintptr, prot int32) error {
	kr := libSystem.machVMProtect(libSystem.task, uint64(lo), uint64(hi-lo), 0, prot)
	if kr != kernSuccess {
		return errors.Errorf("mach_vm_protect(0x%x, %d, 0x%x) = %d", lo, hi-lo, prot, kr)
	}
	return nil
}

// makeWritable requests a private copy of the pages; code pages of a signed
// image cannot gain write permission otherwise.
func makeWritable(r region, lo, hi uintptr) error {
	return machProtect(lo, hi, vmProtRead|vmProtWrite|vmProtCopy)
}

func restoreProtection(r region, lo, hi uintptr) error {
	return machProtect(lo, hi, int32(r.sys))
}

func protectExec(addr uintptr, size int) error {
	if err := loadLibSystem(); err != nil {
		return err
	}
	return machProtect(pageStart(addr), pageEnd(addr+uintptr(size)), vmProtRead|vmProtExecute)
}

func flushICache(addr, n uintptr) {
	if loadLibSystem() == nil {
		libSystem.icacheInvalidate(addr, n)
	}
}
