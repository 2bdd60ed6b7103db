package livepatch

import (
	"golang.org/x/sys/unix"
)

func queryRegions(addr, n uintptr) ([]region, error) {
	maps, err := readMaps()
	if err != nil {
		return nil, err
	}

	var regions []region
	for _, m := range maps {
		if m.end <= addr || m.start >= addr+n {
			continue
		}
		prot := m.prot()
		regions = append(regions, region{start: m.start, end: m.end, prot: prot, sys: uint32(unixProt(prot))})
	}
	return regions, nil
}

func unixProt(prot int) int {
	p := unix.PROT_NONE
	if prot&protRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&protWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&protExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

func mprotect(lo, hi uintptr, prot int) error {
	return unix.Mprotect(makeSliceFromPointer(lo, int(hi-lo)), prot)
}

func makeWritable(r region, lo, hi uintptr) error {
	return mprotect(lo, hi, int(r.sys)|unix.PROT_READ|unix.PROT_WRITE)
}

func restoreProtection(r region, lo, hi uintptr) error {
	return mprotect(lo, hi, int(r.sys))
}

func protectExec(addr uintptr, size int) error {
	return mprotect(pageStart(addr), pageEnd(addr+uintptr(size)), unix.PROT_READ|unix.PROT_EXEC)
}

func flushICache(addr, n uintptr) {
	clearCache(addr, addr+n)
}
