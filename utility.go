package livepatch

import (
	"encoding/binary"
	"os"
	"unsafe"
)

var pageSize = uintptr(os.Getpagesize())

func makeSliceFromPointer(p uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), length)
}

func pageStart(ptr uintptr) uintptr {
	return ptr &^ (pageSize - 1)
}

func pageEnd(ptr uintptr) uintptr {
	return (ptr + pageSize - 1) &^ (pageSize - 1)
}

func putUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func putUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}
