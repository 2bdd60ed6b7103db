//go:build !arm64

package livepatch

// clearCache is a no-op where instruction fetch is coherent with data writes.
func clearCache(start, end uintptr) {}
