//go:build darwin || linux

package livepatch

import (
	"github.com/ebitengine/purego"
)

// DynamicSymbols resolves exported symbols through the dynamic linker. A zero
// Handle searches every image loaded in the process.
type DynamicSymbols struct {
	Handle uintptr
}

// OpenLibrary loads (or references) the shared library at path.
func OpenLibrary(path string) (DynamicSymbols, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return DynamicSymbols{}, newError(ErrImageNotFound, "dlopen", quote(path), err)
	}
	return DynamicSymbols{Handle: h}, nil
}

func (d DynamicSymbols) LookupSymbol(name string) (uintptr, error) {
	h := d.Handle
	if h == 0 {
		h = purego.RTLD_DEFAULT
	}
	addr, err := purego.Dlsym(h, name)
	if err != nil || addr == 0 {
		return 0, newError(ErrSymbolNotFound, "dlsym", quote(name), err)
	}
	return addr, nil
}
