package livepatch

import (
	"golang.org/x/sys/windows"
)

// DynamicSymbols resolves exported symbols with GetProcAddress. A zero Handle
// searches every module loaded in the process.
type DynamicSymbols struct {
	Handle uintptr
}

// OpenLibrary loads (or references) the DLL at path.
func OpenLibrary(path string) (DynamicSymbols, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return DynamicSymbols{}, newError(ErrImageNotFound, "LoadLibrary", quote(path), err)
	}
	return DynamicSymbols{Handle: uintptr(h)}, nil
}

func (d DynamicSymbols) LookupSymbol(name string) (uintptr, error) {
	if d.Handle != 0 {
		addr, err := windows.GetProcAddress(windows.Handle(d.Handle), name)
		if err != nil || addr == 0 {
			return 0, newError(ErrSymbolNotFound, "GetProcAddress", quote(name), err)
		}
		return addr, nil
	}

	var found uintptr
	err := walkModules(func(me *windows.ModuleEntry32) bool {
		addr, err := windows.GetProcAddress(me.ModuleHandle, name)
		if err == nil && addr != 0 {
			found = addr
			return false
		}
		return true
	})
	if found == 0 {
		return 0, newError(ErrSymbolNotFound, "GetProcAddress", quote(name), err)
	}
	return found, nil
}
