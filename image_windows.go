package livepatch

import (
	"debug/pe"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// SystemImages enumerates the modules of the current process with a toolhelp
// snapshot.
type SystemImages struct{}

func (SystemImages) Images() ([]LoadedImage, error) {
	var images []LoadedImage
	err := walkModules(func(me *windows.ModuleEntry32) bool {
		path := windows.UTF16ToString(me.ExePath[:])
		header := me.ModBaseAddr
		base := preferredBase(path, header)
		images = append(images, LoadedImage{Path: path, Base: base, Slide: header - base})
		return true
	})
	return images, err
}

func walkModules(fn func(me *windows.ModuleEntry32) bool) error {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, windows.GetCurrentProcessId())
	if err != nil {
		return errors.Wrap(err, "module snapshot")
	}
	defer windows.CloseHandle(snap)

	var me windows.ModuleEntry32
	me.Size = uint32(unsafe.Sizeof(me))
	if err := windows.Module32First(snap, &me); err != nil {
		return errors.Wrap(err, "Module32First")
	}
	for {
		if !fn(&me) {
			return nil
		}
		if err := windows.Module32Next(snap, &me); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				return nil
			}
			return errors.Wrap(err, "Module32Next")
		}
	}
}

// preferredBase reads ImageBase from the module file; the in-memory header is
// rewritten by the loader when the image is relocated.
func preferredBase(path string, header uintptr) uintptr {
	f, err := pe.Open(path)
	if err != nil {
		return header
	}
	defer f.Close()

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return uintptr(oh.ImageBase)
	case *pe.OptionalHeader32:
		return uintptr(oh.ImageBase)
	}
	return header
}
