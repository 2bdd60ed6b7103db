package livepatch

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

const libSystemPath = "/usr/lib/libSystem.B.dylib"

const (
	vmProtRead    = 0x01
	vmProtWrite   = 0x02
	vmProtExecute = 0x04
	vmProtCopy    = 0x10

	vmRegionBasicInfo64      = 9
	vmRegionBasicInfoCount64 = 9

	kernSuccess = 0
)

var libSystem struct {
	once sync.Once
	err  error

	task uint32

	dyldImageCount          func() uint32
	dyldGetImageName        func(i uint32) string
	dyldGetImageHeader      func(i uint32) uintptr
	dyldGetImageVmaddrSlide func(i uint32) int

	machVMRegion     func(task uint32, addr *uint64, size *uint64, flavor int32, info unsafe.Pointer, count *uint32, object *uint32) int32
	machVMProtect    func(task uint32, addr uint64, size uint64, setMax int32, prot int32) int32
	icacheInvalidate func(start uintptr, n uintptr)
}

func loadLibSystem() error {
	libSystem.once.Do(func() {
		lib, err := purego.Dlopen(libSystemPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libSystem.err = errors.Wrap(err, "dlopen libSystem")
			return
		}

		taskSym, err := purego.Dlsym(lib, "mach_task_self_")
		if err != nil {
			libSystem.err = errors.Wrap(err, "dlsym mach_task_self_")
			return
		}
		libSystem.task = *(*uint32)(unsafe.Pointer(taskSym))

		purego.RegisterLibFunc(&libSystem.dyldImageCount, lib, "_dyld_image_count")
		purego.RegisterLibFunc(&libSystem.dyldGetImageName, lib, "_dyld_get_image_name")
		purego.RegisterLibFunc(&libSystem.dyldGetImageHeader, lib, "_dyld_get_image_header")
		purego.RegisterLibFunc(&libSystem.dyldGetImageVmaddrSlide, lib, "_dyld_get_image_vmaddr_slide")
		purego.RegisterLibFunc(&libSystem.machVMRegion, lib, "mach_vm_region")
		purego.RegisterLibFunc(&libSystem.machVMProtect, lib, "mach_vm_protect")
		purego.RegisterLibFunc(&libSystem.icacheInvalidate, lib, "sys_icache_invalidate")
	})
	return libSystem.err
}
