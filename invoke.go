package livepatch

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
)

// Invoke calls the native function at fn with integer and pointer arguments
// and returns its integer result.
func Invoke(fn uintptr, args ...uintptr) (uintptr, error) {
	if fn == 0 {
		return 0, newError(ErrNotFound, "invoke", addrSubject(fn), errors.New("nil function"))
	}
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1, nil
}

// Bind makes fptr, a pointer to a Go func variable, call the native function
// at fn. Argument and result kinds follow the func type, so floats and
// strings are marshalled by purego.
func Bind(fptr any, fn uintptr) (err error) {
	if fn == 0 {
		return newError(ErrNotFound, "bind", addrSubject(fn), errors.New("nil function"))
	}
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrUnsupported, "bind", addrSubject(fn), errors.Errorf("%v", r))
		}
	}()
	purego.RegisterFunc(fptr, fn)
	return nil
}

// NewCallback returns a native entry point that calls the Go function fn,
// usable as a hook callback. The number of callbacks per process is limited
// and they are never released.
func NewCallback(fn any) (ptr uintptr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrUnsupported, "callback", "", errors.Errorf("%v", r))
		}
	}()
	return purego.NewCallback(fn), nil
}
