package livepatch

import (
	"log"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ThreadLauncher runs background work on dedicated OS threads. The zero value
// is ready to use and does not log.
type ThreadLauncher struct {
	Logger *log.Logger
}

// Detach runs fn on its own locked OS thread and returns immediately. A panic
// in fn is logged and does not bring the process down.
func (l ThreadLauncher) Detach(fn func()) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if err := protect(func() error { fn(); return nil }); err != nil {
			l.logf("[THREAD] detached: %v", err)
		}
	}()
}

// StartJoinable runs fn on its own locked OS thread. Stopping fn early is up
// to the caller, usually through a context fn closes over.
func (l ThreadLauncher) StartJoinable(fn func() error) *Thread {
	t := &Thread{}
	t.g.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		err := protect(fn)
		if err != nil {
			l.logf("[THREAD] joinable: %v", err)
		}
		return err
	})
	return t
}

func (l ThreadLauncher) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}

// Thread is a joinable background thread.
type Thread struct {
	g errgroup.Group
}

// Join waits for the thread and returns its error. Panics are returned as
// errors.
func (t *Thread) Join() error {
	return t.g.Wait()
}

// Detach is ThreadLauncher{}.Detach.
func Detach(fn func()) {
	ThreadLauncher{}.Detach(fn)
}

// StartJoinable is ThreadLauncher{}.StartJoinable.
func StartJoinable(fn func() error) *Thread {
	return ThreadLauncher{}.StartJoinable(fn)
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
