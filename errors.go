package livepatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Failure kinds. Every error returned by this package matches one of these
// with errors.Is.
var (
	ErrImageNotFound  = errors.New("image not found")
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrReadFault      = errors.New("read fault")
	ErrWriteFault     = errors.New("write fault")
	ErrEncoding       = errors.New("encoding error")
	ErrAssembly       = errors.New("assembly error")
	ErrHookInstall    = errors.New("hook install error")
	ErrDuplicateName  = errors.New("duplicate name")
	ErrNotFound       = errors.New("not found")
	ErrOverlap        = errors.New("overlapping patch")
	ErrUnsupported    = errors.New("unsupported")
)

// Error is the typed failure returned by patch, hook and resolver operations.
// Subject names the offending offset, address, symbol or hook.
type Error struct {
	Kind    error
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Subject != "" {
		b.WriteString(" ")
		b.WriteString(e.Subject)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, op, subject string, cause error) *Error {
	if cause != nil {
		if _, ok := cause.(*Error); !ok {
			cause = errors.WithStack(cause)
		}
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: cause}
}

func addrSubject(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}

func offsetSubject(offset uint64) string {
	return fmt.Sprintf("0x%x", offset)
}

// BatchError aggregates per-item failures of ApplyPatches, RevertAll and
// RemoveAll.
type BatchError struct {
	Op     string
	Errors map[string]error
}

func (e *BatchError) Error() string {
	keys := e.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Errors[k]))
	}
	return fmt.Sprintf("%s: %d failed [%s]", e.Op, len(keys), strings.Join(parts, "; "))
}

// Keys returns the failed items in sorted order.
func (e *BatchError) Keys() []string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Is reports whether any aggregated failure matches target.
func (e *BatchError) Is(target error) bool {
	for _, err := range e.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
