package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// New returns an error carrying the stack of its construction site.
func New(msg string) error { return withStackSkip(errors.New(msg), 2) }

// Newf is New with fmt.Errorf formatting, %w included.
func Newf(f string, args ...any) error { return withStackSkip(fmt.Errorf(f, args...), 2) }

// WithStack attaches the caller's stack to err. Returns nil for nil.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack only when no error in the chain carries one
// already, so the origin stack is preserved through rewrapping.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type stacker interface{ StackPCs() []uintptr }
	var hs stacker
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

// Wrap prefixes err with msg and records the wrap site as a single PC.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

func captureStack(skip int) []uintptr {
	// skip runtime.Callers and captureStack itself
	const maxDepth = 64
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}
