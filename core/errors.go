package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
)

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrNotImplemented  = errors.New("not implemented")
	ErrNotConcatenable = errors.New("not concatenable")
	ErrNotFound        = errors.New("not found")
	ErrUsage           = errors.New("usage error")
	ErrRecursionLimit  = errors.New("recursion limit reached")
	ErrPanic           = errors.New("panic recovered")
)

// NotImplementedError is returned when a component is asked for a capability
// it does not provide.
type NotImplementedError struct {
	Component  string
	Capability string
}

func (e *NotImplementedError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("not implemented: %s", e.Capability)
	}
	return fmt.Sprintf("not implemented error [%s]: %s", e.Component, e.Capability)
}

// Is reports whether target is ErrNotImplemented.
func (e *NotImplementedError) Is(target error) bool { return target == ErrNotImplemented }

// NotConcatenableError is returned when two chunks of incompatible kinds are merged.
type NotConcatenableError struct {
	Left  string
	Right string
}

func (e *NotConcatenableError) Error() string {
	return fmt.Sprintf("not concatenable: cannot concat %s with %s", e.Left, e.Right)
}

// Is reports whether target is ErrNotConcatenable.
func (e *NotConcatenableError) Is(target error) bool { return target == ErrNotConcatenable }

// NotFoundError is returned when a key does not resolve to a registered entry.
// Available lists the registered keys.
type NotFoundError struct {
	Kind      string
	Key       string
	Available []string
}

func (e *NotFoundError) Error() string {
	avail := append([]string(nil), e.Available...)
	sort.Strings(avail)
	kind := e.Kind
	if kind == "" {
		kind = "key"
	}
	return fmt.Sprintf("not found: %s %q, available: [%s]", kind, e.Key, strings.Join(avail, ", "))
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// UsageError signals a caller misconfiguration. It is never retried.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return "usage error: " + e.Message }

// Is reports whether target is ErrUsage.
func (e *UsageError) Is(target error) bool { return target == ErrUsage }

// RecursionLimitError is returned when nested delegation or agent steps exceed
// the configured recursion limit.
type RecursionLimitError struct {
	Limit int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit of %d reached without hitting a stop condition", e.Limit)
}

// Is reports whether target is ErrRecursionLimit.
func (e *RecursionLimitError) Is(target error) bool { return target == ErrRecursionLimit }

// PanicError wraps a value recovered from a panic together with its stack.
type PanicError struct {
	Value any
	Stack []byte
}

// NewPanicError captures the current stack for a recovered value.
func NewPanicError(v any) *PanicError { return &PanicError{Value: v, Stack: debug.Stack()} }

func (e *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", e.Value) }

// Is reports whether target is ErrPanic.
func (e *PanicError) Is(target error) bool { return target == ErrPanic }

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsCancellation reports whether err stems from context cancellation or a
// deadline, as opposed to an ordinary failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
