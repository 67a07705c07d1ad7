package document

import (
	"errors"
	"fmt"
)

var (
	ErrCausalDependencyMissing = errors.New("causal dependency missing")
	ErrStaleRevision           = errors.New("stale revision")
	ErrMalformedOperation      = errors.New("malformed operation")
	// ErrOutOfRange is returned by the positional helpers.
	ErrOutOfRange              = errors.New("position out of range")
)

// MergeError reports an operation that was discarded without touching the
// document.
type MergeError struct {
	Op     Operation
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("malformed operation %s %s: %s", e.Op.Kind, e.Op.ID(), e.Reason)
}

func (e *MergeError) Is(target error) bool {
	return target == ErrMalformedOperation
}

func malformed(op Operation, format string, args ...any) error {
	return &MergeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// DependencyError is returned when an operation was buffered because the
// element it references has not arrived yet. The operation is retained and
// applied once the dependency is integrated.
type DependencyError struct {
	Op      Operation
	Missing ElementID
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("operation %s waits on %s", e.Op.ID(), e.Missing)
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrCausalDependencyMissing
}

// StaleRevisionError is returned by the linear mode when an operation targets
// a revision that has since advanced. The caller rebases and resubmits.
type StaleRevisionError struct {
	Expected uint64
	Current  uint64
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("stale revision: operation targets %d, document is at %d", e.Expected, e.Current)
}

func (e *StaleRevisionError) Is(target error) bool {
	return target == ErrStaleRevision
}
