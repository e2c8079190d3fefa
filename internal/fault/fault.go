// Package fault enumerates the misuse and failure taxonomy of the
// allocator, mirroring the "handle_error" / "handle_errnum" split of the
// original implementation between conditions that are fatal to the
// process and conditions that are merely reported to the caller.
package fault

import "os"

// osExit is os.Exit, indirected so tests exercising Terminate's logging
// path don't have to kill the test binary.
var osExit = os.Exit

// Kind identifies one entry of the allocator's error taxonomy.
type Kind int

const (
	// PlatformFault is raised when a page-mapping call fails.
	PlatformFault Kind = iota
	// LockFault is raised when a descriptor lock primitive reports an
	// error that is not ordinary contention.
	LockFault
	// InvalidPointer is raised by free/realloc of a pointer that does
	// not name a BUSY descriptor.
	InvalidPointer
	// DoubleFree is raised by free of an already-FREE descriptor.
	DoubleFree
	// OverflowSync is raised when a canary mismatch is found by the
	// synchronous check run from free or realloc.
	OverflowSync
	// OverflowAsync is raised when the background scanner finds a
	// canary mismatch.
	OverflowAsync
)

// Fatal reports whether Kind unconditionally terminates the process once
// logged, per spec §7.
func (k Kind) Fatal() bool {
	switch k {
	case PlatformFault, LockFault, OverflowSync, OverflowAsync:
		return true
	default:
		return false
	}
}

// String names the Kind the way the log stream should print it.
func (k Kind) String() string {
	switch k {
	case PlatformFault:
		return "platform_fault"
	case LockFault:
		return "lock_fault"
	case InvalidPointer:
		return "invalid_pointer"
	case DoubleFree:
		return "double_free"
	case OverflowSync:
		return "overflow_sync"
	case OverflowAsync:
		return "overflow_async"
	default:
		return "unknown"
	}
}

// Error is the concrete error value carried through the allocator for a
// given Kind, with a human-readable detail message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Message }

// New builds an *Error for Kind with a formatted detail message.
func New(k Kind, msg string) *Error { return &Error{Kind: k, Message: msg} }

// Logger is the subset of *auditlog.Logger that Terminate needs. Defined
// here instead of imported to keep this package free of the auditlog
// dependency.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Terminate logs err through log and exits the process with failure if
// Kind.Fatal() says the condition is unrecoverable (spec §7). It reports
// whether it terminated, so a caller that builds an *Error for a
// possibly-non-fatal Kind can fall through to ordinary error handling
// when it returns false.
func Terminate(log Logger, err *Error) bool {
	if !err.Kind.Fatal() {
		return false
	}
	log.Printf("%s: %s", err.Kind, err.Message)
	osExit(1)
	return true
}
