// Package kernel holds the error taxonomy shared by every subsystem in
// the core: allocation failure returns nil/Error, invariant violations
// panic with a tagged message, per spec's error handling design.
package kernel

import "fmt"

// Error is returned by operations that can fail without the failure
// being an invariant violation (allocation exhaustion, not-found,
// already-in-use, busy). Fatal conditions never return an Error; they
// panic instead.
type Error struct {
	Kind Kind
	Msg  string
}

// Kind enumerates the non-fatal failure categories.
type Kind int

const (
	// ErrOOM means an allocator (frame, slab, KV region, resource
	// id) had nothing left to serve.
	ErrOOM Kind = iota
	// ErrInvalid means the caller supplied malformed arguments.
	ErrInvalid
	// ErrExists means a registration (interrupt chain, timer event)
	// already holds the resource requested.
	ErrExists
	// ErrNotFound means a lookup (space entry, chunk, event) found
	// nothing at the requested key.
	ErrNotFound
	// ErrBusy means a resource is in use and cannot be reclaimed or
	// re-registered without explicit deregistration.
	ErrBusy
)

func (k Kind) String() string {
	switch k {
	case ErrOOM:
		return "out-of-memory"
	case ErrInvalid:
		return "invalid-argument"
	case ErrExists:
		return "already-exists"
	case ErrNotFound:
		return "not-found"
	case ErrBusy:
		return "busy"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// OOM is the canonical allocation-failure error, returned by frame,
// slab, KV-arena and resource-id allocators instead of panicking.
var OOM = &Error{Kind: ErrOOM, Msg: "allocator exhausted"}

// Panicf panics with a tagged diagnostic message. Every fatal condition
// the kernel core detects (double free, bad trap, unresolved
// exception, user-PTE-under-kernel-PTE and the like) routes through
// this single call so crash output has one consistent shape. Double
// unmaps and corrupted slab magic are not detected anywhere.
func Panicf(tag, format string, args ...interface{}) {
	panic(fmt.Sprintf("nexke: %s: %s", tag, fmt.Sprintf(format, args...)))
}
