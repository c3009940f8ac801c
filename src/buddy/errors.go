package buddy

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errno is the ambient, process-wide error slot. Every NoMemory failure
// writes unix.ENOMEM here in addition to returning a typed error, mirroring
// the POSIX errno convention the allocator's C ancestry relies on. The pool
// is single-owner (see package doc), so this is a plain package variable,
// not an atomic.
var Errno int

// Sentinel error kinds. Wrap these with errors.Wrap at the call site so
// callers can still recover the kind with errors.Cause(err) == ErrNoMemory.
var (
	// ErrNoMemory means the request cannot be satisfied: the computed order
	// exceeds the pool's max order, the OS mapping failed, or no free block
	// of sufficient size exists.
	ErrNoMemory = errors.New("buddy: no memory available")

	// ErrCorruptedPool means a structural invariant was violated. It is
	// advisory only: it is returned only by Realloc, and only on caller
	// misuse (passing a pointer this pool never allocated), which is undefined behavior
	// everywhere else in this package's contract.
	ErrCorruptedPool = errors.New("buddy: corrupted memory pool")
)

// setENOMEM records an out-of-memory condition on the ambient channel and
// returns a wrapped ErrNoMemory carrying where it happened.
func setENOMEM(where string) error {
	Errno = int(unix.ENOMEM)
	return errors.Wrap(ErrNoMemory, where)
}
