// Package buddy implements a single-owner binary buddy memory allocator.
//
// A Pool carves one contiguous, mmap-backed region into power-of-two
// blocks and serves malloc/free/realloc-style requests against it. Free
// blocks of each order sit on a circular doubly-linked list, one list per
// order, threaded through in-band Headers written at the start of every
// block. There is no locking: a Pool must have a single owner for the
// duration of any operation (see Non-goals in the package's design notes).
package buddy

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pool is a buddy memory pool. Pointers returned by one Pool must never be
// passed to another Pool's Free/Realloc — that is undefined behavior.
type Pool struct {
	maxOrder uint             // order of the entire region (kval_m)
	numBytes uintptr          // 2^maxOrder, the region's length
	base     uintptr          // address of the backing region
	region   []byte           // the mmap'd slice itself, kept for Munmap/Msync
	avail    [MaxK + 1]Header // avail[k] is the sentinel for order k
}

// New constructs a pool sized to hold at least size bytes, rounded up to a
// power of two and clamped to [2^MinK, 2^(MaxK-1)]. Passing 0 selects
// DefaultK. New asks the OS for an anonymous, writable mapping of exactly
// that size; on failure it sets Errno to ENOMEM and returns ErrNoMemory.
//
// The returned pool is not yet usable — call Init before any allocation.
func New(size uintptr) (*Pool, error) {
	var k uint
	if size == 0 {
		k = DefaultK
	} else {
		k = BytesToOrder(size)
	}
	if k < MinK {
		k = MinK
	}
	if k > MaxK-1 {
		k = MaxK - 1
	}

	numBytes := uintptr(1) << k
	region, err := unix.Mmap(-1, 0, int(numBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, setENOMEM("buddy.New: mmap")
	}

	p := &Pool{
		maxOrder: k,
		numBytes: numBytes,
		base:     uintptr(unsafe.Pointer(&region[0])),
		region:   region,
	}
	return p, nil
}

// Init initializes the pool's sentinels and seeds the top-order free list
// with the single block covering the whole region. It must be called
// exactly once, after New and before any other operation — the sentinel
// headers need stable addresses (they live inline in Pool) before anything
// can point at them.
func (p *Pool) Init() {
	for k := uint(0); k <= p.maxOrder; k++ {
		s := &p.avail[k]
		s.next = s
		s.prev = s
		s.order = uint16(k)
		s.tag = TagUnused
	}

	top := headerAt(p.base)
	top.order = uint16(p.maxOrder)
	top.tag = TagUnused // set to TagAvail below, once spliced into the list
	sentinel := &p.avail[p.maxOrder]
	sentinel.next = top
	sentinel.prev = top
	top.next = sentinel
	top.prev = sentinel
	top.tag = TagAvail
}

// Destroy flushes any dirty bytes of the backing region to its backing
// store (a no-op for the anonymous mapping this package uses, but the
// structurally correct step per the allocator's contract) and releases the
// region back to the OS. The Pool must not be used afterward.
func (p *Pool) Destroy() error {
	if p == nil || p.base == 0 {
		return nil
	}
	if err := unix.Msync(p.region, unix.MS_SYNC); err != nil && !errors.Is(err, unix.EINVAL) {
		return errors.Wrap(err, "buddy.Destroy: msync")
	}
	if err := unix.Munmap(p.region); err != nil {
		return errors.Wrap(err, "buddy.Destroy: munmap")
	}
	*p = Pool{}
	return nil
}
