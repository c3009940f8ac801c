package buddy

import (
	"unsafe"

	"github.com/pkg/errors"
)

// buddyOf returns the buddy of h, a block of the given order, relative to
// the pool's base. Precondition: order < p.maxOrder — at the top order a
// block has no buddy inside the pool.
func (p *Pool) buddyOf(h *Header, order uint) *Header {
	offset := addrOf(h) - p.base
	buddyOffset := offset ^ (uintptr(1) << order)
	return headerAt(p.base + buddyOffset)
}

// minOrder is the smallest order a block can have: it must at least hold a
// Header, since every block (free or reserved) carries one in-band.
func minOrder() uint {
	return BytesToOrder(HeaderSize)
}

// Malloc allocates at least size bytes and returns a pointer to the first
// usable (post-header) byte. The content of newly allocated memory is not
// initialized.
func (p *Pool) Malloc(size uint) (unsafe.Pointer, error) {
	k := orderForPayload(uintptr(size))
	h, err := p.allocOrder(k)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(addrOf(h) + HeaderSize), nil
}

// orderForPayload computes the order needed to hold a payload of the given
// size plus one Header, clamped to the smallest order a block can have.
func orderForPayload(size uintptr) uint {
	k := BytesToOrder(size + HeaderSize)
	if m := minOrder(); k < m {
		k = m
	}
	return k
}

// allocOrder returns a reserved block of exactly order k bytes (2^k),
// splitting a larger block as needed.
func (p *Pool) allocOrder(k uint) (*Header, error) {
	if k > p.maxOrder {
		return nil, setENOMEM("buddy.Malloc: order exceeds pool")
	}

	if block := popFirst(&p.avail[k]); block != nil {
		return block, nil
	}

	larger, err := p.allocOrder(k + 1)
	if err != nil {
		return nil, err
	}
	return p.split(larger), nil
}

// split divides a reserved block of order k+1 into two blocks of order k.
// The lower-addressed half is returned (still reserved); the upper half is
// freshly tagged available and inserted into avail[k].
func (p *Pool) split(h *Header) *Header {
	k := uint(h.order) - 1
	h.order = uint16(k)

	buddy := p.buddyOf(h, k)
	buddy.next = nil
	buddy.prev = nil
	buddy.order = uint16(k)
	insert(&p.avail[k], buddy)

	return h
}

// Free releases the block at p, making it available again. A nil pointer
// is a no-op. Passing a pointer this pool did not allocate is undefined
// behavior, per the package contract.
func (p *Pool) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := headerAt(uintptr(ptr) - HeaderSize)
	p.freeBlock(h)
}

// freeBlock merges h with its buddy for as long as the buddy is available
// and the same order, then inserts the (possibly grown) survivor into its
// free list. The lower-addressed of any coalescing pair always survives:
// that is the one aligned to the merged block's order.
func (p *Pool) freeBlock(h *Header) {
	for uint(h.order) < p.maxOrder {
		buddy := p.buddyOf(h, uint(h.order))
		if buddy.tag != TagAvail || buddy.order != h.order {
			break
		}
		unlink(buddy)

		if addrOf(h) < addrOf(buddy) {
			h.order++
		} else {
			buddy.order++
			h = buddy
		}
	}
	insert(&p.avail[h.order], h)
}

// Realloc changes the size of the block at ptr, preserving its contents up
// to the lesser of the old and new sizes. It may return a different
// pointer. ptr == nil behaves like Malloc. size == 0 frees the block and
// returns ptr unchanged (now dangling) — an intentionally odd contract
// inherited unmodified from this allocator's original design; see the
// package's design notes before relying on it. The same-order check comes
// first, so a block already at the order a zero-byte request maps to (the
// smallest block order) is returned unchanged and is not freed.
func (p *Pool) Realloc(ptr unsafe.Pointer, size uint) (unsafe.Pointer, error) {
	if ptr == nil {
		return p.Malloc(size)
	}

	target := orderForPayload(uintptr(size))
	if target > p.maxOrder {
		return nil, setENOMEM("buddy.Realloc: order exceeds pool")
	}

	h := headerAt(uintptr(ptr) - HeaderSize)
	if h == nil {
		return nil, errors.Wrap(ErrCorruptedPool, "buddy.Realloc: unreadable header")
	}

	oldOrder := uint(h.order)
	if target == oldOrder {
		return ptr, nil
	}

	if size == 0 {
		p.Free(ptr)
		return ptr, nil
	}

	for target < uint(h.order) {
		h = p.split(h)
	}

	if target > uint(h.order) {
		newBlock, err := p.allocOrder(target)
		if err != nil {
			return nil, err
		}
		oldSize := uintptr(1) << oldOrder
		dst := unsafe.Pointer(addrOf(newBlock) + HeaderSize)
		src := unsafe.Pointer(addrOf(h) + HeaderSize)
		copyNonOverlapping(dst, src, oldSize-HeaderSize)
		p.Free(ptr)
		return dst, nil
	}

	return unsafe.Pointer(addrOf(h) + HeaderSize), nil
}

// copyNonOverlapping copies n bytes from src to dst; the two never overlap
// because dst always comes from a freshly allocated, disjoint block.
func copyNonOverlapping(dst, src unsafe.Pointer, n uintptr) {
	srcSlice := unsafe.Slice((*byte)(src), int(n))
	dstSlice := unsafe.Slice((*byte)(dst), int(n))
	copy(dstSlice, srcSlice)
}
