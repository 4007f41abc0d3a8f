// Package mem implements the kernel's physical memory allocators: a
// buddy allocator for large blocks, slab caches for small fixed-size
// objects, and a separate buddy over the DMA region. The heap base is
// offset by a per-boot seed so heap addresses differ across boots.
package mem

import (
	"math/bits"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	// MinBlockSize is the smallest buddy block.
	MinBlockSize = 16

	// MaxOrder gives blocks up to MinBlockSize<<MaxOrder = 16 MB.
	MaxOrder = 20

	// PageSize is the frame size shared with the paging layer.
	PageSize = 4096
)

// Buddy is a binary buddy allocator over one contiguous physical
// region. Free blocks form intrusive singly-linked lists, one per
// order, with the next pointer stored in the first 8 bytes of each
// free block. Callers provide external locking.
type Buddy struct {
	a arena

	base uint64
	size uint64

	// freeLists[o] is the physical address of the first free block of
	// order o, or 0 when empty.
	freeLists [MaxOrder + 1]uint64

	// freeMask has bit o set when order o has at least one free block.
	freeMask uint32

	allocated        atomicbitops.Uint64
	totalAllocations atomicbitops.Uint64
}

func blockSize(order int) uint64 { return MinBlockSize << order }

// orderForSize returns the order whose block covers size.
func orderForSize(size uint64) int {
	if size <= MinBlockSize {
		return 0
	}
	o := bits.Len64(size-1) - 4
	if o > MaxOrder {
		o = MaxOrder
	}
	return o
}

// Init hands the region [base, base+size) to the allocator. The region
// is carved into the largest blocks that both fit and keep every
// block's address aligned to its own size, which the buddy-by-XOR
// derivation depends on.
func (b *Buddy) Init(a arena, base, size uint64) {
	b.a = a
	b.base = base
	b.size = size
	for i := range b.freeLists {
		b.freeLists[i] = 0
	}
	b.freeMask = 0

	addr := base
	remaining := size
	for remaining >= MinBlockSize {
		order := MaxOrder
		for order > 0 && (blockSize(order) > remaining || addr&(blockSize(order)-1) != 0) {
			order--
		}
		b.pushFree(addr, order)
		addr += blockSize(order)
		remaining -= blockSize(order)
	}
}

func (b *Buddy) pushFree(addr uint64, order int) {
	b.a.store64(addr, b.freeLists[order])
	b.freeLists[order] = addr
	b.freeMask |= 1 << order
}

func (b *Buddy) popFree(order int) (uint64, bool) {
	head := b.freeLists[order]
	if head == 0 {
		return 0, false
	}
	b.freeLists[order] = b.a.load64(head)
	if b.freeLists[order] == 0 {
		b.freeMask &^= 1 << order
	}
	return head, true
}

// unlinkFree removes the block at addr from its order's free list.
func (b *Buddy) unlinkFree(addr uint64, order int) bool {
	prev := uint64(0)
	curr := b.freeLists[order]
	for curr != 0 {
		if curr == addr {
			next := b.a.load64(curr)
			if prev == 0 {
				b.freeLists[order] = next
			} else {
				b.a.store64(prev, next)
			}
			if b.freeLists[order] == 0 {
				b.freeMask &^= 1 << order
			}
			return true
		}
		prev = curr
		curr = b.a.load64(curr)
	}
	return false
}

func buddyAddr(addr uint64, order int) uint64 {
	return addr ^ blockSize(order)
}

// Alloc returns a block covering size, or ok=false on exhaustion.
func (b *Buddy) Alloc(size uint64) (uint64, bool) {
	order := orderForSize(size)

	// The mask makes finding the smallest suitable order a single
	// trailing-zeros scan.
	search := b.freeMask &^ (1<<order - 1)
	if search == 0 {
		return 0, false
	}
	current := bits.TrailingZeros32(search)
	if current > MaxOrder {
		return 0, false
	}

	addr, ok := b.popFree(current)
	if !ok {
		return 0, false
	}

	// Split down, parking the upper half of each split.
	for current > order {
		current--
		b.pushFree(addr+blockSize(current), current)
	}

	b.allocated.Add(blockSize(order))
	b.totalAllocations.Add(1)
	return addr, true
}

// Free returns a block allocated with the same size, coalescing with
// its buddy as far up as possible.
func (b *Buddy) Free(addr, size uint64) {
	order := orderForSize(size)
	current := order

	for current < MaxOrder {
		buddy := buddyAddr(addr, current)
		if !b.unlinkFree(buddy, current) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		current++
	}

	b.pushFree(addr, current)
	b.allocated.Add(^(blockSize(order) - 1)) // subtract
}

// Allocated returns the bytes currently handed out.
func (b *Buddy) Allocated() uint64 { return b.allocated.Load() }

// TotalAllocations returns the lifetime allocation count.
func (b *Buddy) TotalAllocations() uint64 { return b.totalAllocations.Load() }

// Size returns the managed region size.
func (b *Buddy) Size() uint64 { return b.size }
