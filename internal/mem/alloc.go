package mem

import (
	"log/slog"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/kspin"
)

// Allocator is the kernel heap: slab caches for sizes up to 2048
// bytes, the buddy above that. A raw spinlock serializes the interior
// state; nothing here is ever entered from an interrupt handler.
type Allocator struct {
	mu kspin.RawLock

	a           arena
	buddy       Buddy
	slab        slabCache
	initialized bool

	heapBase uint64
	heapSize uint64

	// totalAllocations counts every successful allocation through
	// either path.
	totalAllocations uint64

	log *slog.Logger
}

// Stats reports allocator occupancy.
type Stats struct {
	Allocated        uint64 // bytes handed out by the buddy
	SlabAllocated    uint64 // bytes handed out by the slab caches
	TotalAllocations uint64
}

// NewAllocator builds an uninitialized allocator over the machine's
// RAM arena.
func NewAllocator(m arch.Machine, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{a: arena{m: m}, log: log}
}

// Init hands the heap region to the allocator. The usable base is
// offset by seed mod a quarter of the region, rounded down to a page,
// so heap addresses are not predictable across boots.
func (al *Allocator) Init(heapBase, heapSize, seed uint64) {
	al.mu.Lock()
	defer al.mu.Unlock()

	maxOffset := heapSize / 4
	offset := uint64(0)
	if maxOffset > 0 {
		offset = (seed % maxOffset) &^ (PageSize - 1)
	}

	al.heapBase = heapBase
	al.heapSize = heapSize
	al.buddy.Init(al.a, heapBase+offset, heapSize-offset)
	al.slab.a = al.a
	al.initialized = true

	al.log.Debug("heap initialized",
		"base", heapBase+offset, "size", heapSize-offset, "offset", offset)
}

// Alloc serves the generic allocation primitive. Sizes up to 2048 come
// from the slab and never fall back to the buddy: Free decides between
// the two paths by size alone, and a buddy block freed through the
// slab path would be treated as a slab object with a header it does
// not have. Alignment is accommodated by allocating max(size, align).
func (al *Allocator) Alloc(size, align uint64) (uint64, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if !al.initialized || size == 0 {
		return 0, false
	}
	if align > size {
		size = align
	}

	if size <= MaxSlabSize {
		addr, ok := al.slab.alloc(size, &al.buddy)
		if ok {
			al.totalAllocations++
		}
		return addr, ok
	}
	addr, ok := al.buddy.Alloc(size)
	if ok {
		al.totalAllocations++
	}
	return addr, ok
}

// Free releases an allocation made with the same size and align.
func (al *Allocator) Free(addr, size, align uint64) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if addr == 0 || !al.initialized {
		return
	}
	if align > size {
		size = align
	}

	if size <= MaxSlabSize {
		al.slab.free(addr)
		return
	}
	al.buddy.Free(addr, size)
}

// AllocPages returns count contiguous 4 KB frames from the buddy.
func (al *Allocator) AllocPages(count int) (uint64, bool) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.initialized || count <= 0 {
		return 0, false
	}
	addr, ok := al.buddy.Alloc(uint64(count) * PageSize)
	if ok {
		al.totalAllocations++
	}
	return addr, ok
}

// FreePages releases frames returned by AllocPages.
func (al *Allocator) FreePages(addr uint64, count int) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if addr == 0 || !al.initialized {
		return
	}
	al.buddy.Free(addr, uint64(count)*PageSize)
}

// Initialized reports whether Init has run.
func (al *Allocator) Initialized() bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.initialized
}

// Stats returns current occupancy.
func (al *Allocator) Stats() Stats {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.initialized {
		return Stats{}
	}
	return Stats{
		Allocated:        al.buddy.Allocated(),
		SlabAllocated:    al.slab.allocated(),
		TotalAllocations: al.totalAllocations,
	}
}

// HeapAvailable estimates the bytes still allocatable.
func (al *Allocator) HeapAvailable() uint64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.initialized {
		return 0
	}
	used := al.buddy.Allocated()
	if used > al.heapSize {
		return 0
	}
	return al.heapSize - used
}

// SlabHeaderOf decodes the slab header for a live slab object.
func (al *Allocator) SlabHeaderOf(ptr uint64) SlabHeader {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.slab.readHeader(ptr &^ (PageSize - 1))
}
