package mem

import "math/bits"

// Slab size classes. Anything above the last class goes to the buddy.
var slabSizes = [8]uint64{16, 32, 64, 128, 256, 512, 1024, 2048}

// MaxSlabSize is the largest slab-served allocation.
const MaxSlabSize = 2048

// Slab header layout, stored at the start of each 4 KB slab frame.
//
//	0  next slab (physical address, 0 terminates)
//	8  free list head (physical address, 0 terminates)
//	16 allocated count
//	24 capacity
//	32 object size
const (
	slabOffNext      = 0
	slabOffFreeList  = 8
	slabOffAllocated = 16
	slabOffCapacity  = 24
	slabOffObjSize   = 32
	slabHeaderSize   = 40
)

// slabCache serves the eight fixed size classes. Each class keeps a
// chain of 4 KB slab frames drawn from the buddy; the head frame is
// the only one consulted for free objects, new frames are pushed to
// the head. Callers provide external locking.
type slabCache struct {
	a arena

	// slabs[i] is the physical address of the head slab frame for
	// class i, or 0.
	slabs [8]uint64

	allocatedBytes uint64
}

// slabIndex maps a size onto its class, O(1): bit_width(size-1)-4,
// clamped to the class range.
func slabIndex(size uint64) (int, bool) {
	if size > MaxSlabSize {
		return 0, false
	}
	if size < MinBlockSize {
		size = MinBlockSize
	}
	return bits.Len64(size-1) - 4, true
}

// SlabHeader is the decoded header of one slab frame, exposed for
// the locality invariant: masking any live slab object pointer down
// to its 4 KB frame yields a valid header.
type SlabHeader struct {
	NextSlab   uint64
	FreeList   uint64
	Allocated  uint64
	Capacity   uint64
	ObjectSize uint64
}

// readHeader decodes the header at the base of a slab frame.
func (c *slabCache) readHeader(frame uint64) SlabHeader {
	return SlabHeader{
		NextSlab:   c.a.load64(frame + slabOffNext),
		FreeList:   c.a.load64(frame + slabOffFreeList),
		Allocated:  c.a.load64(frame + slabOffAllocated),
		Capacity:   c.a.load64(frame + slabOffCapacity),
		ObjectSize: c.a.load64(frame + slabOffObjSize),
	}
}

func (c *slabCache) alloc(size uint64, buddy *Buddy) (uint64, bool) {
	idx, ok := slabIndex(size)
	if !ok {
		return 0, false
	}
	objSize := slabSizes[idx]

	if head := c.slabs[idx]; head != 0 {
		if obj := c.a.load64(head + slabOffFreeList); obj != 0 {
			c.a.store64(head+slabOffFreeList, c.a.load64(obj))
			c.a.store64(head+slabOffAllocated, c.a.load64(head+slabOffAllocated)+1)
			c.allocatedBytes += objSize
			return obj, true
		}
	}

	// Head slab exhausted (or absent): draw a fresh frame.
	frame, ok := buddy.Alloc(PageSize)
	if !ok {
		return 0, false
	}

	dataStart := frame + slabHeaderSize
	dataStart = (dataStart + objSize - 1) &^ (objSize - 1)
	capacity := (frame + PageSize - dataStart) / objSize

	c.a.store64(frame+slabOffNext, c.slabs[idx])
	c.a.store64(frame+slabOffAllocated, 1)
	c.a.store64(frame+slabOffCapacity, capacity)
	c.a.store64(frame+slabOffObjSize, objSize)

	// Thread the free list back to front so the first allocation after
	// this one takes the second object.
	next := uint64(0)
	for i := capacity - 1; i >= 1; i-- {
		obj := dataStart + i*objSize
		c.a.store64(obj, next)
		next = obj
	}
	c.a.store64(frame+slabOffFreeList, next)

	c.slabs[idx] = frame
	c.allocatedBytes += objSize
	return dataStart, true
}

func (c *slabCache) free(ptr uint64) {
	// The slab header sits at the frame boundary of the object.
	frame := ptr &^ (PageSize - 1)
	objSize := c.a.load64(frame + slabOffObjSize)
	c.allocatedBytes -= objSize

	c.a.store64(ptr, c.a.load64(frame+slabOffFreeList))
	c.a.store64(frame+slabOffFreeList, ptr)

	allocated := c.a.load64(frame + slabOffAllocated)
	if allocated > 0 {
		c.a.store64(frame+slabOffAllocated, allocated-1)
	}
}

func (c *slabCache) allocated() uint64 { return c.allocatedBytes }
