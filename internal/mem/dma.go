package mem

import (
	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/kspin"
)

// DMA is a buddy allocator over the DMA region. The region is mapped
// non-cacheable by the kernel address space so devices observe writes
// without explicit cache maintenance.
type DMA struct {
	mu    kspin.RawLock
	buddy Buddy
	init  bool
}

// NewDMA builds an allocator over [base, base+size) of the machine's
// DMA region.
func NewDMA(m arch.Machine, base, size uint64) *DMA {
	d := &DMA{}
	d.buddy.Init(arena{m: m}, base, size)
	d.init = true
	return d
}

// Alloc returns a DMA-safe block, or ok=false on exhaustion.
func (d *DMA) Alloc(size uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.init {
		return 0, false
	}
	return d.buddy.Alloc(size)
}

// Free releases a block allocated with the same size.
func (d *DMA) Free(addr, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.init || addr == 0 {
		return
	}
	d.buddy.Free(addr, size)
}

// Allocated returns the bytes currently handed out.
func (d *DMA) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buddy.Allocated()
}
