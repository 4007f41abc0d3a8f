package paging

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/mem"
)

// UserSpace is one process's view of memory: a fresh root that carries
// the kernel's mappings as EL1-only plus whatever user regions are
// added to it. Access is serialized through the owning agent.
type UserSpace struct {
	space *AddressSpace
	alloc *mem.Allocator
}

// NewUserSpace clones the kernel layout into a new root. The kernel
// regions stay EL1-only so the process can trap into the kernel but
// never touch it.
func (k *Kernel) NewUserSpace() (*UserSpace, error) {
	space, err := NewAddressSpace(k.m, k.alloc)
	if err != nil {
		return nil, err
	}

	for _, r := range k.layout.RAM {
		if err := space.IdentityMap(r.Start, r.End, KernelNormal); err != nil {
			return nil, fmt.Errorf("paging: user clone RAM: %w", err)
		}
	}
	if k.layout.DMA.Size() > 0 {
		if err := space.IdentityMap(k.layout.DMA.Start, k.layout.DMA.End, KernelNC); err != nil {
			return nil, fmt.Errorf("paging: user clone DMA: %w", err)
		}
	}
	for _, r := range k.layout.Peripherals {
		if err := space.IdentityMap(r.Start, r.End, KernelDevice); err != nil {
			return nil, fmt.Errorf("paging: user clone peripherals: %w", err)
		}
	}

	return &UserSpace{space: space, alloc: k.alloc}, nil
}

// TableBase returns the root table address for TTBR0.
func (u *UserSpace) TableBase() uint64 { return u.space.Root() }

// MapUser maps [virt, virt+size) onto [phys, phys+size) with
// user-accessible normal-memory attributes.
func (u *UserSpace) MapUser(virt, phys uint64, size uint64) error {
	end := virt + size
	for v, p := virt, phys; v < end; v, p = v+arch.PageSize, p+arch.PageSize {
		if err := u.space.MapPage(v, p, UserNormal); err != nil {
			return fmt.Errorf("paging: map user %#x->%#x: %w", v, p, err)
		}
	}
	return nil
}

// UnmapPage removes one user mapping, returning the frame it covered.
func (u *UserSpace) UnmapPage(virt uint64) (uint64, bool, error) {
	return u.space.UnmapPage(virt)
}

// IsMapped reports whether virt translates in this space.
func (u *UserSpace) IsMapped(virt uint64) bool { return u.space.IsMapped(virt) }

// Translate resolves virt through this space's tables.
func (u *UserSpace) Translate(virt uint64) (uint64, bool) {
	return u.space.Translate(virt)
}

// Release frees every table frame of the space, root included. Leaf
// frames are untouched: the owner releases those through its VMA
// bookkeeping first. A user space shares no table frames with the
// kernel space, so the recursive walk is safe.
func (u *UserSpace) Release() {
	u.space.releaseTables(u.space.root, 0)
	u.space.root = 0
}
