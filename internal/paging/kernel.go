package paging

import (
	"fmt"
	"log/slog"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/kspin"
	"github.com/kestrelos/kestrel/internal/mem"
)

// Region is a half-open physical address range.
type Region struct {
	Start, End uint64
}

func (r Region) Size() uint64 { return r.End - r.Start }

// Layout names the regions the kernel address space must cover.
type Layout struct {
	// RAM regions, identity-mapped normal cacheable EL1-RW.
	RAM []Region
	// Peripheral MMIO regions, device memory EL1-RW no-execute.
	Peripherals []Region
	// DMA is remapped non-cacheable inside RAM.
	DMA Region
}

// Kernel is the kernel address space and the machine state that backs
// it. One lock wraps every modification of the kernel tables.
type Kernel struct {
	mu *kspin.Lock

	m      arch.Machine
	alloc  *mem.Allocator
	space  *AddressSpace
	layout Layout
	log    *slog.Logger
}

// MAIR attribute encoding: index 0 device-nGnRnE, index 1 normal
// write-back write-allocate, index 2 normal non-cacheable.
const mairValue = 0x00 | 0xFF<<8 | 0x44<<16

// TCR: 48-bit spaces in both halves (T0SZ=T1SZ=16), 4 KB granules,
// 36-bit intermediate physical addresses.
const tcrValue = (64-48)<<0 | (64-48)<<16 | 0<<14 | 2<<30 | 1<<32

// SCTLR bits enabled at MMU bring-up: M, C, I.
const sctlrEnable = 1 | 1<<2 | 1<<12

// InitKernel builds the kernel address space over the layout, then
// programs MAIR, TCR and both TTBRs and enables the MMU with caches.
func InitKernel(m arch.Machine, alloc *mem.Allocator, layout Layout, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}

	space, err := NewAddressSpace(m, alloc)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		mu:     kspin.NewLock(m),
		m:      m,
		alloc:  alloc,
		space:  space,
		layout: layout,
		log:    log,
	}

	for _, r := range layout.RAM {
		if err := space.IdentityMap(r.Start, r.End, KernelNormal); err != nil {
			return nil, fmt.Errorf("paging: map RAM [%#x,%#x): %w", r.Start, r.End, err)
		}
	}
	if layout.DMA.Size() > 0 {
		// Devices must observe DMA buffers without cache maintenance.
		if err := space.IdentityMap(layout.DMA.Start, layout.DMA.End, KernelNC); err != nil {
			return nil, fmt.Errorf("paging: remap DMA [%#x,%#x): %w",
				layout.DMA.Start, layout.DMA.End, err)
		}
	}
	for _, r := range layout.Peripherals {
		if err := space.IdentityMap(r.Start, r.End, KernelDevice); err != nil {
			return nil, fmt.Errorf("paging: map peripherals [%#x,%#x): %w", r.Start, r.End, err)
		}
	}

	m.SetMAIR(mairValue)
	m.SetTCR(tcrValue)
	m.SetTTBR0(space.Root())
	m.SetTTBR1(space.Root())
	m.TLBInvalidateAll()
	m.SetSCTLR(m.SCTLR() | sctlrEnable)

	log.Info("mmu enabled", "root", space.Root())
	return k, nil
}

// Root returns the kernel root table address.
func (k *Kernel) Root() uint64 { return k.space.Root() }

// Layout returns the platform layout the space was built from.
func (k *Kernel) Layout() Layout { return k.layout }

// MapPage installs a kernel mapping under the kernel VM lock.
func (k *Kernel) MapPage(virt, phys uint64, flags EntryFlags) error {
	g := k.mu.Lock()
	defer g.Release()
	return k.space.MapPage(virt, phys, flags)
}

// UnmapPage removes a kernel mapping under the kernel VM lock.
func (k *Kernel) UnmapPage(virt uint64) (uint64, bool, error) {
	g := k.mu.Lock()
	defer g.Release()
	return k.space.UnmapPage(virt)
}

// IsMapped reports whether virt translates in the kernel space.
func (k *Kernel) IsMapped(virt uint64) bool {
	g := k.mu.Lock()
	defer g.Release()
	return k.space.IsMapped(virt)
}

// Translate resolves virt through the kernel tables.
func (k *Kernel) Translate(virt uint64) (uint64, bool) {
	g := k.mu.Lock()
	defer g.Release()
	return k.space.Translate(virt)
}
