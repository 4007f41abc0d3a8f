package paging

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kestrelos/kestrel/internal/arch"
)

var (
	ErrNoHole     = errors.New("no hole large enough")
	ErrVMAOverlap = errors.New("range overlaps an existing mapping")
	ErrNoVMA      = errors.New("no mapping covers the range")
	ErrBadLength  = errors.New("invalid length")
)

// Perms is the r/w/x permission set of a virtual memory area.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
)

func (p Perms) String() string {
	b := [3]byte{'-', '-', '-'}
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// VMAFlags qualifies how a VMA is backed and placed.
type VMAFlags struct {
	Private   bool
	Anonymous bool
	Fixed     bool
}

// VMA is one [Start, End) area of a process's address space.
type VMA struct {
	Start, End uint64
	Perms      Perms
	Flags      VMAFlags
}

func (v VMA) Size() uint64 { return v.End - v.Start }

// VMAManager keeps a process's areas ordered by start and
// non-overlapping, and finds holes for anonymous placements.
type VMAManager struct {
	vmas []VMA

	// lo and hi bound the search range for non-fixed placements.
	lo, hi uint64
}

// Default placement window for non-fixed mappings, clear of the
// identity-mapped kernel regions on both supported machines and well
// inside the lower VA half.
const (
	DefaultMmapBase  = 0x20_0000_0000
	DefaultMmapLimit = 0x40_0000_0000
)

// NewVMAManager builds a manager placing non-fixed mappings inside
// [lo, hi). Zero values select the defaults.
func NewVMAManager(lo, hi uint64) *VMAManager {
	if lo == 0 {
		lo = DefaultMmapBase
	}
	if hi == 0 {
		hi = DefaultMmapLimit
	}
	return &VMAManager{lo: lo, hi: hi}
}

// MMap reserves an area of ceil(length/4K) pages. Fixed mappings are
// attempted only at addr; otherwise the lowest hole in the placement
// window wins. Returns the base of the new area.
func (m *VMAManager) MMap(addr, length uint64, perms Perms, flags VMAFlags) (uint64, error) {
	if length == 0 {
		return 0, ErrBadLength
	}
	size := (length + arch.PageMask) &^ uint64(arch.PageMask)

	var base uint64
	if flags.Fixed {
		if addr&arch.PageMask != 0 {
			return 0, fmt.Errorf("paging: mmap fixed %#x: %w", addr, ErrUnaligned)
		}
		if m.overlaps(addr, addr+size) {
			return 0, ErrVMAOverlap
		}
		base = addr
	} else {
		hole, ok := m.findHole(size)
		if !ok {
			return 0, ErrNoHole
		}
		base = hole
	}

	m.insert(VMA{Start: base, End: base + size, Perms: perms, Flags: flags})
	return base, nil
}

// MUnmap removes [addr, addr+length) from the area that contains it,
// splitting the area when the range is interior. The returned VMA
// describes exactly the removed range so the caller can release its
// backing.
func (m *VMAManager) MUnmap(addr, length uint64) (VMA, error) {
	if length == 0 {
		return VMA{}, ErrBadLength
	}
	end := addr + ((length + arch.PageMask) &^ uint64(arch.PageMask))

	for i, v := range m.vmas {
		if addr >= v.Start && end <= v.End {
			m.vmas = append(m.vmas[:i], m.vmas[i+1:]...)
			if v.Start < addr {
				m.insert(VMA{Start: v.Start, End: addr, Perms: v.Perms, Flags: v.Flags})
			}
			if end < v.End {
				m.insert(VMA{Start: end, End: v.End, Perms: v.Perms, Flags: v.Flags})
			}
			return VMA{Start: addr, End: end, Perms: v.Perms, Flags: v.Flags}, nil
		}
	}
	return VMA{}, ErrNoVMA
}

// Find returns the area containing addr.
func (m *VMAManager) Find(addr uint64) (VMA, bool) {
	for _, v := range m.vmas {
		if addr >= v.Start && addr < v.End {
			return v, true
		}
	}
	return VMA{}, false
}

// List returns a copy of the areas in start order.
func (m *VMAManager) List() []VMA {
	out := make([]VMA, len(m.vmas))
	copy(out, m.vmas)
	return out
}

// Clear drops every area; exec uses this when discarding the old
// image.
func (m *VMAManager) Clear() {
	m.vmas = m.vmas[:0]
}

func (m *VMAManager) overlaps(start, end uint64) bool {
	for _, v := range m.vmas {
		if start < v.End && end > v.Start {
			return true
		}
	}
	return false
}

func (m *VMAManager) findHole(size uint64) (uint64, bool) {
	candidate := m.lo
	for _, v := range m.vmas {
		if v.End <= candidate {
			continue
		}
		if v.Start >= candidate+size {
			break
		}
		candidate = v.End
	}
	if candidate+size > m.hi {
		return 0, false
	}
	return candidate, true
}

func (m *VMAManager) insert(v VMA) {
	i := sort.Search(len(m.vmas), func(i int) bool {
		return m.vmas[i].Start >= v.Start
	})
	m.vmas = append(m.vmas, VMA{})
	copy(m.vmas[i+1:], m.vmas[i:])
	m.vmas[i] = v
}
