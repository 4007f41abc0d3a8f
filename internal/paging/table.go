package paging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/mem"
)

var (
	ErrUnaligned     = errors.New("address not aligned")
	ErrBlockPresent  = errors.New("block mapping in the way")
	ErrTableAlloc    = errors.New("out of memory for page table")
	ErrTableCorrupt  = errors.New("page table frame unreadable")
	ErrRangeReversed = errors.New("range end before start")
)

// AddressSpace owns one root table frame and the node frames hanging
// off it. It is not internally locked: the kernel space is wrapped by
// the kernel VM lock, user spaces are reached through the owning
// agent.
type AddressSpace struct {
	m     arch.Machine
	alloc *mem.Allocator
	root  uint64
}

// NewAddressSpace allocates a zeroed root table.
func NewAddressSpace(m arch.Machine, alloc *mem.Allocator) (*AddressSpace, error) {
	root, ok := alloc.AllocPages(1)
	if !ok {
		return nil, fmt.Errorf("paging: root table: %w", ErrTableAlloc)
	}
	s := &AddressSpace{m: m, alloc: alloc, root: root}
	if err := s.zeroTable(root); err != nil {
		alloc.FreePages(root, 1)
		return nil, err
	}
	return s, nil
}

// Root returns the physical address of the root table, suitable for
// TTBR0/TTBR1.
func (s *AddressSpace) Root() uint64 { return s.root }

func (s *AddressSpace) table(frame uint64) ([]byte, error) {
	b, err := s.m.Phys(frame, mem.PageSize)
	if err != nil {
		return nil, fmt.Errorf("paging: table %#x: %w", frame, ErrTableCorrupt)
	}
	return b, nil
}

func (s *AddressSpace) zeroTable(frame uint64) error {
	b, err := s.table(frame)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

func readEntry(tbl []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(tbl[idx*8:])
}

func writeEntry(tbl []byte, idx int, v uint64) {
	binary.LittleEndian.PutUint64(tbl[idx*8:], v)
}

func entryValid(e uint64) bool { return e&uint64(FlagValid) != 0 }
func entryTable(e uint64) bool { return e&uint64(FlagTable) != 0 }
func entryAddr(e uint64) uint64 {
	return e & entryAddrMask
}

func tableEmpty(tbl []byte) bool {
	for i := 0; i < entriesPerTable; i++ {
		if entryValid(readEntry(tbl, i)) {
			return false
		}
	}
	return true
}

// levelIndices splits a VA into the four 9-bit table indices.
func levelIndices(virt uint64) (l0, l1, l2, l3 int) {
	l0 = int(virt >> 39 & 0x1FF)
	l1 = int(virt >> 30 & 0x1FF)
	l2 = int(virt >> 21 & 0x1FF)
	l3 = int(virt >> 12 & 0x1FF)
	return
}

// nextTable returns the frame the table entry at (tblFrame, idx)
// points to, allocating and installing a zeroed node when the entry is
// invalid. A valid non-table (block) entry fails the walk.
func (s *AddressSpace) nextTable(tblFrame uint64, idx int) (uint64, error) {
	tbl, err := s.table(tblFrame)
	if err != nil {
		return 0, err
	}
	e := readEntry(tbl, idx)
	if entryValid(e) {
		if !entryTable(e) {
			return 0, ErrBlockPresent
		}
		return entryAddr(e), nil
	}

	frame, ok := s.alloc.AllocPages(1)
	if !ok {
		return 0, ErrTableAlloc
	}
	if err := s.zeroTable(frame); err != nil {
		s.alloc.FreePages(frame, 1)
		return 0, err
	}
	writeEntry(tbl, idx, frame|uint64(FlagValid|FlagTable|FlagAF))
	return frame, nil
}

// MapPage installs a 4 KB mapping from virt to phys. Rewriting the
// flags of an existing mapping to the same frame is allowed.
func (s *AddressSpace) MapPage(virt, phys uint64, flags EntryFlags) error {
	if virt&arch.PageMask != 0 || phys&arch.PageMask != 0 {
		return fmt.Errorf("paging: map %#x->%#x: %w", virt, phys, ErrUnaligned)
	}

	l0, l1, l2, l3 := levelIndices(virt)

	l1Frame, err := s.nextTable(s.root, l0)
	if err != nil {
		return err
	}
	l2Frame, err := s.nextTable(l1Frame, l1)
	if err != nil {
		return err
	}
	l3Frame, err := s.nextTable(l2Frame, l2)
	if err != nil {
		return err
	}

	tbl, err := s.table(l3Frame)
	if err != nil {
		return err
	}
	writeEntry(tbl, l3, phys|uint64(flags|FlagValid|FlagTable|FlagAF))
	return nil
}

// splitBlock replaces the block descriptor at (tbl, idx) with a table
// of next-level entries covering the same range with the same
// attributes: 2 MB block entries under a split 1 GB block, page
// entries under a split 2 MB block.
func (s *AddressSpace) splitBlock(tbl []byte, idx int, toPages bool) error {
	e := readEntry(tbl, idx)
	base := entryAddr(e)
	attrs := e &^ uint64(entryAddrMask) &^ uint64(FlagValid|FlagTable)

	frame, ok := s.alloc.AllocPages(1)
	if !ok {
		return ErrTableAlloc
	}
	newTbl, err := s.table(frame)
	if err != nil {
		s.alloc.FreePages(frame, 1)
		return err
	}
	clear(newTbl)

	step := uint64(Block2M)
	leafBits := uint64(FlagValid) // block form at L2
	if toPages {
		step = arch.PageSize
		leafBits = uint64(FlagValid | FlagTable) // page form at L3
	}
	for i := 0; i < entriesPerTable; i++ {
		writeEntry(newTbl, i, (base+uint64(i)*step)|attrs|leafBits)
	}

	writeEntry(tbl, idx, frame|uint64(FlagValid|FlagTable|FlagAF))
	return nil
}

// UnmapPage clears the mapping for virt and returns the frame it
// pointed at. Block descriptors covering virt are split down to pages
// first; table nodes left empty by the removal are freed from L3
// upward. The second return is false when virt was not mapped.
func (s *AddressSpace) UnmapPage(virt uint64) (uint64, bool, error) {
	if virt&arch.PageMask != 0 {
		return 0, false, fmt.Errorf("paging: unmap %#x: %w", virt, ErrUnaligned)
	}

	l0, l1, l2, l3 := levelIndices(virt)

	rootTbl, err := s.table(s.root)
	if err != nil {
		return 0, false, err
	}
	l1Entry := readEntry(rootTbl, l0)
	if !entryValid(l1Entry) {
		return 0, false, nil
	}
	l1Tbl, err := s.table(entryAddr(l1Entry))
	if err != nil {
		return 0, false, err
	}
	l2Entry := readEntry(l1Tbl, l1)
	if !entryValid(l2Entry) {
		return 0, false, nil
	}
	if !entryTable(l2Entry) {
		if err := s.splitBlock(l1Tbl, l1, false); err != nil {
			return 0, false, err
		}
		l2Entry = readEntry(l1Tbl, l1)
	}
	l2Tbl, err := s.table(entryAddr(l2Entry))
	if err != nil {
		return 0, false, err
	}
	l3Entry := readEntry(l2Tbl, l2)
	if !entryValid(l3Entry) {
		return 0, false, nil
	}
	if !entryTable(l3Entry) {
		if err := s.splitBlock(l2Tbl, l2, true); err != nil {
			return 0, false, err
		}
		l3Entry = readEntry(l2Tbl, l2)
	}
	l3Tbl, err := s.table(entryAddr(l3Entry))
	if err != nil {
		return 0, false, err
	}
	e := readEntry(l3Tbl, l3)
	if !entryValid(e) {
		return 0, false, nil
	}

	phys := entryAddr(e)
	writeEntry(l3Tbl, l3, 0)

	// Collapse empty tables upward.
	if tableEmpty(l3Tbl) {
		s.alloc.FreePages(entryAddr(l3Entry), 1)
		writeEntry(l2Tbl, l2, 0)
		if tableEmpty(l2Tbl) {
			s.alloc.FreePages(entryAddr(l2Entry), 1)
			writeEntry(l1Tbl, l1, 0)
			if tableEmpty(l1Tbl) {
				s.alloc.FreePages(entryAddr(l1Entry), 1)
				writeEntry(rootTbl, l0, 0)
			}
		}
	}

	return phys, true, nil
}

// MapBlock2M installs a 2 MB block mapping at L2.
func (s *AddressSpace) MapBlock2M(virt, phys uint64, flags EntryFlags) error {
	if virt&(Block2M-1) != 0 || phys&(Block2M-1) != 0 {
		return fmt.Errorf("paging: map block %#x->%#x: %w", virt, phys, ErrUnaligned)
	}

	l0, l1, l2, _ := levelIndices(virt)

	l1Frame, err := s.nextTable(s.root, l0)
	if err != nil {
		return err
	}
	l2Frame, err := s.nextTable(l1Frame, l1)
	if err != nil {
		return err
	}
	tbl, err := s.table(l2Frame)
	if err != nil {
		return err
	}
	// A block descriptor keeps the table bit clear.
	writeEntry(tbl, l2, phys|uint64((flags|FlagValid|FlagAF)&^FlagTable))
	return nil
}

// MapBlock1G installs a 1 GB block mapping at L1.
func (s *AddressSpace) MapBlock1G(virt, phys uint64, flags EntryFlags) error {
	if virt&(Block1G-1) != 0 || phys&(Block1G-1) != 0 {
		return fmt.Errorf("paging: map block %#x->%#x: %w", virt, phys, ErrUnaligned)
	}

	l0, l1, _, _ := levelIndices(virt)

	l1Frame, err := s.nextTable(s.root, l0)
	if err != nil {
		return err
	}
	tbl, err := s.table(l1Frame)
	if err != nil {
		return err
	}
	writeEntry(tbl, l1, phys|uint64((flags|FlagValid|FlagAF)&^FlagTable))
	return nil
}

// IdentityMap maps [start, end) onto itself, using 2 MB blocks when
// both the address and the remaining range allow it.
func (s *AddressSpace) IdentityMap(start, end uint64, flags EntryFlags) error {
	if end < start {
		return ErrRangeReversed
	}
	addr := start &^ uint64(arch.PageMask)
	endAligned := (end + arch.PageMask) &^ uint64(arch.PageMask)

	for addr < endAligned {
		if addr&(Block2M-1) == 0 && addr+Block2M <= endAligned {
			if err := s.MapBlock2M(addr, addr, flags); err != nil {
				return err
			}
			addr += Block2M
		} else {
			if err := s.MapPage(addr, addr, flags); err != nil {
				return err
			}
			addr += arch.PageSize
		}
	}
	return nil
}

// releaseTables frees the table frame at frame and, above L3, the
// table frames its table descriptors point at. Block and page
// descriptors are skipped.
func (s *AddressSpace) releaseTables(frame uint64, level int) {
	if level < 3 {
		tbl, err := s.table(frame)
		if err == nil {
			for i := 0; i < entriesPerTable; i++ {
				e := readEntry(tbl, i)
				if entryValid(e) && entryTable(e) {
					s.releaseTables(entryAddr(e), level+1)
				}
			}
		}
	}
	s.alloc.FreePages(frame, 1)
}

// IsMapped reports whether virt has a live translation, through page
// or block descriptors.
func (s *AddressSpace) IsMapped(virt uint64) bool {
	_, ok := s.Translate(virt)
	return ok
}

// Translate walks the tables for virt and returns the physical
// address, honoring 1 GB and 2 MB block descriptors.
func (s *AddressSpace) Translate(virt uint64) (uint64, bool) {
	l0, l1, l2, l3 := levelIndices(virt)

	rootTbl, err := s.table(s.root)
	if err != nil {
		return 0, false
	}
	e := readEntry(rootTbl, l0)
	if !entryValid(e) {
		return 0, false
	}

	l1Tbl, err := s.table(entryAddr(e))
	if err != nil {
		return 0, false
	}
	e = readEntry(l1Tbl, l1)
	if !entryValid(e) {
		return 0, false
	}
	if !entryTable(e) {
		return entryAddr(e) + virt&(Block1G-1), true
	}

	l2Tbl, err := s.table(entryAddr(e))
	if err != nil {
		return 0, false
	}
	e = readEntry(l2Tbl, l2)
	if !entryValid(e) {
		return 0, false
	}
	if !entryTable(e) {
		return entryAddr(e) + virt&(Block2M-1), true
	}

	l3Tbl, err := s.table(entryAddr(e))
	if err != nil {
		return 0, false
	}
	e = readEntry(l3Tbl, l3)
	if !entryValid(e) {
		return 0, false
	}
	return entryAddr(e) + virt&uint64(arch.PageMask), true
}
