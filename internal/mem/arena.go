package mem

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelos/kestrel/internal/arch"
)

// arena reads and writes kernel-owned words in physical memory. The
// buddy free lists and slab headers live inside the managed region
// itself, so every list operation is a load or store through here.
type arena struct {
	m arch.Machine
}

func (a arena) load64(addr uint64) uint64 {
	b, err := a.m.Phys(addr, 8)
	if err != nil {
		panic(fmt.Sprintf("mem: load64 %#x: %v", addr, err))
	}
	return binary.LittleEndian.Uint64(b)
}

func (a arena) store64(addr uint64, v uint64) {
	b, err := a.m.Phys(addr, 8)
	if err != nil {
		panic(fmt.Sprintf("mem: store64 %#x: %v", addr, err))
	}
	binary.LittleEndian.PutUint64(b, v)
}

func (a arena) zero(addr uint64, n int) {
	b, err := a.m.Phys(addr, n)
	if err != nil {
		panic(fmt.Sprintf("mem: zero %#x+%d: %v", addr, n, err))
	}
	clear(b)
}

func (a arena) bytes(addr uint64, n int) []byte {
	b, err := a.m.Phys(addr, n)
	if err != nil {
		panic(fmt.Sprintf("mem: bytes %#x+%d: %v", addr, n, err))
	}
	return b
}
