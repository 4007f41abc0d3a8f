package paging

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/arch"
)

// Stack is a kernel stack backed by pages+1 contiguous frames. The
// lowest frame is unmapped in the kernel space so an overflow faults
// instead of silently corrupting whatever sits below.
type Stack struct {
	k *Kernel

	// Base is the start of the allocation: the guard page.
	Base uint64
	// Bottom is the lowest usable address, one page above Base.
	Bottom uint64
	// Top is the initial stack pointer; the stack grows down from it.
	Top uint64

	pages int
}

// AllocStack allocates a stack of the given number of usable pages
// plus a guard page.
func (k *Kernel) AllocStack(pages int) (*Stack, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("paging: stack of %d pages", pages)
	}
	total := pages + 1
	base, ok := k.alloc.AllocPages(total)
	if !ok {
		return nil, fmt.Errorf("paging: stack: out of memory")
	}

	if _, _, err := k.UnmapPage(base); err != nil {
		// Without the guard the stack still works, it just cannot
		// catch an overflow.
		k.log.Warn("stack guard unmap failed", "base", base, "err", err)
	}

	s := &Stack{
		k:      k,
		Base:   base,
		Bottom: base + arch.PageSize,
		Top:    base + uint64(total)*arch.PageSize,
		pages:  pages,
	}
	return s, nil
}

// Release re-maps the guard page as normal memory, then frees every
// frame of the allocation. The remap must succeed before the frames
// go back: a freed frame that faults on access would take down the
// allocator's next user. On remap failure the stack is leaked.
func (s *Stack) Release() {
	if s.Base == 0 {
		return
	}
	if err := s.k.MapPage(s.Base, s.Base, KernelNormal); err != nil {
		s.k.log.Error("stack guard remap failed, leaking stack",
			"base", s.Base, "err", err)
		s.Base = 0
		return
	}
	s.k.alloc.FreePages(s.Base, s.pages+1)
	s.Base = 0
}
