// Package kspin provides the kernel's spinlocks.
//
// Lock masks interrupts on the acquiring core before taking the flag,
// so an interrupt handler on the same core can never deadlock against
// the holder. RawLock skips the mask and is reserved for state that is
// never touched from an interrupt handler (the physical allocator and
// the per-core statistics table).
package kspin

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/kestrelos/kestrel/internal/arch"
)

// Lock is an interrupt-masking spinlock.
type Lock struct {
	m    arch.Machine
	flag atomicbitops.Uint32
}

// NewLock builds a lock bound to the machine whose interrupt mask it
// manipulates.
func NewLock(m arch.Machine) *Lock {
	return &Lock{m: m}
}

// Guard represents a held Lock. Release unlocks and restores the
// interrupt state captured at acquisition; callers defer it.
type Guard struct {
	l    *Lock
	irq  arch.IRQState
	held bool
}

// Lock masks interrupts, then spins until the flag is taken. The
// interrupt mask comes first: once we hold the flag, nothing on this
// core can preempt us into a handler that retakes it.
func (l *Lock) Lock() *Guard {
	irq := l.m.IRQDisable()
	for !l.flag.CompareAndSwap(0, 1) {
		for l.flag.RacyLoad() != 0 {
			runtime.Gosched()
		}
	}
	return &Guard{l: l, irq: irq, held: true}
}

// TryLock attempts a single acquisition. On failure the interrupt
// state is restored immediately and nil is returned.
func (l *Lock) TryLock() *Guard {
	irq := l.m.IRQDisable()
	if l.flag.CompareAndSwap(0, 1) {
		return &Guard{l: l, irq: irq, held: true}
	}
	l.m.IRQRestore(irq)
	return nil
}

// Release clears the flag and restores the saved interrupt state.
// Releasing twice is a no-op.
func (g *Guard) Release() {
	if g == nil || !g.held {
		return
	}
	g.held = false
	g.l.flag.Store(0)
	g.l.m.IRQRestore(g.irq)
}

// RawLock is a spinlock without the interrupt mask.
type RawLock struct {
	flag atomicbitops.Uint32
}

func (l *RawLock) Lock() {
	for !l.flag.CompareAndSwap(0, 1) {
		for l.flag.RacyLoad() != 0 {
			runtime.Gosched()
		}
	}
}

func (l *RawLock) TryLock() bool {
	return l.flag.CompareAndSwap(0, 1)
}

func (l *RawLock) Unlock() {
	l.flag.Store(0)
}
