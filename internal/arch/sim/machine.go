// Package sim implements arch.Machine as an in-process simulated ARM64
// machine: a byte-slice RAM arena, four cores with private system
// registers, a virtual count-up timer, and an MMIO dispatch table.
//
// The backend is used by the test suite and by the demo binary; on
// hardware the same interface is bound to EL1 assembly instead.
package sim

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/kestrelos/kestrel/internal/arch"
)

// MMIOHandler serves reads and writes for one device region.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type mmioRegion struct {
	base, size uint64
	handler    MMIOHandler
}

type coreState struct {
	irqMasked bool
	started   bool
	entry     arch.EntryFn

	active arch.Context

	ttbr0, ttbr1 uint64
	mair, tcr    uint64
	sctlr        uint64

	timerDeadline uint64
	timerArmed    bool
}

// Transfer records the most recent EL0 transfer performed by
// JumpToUserspace or RestoreExceptionFrame.
type Transfer struct {
	Frame arch.ExceptionFrame
	SPEL0 uint64
	Kind  TransferKind
}

type TransferKind int

const (
	TransferNone TransferKind = iota
	TransferJump
	TransferRestore
)

// Machine is the simulated machine. The zero value is not usable; use
// New.
type Machine struct {
	mu sync.Mutex

	ramBase uint64
	ram     []byte

	cores    [arch.MaxCores]coreState
	numCores int

	// current is the core id attributed to the calling goroutine.
	current atomicbitops.Int32

	counter   atomicbitops.Uint64
	timerFreq uint64

	mmio []mmioRegion

	// Event counters exercised by the context-switch and barrier
	// contracts.
	tlbInvalidates atomicbitops.Uint64
	dsbCount       atomicbitops.Uint64
	switches       atomicbitops.Uint64

	lastTransfer [arch.MaxCores]Transfer
}

// New builds a machine with the given RAM window and timer frequency.
func New(ramBase, ramSize uint64, timerFreq uint64) *Machine {
	if timerFreq == 0 {
		timerFreq = 1_000_000 // 1 MHz keeps tick math simple
	}
	m := &Machine{
		ramBase:   ramBase,
		ram:       make([]byte, ramSize),
		numCores:  arch.MaxCores,
		timerFreq: timerFreq,
	}
	m.cores[0].started = true
	return m
}

// SetCurrentCore attributes the calling goroutine to the given core.
// Drivers of the simulation switch this when acting as another core.
func (m *Machine) SetCurrentCore(core int) {
	m.current.Store(int32(core))
}

func (m *Machine) CoreID() int         { return int(m.current.Load()) }
func (m *Machine) NumCores() int       { return m.numCores }
func (m *Machine) ExceptionLevel() int { return 1 }

func (m *Machine) IRQDisable() arch.IRQState {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &m.cores[m.CoreID()]
	prev := arch.IRQState(0)
	if c.irqMasked {
		prev = 1
	}
	c.irqMasked = true
	return prev
}

func (m *Machine) IRQRestore(s arch.IRQState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cores[m.CoreID()].irqMasked = s != 0
}

func (m *Machine) IRQEnable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cores[m.CoreID()].irqMasked = false
}

// IRQMasked reports whether the given core has interrupts masked.
func (m *Machine) IRQMasked(core int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[core].irqMasked
}

func (m *Machine) DMB() { m.dsbCount.Add(1) }
func (m *Machine) DSB() { m.dsbCount.Add(1) }
func (m *Machine) ISB() {}
func (m *Machine) SEV() {}
func (m *Machine) WFE() {}
func (m *Machine) WFI() {}

// RegisterMMIO installs a device region. Overlap with RAM or another
// region is an error.
func (m *Machine) RegisterMMIO(base, size uint64, h MMIOHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		return fmt.Errorf("sim: zero-size MMIO region at %#x", base)
	}
	ramEnd := m.ramBase + uint64(len(m.ram))
	if base < ramEnd && base+size > m.ramBase {
		return fmt.Errorf("sim: MMIO region [%#x,%#x) overlaps RAM", base, base+size)
	}
	for _, r := range m.mmio {
		if base < r.base+r.size && base+size > r.base {
			return fmt.Errorf("sim: MMIO region [%#x,%#x) overlaps [%#x,%#x)",
				base, base+size, r.base, r.base+r.size)
		}
	}
	m.mmio = append(m.mmio, mmioRegion{base: base, size: size, handler: h})
	return nil
}

func (m *Machine) findMMIO(addr uint64, n int) *mmioRegion {
	for i := range m.mmio {
		r := &m.mmio[i]
		if addr >= r.base && addr+uint64(n) <= r.base+r.size {
			return r
		}
	}
	return nil
}

func (m *Machine) Read32(addr uint64) uint32 {
	m.mu.Lock()
	r := m.findMMIO(addr, 4)
	m.mu.Unlock()
	if r != nil {
		var buf [4]byte
		if err := r.handler.ReadMMIO(addr, buf[:]); err != nil {
			return 0
		}
		return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	}
	b, err := m.Phys(addr, 4)
	if err != nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (m *Machine) Write32(addr uint64, v uint32) {
	m.mu.Lock()
	r := m.findMMIO(addr, 4)
	m.mu.Unlock()
	if r != nil {
		buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		_ = r.handler.WriteMMIO(addr, buf[:])
		return
	}
	b, err := m.Phys(addr, 4)
	if err != nil {
		return
	}
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func (m *Machine) Read64(addr uint64) uint64 {
	lo := m.Read32(addr)
	hi := m.Read32(addr + 4)
	return uint64(lo) | uint64(hi)<<32
}

func (m *Machine) Write64(addr uint64, v uint64) {
	m.Write32(addr, uint32(v))
	m.Write32(addr+4, uint32(v>>32))
}

func (m *Machine) SetMAIR(v uint64) { m.setReg(func(c *coreState) { c.mair = v }) }
func (m *Machine) SetTCR(v uint64)  { m.setReg(func(c *coreState) { c.tcr = v }) }
func (m *Machine) SetTTBR0(v uint64) {
	m.setReg(func(c *coreState) { c.ttbr0 = v })
}
func (m *Machine) SetTTBR1(v uint64) {
	m.setReg(func(c *coreState) { c.ttbr1 = v })
}

func (m *Machine) SCTLR() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[m.CoreID()].sctlr
}

func (m *Machine) SetSCTLR(v uint64) { m.setReg(func(c *coreState) { c.sctlr = v }) }

func (m *Machine) setReg(f func(*coreState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.cores[m.CoreID()])
}

// TTBR0 returns the given core's TTBR0 for inspection.
func (m *Machine) TTBR0(core int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[core].ttbr0
}

func (m *Machine) TLBInvalidateAll() {
	m.tlbInvalidates.Add(1)
	m.DSB()
	m.ISB()
}

// TLBInvalidates returns the number of TLB invalidations performed.
func (m *Machine) TLBInvalidates() uint64 { return m.tlbInvalidates.Load() }

func (m *Machine) TimerCount() uint64 { return m.counter.Load() }
func (m *Machine) TimerFreq() uint64  { return m.timerFreq }

func (m *Machine) SetTimer(ticks uint64) {
	now := m.counter.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &m.cores[m.CoreID()]
	c.timerDeadline = now + ticks
	c.timerArmed = true
}

// Advance moves the virtual counter forward.
func (m *Machine) Advance(ticks uint64) {
	m.counter.Add(ticks)
}

// TimerFired reports whether the given core's armed timer has reached
// its deadline, and disarms it if so.
func (m *Machine) TimerFired(core int) bool {
	now := m.counter.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &m.cores[core]
	if !c.timerArmed || now < c.timerDeadline {
		return false
	}
	c.timerArmed = false
	return true
}

func (m *Machine) SwitchTo(prev, next *arch.Context) {
	core := m.CoreID()
	m.mu.Lock()
	c := &m.cores[core]
	*prev = c.active
	c.active = *next
	c.ttbr0 = next.TTBR0
	m.mu.Unlock()

	m.TLBInvalidateAll()
	m.DSB()
	m.ISB()
	m.switches.Add(1)
}

// Switches returns the number of context switches performed.
func (m *Machine) Switches() uint64 { return m.switches.Load() }

// ActiveContext returns a copy of the given core's installed context.
func (m *Machine) ActiveContext(core int) arch.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[core].active
}

func (m *Machine) JumpToUserspace(entry, stack, arg uint64) {
	var f arch.ExceptionFrame
	f.Regs[0] = arg
	f.ELR = entry
	f.SPSR = 0 // EL0t, interrupts enabled
	core := m.CoreID()
	m.mu.Lock()
	m.lastTransfer[core] = Transfer{Frame: f, SPEL0: stack, Kind: TransferJump}
	m.mu.Unlock()
}

func (m *Machine) RestoreExceptionFrame(frame *arch.ExceptionFrame, spEL0 uint64) {
	core := m.CoreID()
	m.mu.Lock()
	m.lastTransfer[core] = Transfer{Frame: *frame, SPEL0: spEL0, Kind: TransferRestore}
	m.mu.Unlock()
}

// LastTransfer returns the most recent EL0 transfer on a core. The
// simulation records the transfer instead of executing user
// instructions; the driver of the simulation consumes it.
func (m *Machine) LastTransfer(core int) Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransfer[core]
}

func (m *Machine) StartCore(core int, entry arch.EntryFn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if core <= 0 || core >= m.numCores {
		return fmt.Errorf("sim: start core %d: %w", core, arch.ErrBadCore)
	}
	c := &m.cores[core]
	if c.started {
		return fmt.Errorf("sim: start core %d: %w", core, arch.ErrCoreRunning)
	}
	c.started = true
	c.entry = entry
	return nil
}

// CoreStarted reports whether a core has been released.
func (m *Machine) CoreStarted(core int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[core].started
}

// RunCore executes a started secondary core's entry function on the
// calling goroutine, attributed to that core.
func (m *Machine) RunCore(core int) {
	m.mu.Lock()
	entry := m.cores[core].entry
	m.mu.Unlock()
	if entry == nil {
		return
	}
	prev := m.CoreID()
	m.SetCurrentCore(core)
	defer m.SetCurrentCore(prev)
	entry()
}

func (m *Machine) Phys(addr uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, arch.ErrBadPhysRange
	}
	if addr < m.ramBase {
		return nil, fmt.Errorf("sim: phys %#x+%d: %w", addr, length, arch.ErrBadPhysRange)
	}
	off := addr - m.ramBase
	if off+uint64(length) > uint64(len(m.ram)) {
		return nil, fmt.Errorf("sim: phys %#x+%d: %w", addr, length, arch.ErrBadPhysRange)
	}
	return m.ram[off : off+uint64(length) : off+uint64(length)], nil
}

func (m *Machine) RAM() (base, size uint64) {
	return m.ramBase, uint64(len(m.ram))
}
