// Package arch defines the hardware surface the kernel runs against.
//
// Everything privileged — interrupt masking, barriers, MMIO access,
// system registers, the timer, context switching and the EL0 transfer
// primitives — goes through the Machine interface. The kernel itself
// never touches a raw address; a backend resolves physical addresses
// into RAM windows and performs the register-level work.
package arch

import "errors"

var (
	ErrBadPhysRange = errors.New("physical range outside RAM")
	ErrBadCore      = errors.New("no such core")
	ErrCoreRunning  = errors.New("core already started")
)

// MaxCores is the number of cores the kernel supports.
const MaxCores = 4

// PageSize is the translation granule.
const PageSize = 4096

// PageMask masks the offset bits of a virtual or physical address.
const PageMask = PageSize - 1

// IRQState is the opaque prior-interrupt state returned by IRQDisable
// and accepted by IRQRestore.
type IRQState uint64

// EntryFn is the entry point handed to StartCore for a secondary core.
type EntryFn func()

// Machine is the privileged hardware surface.
//
// A backend must be safe for concurrent use from multiple goroutines;
// per-core operations act on the core named by CoreID for the calling
// context.
type Machine interface {
	// CoreID returns the id of the executing core, 0-based.
	CoreID() int
	// NumCores returns the number of usable cores.
	NumCores() int
	// ExceptionLevel returns the current EL (1 for the kernel).
	ExceptionLevel() int

	// IRQDisable masks interrupts on the executing core and returns
	// the prior state. IRQRestore reinstates a state captured by
	// IRQDisable. IRQEnable unmasks unconditionally.
	IRQDisable() IRQState
	IRQRestore(IRQState)
	IRQEnable()

	// Barriers. DMB orders memory accesses, DSB additionally waits
	// for completion, ISB flushes the pipeline.
	DMB()
	DSB()
	ISB()

	// Event and low-power primitives.
	SEV()
	WFE()
	WFI()

	// Volatile MMIO access.
	Read32(addr uint64) uint32
	Write32(addr uint64, v uint32)
	Read64(addr uint64) uint64
	Write64(addr uint64, v uint64)

	// Translation system registers.
	SetMAIR(v uint64)
	SetTCR(v uint64)
	SetTTBR0(v uint64)
	SetTTBR1(v uint64)
	SCTLR() uint64
	SetSCTLR(v uint64)
	TLBInvalidateAll()

	// TimerCount returns the free-running counter; TimerFreq its
	// frequency in Hz. SetTimer arms the executing core's timer to
	// fire after the given number of counter ticks.
	TimerCount() uint64
	TimerFreq() uint64
	SetTimer(ticks uint64)

	// SwitchTo saves the executing core's callee-saved state into
	// prev and installs next, including TTBR0, with a local TLB
	// invalidate and a full barrier before control transfers.
	SwitchTo(prev, next *Context)

	// JumpToUserspace drops to EL0 at entry with the given stack and
	// single argument. All other registers are cleared first. Does
	// not return.
	JumpToUserspace(entry, stack, arg uint64)

	// RestoreExceptionFrame reloads a complete register file from
	// frame, installs spEL0, and returns to the interrupted context.
	// Does not return.
	RestoreExceptionFrame(frame *ExceptionFrame, spEL0 uint64)

	// StartCore releases a secondary core into entry.
	StartCore(core int, entry EntryFn) error

	// Phys returns a live window onto guest-physical RAM. The window
	// aliases the machine's memory: writes through it are visible to
	// every core immediately after a barrier.
	Phys(addr uint64, length int) ([]byte, error)

	// RAM returns the base and size of the RAM region.
	RAM() (base, size uint64)
}
