package trap

import (
	"github.com/kestrelos/kestrel/internal/arch"
)

// Exception classes, as encoded in ESR_EL1.EC.
const (
	ECUnknown        = 0x00
	ECSVC64          = 0x15
	ECInstrAbortLow  = 0x20
	ECInstrAbort     = 0x21
	ECDataAbortLow   = 0x24
	ECDataAbort      = 0x25
	ECSPAlignment    = 0x26
	ECSError         = 0x2F
	ECBreakpointLow  = 0x30
	ECSoftwareStepLo = 0x32
)

// esrEC extracts the exception class from a syndrome value.
func esrEC(esr uint64) uint64 { return esr >> 26 & 0x3F }

// esrISS extracts the syndrome-specific bits.
func esrISS(esr uint64) uint64 { return esr & 0x1FF_FFFF }

// Dispatch routes a saved exception by class. Synchronous SVCs run the
// syscall table; the timer interrupt drives the scheduler through
// HandleIRQ; faults from EL0 kill the offending agent; faults from the
// kernel itself are fatal for the core — it is logged and halted while
// the other cores continue.
func (h *Handler) Dispatch(esr uint64, frame *arch.ExceptionFrame, spEL0 uint64) {
	switch esrEC(esr) {
	case ECSVC64:
		h.Syscall(frame, spEL0)
		a := h.current()
		if a != nil && a.User != nil {
			h.ReturnToUser(a, frame, spEL0)
		}

	case ECDataAbortLow, ECInstrAbortLow:
		// A user fault terminates the agent; the kernel carries on.
		a := h.current()
		pid := uint64(0)
		if a != nil {
			pid = uint64(a.PID)
		}
		h.log.Warn("user fault",
			"pid", pid, "ec", esrEC(esr), "iss", esrISS(esr), "pc", frame.ELR)
		h.s.Exit(139) // as if killed by a segmentation fault

	case ECDataAbort, ECInstrAbort, ECSPAlignment, ECSError:
		// Kernel-mode fault: unrecoverable on this core.
		h.log.Error("fatal kernel fault, halting core",
			"core", h.m.CoreID(), "ec", esrEC(esr), "iss", esrISS(esr), "pc", frame.ELR)
		h.haltCore()

	default:
		h.log.Error("unhandled exception class",
			"core", h.m.CoreID(), "ec", esrEC(esr), "pc", frame.ELR)
		h.haltCore()
	}
}

// HandleIRQ is the timer interrupt path: acknowledge by re-arming and
// let the scheduler preempt. At most one context switch results.
func (h *Handler) HandleIRQ() {
	h.s.Tick()
}

// haltCore parks the executing core with interrupts masked.
func (h *Handler) haltCore() {
	h.m.IRQDisable()
	h.m.WFI()
}
