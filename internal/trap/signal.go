package trap

import (
	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/proc"
)

// ReturnToUser is the tail of the trap path: deliver one pending
// signal if any, then restore the (possibly rewritten) exception
// frame. User code is never executed at EL1; delivery works purely by
// mutating the frame and the user stack before the restore.
func (h *Handler) ReturnToUser(a *proc.Agent, frame *arch.ExceptionFrame, spEL0 uint64) {
	if a != nil {
		if sig := a.Signals.NextDeliverable(); sig != 0 {
			if newSP, ok := h.setupSignalFrame(a, sig, frame, spEL0); ok {
				h.m.RestoreExceptionFrame(frame, newSP)
				return
			}
		}
	}
	h.m.RestoreExceptionFrame(frame, spEL0)
}

// setupSignalFrame arranges delivery of sig: the trapped frame is
// pushed onto the user stack so a return path can find it, then the
// live frame is pointed at the handler with the signal number in x0.
// The default action terminates instead.
func (h *Handler) setupSignalFrame(a *proc.Agent, sig int, frame *arch.ExceptionFrame, spEL0 uint64) (uint64, bool) {
	action := a.Signals.Actions[sig]
	if action.Handler == proc.SigDefault {
		h.log.Info("default signal action: terminate",
			"pid", uint64(a.PID), "sig", sig)
		h.s.Exit(128 + sig)
		return 0, false
	}

	// Push the interrupted context below SP_EL0, 16-byte aligned.
	newSP := (spEL0 - arch.FrameSize) &^ 15
	var saved [arch.FrameSize]byte
	frame.Encode(saved[:])
	if err := h.copyOut(a, newSP, saved[:]); err != nil {
		h.log.Warn("signal frame push failed", "pid", uint64(a.PID), "err", err)
		return 0, false
	}

	frame.ELR = action.Handler
	frame.Regs[0] = uint64(sig)
	a.Signals.Blocked |= action.Mask
	return newSP, true
}
