package proc

import (
	"encoding/binary"
	"errors"
)

var ErrBadSignal = errors.New("bad signal number")

// Signals are numbered 1..63; 0 is never valid.
const MaxSignals = 64

// Common signal numbers.
const (
	SigHup  = 1
	SigInt  = 2
	SigKill = 9
	SigTerm = 15
	SigChld = 17
	SigUsr1 = 10
	SigUsr2 = 12
)

// SigDefault selects the default action (terminate) for a signal.
const SigDefault = 0

// SigAction is the per-signal action record shared with user space as
// a fixed layout: handler, mask, flags, 8 bytes each.
type SigAction struct {
	Handler uint64
	Mask    uint64
	Flags   uint64
}

// SigActionSize is the serialized size of a SigAction.
const SigActionSize = 24

// Encode writes the record into b.
func (s *SigAction) Encode(b []byte) {
	_ = b[SigActionSize-1]
	binary.LittleEndian.PutUint64(b[0:], s.Handler)
	binary.LittleEndian.PutUint64(b[8:], s.Mask)
	binary.LittleEndian.PutUint64(b[16:], s.Flags)
}

// Decode fills the record from b.
func (s *SigAction) Decode(b []byte) {
	_ = b[SigActionSize-1]
	s.Handler = binary.LittleEndian.Uint64(b[0:])
	s.Mask = binary.LittleEndian.Uint64(b[8:])
	s.Flags = binary.LittleEndian.Uint64(b[16:])
}

// SignalState is an agent's signal bookkeeping: an action per signal,
// the pending bitmap and the blocked mask.
type SignalState struct {
	Actions [MaxSignals]SigAction
	Pending uint64
	Blocked uint64
}

// ValidSignal reports whether sig is in range.
func ValidSignal(sig int) bool {
	return sig >= 1 && sig < MaxSignals
}

// SetPending marks sig pending.
func (s *SignalState) SetPending(sig int) {
	s.Pending |= 1 << uint(sig)
}

// NextDeliverable returns the lowest-numbered pending, unblocked
// signal and clears its pending bit, or 0 when none is deliverable.
func (s *SignalState) NextDeliverable() int {
	ready := s.Pending &^ s.Blocked
	if ready == 0 {
		return 0
	}
	for sig := 1; sig < MaxSignals; sig++ {
		if ready&(1<<uint(sig)) != 0 {
			s.Pending &^= 1 << uint(sig)
			return sig
		}
	}
	return 0
}

// Clone copies the actions and masks for fork; pending signals do not
// follow the child.
func (s *SignalState) Clone() SignalState {
	out := SignalState{Blocked: s.Blocked}
	out.Actions = s.Actions
	return out
}
