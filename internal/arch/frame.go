package arch

import "encoding/binary"

// ExceptionFrame is the complete register file saved at trap entry.
//
// The serialized layout is shared with the vector stubs, which store
// and reload registers with literal offsets:
//
//	0..240  x0..x30
//	256     ELR_EL1
//	264     SPSR_EL1
//	272     reserved (written as zero; brings the frame to 280 bytes)
//
// SP_EL0 is not part of the frame; it is reloaded explicitly on
// restore.
type ExceptionFrame struct {
	// Regs holds x0 through x30 in order.
	Regs [31]uint64
	ELR  uint64
	SPSR uint64
}

// FrameSize is the serialized size of an ExceptionFrame in bytes.
const FrameSize = 280

const (
	frameOffELR  = 256
	frameOffSPSR = 264
)

// SyscallNum returns the syscall number register (x8).
func (f *ExceptionFrame) SyscallNum() uint64 { return f.Regs[8] }

// Arg returns syscall argument i (x0..x5).
func (f *ExceptionFrame) Arg(i int) uint64 { return f.Regs[i] }

// SetReturn places a syscall return value in x0.
func (f *ExceptionFrame) SetReturn(v uint64) { f.Regs[0] = v }

// Encode writes the frame into b using the fixed layout. b must be at
// least FrameSize bytes.
func (f *ExceptionFrame) Encode(b []byte) {
	_ = b[FrameSize-1]
	for i, r := range f.Regs {
		binary.LittleEndian.PutUint64(b[i*8:], r)
	}
	binary.LittleEndian.PutUint64(b[frameOffELR:], f.ELR)
	binary.LittleEndian.PutUint64(b[frameOffSPSR:], f.SPSR)
	binary.LittleEndian.PutUint64(b[272:], 0)
}

// Decode fills the frame from b using the fixed layout.
func (f *ExceptionFrame) Decode(b []byte) {
	_ = b[FrameSize-1]
	for i := range f.Regs {
		f.Regs[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	f.ELR = binary.LittleEndian.Uint64(b[frameOffELR:])
	f.SPSR = binary.LittleEndian.Uint64(b[frameOffSPSR:])
}
