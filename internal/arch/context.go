package arch

import "encoding/binary"

// Context is the callee-saved register set preserved across a switch.
//
// The serialized layout is fixed because the switch primitive on
// hardware addresses it with literal immediate offsets:
//
//	0   x19, x20
//	16  x21, x22
//	32  x23, x24
//	48  x25, x26
//	64  x27, x28
//	80  x29 (FP), x30 (LR)
//	96  SP
//	104 TTBR0
type Context struct {
	// Regs holds x19 through x30 in order.
	Regs  [12]uint64
	SP    uint64
	TTBR0 uint64
}

// ContextSize is the serialized size of a Context in bytes.
const ContextSize = 112

const (
	ctxOffSP    = 96
	ctxOffTTBR0 = 104
)

// FP returns the saved frame pointer (x29).
func (c *Context) FP() uint64 { return c.Regs[10] }

// LR returns the saved link register (x30).
func (c *Context) LR() uint64 { return c.Regs[11] }

// SetLR sets the saved link register (x30).
func (c *Context) SetLR(v uint64) { c.Regs[11] = v }

// Encode writes the context into b using the fixed layout. b must be
// at least ContextSize bytes.
func (c *Context) Encode(b []byte) {
	_ = b[ContextSize-1]
	for i, r := range c.Regs {
		binary.LittleEndian.PutUint64(b[i*8:], r)
	}
	binary.LittleEndian.PutUint64(b[ctxOffSP:], c.SP)
	binary.LittleEndian.PutUint64(b[ctxOffTTBR0:], c.TTBR0)
}

// Decode fills the context from b using the fixed layout.
func (c *Context) Decode(b []byte) {
	_ = b[ContextSize-1]
	for i := range c.Regs {
		c.Regs[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	c.SP = binary.LittleEndian.Uint64(b[ctxOffSP:])
	c.TTBR0 = binary.LittleEndian.Uint64(b[ctxOffTTBR0:])
}
