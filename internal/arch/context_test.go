package arch

import (
	"encoding/binary"
	"testing"
)

func TestContext_EncodeOffsets(t *testing.T) {
	var c Context
	for i := range c.Regs {
		c.Regs[i] = uint64(0x1900 + i) // x19..x30
	}
	c.SP = 0xAA55
	c.TTBR0 = 0xBEEF000

	var buf [ContextSize]byte
	c.Encode(buf[:])

	// The switch primitive stores pairs at 16-byte strides from 0.
	for i := 0; i < 12; i++ {
		got := binary.LittleEndian.Uint64(buf[i*8:])
		if got != uint64(0x1900+i) {
			t.Fatalf("reg x%d at offset %d = %#x, want %#x", 19+i, i*8, got, 0x1900+i)
		}
	}
	if got := binary.LittleEndian.Uint64(buf[96:]); got != 0xAA55 {
		t.Errorf("SP at offset 96 = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[104:]); got != 0xBEEF000 {
		t.Errorf("TTBR0 at offset 104 = %#x", got)
	}

	var d Context
	d.Decode(buf[:])
	if d != c {
		t.Errorf("decode mismatch: %+v != %+v", d, c)
	}
}

func TestExceptionFrame_EncodeOffsets(t *testing.T) {
	var f ExceptionFrame
	for i := range f.Regs {
		f.Regs[i] = uint64(100 + i)
	}
	f.ELR = 0xE14
	f.SPSR = 0x3C5

	var buf [FrameSize]byte
	f.Encode(buf[:])

	if got := binary.LittleEndian.Uint64(buf[240:]); got != 130 {
		t.Errorf("x30 at offset 240 = %d, want 130", got)
	}
	if got := binary.LittleEndian.Uint64(buf[256:]); got != 0xE14 {
		t.Errorf("ELR at offset 256 = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[264:]); got != 0x3C5 {
		t.Errorf("SPSR at offset 264 = %#x", got)
	}

	var g ExceptionFrame
	g.Decode(buf[:])
	if g != f {
		t.Errorf("decode mismatch")
	}
}

func TestExceptionFrame_SyscallAccessors(t *testing.T) {
	var f ExceptionFrame
	f.Regs[8] = 7
	f.Regs[0] = 11
	f.Regs[5] = 55
	if f.SyscallNum() != 7 {
		t.Errorf("SyscallNum = %d", f.SyscallNum())
	}
	if f.Arg(0) != 11 || f.Arg(5) != 55 {
		t.Errorf("args wrong")
	}
	f.SetReturn(99)
	if f.Regs[0] != 99 {
		t.Errorf("SetReturn did not hit x0")
	}
}
