package trap

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/arch/sim"
	"github.com/kestrelos/kestrel/internal/capability"
	"github.com/kestrelos/kestrel/internal/mem"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/vfs"
)

const testRAMBase = 0x4000_0000

type testKernel struct {
	m       *sim.Machine
	s       *sched.Scheduler
	caps    *capability.Table
	fs      *vfs.MemFS
	h       *Handler
	console *bytes.Buffer
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	m := sim.New(testRAMBase, 64<<20, 1_000_000)
	m.Advance(1)

	al := mem.NewAllocator(m, log)
	al.Init(testRAMBase, 64<<20, 0)

	kvm, err := paging.InitKernel(m, al, paging.Layout{
		RAM: []paging.Region{{Start: testRAMBase, End: testRAMBase + 64<<20}},
	}, log)
	if err != nil {
		t.Fatalf("InitKernel: %v", err)
	}

	fs := vfs.NewMemFS()
	fs.AddFile("/bin/init", []byte("flat image contents"))
	fs.AddFile("/etc/motd", []byte("welcome"))
	fs.AddDir("/etc/empty")

	caps := capability.NewTable(m, 7, log)
	s := sched.New(m, kvm, al, fs, log)

	console := &bytes.Buffer{}
	h := NewHandler(m, s, caps, fs, console, log)
	return &testKernel{m: m, s: s, caps: caps, fs: fs, h: h, console: console}
}

// startUser spawns a user agent, makes it current on core 0 and
// optionally grants the driver capability.
func (k *testKernel) startUser(t *testing.T, driver bool) *sched.Task {
	t.Helper()
	task, err := k.s.SpawnUser("/bin/init", sched.PriorityNormal, sched.AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	if driver {
		c, err := k.caps.MintRoot(capability.TypeDriver, 0, 0, capability.PermAll)
		if err != nil {
			t.Fatalf("MintRoot: %v", err)
		}
		task.Agent.AddCapability(c)
	}
	k.m.SetCurrentCore(0)
	k.s.Tick()
	if k.s.CurrentOn(0) != task {
		t.Fatalf("user task not current")
	}
	return task
}

// pokeUser writes bytes into the current task's user space at addr.
func (k *testKernel) pokeUser(t *testing.T, task *sched.Task, addr uint64, b []byte) {
	t.Helper()
	if err := k.h.copyOut(task.Agent, addr, b); err != nil {
		t.Fatalf("copyOut to user: %v", err)
	}
}

func syscallFrame(num uint64, args ...uint64) arch.ExceptionFrame {
	var f arch.ExceptionFrame
	f.Regs[8] = num
	for i, a := range args {
		f.Regs[i] = a
	}
	return f
}

// userBuf is a scratch address inside the user stack mapping.
func userBuf() uint64 { return sched.UserStackTop - 2*arch.PageSize }

func TestSyscall_UnknownNumber(t *testing.T) {
	k := newTestKernel(t)
	k.startUser(t, false)

	f := syscallFrame(99)
	if got := k.h.Syscall(&f, userBuf()); got != ErrRet {
		t.Errorf("unknown syscall = %#x", got)
	}
	if f.Regs[0] != ErrRet {
		t.Errorf("x0 = %#x", f.Regs[0])
	}
}

func TestSyscall_PrintValidatesPointer(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	msg := []byte("hello console")
	k.pokeUser(t, task, userBuf(), msg)

	f := syscallFrame(SysPrint, userBuf(), uint64(len(msg)))
	if got := k.h.Syscall(&f, 0); got != 0 {
		t.Fatalf("print = %#x", got)
	}
	if k.console.String() != "hello console" {
		t.Errorf("console got %q", k.console.String())
	}

	cases := []struct {
		name     string
		ptr, ln  uint64
	}{
		{"null", 0, 8},
		{"upper half", 1 << 63, 8},
		{"overflow", ^uint64(0) - 4, 16},
		{"unmapped", 0x30_0000_0000, 8},
		{"too long", userBuf(), maxPrintLen + 1},
	}
	for _, tc := range cases {
		before := k.console.Len()
		f := syscallFrame(SysPrint, tc.ptr, tc.ln)
		if got := k.h.Syscall(&f, 0); got != ErrRet {
			t.Errorf("%s: print = %#x, want error", tc.name, got)
		}
		if k.console.Len() != before {
			t.Errorf("%s: console written despite invalid pointer", tc.name)
		}
	}
}

func TestSyscall_GetPid(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	f := syscallFrame(SysGetpid)
	if got := k.h.Syscall(&f, 0); got != uint64(task.Agent.PID) {
		t.Errorf("getpid = %d, want %d", got, task.Agent.PID)
	}
}

func TestSyscall_OpenRequiresDriverCap(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	k.pokeUser(t, task, userBuf(), append([]byte("/etc/motd"), 0))
	f := syscallFrame(SysOpen, userBuf(), 0)
	if got := k.h.Syscall(&f, 0); got != ErrRet {
		t.Errorf("open without capability = %#x", got)
	}
}

func TestSyscall_OpenReadClose(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, true)

	k.pokeUser(t, task, userBuf(), append([]byte("/etc/motd"), 0))
	f := syscallFrame(SysOpen, userBuf(), 0)
	fd := k.h.Syscall(&f, 0)
	if fd == ErrRet {
		t.Fatalf("open failed")
	}

	dst := userBuf() + 256
	f = syscallFrame(SysRead, fd, dst, 7)
	n := k.h.Syscall(&f, 0)
	if n != 7 {
		t.Fatalf("read = %d", n)
	}
	got, err := k.h.copyIn(task.Agent, dst, 7)
	if err != nil || string(got) != "welcome" {
		t.Errorf("read back %q, %v", got, err)
	}

	f = syscallFrame(SysClose, fd)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Errorf("close = %#x", r)
	}
	f = syscallFrame(SysClose, fd)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("double close = %#x", r)
	}

	// Open of a missing path.
	k.pokeUser(t, task, userBuf(), append([]byte("/nope"), 0))
	f = syscallFrame(SysOpen, userBuf(), 0)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("open of missing path = %#x", r)
	}
}

func TestSyscall_PipeWriteRead(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, true)

	fdsPtr := userBuf()
	f := syscallFrame(SysPipe, fdsPtr)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("pipe = %#x", r)
	}
	raw, err := k.h.copyIn(task.Agent, fdsPtr, 8)
	if err != nil {
		t.Fatalf("copyIn: %v", err)
	}
	rfd := uint64(raw[0]) | uint64(raw[1])<<8 | uint64(raw[2])<<16 | uint64(raw[3])<<24
	wfd := uint64(raw[4]) | uint64(raw[5])<<8 | uint64(raw[6])<<16 | uint64(raw[7])<<24

	data := userBuf() + 128
	k.pokeUser(t, task, data, []byte("pipe data"))
	f = syscallFrame(SysWrite, wfd, data, 9)
	if n := k.h.Syscall(&f, 0); n != 9 {
		t.Fatalf("write = %d", n)
	}

	dst := userBuf() + 512
	f = syscallFrame(SysRead, rfd, dst, 9)
	if n := k.h.Syscall(&f, 0); n != 9 {
		t.Fatalf("read = %d", n)
	}
	got, _ := k.h.copyIn(task.Agent, dst, 9)
	if string(got) != "pipe data" {
		t.Errorf("read back %q", got)
	}

	// Empty pipe is a zero-length read, not an error.
	f = syscallFrame(SysRead, rfd, dst, 9)
	if n := k.h.Syscall(&f, 0); n != 0 {
		t.Errorf("empty pipe read = %d", n)
	}
}

func TestSyscall_Dup2(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, true)

	fdsPtr := userBuf()
	f := syscallFrame(SysPipe, fdsPtr)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("pipe = %#x", r)
	}

	f = syscallFrame(SysDup2, 0, 5)
	if r := k.h.Syscall(&f, 0); r != 5 {
		t.Fatalf("dup2 = %d", r)
	}
	h0, _ := task.Agent.Files.Get(0)
	h5, _ := task.Agent.Files.Get(5)
	if h0 != h5 {
		t.Errorf("dup2 did not alias")
	}

	f = syscallFrame(SysDup2, 60, 61)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("dup2 of closed fd = %#x", r)
	}
}

func TestSyscall_MmapMunmap(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	// rw anonymous private, two pages via a 4097-byte request.
	f := syscallFrame(SysMmap, 4097, 0b011, 0b011)
	addr := k.h.Syscall(&f, 0)
	if addr == ErrRet {
		t.Fatalf("mmap failed")
	}

	// Both pages are mapped and zeroed.
	for off := uint64(0); off < 8192; off += arch.PageSize {
		phys, ok := task.Agent.User.Translate(addr + off)
		if !ok {
			t.Fatalf("page %#x not mapped", addr+off)
		}
		b, err := k.m.Phys(phys, arch.PageSize)
		if err != nil {
			t.Fatalf("Phys: %v", err)
		}
		for _, x := range b {
			if x != 0 {
				t.Fatalf("anonymous page not zeroed")
			}
		}
	}

	// The buffer is usable for syscalls now.
	k.pokeUser(t, task, addr, []byte("mapped"))

	f = syscallFrame(SysMunmap, addr, 8192)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("munmap = %#x", r)
	}
	if _, ok := task.Agent.User.Translate(addr); ok {
		t.Errorf("page still mapped after munmap")
	}

	// mmap of zero length is an error.
	f = syscallFrame(SysMmap, 0, 0b011, 0b011)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("mmap len=0 = %#x", r)
	}
	// munmap of nothing is an error.
	f = syscallFrame(SysMunmap, 0x33_0000_0000, 4096)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("munmap of nothing = %#x", r)
	}
}

func TestSyscall_MunmapSplit(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	f := syscallFrame(SysMmap, 4*4096, 0b011, 0b011)
	addr := k.h.Syscall(&f, 0)
	if addr == ErrRet {
		t.Fatalf("mmap failed")
	}

	f = syscallFrame(SysMunmap, addr+4096, 2*4096)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("partial munmap = %#x", r)
	}

	// Both remaining halves still translate; the hole does not.
	if _, ok := task.Agent.User.Translate(addr); !ok {
		t.Errorf("low half unmapped")
	}
	if _, ok := task.Agent.User.Translate(addr + 3*4096); !ok {
		t.Errorf("high half unmapped")
	}
	if _, ok := task.Agent.User.Translate(addr + 4096); ok {
		t.Errorf("hole still mapped")
	}
}

func TestSyscall_Getdents64(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, true)

	k.pokeUser(t, task, userBuf(), append([]byte("/etc"), 0))
	f := syscallFrame(SysOpen, userBuf(), 0)
	fd := k.h.Syscall(&f, 0)
	if fd == ErrRet {
		t.Fatalf("open dir failed")
	}

	dst := userBuf() + 1024
	f = syscallFrame(SysGetdents64, fd, dst, 1024)
	n := k.h.Syscall(&f, 0)
	if n == ErrRet || n == 0 {
		t.Fatalf("getdents64 = %#x", n)
	}
	if n%8 != 0 {
		t.Errorf("bytes written %d not 8-aligned", n)
	}
	raw, err := k.h.copyIn(task.Agent, dst, n)
	if err != nil {
		t.Fatalf("copyIn: %v", err)
	}
	// First record: empty(dir) then motd(file), names sorted.
	if raw[18] != vfs.DTDir {
		t.Errorf("first d_type = %d, want DT_DIR", raw[18])
	}
	if string(raw[19:24]) != "empty" {
		t.Errorf("first name %q", raw[19:24])
	}

	// Exhausted directory: 0 bytes.
	f = syscallFrame(SysGetdents64, fd, dst, 1024)
	if n := k.h.Syscall(&f, 0); n != 0 {
		t.Errorf("second getdents64 = %d", n)
	}
}

func TestSyscall_KillAndSigaction(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	// Install a handler for SIGTERM via sigaction.
	actPtr := userBuf()
	act := proc.SigAction{Handler: 0x18_0000_1000}
	var buf [proc.SigActionSize]byte
	act.Encode(buf[:])
	k.pokeUser(t, task, actPtr, buf[:])

	f := syscallFrame(SysSigaction, uint64(proc.SigTerm), actPtr, 0)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("sigaction = %#x", r)
	}
	if got := task.Agent.Signals.Actions[proc.SigTerm].Handler; got != 0x18_0000_1000 {
		t.Errorf("handler = %#x", got)
	}

	// Read back the old action.
	oldPtr := userBuf() + 128
	f = syscallFrame(SysSigaction, uint64(proc.SigTerm), 0, oldPtr)
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("sigaction read = %#x", r)
	}
	raw, _ := k.h.copyIn(task.Agent, oldPtr, proc.SigActionSize)
	var got proc.SigAction
	got.Decode(raw)
	if got.Handler != 0x18_0000_1000 {
		t.Errorf("old handler = %#x", got.Handler)
	}

	// Bad signal number.
	f = syscallFrame(SysSigaction, 0, actPtr, 0)
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("sigaction sig=0 = %#x", r)
	}

	// Kill self: pending bit set.
	f = syscallFrame(SysKill, uint64(task.Agent.PID), uint64(proc.SigTerm))
	if r := k.h.Syscall(&f, 0); r != 0 {
		t.Fatalf("kill = %#x", r)
	}
	if task.Agent.Signals.Pending&(1<<proc.SigTerm) == 0 {
		t.Errorf("signal not pending")
	}

	// Kill of a missing pid.
	f = syscallFrame(SysKill, 9999, uint64(proc.SigTerm))
	if r := k.h.Syscall(&f, 0); r != ErrRet {
		t.Errorf("kill missing pid = %#x", r)
	}
}

func TestReturnToUser_DeliversSignal(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	task.Agent.Signals.Actions[proc.SigUsr1] = proc.SigAction{Handler: 0x18_0000_2000}
	task.Agent.Signals.SetPending(proc.SigUsr1)

	frame := syscallFrame(SysYield)
	frame.ELR = 0x18_0000_0500 // interrupted user pc
	sp := userBuf()

	k.h.ReturnToUser(task.Agent, &frame, sp)

	tr := k.m.LastTransfer(0)
	if tr.Kind != sim.TransferRestore {
		t.Fatalf("no restore recorded")
	}
	if tr.Frame.ELR != 0x18_0000_2000 {
		t.Errorf("resume pc = %#x, want handler", tr.Frame.ELR)
	}
	if tr.Frame.Regs[0] != uint64(proc.SigUsr1) {
		t.Errorf("x0 = %d, want signal number", tr.Frame.Regs[0])
	}
	if tr.SPEL0 >= sp {
		t.Errorf("handler stack %#x not below interrupted sp %#x", tr.SPEL0, sp)
	}

	// The interrupted frame is preserved on the user stack.
	saved, err := k.h.copyIn(task.Agent, tr.SPEL0, arch.FrameSize)
	if err != nil {
		t.Fatalf("copyIn saved frame: %v", err)
	}
	var restored arch.ExceptionFrame
	restored.Decode(saved)
	if restored.ELR != 0x18_0000_0500 {
		t.Errorf("saved frame pc = %#x", restored.ELR)
	}
}

func TestReturnToUser_DefaultActionTerminates(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	task.Agent.Signals.SetPending(proc.SigKill)

	frame := syscallFrame(SysYield)
	k.h.ReturnToUser(task.Agent, &frame, userBuf())

	if task.Agent.State != proc.Terminated {
		t.Errorf("state = %v, want terminated", task.Agent.State)
	}
	if task.Agent.ExitCode != 128+proc.SigKill {
		t.Errorf("exit code = %d", task.Agent.ExitCode)
	}
}

func TestReturnToUser_NoSignal(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	frame := syscallFrame(SysYield)
	frame.ELR = 0x18_0000_0777
	k.h.ReturnToUser(task.Agent, &frame, userBuf())

	tr := k.m.LastTransfer(0)
	if tr.Kind != sim.TransferRestore || tr.Frame.ELR != 0x18_0000_0777 {
		t.Errorf("plain return mangled: %+v", tr)
	}
}

func TestSyscall_ForkReturnsTwice(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	frame := task.Agent.Frame
	frame.Regs[8] = SysFork
	childPID := k.h.Syscall(&frame, task.Agent.SPEL0)
	if childPID == ErrRet {
		t.Fatalf("fork failed")
	}
	if childPID != uint64(task.Agent.PID)+1 {
		t.Errorf("child pid = %d", childPID)
	}

	child, ok := k.s.Lookup(proc.PID(childPID))
	if !ok {
		t.Fatalf("child missing")
	}
	if child.Agent.Frame.Regs[0] != 0 {
		t.Errorf("child x0 = %#x", child.Agent.Frame.Regs[0])
	}
	if frame.Regs[0] != childPID {
		t.Errorf("parent x0 = %#x", frame.Regs[0])
	}
}

func TestSyscall_ExitClearsFrameWhenIdle(t *testing.T) {
	k := newTestKernel(t)
	task := k.startUser(t, false)

	frame := task.Agent.Frame
	frame.Regs[8] = SysExit
	frame.Regs[0] = 7
	frame.Regs[19] = 0xDEAD // would leak into the idle state
	k.h.Syscall(&frame, task.Agent.SPEL0)

	if task.Agent.State != proc.Terminated || task.Agent.ExitCode != 7 {
		t.Fatalf("exit bookkeeping wrong: %v %d", task.Agent.State, task.Agent.ExitCode)
	}
	if frame.Regs[19] != 0 {
		t.Errorf("frame not scrubbed on final exit")
	}
}
