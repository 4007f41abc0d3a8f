// Package trap is the kernel's trap path: the syscall dispatch table
// driven by a saved exception frame, user-pointer validation, and
// signal delivery on the way back to EL0.
//
// The vector stubs save the full register file into a 280-byte frame
// and funnel here. For an SVC the syscall number sits in x8 and the
// arguments in x0..x5; the result goes back in x0 with ^uint64(0)
// marking every failure. Argument validation failures return before
// any side effect.
package trap

import (
	"io"
	"log/slog"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/capability"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// ErrRet is the error return value of every syscall.
const ErrRet = ^uint64(0)

// Syscall numbers.
const (
	SysExit       = 0
	SysYield      = 1
	SysPrint      = 2
	SysSleep      = 3
	SysOpen       = 4
	SysClose      = 5
	SysRead       = 6
	SysWrite      = 7
	SysKill       = 8
	SysSigaction  = 9
	SysPipe       = 10
	SysDup2       = 11
	SysMmap       = 12
	SysMunmap     = 13
	SysGetpid     = 17
	SysFork       = 18
	SysWait       = 19
	SysExec       = 20
	SysGetdents64 = 23

	sysMax = 24
)

// maxPrintLen bounds a single print syscall.
const maxPrintLen = 1024

type syscallFn func(h *Handler, frame *arch.ExceptionFrame, spEL0 uint64) uint64

// Handler owns the dispatch table and its collaborators.
type Handler struct {
	m       arch.Machine
	s       *sched.Scheduler
	caps    *capability.Table
	fs      vfs.FileSystem
	console io.Writer
	log     *slog.Logger

	table [sysMax]syscallFn
}

// NewHandler wires the trap path.
func NewHandler(m arch.Machine, s *sched.Scheduler, caps *capability.Table, fs vfs.FileSystem, console io.Writer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{m: m, s: s, caps: caps, fs: fs, console: console, log: log}
	h.table = [sysMax]syscallFn{
		SysExit:       (*Handler).sysExit,
		SysYield:      (*Handler).sysYield,
		SysPrint:      (*Handler).sysPrint,
		SysSleep:      (*Handler).sysSleep,
		SysOpen:       (*Handler).sysOpen,
		SysClose:      (*Handler).sysClose,
		SysRead:       (*Handler).sysRead,
		SysWrite:      (*Handler).sysWrite,
		SysKill:       (*Handler).sysKill,
		SysSigaction:  (*Handler).sysSigaction,
		SysPipe:       (*Handler).sysPipe,
		SysDup2:       (*Handler).sysDup2,
		SysMmap:       (*Handler).sysMmap,
		SysMunmap:     (*Handler).sysMunmap,
		SysGetpid:     (*Handler).sysGetpid,
		SysFork:       (*Handler).sysFork,
		SysWait:       (*Handler).sysWait,
		SysExec:       (*Handler).sysExec,
		SysGetdents64: (*Handler).sysGetdents64,
	}
	return h
}

// Syscall decodes and runs one system call from the saved frame,
// placing the result in x0.
func (h *Handler) Syscall(frame *arch.ExceptionFrame, spEL0 uint64) uint64 {
	num := frame.SyscallNum()
	if num >= sysMax || h.table[num] == nil {
		h.log.Warn("unknown syscall", "num", num)
		frame.SetReturn(ErrRet)
		return ErrRet
	}
	ret := h.table[num](h, frame, spEL0)
	frame.SetReturn(ret)
	return ret
}

func (h *Handler) current() *proc.Agent {
	t := h.s.Current()
	if t == nil {
		return nil
	}
	return t.Agent
}

// hasDriverCap gates the privileged I/O calls.
func (h *Handler) hasDriverCap(a *proc.Agent) bool {
	if a == nil {
		return false
	}
	return a.HasCapability(h.caps, capability.TypeDriver)
}

func (h *Handler) sysExit(frame *arch.ExceptionFrame, _ uint64) uint64 {
	code := int(int64(frame.Arg(0)))
	h.s.Exit(code)

	// Nothing else runnable on this core: scrub the frame so no user
	// register values survive into the idle state, then sit in WFI.
	if h.s.Current() == nil {
		*frame = arch.ExceptionFrame{}
		h.m.WFI()
	}
	return 0
}

func (h *Handler) sysYield(_ *arch.ExceptionFrame, _ uint64) uint64 {
	h.s.Yield()
	return 0
}

func (h *Handler) sysPrint(frame *arch.ExceptionFrame, _ uint64) uint64 {
	ptr, length := frame.Arg(0), frame.Arg(1)
	if length > maxPrintLen {
		return ErrRet
	}
	a := h.current()
	buf, err := h.copyIn(a, ptr, length)
	if err != nil {
		return ErrRet
	}
	if h.console != nil {
		if _, err := h.console.Write(buf); err != nil {
			return ErrRet
		}
	}
	return 0
}

func (h *Handler) sysSleep(frame *arch.ExceptionFrame, _ uint64) uint64 {
	h.s.Sleep(frame.Arg(0))
	return 0
}

func (h *Handler) sysOpen(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if !h.hasDriverCap(a) {
		h.log.Warn("open denied: missing driver capability")
		return ErrRet
	}
	path, err := h.readUserString(a, frame.Arg(0))
	if err != nil {
		return ErrRet
	}
	flags := int(frame.Arg(1))

	f, err := h.fs.Open(path, flags)
	if err != nil {
		return ErrRet
	}
	fd, err := a.Files.Alloc(vfs.NewOpenFile(f), flags)
	if err != nil {
		_ = f.Close()
		return ErrRet
	}
	return uint64(fd)
}

func (h *Handler) sysClose(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	if err := a.Files.Close(int(frame.Arg(0))); err != nil {
		return ErrRet
	}
	return 0
}

func (h *Handler) sysRead(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if !h.hasDriverCap(a) {
		h.log.Warn("read denied: missing driver capability")
		return ErrRet
	}
	fd, ptr, length := int(frame.Arg(0)), frame.Arg(1), frame.Arg(2)
	if err := validUserRange(a, ptr, length); err != nil {
		return ErrRet
	}
	f, err := a.Files.Get(fd)
	if err != nil {
		return ErrRet
	}
	buf := make([]byte, length)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		if err == io.EOF {
			return 0
		}
		return ErrRet
	}
	if err := h.copyOut(a, ptr, buf[:n]); err != nil {
		return ErrRet
	}
	return uint64(n)
}

func (h *Handler) sysWrite(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if !h.hasDriverCap(a) {
		h.log.Warn("write denied: missing driver capability")
		return ErrRet
	}
	fd, ptr, length := int(frame.Arg(0)), frame.Arg(1), frame.Arg(2)
	buf, err := h.copyIn(a, ptr, length)
	if err != nil {
		return ErrRet
	}
	f, err := a.Files.Get(fd)
	if err != nil {
		return ErrRet
	}
	n, err := f.Write(buf)
	if err != nil {
		return ErrRet
	}
	return uint64(n)
}

func (h *Handler) sysKill(frame *arch.ExceptionFrame, _ uint64) uint64 {
	pid := proc.PID(frame.Arg(0))
	sig := int(int64(frame.Arg(1)))
	if err := h.s.Kill(pid, sig); err != nil {
		return ErrRet
	}
	return 0
}

func (h *Handler) sysSigaction(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	sig := int(int64(frame.Arg(0)))
	newPtr, oldPtr := frame.Arg(1), frame.Arg(2)
	if !proc.ValidSignal(sig) {
		return ErrRet
	}

	// Validate both pointers before mutating anything.
	if newPtr != 0 {
		if err := validUserRange(a, newPtr, proc.SigActionSize); err != nil {
			return ErrRet
		}
	}
	if oldPtr != 0 {
		if err := validUserRange(a, oldPtr, proc.SigActionSize); err != nil {
			return ErrRet
		}
	}

	if oldPtr != 0 {
		var buf [proc.SigActionSize]byte
		a.Signals.Actions[sig].Encode(buf[:])
		if err := h.copyOut(a, oldPtr, buf[:]); err != nil {
			return ErrRet
		}
	}
	if newPtr != 0 {
		buf, err := h.copyIn(a, newPtr, proc.SigActionSize)
		if err != nil {
			return ErrRet
		}
		a.Signals.Actions[sig].Decode(buf)
	}
	return 0
}

func (h *Handler) sysPipe(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	fdsPtr := frame.Arg(0)
	if err := validUserRange(a, fdsPtr, 8); err != nil {
		return ErrRet
	}

	r, w := vfs.NewPipe()
	rfd, err := a.Files.Alloc(vfs.NewOpenFile(r), vfs.ORdonly)
	if err != nil {
		return ErrRet
	}
	wfd, err := a.Files.Alloc(vfs.NewOpenFile(w), vfs.OWronly)
	if err != nil {
		_ = a.Files.Close(rfd)
		return ErrRet
	}

	var buf [8]byte
	putU32(buf[0:], uint32(rfd))
	putU32(buf[4:], uint32(wfd))
	if err := h.copyOut(a, fdsPtr, buf[:]); err != nil {
		_ = a.Files.Close(rfd)
		_ = a.Files.Close(wfd)
		return ErrRet
	}
	return 0
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func (h *Handler) sysDup2(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	fd, err := a.Files.Dup2(int(frame.Arg(0)), int(frame.Arg(1)))
	if err != nil {
		return ErrRet
	}
	return uint64(fd)
}

func (h *Handler) sysMmap(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil || a.VMAs == nil {
		return ErrRet
	}
	length, permBits, flagBits := frame.Arg(0), frame.Arg(1), frame.Arg(2)

	var perms paging.Perms
	if permBits&1 != 0 {
		perms |= paging.PermRead
	}
	if permBits&2 != 0 {
		perms |= paging.PermWrite
	}
	if permBits&4 != 0 {
		perms |= paging.PermExec
	}
	flags := paging.VMAFlags{
		Private:   flagBits&1 != 0,
		Anonymous: flagBits&2 != 0,
		Fixed:     flagBits&4 != 0,
	}

	addr, err := a.VMAs.MMap(0, length, perms, flags)
	if err != nil {
		return ErrRet
	}

	if flags.Anonymous && a.User != nil {
		size := (length + arch.PageMask) &^ uint64(arch.PageMask)
		if !h.mapAnonymous(a, addr, size) {
			// Allocator or VM failures never roll back on their own:
			// undo the reservation here.
			_, _ = a.VMAs.MUnmap(addr, length)
			return ErrRet
		}
	}
	return addr
}

// mapAnonymous backs [addr, addr+size) with zeroed frames, undoing the
// partial work on any failure.
func (h *Handler) mapAnonymous(a *proc.Agent, addr, size uint64) bool {
	for off := uint64(0); off < size; off += arch.PageSize {
		frame, ok := h.s.AllocPage()
		if !ok {
			h.unmapRange(a, addr, off, true)
			return false
		}
		if b, err := h.m.Phys(frame, arch.PageSize); err == nil {
			clear(b)
		}
		if err := a.User.MapUser(addr+off, frame, arch.PageSize); err != nil {
			h.s.FreePage(frame)
			h.unmapRange(a, addr, off, true)
			return false
		}
	}
	return true
}

// unmapRange removes [addr, addr+size) from the agent's space, freeing
// frames when freeFrames is set.
func (h *Handler) unmapRange(a *proc.Agent, addr, size uint64, freeFrames bool) {
	for off := uint64(0); off < size; off += arch.PageSize {
		phys, ok, err := a.User.UnmapPage(addr + off)
		if err == nil && ok && freeFrames {
			h.s.FreePage(phys)
		}
	}
}

func (h *Handler) sysMunmap(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil || a.VMAs == nil {
		return ErrRet
	}
	addr, length := frame.Arg(0), frame.Arg(1)

	vma, err := a.VMAs.MUnmap(addr, length)
	if err != nil {
		return ErrRet
	}
	if a.User != nil {
		h.unmapRange(a, vma.Start, vma.End-vma.Start, vma.Flags.Anonymous)
	}
	return 0
}

func (h *Handler) sysGetpid(_ *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	return uint64(a.PID)
}

func (h *Handler) sysFork(frame *arch.ExceptionFrame, spEL0 uint64) uint64 {
	pid, err := h.s.Fork(frame, spEL0)
	if err != nil {
		h.log.Warn("fork failed", "err", err)
		return ErrRet
	}
	return uint64(pid)
}

func (h *Handler) sysWait(frame *arch.ExceptionFrame, _ uint64) uint64 {
	pid := int64(frame.Arg(0))
	if pid == 0 || pid < -1 {
		return ErrRet
	}
	for {
		code, reaped, err := h.s.Wait(pid)
		if err != nil {
			return ErrRet
		}
		if reaped {
			return uint64(code)
		}
		// Blocked: give up the core until the child's exit wakes us.
		h.s.Yield()
	}
}

func (h *Handler) sysExec(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if a == nil {
		return ErrRet
	}
	path, err := h.readUserString(a, frame.Arg(0))
	if err != nil {
		return ErrRet
	}
	if err := h.s.Exec(path, frame); err != nil {
		h.log.Warn("exec failed", "path", path, "err", err)
		return ErrRet
	}
	// On success the rewritten frame transfers into the new image;
	// the syscall return value is never observed.
	return 0
}

func (h *Handler) sysGetdents64(frame *arch.ExceptionFrame, _ uint64) uint64 {
	a := h.current()
	if !h.hasDriverCap(a) {
		h.log.Warn("getdents64 denied: missing driver capability")
		return ErrRet
	}
	fd, ptr, length := int(frame.Arg(0)), frame.Arg(1), frame.Arg(2)
	if err := validUserRange(a, ptr, length); err != nil {
		return ErrRet
	}
	f, err := a.Files.Get(fd)
	if err != nil {
		return ErrRet
	}

	buf := make([]byte, length)
	n, err := vfs.EncodeDirents(buf, f.ReadDir)
	if err != nil {
		return ErrRet
	}
	if err := h.copyOut(a, ptr, buf[:n]); err != nil {
		return ErrRet
	}
	return uint64(n)
}
