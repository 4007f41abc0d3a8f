package sched

import (
	"errors"
	"fmt"
	"io"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/vfs"
)

var (
	ErrNoSuchPID  = errors.New("no such process")
	ErrNoChildren = errors.New("no children to wait for")
	ErrNoCurrent  = errors.New("no current task")
	ErrBadImage   = errors.New("bad executable image")
)

// User image placement: the image at a fixed low slot, the stack just
// below a fixed top, both clear of the identity-mapped kernel regions
// and of the mmap window.
const (
	UserImageBase  = 0x18_0000_0000
	UserStackTop   = 0x1C_0000_0000
	userStackPages = 8
)

// SpawnUser builds a user agent from an executable image in the VFS:
// fresh address space, image mapped at UserImageBase, guard-paged user
// stack mapped below UserStackTop, and an exception frame arranged to
// enter the image at its base.
func (s *Scheduler) SpawnUser(path string, priority Priority, affinity Affinity) (*Task, error) {
	stack, err := s.kernel.AllocStack(4)
	if err != nil {
		return nil, err
	}
	user, err := s.kernel.NewUserSpace()
	if err != nil {
		stack.Release()
		return nil, err
	}

	a := proc.NewUserAgent(s.allocPID(), stack, user)

	if err := s.loadImage(a, path); err != nil {
		stack.Release()
		user.Release()
		return nil, err
	}
	if err := s.mapUserStack(a); err != nil {
		s.freeUserPages(a)
		stack.Release()
		user.Release()
		return nil, err
	}

	a.Frame = arch.ExceptionFrame{ELR: UserImageBase, SPSR: 0}
	a.SPEL0 = UserStackTop

	return s.Spawn(a, priority, affinity), nil
}

// loadImage reads the flat image at path into fresh frames mapped at
// UserImageBase and records it as a fixed anonymous VMA so teardown
// returns the frames.
func (s *Scheduler) loadImage(a *proc.Agent, path string) error {
	if s.fs == nil {
		return ErrBadImage
	}
	f, err := s.fs.Open(path, vfs.ORdonly)
	if err != nil {
		return fmt.Errorf("sched: exec %q: %w", path, err)
	}
	defer f.Close()

	image, err := readAll(f)
	if err != nil {
		return fmt.Errorf("sched: exec %q: %w", path, err)
	}
	if len(image) == 0 {
		return fmt.Errorf("sched: exec %q: %w", path, ErrBadImage)
	}

	// One frame per page: teardown walks the VMA and frees page by
	// page, so the backing must be page-granular as well.
	pages := (len(image) + arch.PageMask) / arch.PageSize
	for i := 0; i < pages; i++ {
		frame, ok := s.alloc.AllocPages(1)
		if !ok {
			return fmt.Errorf("sched: exec %q: out of memory", path)
		}
		dst, err := s.m.Phys(frame, arch.PageSize)
		if err != nil {
			s.alloc.FreePages(frame, 1)
			return err
		}
		clear(dst)
		copy(dst, image[i*arch.PageSize:])
		if err := a.User.MapUser(UserImageBase+uint64(i)*arch.PageSize, frame, arch.PageSize); err != nil {
			s.alloc.FreePages(frame, 1)
			return err
		}
	}

	_, err = a.VMAs.MMap(UserImageBase, uint64(len(image)),
		paging.PermRead|paging.PermWrite|paging.PermExec,
		paging.VMAFlags{Private: true, Anonymous: true, Fixed: true})
	return err
}

func (s *Scheduler) mapUserStack(a *proc.Agent) error {
	base := uint64(UserStackTop) - userStackPages*arch.PageSize
	for i := 0; i < userStackPages; i++ {
		frame, ok := s.alloc.AllocPages(1)
		if !ok {
			return fmt.Errorf("sched: user stack: out of memory")
		}
		if b, err := s.m.Phys(frame, arch.PageSize); err == nil {
			clear(b)
		}
		if err := a.User.MapUser(base+uint64(i)*arch.PageSize, frame, arch.PageSize); err != nil {
			s.alloc.FreePages(frame, 1)
			return err
		}
	}
	_, err := a.VMAs.MMap(base, userStackPages*arch.PageSize,
		paging.PermRead|paging.PermWrite,
		paging.VMAFlags{Private: true, Anonymous: true, Fixed: true})
	return err
}

func readAll(f vfs.File) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF || (err == nil && n == 0) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Exit terminates the executing core's current task. The parent, if
// blocked in wait, is woken. Resources stay put until the parent
// reaps; only the scheduler forgets the task once it switches away.
func (s *Scheduler) Exit(code int) {
	g := s.mu.Lock()
	cur := s.cores[s.m.CoreID()].current
	if cur == nil {
		g.Release()
		return
	}
	cur.Agent.State = proc.Terminated
	cur.Agent.ExitCode = code
	s.wakeParentLocked(cur.Agent)
	g.Release()

	s.log.Debug("task exited", "pid", uint64(cur.Agent.PID), "code", code)
	s.Yield()
}

// Sleep puts the current task to sleep for at least ms milliseconds
// and yields. The tick handler wakes it.
func (s *Scheduler) Sleep(ms uint64) {
	now := s.UptimeMS()
	s.WithCurrent(func(a *proc.Agent) {
		a.State = proc.Sleeping
		a.WakeTime = now + ms
	})
	s.Yield()
}

// Kill marks sig pending on the target and wakes it if sleeping.
func (s *Scheduler) Kill(pid proc.PID, sig int) error {
	if !proc.ValidSignal(sig) {
		return proc.ErrBadSignal
	}

	g := s.mu.Lock()
	defer g.Release()

	t, ok := s.agents[pid]
	if !ok || t.Agent.State == proc.Terminated {
		return ErrNoSuchPID
	}
	t.Agent.Signals.SetPending(sig)
	if t.Agent.State == proc.Sleeping {
		t.Agent.State = proc.Ready
		t.Agent.WakeTime = 0
		t.seq = s.nextSeq.Add(1)
		s.cores[s.selectCore(t.Priority, t.Affinity)].enqueue(t)
	}
	return nil
}

// Wait reaps a terminated child. pid < 0 waits for any child. When a
// matching child has terminated the exit code is returned with
// reaped=true and its resources are released. When children exist but
// none has terminated, the caller is marked Blocked and should yield
// and retry. No children at all is an error.
func (s *Scheduler) Wait(pid int64) (code int, reaped bool, err error) {
	g := s.mu.Lock()
	defer g.Release()

	cur := s.cores[s.m.CoreID()].current
	if cur == nil {
		return 0, false, ErrNoCurrent
	}
	a := cur.Agent
	if len(a.Children) == 0 {
		return 0, false, ErrNoChildren
	}

	for i, childPID := range a.Children {
		if pid > 0 && proc.PID(pid) != childPID {
			continue
		}
		child, ok := s.agents[childPID]
		if !ok {
			continue
		}
		if child.Agent.State == proc.Terminated {
			a.Children = append(a.Children[:i], a.Children[i+1:]...)
			delete(s.agents, childPID)
			s.reap(child)
			return child.Agent.ExitCode, true, nil
		}
	}

	if pid > 0 {
		found := false
		for _, c := range a.Children {
			if proc.PID(pid) == c {
				found = true
			}
		}
		if !found {
			return 0, false, ErrNoSuchPID
		}
	}

	a.State = proc.Blocked
	return 0, false, nil
}

// reap releases a terminated task's resources: descriptors, user
// frames, address-space tables, kernel stack. Caller holds the
// scheduler lock; none of these paths re-enter it.
func (s *Scheduler) reap(t *Task) {
	a := t.Agent
	if a.Files != nil {
		a.Files.CloseAll()
	}
	s.freeUserPages(a)
	if a.User != nil {
		a.User.Release()
		a.User = nil
	}
	if a.KernelStack != nil {
		a.KernelStack.Release()
		a.KernelStack = nil
	}
}

// freeUserPages walks the agent's anonymous VMAs, unmapping every page
// and returning the backing frames.
func (s *Scheduler) freeUserPages(a *proc.Agent) {
	if a.User == nil || a.VMAs == nil {
		return
	}
	for _, v := range a.VMAs.List() {
		if !v.Flags.Anonymous {
			continue
		}
		for addr := v.Start; addr < v.End; addr += arch.PageSize {
			phys, ok, err := a.User.UnmapPage(addr)
			if err == nil && ok {
				s.alloc.FreePages(phys, 1)
			}
		}
	}
	a.VMAs.Clear()
}
