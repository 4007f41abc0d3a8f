package sched

import (
	"errors"
	"fmt"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/proc"
)

var ErrNotUserTask = errors.New("task has no user address space")

// Fork duplicates the executing core's current user task: descriptor
// table (shared handles), signal actions, the VMA list, and an eager
// copy of every anonymous-backed page. The child's exception frame is
// the parent's with x0 forced to 0; the parent receives the child pid.
func (s *Scheduler) Fork(frame *arch.ExceptionFrame, spEL0 uint64) (proc.PID, error) {
	g := s.mu.Lock()
	defer g.Release()

	cur := s.cores[s.m.CoreID()].current
	if cur == nil {
		return 0, ErrNoCurrent
	}
	parent := cur.Agent
	if parent.User == nil {
		return 0, ErrNotUserTask
	}

	stack, err := s.kernel.AllocStack(4)
	if err != nil {
		return 0, err
	}
	user, err := s.kernel.NewUserSpace()
	if err != nil {
		stack.Release()
		return 0, err
	}

	child := proc.NewUserAgent(s.allocPID(), stack, user)
	child.Files = parent.Files.Clone()
	child.Signals = parent.Signals.Clone()
	child.Parent = parent.PID
	child.Caps = append(child.Caps, parent.Caps...)

	// Eager clone: every anonymous page gets its own frame with the
	// parent's contents.
	for _, v := range parent.VMAs.List() {
		if _, err := child.VMAs.MMap(v.Start, v.Size(), v.Perms, v.Flags); err != nil {
			s.abortFork(child)
			return 0, err
		}
		if !v.Flags.Anonymous {
			continue
		}
		for addr := v.Start; addr < v.End; addr += arch.PageSize {
			srcPhys, ok := parent.User.Translate(addr)
			if !ok {
				continue
			}
			frameAddr, ok2 := s.alloc.AllocPages(1)
			if !ok2 {
				s.abortFork(child)
				return 0, fmt.Errorf("sched: fork: out of memory")
			}
			src, err1 := s.m.Phys(srcPhys&^uint64(arch.PageMask), arch.PageSize)
			dst, err2 := s.m.Phys(frameAddr, arch.PageSize)
			if err1 != nil || err2 != nil {
				s.alloc.FreePages(frameAddr, 1)
				s.abortFork(child)
				return 0, fmt.Errorf("sched: fork: copy page %#x", addr)
			}
			copy(dst, src)
			if err := child.User.MapUser(addr, frameAddr, arch.PageSize); err != nil {
				s.alloc.FreePages(frameAddr, 1)
				s.abortFork(child)
				return 0, err
			}
		}
	}

	child.Frame = *frame
	child.Frame.SetReturn(0)
	child.SPEL0 = spEL0

	parent.Children = append(parent.Children, child.PID)

	t := &Task{
		Agent:    child,
		Priority: cur.Priority,
		Affinity: cur.Affinity,
		seq:      s.nextSeq.Add(1),
	}
	s.cores[s.selectCore(t.Priority, t.Affinity)].enqueue(t)
	s.agents[child.PID] = t
	s.totalTasks++

	s.log.Debug("forked", "parent", uint64(parent.PID), "child", uint64(child.PID))
	return child.PID, nil
}

// abortFork unwinds a half-built child.
func (s *Scheduler) abortFork(child *proc.Agent) {
	child.Files.CloseAll()
	s.freeUserPages(child)
	child.User.Release()
	child.KernelStack.Release()
}

// Exec replaces the executing core's current user image: the old VMAs
// and their anonymous frames are discarded, descriptors marked
// close-on-exec are dropped, signal handlers reset to the default, and
// the saved exception frame is rewritten so the return to EL0 enters
// the new image at its base with a clean stack. A missing, unreadable
// or empty image is rejected before anything is torn down, so the
// caller keeps its old image and sees the error.
func (s *Scheduler) Exec(path string, frame *arch.ExceptionFrame) error {
	g := s.mu.Lock()
	defer g.Release()

	cur := s.cores[s.m.CoreID()].current
	if cur == nil {
		return ErrNoCurrent
	}
	a := cur.Agent
	if a.User == nil {
		return ErrNotUserTask
	}

	// Probe the image before tearing anything down so a bad path
	// leaves the caller intact.
	if s.fs == nil {
		return ErrBadImage
	}
	probe, err := s.fs.Open(path, 0)
	if err != nil {
		return fmt.Errorf("sched: exec %q: %w", path, err)
	}
	image, err := readAll(probe)
	probe.Close()
	if err != nil {
		return fmt.Errorf("sched: exec %q: %w", path, err)
	}
	if len(image) == 0 {
		return fmt.Errorf("sched: exec %q: %w", path, ErrBadImage)
	}

	s.freeUserPages(a)

	if err := s.loadImage(a, path); err != nil {
		return err
	}
	if err := s.mapUserStack(a); err != nil {
		return err
	}

	a.Files.CloseOnExec()
	a.Signals.Actions = [proc.MaxSignals]proc.SigAction{}
	a.Signals.Pending = 0

	*frame = arch.ExceptionFrame{ELR: UserImageBase, SPSR: 0}
	a.Frame = *frame
	a.SPEL0 = UserStackTop

	return nil
}
