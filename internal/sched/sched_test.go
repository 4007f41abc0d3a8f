package sched

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/arch/sim"
	"github.com/kestrelos/kestrel/internal/mem"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/vfs"
)

const testRAMBase = 0x4000_0000

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSched(t *testing.T) (*sim.Machine, *Scheduler) {
	t.Helper()
	m := sim.New(testRAMBase, 64<<20, 1_000_000)
	m.Advance(1)

	al := mem.NewAllocator(m, quietLogger())
	al.Init(testRAMBase, 64<<20, 0)

	kvm, err := paging.InitKernel(m, al, paging.Layout{
		RAM: []paging.Region{{Start: testRAMBase, End: testRAMBase + 64<<20}},
	}, quietLogger())
	if err != nil {
		t.Fatalf("InitKernel: %v", err)
	}

	fs := vfs.NewMemFS()
	fs.AddFile("/bin/init", []byte("flat image contents"))
	fs.AddFile("/bin/other", []byte("another image"))
	fs.AddFile("/bin/empty", nil)

	return m, New(m, kvm, al, fs, quietLogger())
}

func spawnNoop(t *testing.T, s *Scheduler, p Priority, a Affinity) *Task {
	t.Helper()
	task, err := s.SpawnKernel(func() {}, p, a)
	if err != nil {
		t.Fatalf("SpawnKernel: %v", err)
	}
	return task
}

func TestScheduler_SpawnShortestQueue(t *testing.T) {
	_, s := newTestSched(t)

	// Four spawns with full affinity land on four different cores.
	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		task := spawnNoop(t, s, PriorityNormal, AffinityAny)
		seen[task.LastCore] = true
	}
	if len(seen) != 4 {
		t.Errorf("tasks not spread across cores: %v", seen)
	}
}

func TestScheduler_RealtimePrefersCore0(t *testing.T) {
	_, s := newTestSched(t)

	// Load core 0 so the shortest-queue rule alone would avoid it.
	spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	spawnNoop(t, s, PriorityNormal, AffinityCore(0))

	rt := spawnNoop(t, s, PriorityRealtime, AffinityAny)
	if rt.LastCore != 0 {
		t.Errorf("realtime task on core %d", rt.LastCore)
	}

	// Realtime forbidden from core 0 falls back to queue length.
	rt2 := spawnNoop(t, s, PriorityRealtime, AffinityCore(2))
	if rt2.LastCore != 2 {
		t.Errorf("pinned realtime task on core %d", rt2.LastCore)
	}
}

func TestScheduler_PriorityStableOrder(t *testing.T) {
	_, s := newTestSched(t)

	n1 := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	n2 := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	hi := spawnNoop(t, s, PriorityHigh, AffinityCore(0))

	q := s.cores[0].queue
	if len(q) != 3 {
		t.Fatalf("queue len %d", len(q))
	}
	if q[0] != hi || q[1] != n1 || q[2] != n2 {
		t.Errorf("order wrong: got [%v %v %v]",
			q[0].Priority, q[1].Priority, q[2].Priority)
	}
}

func TestScheduler_FairnessWithinPriority(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	a := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	b := spawnNoop(t, s, PriorityNormal, AffinityCore(0))

	var picks []*Task
	for i := 0; i < 6; i++ {
		m.Advance(10_000)
		s.Tick()
		picks = append(picks, s.CurrentOn(0))
	}
	want := []*Task{a, b, a, b, a, b}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("pick %d = pid %d, want pid %d",
				i, picks[i].Agent.PID, want[i].Agent.PID)
		}
	}
}

func TestScheduler_PreemptionByRealtime(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	a := spawnNoop(t, s, PriorityNormal, AffinityAny)
	s.Tick()
	if s.CurrentOn(0) != a || a.Agent.State != proc.Running {
		t.Fatalf("normal task not running on core 0")
	}

	b := spawnNoop(t, s, PriorityRealtime, AffinityCore(0))

	// Within one tick the realtime task takes the core.
	m.Advance(10_000)
	s.Tick()
	if s.CurrentOn(0) != b || b.Agent.State != proc.Running {
		t.Fatalf("realtime task not running after tick")
	}
	if a.Agent.State != proc.Ready {
		t.Errorf("preempted task state = %v, want ready", a.Agent.State)
	}
}

func TestScheduler_WorkStealing(t *testing.T) {
	m, s := newTestSched(t)

	// Load core 0 with six normal tasks directly.
	var tasks []*Task
	for i := 0; i < 6; i++ {
		task := spawnNoop(t, s, PriorityNormal, AffinityAny)
		tasks = append(tasks, task)
		g := s.mu.Lock()
		for c := range s.cores {
			s.cores[c].remove(task)
		}
		s.cores[0].enqueue(task)
		g.Release()
	}
	if s.QueueLen(0) != 6 {
		t.Fatalf("core 0 queue = %d", s.QueueLen(0))
	}

	// Core 1 picks with an empty queue: it must steal half.
	m.SetCurrentCore(1)
	s.Tick()

	if got := s.QueueLen(0); got != 3 {
		t.Errorf("victim queue = %d, want 3", got)
	}
	cur := s.CurrentOn(1)
	if cur == nil {
		t.Fatalf("thief core idle after steal")
	}
	found := false
	for _, task := range tasks {
		if task == cur {
			found = true
		}
	}
	if !found {
		t.Errorf("thief runs a task that was never on the victim")
	}
}

func TestScheduler_StealRespectsAffinity(t *testing.T) {
	m, s := newTestSched(t)

	for i := 0; i < 4; i++ {
		task := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
		g := s.mu.Lock()
		for c := range s.cores {
			s.cores[c].remove(task)
		}
		s.cores[0].enqueue(task)
		g.Release()
	}

	m.SetCurrentCore(1)
	s.Tick()
	if cur := s.CurrentOn(1); cur != nil {
		t.Errorf("core 1 stole a core-0-pinned task")
	}
	if got := s.QueueLen(0); got != 4 {
		t.Errorf("victim lost pinned tasks: queue = %d", got)
	}
}

func TestScheduler_YieldSingleSwitch(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	s.Tick()

	before := m.Switches()
	s.Yield()
	if got := m.Switches() - before; got != 1 {
		t.Errorf("yield performed %d switches", got)
	}
	if m.IRQMasked(0) {
		t.Errorf("interrupts left masked after yield")
	}
}

func TestScheduler_SleepAndWake(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	task := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	s.Tick()
	if s.CurrentOn(0) != task {
		t.Fatalf("task not current")
	}

	s.Sleep(50)
	if task.Agent.State != proc.Sleeping {
		t.Fatalf("state after sleep = %v", task.Agent.State)
	}

	// A tick before the deadline leaves it sleeping.
	m.Advance(10_000)
	s.Tick()
	if task.Agent.State != proc.Sleeping {
		t.Errorf("woke early: %v", task.Agent.State)
	}

	// Past the deadline the tick makes it runnable again.
	m.Advance(50_000)
	s.Tick()
	if st := task.Agent.State; st != proc.Ready && st != proc.Running {
		t.Errorf("state after wake deadline = %v", st)
	}
}

func TestScheduler_KillWakesSleeper(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	task := spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	s.Tick()
	s.Sleep(1_000_000)

	if err := s.Kill(task.Agent.PID, proc.SigTerm); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if task.Agent.State != proc.Ready {
		t.Errorf("state after kill = %v", task.Agent.State)
	}
	if task.Agent.Signals.Pending&(1<<proc.SigTerm) == 0 {
		t.Errorf("signal not pending")
	}

	if err := s.Kill(9999, proc.SigTerm); !errors.Is(err, ErrNoSuchPID) {
		t.Errorf("kill of missing pid: %v", err)
	}
	if err := s.Kill(task.Agent.PID, 0); !errors.Is(err, proc.ErrBadSignal) {
		t.Errorf("kill with bad signal: %v", err)
	}
}

func TestScheduler_ForkExitWait(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	// Burn pid 1 on a helper so the parent is pid 2, its child pid 3.
	spawnNoop(t, s, PriorityIdle, AffinityCore(3))

	parent, err := s.SpawnUser("/bin/init", PriorityNormal, AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	if parent.Agent.PID != 2 {
		t.Fatalf("parent pid = %d", parent.Agent.PID)
	}
	s.Tick()
	if s.CurrentOn(0) != parent {
		t.Fatalf("parent not current")
	}

	frame := parent.Agent.Frame
	frame.Regs[0] = 0x1234 // parent's live x0 at the SVC
	childPID, err := s.Fork(&frame, parent.Agent.SPEL0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if childPID != 3 {
		t.Errorf("child pid = %d, want 3", childPID)
	}

	child, ok := s.Lookup(childPID)
	if !ok {
		t.Fatalf("child not registered")
	}
	if child.Agent.State != proc.Ready {
		t.Errorf("child state = %v, want ready", child.Agent.State)
	}
	if child.Agent.Frame.Regs[0] != 0 {
		t.Errorf("child x0 = %#x, want 0", child.Agent.Frame.Regs[0])
	}
	if child.Agent.Parent != parent.Agent.PID {
		t.Errorf("child parent = %d", child.Agent.Parent)
	}

	// Parent waits: the child has not terminated, so it blocks.
	if _, reaped, err := s.Wait(-1); err != nil || reaped {
		t.Fatalf("wait before exit: reaped=%v err=%v", reaped, err)
	}
	if parent.Agent.State != proc.Blocked {
		t.Fatalf("parent state = %v, want blocked", parent.Agent.State)
	}
	s.Yield()

	// Run the child on its core and exit 42.
	childCore := child.LastCore
	m.SetCurrentCore(childCore)
	for i := 0; i < 8 && s.CurrentOn(childCore) != child; i++ {
		m.Advance(10_000)
		s.Tick()
	}
	if s.CurrentOn(childCore) != child {
		t.Fatalf("child never scheduled on core %d", childCore)
	}
	s.Exit(42)
	if child.Agent.State != proc.Terminated {
		t.Fatalf("child state = %v", child.Agent.State)
	}
	if st := parent.Agent.State; st != proc.Ready && st != proc.Running {
		t.Fatalf("parent not woken by child exit: %v", st)
	}

	// Parent reaps.
	m.SetCurrentCore(0)
	for i := 0; i < 8 && s.CurrentOn(0) != parent; i++ {
		m.Advance(10_000)
		s.Tick()
	}
	code, reaped, err := s.Wait(-1)
	if err != nil || !reaped {
		t.Fatalf("wait after exit: reaped=%v err=%v", reaped, err)
	}
	if code != 42 {
		t.Errorf("exit code = %d, want 42", code)
	}
	if _, ok := s.Lookup(childPID); ok {
		t.Errorf("child still registered after reap")
	}
}

func TestScheduler_WaitNoChildren(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	s.Tick()
	if _, _, err := s.Wait(-1); !errors.Is(err, ErrNoChildren) {
		t.Errorf("wait with no children: %v", err)
	}
}

func TestScheduler_ForkClonesMemory(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	parent, err := s.SpawnUser("/bin/init", PriorityNormal, AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	s.Tick()

	// Scribble into the parent's stack page.
	stackPage := uint64(UserStackTop) - arch.PageSize
	phys, ok := parent.Agent.User.Translate(stackPage)
	if !ok {
		t.Fatalf("parent stack unmapped")
	}
	pb, err := m.Phys(phys, 16)
	if err != nil {
		t.Fatalf("Phys: %v", err)
	}
	copy(pb, []byte("parent secrets!!"))

	frame := parent.Agent.Frame
	childPID, err := s.Fork(&frame, parent.Agent.SPEL0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child, _ := s.Lookup(childPID)

	cphys, ok := child.Agent.User.Translate(stackPage)
	if !ok {
		t.Fatalf("child stack unmapped")
	}
	if cphys == phys {
		t.Fatalf("child shares the parent's frame (no eager clone)")
	}
	cb, err := m.Phys(cphys, 16)
	if err != nil {
		t.Fatalf("Phys: %v", err)
	}
	if string(cb) != "parent secrets!!" {
		t.Errorf("child page contents %q", cb)
	}

	// Writes diverge after the clone.
	copy(cb, []byte("child overwrite!"))
	if string(pb[:16]) != "parent secrets!!" {
		t.Errorf("child write reached the parent page")
	}
}

func TestScheduler_Exec(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	task, err := s.SpawnUser("/bin/init", PriorityNormal, AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	s.Tick()

	var frame arch.ExceptionFrame
	frame.Regs[0] = 0x5555
	if err := s.Exec("/bin/other", &frame); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if frame.ELR != UserImageBase {
		t.Errorf("frame entry = %#x", frame.ELR)
	}
	if frame.Regs[0] != 0 {
		t.Errorf("registers not cleared: x0 = %#x", frame.Regs[0])
	}
	if task.Agent.SPEL0 != UserStackTop {
		t.Errorf("user stack = %#x", task.Agent.SPEL0)
	}

	// New image mapped and readable.
	phys, ok := task.Agent.User.Translate(UserImageBase)
	if !ok {
		t.Fatalf("image unmapped after exec")
	}
	b, err := m.Phys(phys, 13)
	if err != nil {
		t.Fatalf("Phys: %v", err)
	}
	if string(b) != "another image" {
		t.Errorf("image contents %q", b)
	}
}

func TestScheduler_ExecMissingImage(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	task, err := s.SpawnUser("/bin/init", PriorityNormal, AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	s.Tick()

	var frame arch.ExceptionFrame
	if err := s.Exec("/bin/missing", &frame); err == nil {
		t.Fatalf("exec of missing image succeeded")
	}
	// The old image is still intact.
	if _, ok := task.Agent.User.Translate(UserImageBase); !ok {
		t.Errorf("old image gone after failed exec")
	}
	if err := s.Exec("/bin/empty", &frame); err == nil {
		t.Fatalf("exec of empty image succeeded")
	}
}

func TestScheduler_ReapReleasesMemory(t *testing.T) {
	m, s := newTestSched(t)
	m.SetCurrentCore(0)

	parent, err := s.SpawnUser("/bin/init", PriorityNormal, AffinityCore(0))
	if err != nil {
		t.Fatalf("SpawnUser: %v", err)
	}
	s.Tick()

	before := s.alloc.Stats().Allocated
	frame := parent.Agent.Frame
	childPID, err := s.Fork(&frame, parent.Agent.SPEL0)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	child, _ := s.Lookup(childPID)
	mid := s.alloc.Stats().Allocated
	if mid <= before {
		t.Fatalf("fork allocated nothing")
	}

	// Terminate the child directly and reap it.
	childCore := child.LastCore
	m.SetCurrentCore(childCore)
	for i := 0; i < 8 && s.CurrentOn(childCore) != child; i++ {
		m.Advance(10_000)
		s.Tick()
	}
	s.Exit(0)

	m.SetCurrentCore(0)
	for i := 0; i < 8 && s.CurrentOn(0) != parent; i++ {
		m.Advance(10_000)
		s.Tick()
	}
	if _, reaped, err := s.Wait(int64(childPID)); err != nil || !reaped {
		t.Fatalf("wait: reaped=%v err=%v", reaped, err)
	}

	after := s.alloc.Stats().Allocated
	if after >= mid {
		t.Errorf("reap released nothing: %d -> %d", mid, after)
	}
}

func TestScheduler_Stats(t *testing.T) {
	_, s := newTestSched(t)

	spawnNoop(t, s, PriorityNormal, AffinityCore(0))
	spawnNoop(t, s, PriorityNormal, AffinityCore(1))

	st := s.Stats()
	if st.TotalTasks != 2 {
		t.Errorf("total tasks = %d", st.TotalTasks)
	}
	if st.QueueLens[0] != 1 || st.QueueLens[1] != 1 {
		t.Errorf("queue lens = %v", st.QueueLens)
	}
}
