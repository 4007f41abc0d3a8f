package sched

import (
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/kspin"
	"github.com/kestrelos/kestrel/internal/mem"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// quantumMS is the preemption quantum.
const quantumMS = 10

// CoreStats are the per-core cycle counters. They sit behind a raw
// spinlock: the table is only touched with the scheduler already
// serialized and never from an interrupt handler.
type CoreStats struct {
	IdleCycles  uint64
	TotalCycles uint64
	QueueLength int
}

// Scheduler is the system scheduler: one queue per core, a registry of
// every live agent, and the lifecycle operations. The scheduler lock
// masks interrupts; it is always released before a context switch.
type Scheduler struct {
	mu *kspin.Lock

	m      arch.Machine
	kernel *paging.Kernel
	alloc  *mem.Allocator
	fs     vfs.FileSystem
	log    *slog.Logger

	cores  [arch.MaxCores]coreQueue
	agents map[proc.PID]*Task

	nextPID atomicbitops.Uint64
	nextSeq atomicbitops.Uint64

	totalTasks int

	statsMu   kspin.RawLock
	coreStats [arch.MaxCores]CoreStats
}

// New builds a scheduler over the machine. fs backs open and exec and
// may be nil until boot installs one.
func New(m arch.Machine, kernel *paging.Kernel, alloc *mem.Allocator, fs vfs.FileSystem, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		mu:     kspin.NewLock(m),
		m:      m,
		kernel: kernel,
		alloc:  alloc,
		fs:     fs,
		log:    log,
		agents: make(map[proc.PID]*Task),
	}
	for i := range s.cores {
		s.cores[i].id = i
	}
	s.nextPID.Store(1)
	return s
}

// Machine returns the machine the scheduler runs on.
func (s *Scheduler) Machine() arch.Machine { return s.m }

// Kernel returns the kernel address space.
func (s *Scheduler) Kernel() *paging.Kernel { return s.kernel }

// AllocPage draws one frame from the physical allocator for callers
// backing user mappings.
func (s *Scheduler) AllocPage() (uint64, bool) { return s.alloc.AllocPages(1) }

// FreePage returns a frame taken with AllocPage.
func (s *Scheduler) FreePage(addr uint64) { s.alloc.FreePages(addr, 1) }

// UptimeMS converts the architecture timer to milliseconds.
func (s *Scheduler) UptimeMS() uint64 {
	return s.m.TimerCount() * 1000 / s.m.TimerFreq()
}

func (s *Scheduler) allocPID() proc.PID {
	return proc.PID(s.nextPID.Add(1) - 1)
}

// selectCore picks the target queue for a new task: among the cores
// the affinity permits, the shortest queue wins with ties to the
// lowest id. Realtime tasks prefer core 0 when allowed.
func (s *Scheduler) selectCore(priority Priority, affinity Affinity) int {
	if priority == PriorityRealtime && affinity.CanRunOn(0) {
		return 0
	}

	best := -1
	bestLen := 0
	for core := 0; core < s.m.NumCores(); core++ {
		if !affinity.CanRunOn(core) {
			continue
		}
		l := s.cores[core].len()
		if best < 0 || l < bestLen {
			best = core
			bestLen = l
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// Spawn registers an agent with the scheduler and queues it.
func (s *Scheduler) Spawn(a *proc.Agent, priority Priority, affinity Affinity) *Task {
	t := &Task{
		Agent:    a,
		Priority: priority,
		Affinity: affinity,
		seq:      s.nextSeq.Add(1),
	}

	g := s.mu.Lock()
	defer g.Release()

	core := s.selectCore(priority, affinity)
	s.cores[core].enqueue(t)
	s.agents[a.PID] = t
	s.totalTasks++

	s.log.Debug("spawned task",
		"pid", uint64(a.PID), "core", core, "priority", priority.String())
	return t
}

// SpawnKernel allocates a guard-paged stack, builds a kernel agent
// around entry and queues it.
func (s *Scheduler) SpawnKernel(entry func(), priority Priority, affinity Affinity) (*Task, error) {
	stack, err := s.kernel.AllocStack(4)
	if err != nil {
		return nil, err
	}
	a := proc.NewKernelAgent(s.allocPID(), entry, stack)
	return s.Spawn(a, priority, affinity), nil
}

// schedule performs one pick on a core with the scheduler lock held.
// It returns the context pair for the switch, or nil when no switch is
// needed.
func (s *Scheduler) schedule(core int) (prev, next *arch.Context) {
	cq := &s.cores[core]

	// Put the outgoing task where its state says it belongs.
	if cur := cq.current; cur != nil {
		cq.current = nil
		switch cur.Agent.State {
		case proc.Running:
			cur.Agent.State = proc.Ready
			cur.seq = s.nextSeq.Add(1)
			cq.enqueue(cur)
		case proc.Terminated:
			s.totalTasks--
		default:
			// Sleeping or Blocked: parked in the registry until a
			// wakeup re-queues it.
		}
	}

	nextTask := cq.dequeue()
	if nextTask == nil {
		nextTask = s.stealWork(core)
	}
	if nextTask == nil {
		s.bumpIdle(core)
		return nil, nil
	}

	nextTask.Agent.State = proc.Running
	nextTask.LastCore = core
	cq.current = nextTask

	s.bumpBusy(core)
	// Charged one quantum per pick, like the core's busy counter.
	nextTask.CPUTime += quantumMS * 1000
	return &cq.idleContext, &nextTask.Agent.Context
}

// stealWork surveys the other cores and, when the busiest queue holds
// at least two tasks, transfers its back half here and takes the first
// transferred task.
func (s *Scheduler) stealWork(thief int) *Task {
	victim := -1
	maxLen := 0
	for core := 0; core < s.m.NumCores(); core++ {
		if core == thief {
			continue
		}
		if l := s.cores[core].len(); l > maxLen {
			maxLen = l
			victim = core
		}
	}
	if victim < 0 || maxLen < 2 {
		return nil
	}

	stolen := s.cores[victim].stealHalf()
	var first *Task
	for _, t := range stolen {
		if !t.Affinity.CanRunOn(thief) {
			// Affinity forbids the move; put it back.
			s.cores[victim].enqueue(t)
			continue
		}
		if first == nil {
			first = t
			continue
		}
		s.cores[thief].enqueue(t)
	}
	return first
}

// switchTo runs the pick result. The scheduler lock must already be
// released; the previous task's context receives the outgoing state.
func (s *Scheduler) switchTo(prevTask *Task, prev, next *arch.Context) {
	if prevTask != nil {
		prev = &prevTask.Agent.Context
	}
	s.m.SwitchTo(prev, next)
}

// Yield gives up the executing core. At most one switch happens and
// interrupts are back to their prior state on return.
func (s *Scheduler) Yield() {
	core := s.m.CoreID()

	g := s.mu.Lock()
	prevTask := s.cores[core].current
	prev, next := s.schedule(core)
	g.Release()

	if next != nil && (prevTask == nil || next != &prevTask.Agent.Context) {
		s.switchTo(prevTask, prev, next)
	}
}

// Tick is the per-core timer interrupt: re-arm the quantum, wake
// sleepers whose deadline passed, then reschedule. The lock is
// released before the switch.
func (s *Scheduler) Tick() {
	core := s.m.CoreID()
	s.m.SetTimer(quantumMS * s.m.TimerFreq() / 1000)

	now := s.UptimeMS()

	g := s.mu.Lock()
	s.wakeSleepers(now)
	prevTask := s.cores[core].current
	prev, next := s.schedule(core)
	g.Release()

	if next != nil && (prevTask == nil || next != &prevTask.Agent.Context) {
		s.switchTo(prevTask, prev, next)
	}
}

// wakeSleepers promotes every Sleeping agent whose wake time passed.
// Caller holds the scheduler lock.
func (s *Scheduler) wakeSleepers(now uint64) {
	for _, t := range s.agents {
		if t.Agent.State == proc.Sleeping && now >= t.Agent.WakeTime {
			t.Agent.State = proc.Ready
			t.Agent.WakeTime = 0
			t.seq = s.nextSeq.Add(1)
			s.cores[s.selectCore(t.Priority, t.Affinity)].enqueue(t)
		}
	}
}

// Current returns the task running on the executing core.
func (s *Scheduler) Current() *Task {
	g := s.mu.Lock()
	defer g.Release()
	return s.cores[s.m.CoreID()].current
}

// CurrentOn returns the task running on a specific core.
func (s *Scheduler) CurrentOn(core int) *Task {
	g := s.mu.Lock()
	defer g.Release()
	return s.cores[core].current
}

// Lookup finds a live task by pid.
func (s *Scheduler) Lookup(pid proc.PID) (*Task, bool) {
	g := s.mu.Lock()
	defer g.Release()
	t, ok := s.agents[pid]
	return t, ok
}

// WithCurrent runs f on the executing core's current agent under the
// scheduler lock. Returns false when the core is idle.
func (s *Scheduler) WithCurrent(f func(*proc.Agent)) bool {
	g := s.mu.Lock()
	defer g.Release()
	cur := s.cores[s.m.CoreID()].current
	if cur == nil {
		return false
	}
	f(cur.Agent)
	return true
}

// QueueLen reports a core's ready-queue length.
func (s *Scheduler) QueueLen(core int) int {
	g := s.mu.Lock()
	defer g.Release()
	return s.cores[core].len()
}

func (s *Scheduler) bumpIdle(core int) {
	s.statsMu.Lock()
	s.coreStats[core].IdleCycles += quantumMS * 1000
	s.coreStats[core].TotalCycles += quantumMS * 1000
	s.statsMu.Unlock()
}

func (s *Scheduler) bumpBusy(core int) {
	s.statsMu.Lock()
	s.coreStats[core].TotalCycles += quantumMS * 1000
	s.statsMu.Unlock()
}

// Stats is a snapshot of scheduler occupancy.
type Stats struct {
	TotalTasks  int
	QueueLens   [arch.MaxCores]int
	CoreStats   [arch.MaxCores]CoreStats
	TotalQueued int
}

// Stats captures queue lengths and cycle counters.
func (s *Scheduler) Stats() Stats {
	g := s.mu.Lock()
	var st Stats
	st.TotalTasks = s.totalTasks
	for i := range s.cores {
		st.QueueLens[i] = s.cores[i].len()
		st.TotalQueued += s.cores[i].len()
	}
	g.Release()

	s.statsMu.Lock()
	for i := range st.CoreStats {
		st.CoreStats[i] = s.coreStats[i]
		st.CoreStats[i].QueueLength = st.QueueLens[i]
	}
	s.statsMu.Unlock()
	return st
}

// StartSecondaryCores releases cores 1..N-1 into an idle loop that
// schedules off the timer.
func (s *Scheduler) StartSecondaryCores() {
	for core := 1; core < s.m.NumCores(); core++ {
		core := core
		err := s.m.StartCore(core, func() {
			s.m.IRQEnable()
			s.m.SetTimer(quantumMS * s.m.TimerFreq() / 1000)
			s.secondaryIdle(core)
		})
		if err != nil {
			s.log.Warn("secondary core start failed", "core", core, "err", err)
			continue
		}
		s.log.Info("core started", "core", core)
	}
}

// secondaryIdle is the entry for cores 1..3: wait, then schedule when
// work appears.
func (s *Scheduler) secondaryIdle(core int) {
	for {
		s.m.WFI()
		if s.m.CoreID() != core {
			return
		}
		g := s.mu.Lock()
		has := s.cores[core].len() > 0
		g.Release()
		if has {
			s.Tick()
		}
		if s.totalTasks == 0 {
			return
		}
	}
}
