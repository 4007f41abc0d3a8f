package sched

import "github.com/kestrelos/kestrel/internal/proc"

// The simulation driver: on hardware a fresh task's first switch lands
// in the entry trampoline and never comes back; in the simulated
// machine the driver invokes the recorded entry function instead, on
// the goroutine standing in for the core.

// Step performs one scheduling round on the executing core and runs
// the switched-in task's entry if it has not started yet. Entries run
// to completion; one that returns without exiting is treated as
// exit(0). Returns false when the core ended the round idle.
func (s *Scheduler) Step() bool {
	s.Tick()
	t := s.Current()
	if t == nil {
		return false
	}
	if t.Agent.Entry != nil && !t.entryStarted {
		t.entryStarted = true
		t.Agent.Entry()
		s.finishIfAlive(t)
	}
	return true
}

// finishIfAlive retires a task whose entry returned without an
// explicit exit.
func (s *Scheduler) finishIfAlive(t *Task) {
	g := s.mu.Lock()
	defer g.Release()
	if t.Agent.State == proc.Terminated {
		return
	}
	t.Agent.State = proc.Terminated
	t.Agent.ExitCode = 0
	s.wakeParentLocked(t.Agent)
}

// wakeParentLocked moves a blocked parent back to Ready. Caller holds
// the scheduler lock.
func (s *Scheduler) wakeParentLocked(a *proc.Agent) {
	parent, ok := s.agents[a.Parent]
	if !ok || parent.Agent.State != proc.Blocked {
		return
	}
	parent.Agent.State = proc.Ready
	parent.seq = s.nextSeq.Add(1)
	s.cores[s.selectCore(parent.Priority, parent.Affinity)].enqueue(parent)
}
