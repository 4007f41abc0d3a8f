// Package proc defines the agent: the kernel's process record, its
// file-descriptor table and its signal state.
package proc

import (
	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/capability"
	"github.com/kestrelos/kestrel/internal/paging"
)

// PID identifies an agent. PIDs are monotonic and never reused within
// a boot.
type PID uint64

// State is the agent lifecycle state.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return "invalid"
}

// EntryTrampoline is the LR value installed in a fresh agent's
// context. The first switch into the agent lands there; the trampoline
// tail-calls the entry function recorded on the agent.
const EntryTrampoline = 0xFFFF_FFFF_C000_0000

// Agent is one process.
type Agent struct {
	PID   PID
	State State

	// Context is the callee-saved register set live while the agent
	// is not running.
	Context arch.Context

	// KernelStack backs kernel-mode execution; every agent has one.
	KernelStack *paging.Stack

	// User is nil for kernel agents.
	User *paging.UserSpace

	// VMAs tracks the user mappings; present iff User is.
	VMAs *paging.VMAManager

	Files   *FDTable
	Signals SignalState

	Parent   PID
	Children []PID
	ExitCode int

	// WakeTime is the uptime (ms) at which a Sleeping agent becomes
	// Ready again.
	WakeTime uint64

	// Caps is the agent's capability set.
	Caps []capability.Capability

	// Entry is the kernel-mode entry function the trampoline invokes
	// on the agent's first run.
	Entry func()

	// Frame is the exception frame saved at the agent's last trap
	// from EL0; the return path restores from it.
	Frame arch.ExceptionFrame
	SPEL0 uint64
}

// NewKernelAgent builds an agent that never leaves EL1. The context is
// arranged so the first switch lands in the entry trampoline with the
// fresh stack installed.
func NewKernelAgent(pid PID, entry func(), stack *paging.Stack) *Agent {
	a := &Agent{
		PID:         pid,
		State:       Ready,
		KernelStack: stack,
		Files:       NewFDTable(),
		Entry:       entry,
	}
	a.Context.SP = stack.Top
	a.Context.SetLR(EntryTrampoline)
	return a
}

// NewUserAgent builds an agent with its own address space and VMA
// manager. The caller loads the image and arranges the EL0 transfer.
func NewUserAgent(pid PID, stack *paging.Stack, user *paging.UserSpace) *Agent {
	a := &Agent{
		PID:         pid,
		State:       Ready,
		KernelStack: stack,
		User:        user,
		VMAs:        paging.NewVMAManager(0, 0),
		Files:       NewFDTable(),
	}
	a.Context.SP = stack.Top
	a.Context.SetLR(EntryTrampoline)
	a.Context.TTBR0 = user.TableBase()
	return a
}

// AddCapability grants the agent a capability.
func (a *Agent) AddCapability(c capability.Capability) {
	a.Caps = append(a.Caps, c)
}

// HasCapability reports whether the agent holds a live capability of
// the given type, consulting the table for revocation.
func (a *Agent) HasCapability(t *capability.Table, typ capability.Type) bool {
	for _, c := range a.Caps {
		if c.Type == typ && t.Validate(c) {
			return true
		}
	}
	return false
}
