package boot

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/capability"
	"github.com/kestrelos/kestrel/internal/mem"
	"github.com/kestrelos/kestrel/internal/paging"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/trap"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// Kernel is the assembled system: every core subsystem, wired.
type Kernel struct {
	M       arch.Machine
	Config  Config
	Alloc   *mem.Allocator
	DMA     *mem.DMA
	VM      *paging.Kernel
	Caps    *capability.Table
	Sched   *sched.Scheduler
	Traps   *trap.Handler
	FS      *vfs.MemFS
	Console *vfs.Console

	Log *slog.Logger
}

// seedMix whitens the timer sample used as the boot seed.
const seedMix = 0x9E3779B97F4A7C15

// BringUp initializes the kernel over a machine in the boot order the
// rest of the system assumes: detect and size, seed the randomizers,
// heap, capability table, kernel VM and MMU, DMA, VFS, scheduler, trap
// handler, secondary cores.
func BringUp(m arch.Machine, cfg Config, consoleOut io.Writer, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}

	if _, err := DefaultConfig(cfg.Machine); err != nil {
		return nil, err
	}
	if cfg.Heap.Size() == 0 {
		return nil, fmt.Errorf("boot: empty heap region")
	}
	if _, err := m.Phys(cfg.Heap.Start, 1); err != nil {
		return nil, fmt.Errorf("boot: heap outside machine RAM: %w", err)
	}
	log.Info("machine detected", "type", string(cfg.Machine),
		"heap", cfg.Heap.Size(), "dma", cfg.DMA.Size())

	// One seed drives both randomizers: the heap base offset and the
	// capability pointer-guard key.
	seed := cfg.Seed
	if seed == 0 {
		seed = (m.TimerCount() + 1) * seedMix
	}

	alloc := mem.NewAllocator(m, log)
	alloc.Init(cfg.Heap.Start, cfg.Heap.Size(), seed)

	caps := capability.NewTable(m, seed, log)

	vm, err := paging.InitKernel(m, alloc, cfg.Layout(), log)
	if err != nil {
		return nil, err
	}

	var dma *mem.DMA
	if cfg.DMA.Size() > 0 {
		if _, err := m.Phys(cfg.DMA.Start, 1); err == nil {
			dma = mem.NewDMA(m, cfg.DMA.Start, cfg.DMA.Size())
		}
	}

	fs := vfs.NewMemFS()
	console := vfs.NewConsole(consoleOut)

	s := sched.New(m, vm, alloc, fs, log)
	traps := trap.NewHandler(m, s, caps, fs, console, log)

	s.StartSecondaryCores()

	k := &Kernel{
		M:       m,
		Config:  cfg,
		Alloc:   alloc,
		DMA:     dma,
		VM:      vm,
		Caps:    caps,
		Sched:   s,
		Traps:   traps,
		FS:      fs,
		Console: console,
		Log:     log,
	}
	log.Info("kernel up", "cores", m.NumCores())
	return k, nil
}

// SpawnInit creates the first agent: a kernel agent holding a driver
// capability, with the console on descriptors 0-2. Every later agent
// descends from it.
func (k *Kernel) SpawnInit(entry func()) (*sched.Task, error) {
	t, err := k.Sched.SpawnKernel(entry, sched.PriorityNormal, sched.AffinityAny)
	if err != nil {
		return nil, err
	}
	c, err := k.Caps.MintRoot(capability.TypeDriver, 0, 0, capability.PermAll)
	if err != nil {
		return nil, err
	}
	t.Agent.AddCapability(c)

	stdin, err := t.Agent.Files.Alloc(vfs.NewOpenFile(k.Console), vfs.ORdwr)
	if err != nil {
		return nil, err
	}
	if _, err := t.Agent.Files.Dup2(stdin, 1); err != nil {
		return nil, err
	}
	if _, err := t.Agent.Files.Dup2(stdin, 2); err != nil {
		return nil, err
	}
	return t, nil
}

// UptimeMS reports milliseconds since the counter started.
func (k *Kernel) UptimeMS() uint64 {
	return k.M.TimerCount() * 1000 / k.M.TimerFreq()
}
