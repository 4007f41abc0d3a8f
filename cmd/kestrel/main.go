// Command kestrel boots the kernel on the simulated machine: loads a
// platform description, brings the core subsystems up, spawns an init
// agent and a few workers, then drives the cores for a fixed number of
// timer ticks and reports the system statistics.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/kestrelos/kestrel/internal/arch/sim"
	"github.com/kestrelos/kestrel/internal/boot"
	"github.com/kestrelos/kestrel/internal/sched"
)

func main() {
	machine := flag.String("machine", string(boot.MachineQemuVirt), "machine type (raspberry_pi_5 or qemu_virt)")
	configPath := flag.String("config", "", "platform description YAML (overrides -machine defaults)")
	ticks := flag.Int("ticks", 100, "timer ticks to run")
	seed := flag.Uint64("seed", 0, "boot randomizer seed (0 = from timer)")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*machine, *configPath, *ticks, *seed, logger); err != nil {
		logger.Error("boot failed", "err", err)
		os.Exit(1)
	}
}

func run(machine, configPath string, ticks int, seed uint64, logger *slog.Logger) error {
	cfg, err := loadConfig(machine, configPath)
	if err != nil {
		return err
	}
	cfg.Seed = seed

	// Size the simulated RAM arena to the configured RAM window.
	base, size := ramWindow(cfg)
	m := sim.New(base, size, 1_000_000)
	m.Advance(1)

	k, err := boot.BringUp(m, cfg, os.Stdout, logger)
	if err != nil {
		return err
	}

	printBanner(k)

	// A small image tree so open/readdir have something to serve.
	k.FS.AddFile("/bin/init", []byte("kestrel flat init image\x00"))
	k.FS.AddDir("/dev")

	console := k.Console
	worker := func(name string, lines int) func() {
		return func() {
			for i := 0; i < lines; i++ {
				fmt.Fprintf(console, "[%s] line %d\n", name, i)
				k.Sched.Yield()
			}
		}
	}

	initTask, err := k.SpawnInit(func() {
		fmt.Fprintln(console, "init: kernel agents starting")
		if _, err := k.Sched.SpawnKernel(worker("worker-a", 3), sched.PriorityNormal, sched.AffinityAny); err != nil {
			logger.Warn("spawn worker-a", "err", err)
		}
		if _, err := k.Sched.SpawnKernel(worker("worker-b", 3), sched.PriorityHigh, sched.AffinityCore(0)); err != nil {
			logger.Warn("spawn worker-b", "err", err)
		}
	})
	if err != nil {
		return err
	}
	logger.Info("init agent spawned", "pid", uint64(initTask.Agent.PID))

	// Drive the cores: advance the virtual timer a quantum at a time
	// and let each core schedule.
	for i := 0; i < ticks; i++ {
		m.Advance(10_000) // 10 ms at 1 MHz
		for core := 0; core < m.NumCores(); core++ {
			m.SetCurrentCore(core)
			k.Sched.Step()
		}
	}
	m.SetCurrentCore(0)

	printStats(k)
	return nil
}

func loadConfig(machine, configPath string) (boot.Config, error) {
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return boot.Config{}, err
		}
		defer f.Close()
		return boot.LoadConfig(f)
	}
	return boot.DefaultConfig(boot.MachineType(machine))
}

// ramWindow returns one window covering every configured RAM region.
func ramWindow(cfg boot.Config) (base, size uint64) {
	if len(cfg.RAM) == 0 {
		return 0, 256 << 20
	}
	base = cfg.RAM[0].Start
	end := cfg.RAM[0].End
	for _, r := range cfg.RAM[1:] {
		if r.Start < base {
			base = r.Start
		}
		if r.End > end {
			end = r.End
		}
	}
	return base, end - base
}

// style wraps s in an SGR sequence, dropped when stdout is not a
// terminal.
func style(sgr, s string) string {
	styled := "\x1b[" + sgr + "m" + s + "\x1b[0m"
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return ansi.Strip(styled)
	}
	return styled
}

func printBanner(k *boot.Kernel) {
	title := style("1;36", "kestrel") + " " + style("2", string(k.Config.Machine))
	rule := ""
	for i := 0; i < ansi.StringWidth(title); i++ {
		rule += "─"
	}
	fmt.Println(title)
	fmt.Println(style("2", rule))
}

func printStats(k *boot.Kernel) {
	ms := k.Alloc.Stats()
	ss := k.Sched.Stats()
	cs := k.Caps.Stats()

	fmt.Println(style("1", "statistics"))
	fmt.Printf("  uptime        %d ms\n", k.UptimeMS())
	fmt.Printf("  heap          %d B buddy, %d B slab, %d allocations\n",
		ms.Allocated, ms.SlabAllocated, ms.TotalAllocations)
	fmt.Printf("  capabilities  %d active, %d revoked\n", cs.Active, cs.Revoked)
	fmt.Printf("  tasks         %d live, %d queued\n", ss.TotalTasks, ss.TotalQueued)
	for i, c := range ss.CoreStats {
		fmt.Printf("  core %d        queue=%d idle=%dus total=%dus\n",
			i, c.QueueLength, c.IdleCycles, c.TotalCycles)
	}
}
