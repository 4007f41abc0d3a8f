// Package boot carries the bring-up orchestration: platform detection
// and region bounds, seeding of the heap and capability randomizers,
// MMU enablement, secondary-core release and the first agent.
package boot

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/kestrelos/kestrel/internal/paging"
)

// MachineType names a supported board.
type MachineType string

const (
	MachineRaspberryPi5 MachineType = "raspberry_pi_5"
	MachineQemuVirt     MachineType = "qemu_virt"
)

var ErrUnknownMachine = errors.New("unknown machine type")

// Region is one half-open physical range in the platform description.
type Region struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (r Region) Size() uint64 { return r.End - r.Start }

// Config is the boot-time platform data the boot stub publishes:
// machine type plus region bounds for RAM, heap, DMA, the GPU share
// and the peripheral windows.
type Config struct {
	Machine MachineType `yaml:"machine"`

	RAM         []Region `yaml:"ram"`
	Heap        Region   `yaml:"heap"`
	DMA         Region   `yaml:"dma"`
	GPU         Region   `yaml:"gpu"`
	Peripherals []Region `yaml:"peripherals"`

	// Seed overrides the boot randomizer seed; 0 derives one from the
	// architecture timer.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the built-in region map for a machine.
func DefaultConfig(machine MachineType) (Config, error) {
	switch machine {
	case MachineRaspberryPi5:
		return Config{
			Machine: machine,
			RAM:     []Region{{Start: 0, End: 0x2_0000_0000}},
			Heap:    Region{Start: 0x4000_0000, End: 0x8000_0000},
			DMA:     Region{Start: 0x3800_0000, End: 0x4000_0000},
			GPU:     Region{Start: 0x3000_0000, End: 0x3800_0000},
			Peripherals: []Region{
				{Start: 0x10_0000_0000, End: 0x10_0100_0000},
			},
		}, nil
	case MachineQemuVirt:
		return Config{
			Machine: machine,
			RAM:     []Region{{Start: 0x4000_0000, End: 0x8000_0000}},
			Heap:    Region{Start: 0x5000_0000, End: 0x7000_0000},
			DMA:     Region{Start: 0x4800_0000, End: 0x5000_0000},
			Peripherals: []Region{
				{Start: 0x0800_0000, End: 0x1000_0000},
				// PCIe ECAM window.
				{Start: 0x3f00_0000, End: 0x4000_0000},
			},
		}, nil
	default:
		return Config{}, fmt.Errorf("boot: %q: %w", machine, ErrUnknownMachine)
	}
}

// LoadConfig reads a YAML platform description, filling unset regions
// from the machine's defaults.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("boot: parse config: %w", err)
	}
	defaults, err := DefaultConfig(cfg.Machine)
	if err != nil {
		return Config{}, err
	}
	if len(cfg.RAM) == 0 {
		cfg.RAM = defaults.RAM
	}
	if cfg.Heap.Size() == 0 {
		cfg.Heap = defaults.Heap
	}
	if cfg.DMA.Size() == 0 {
		cfg.DMA = defaults.DMA
	}
	if cfg.GPU.Size() == 0 {
		cfg.GPU = defaults.GPU
	}
	if len(cfg.Peripherals) == 0 {
		cfg.Peripherals = defaults.Peripherals
	}
	return cfg, nil
}

// Layout converts the config into the paging layout.
func (c Config) Layout() paging.Layout {
	l := paging.Layout{
		DMA: paging.Region{Start: c.DMA.Start, End: c.DMA.End},
	}
	for _, r := range c.RAM {
		l.RAM = append(l.RAM, paging.Region{Start: r.Start, End: r.End})
	}
	for _, r := range c.Peripherals {
		l.Peripherals = append(l.Peripherals, paging.Region{Start: r.Start, End: r.End})
	}
	return l
}
