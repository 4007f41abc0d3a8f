// Package capability implements the kernel's capability table:
// fixed-size, generation-counted, with derivation chains for
// revocation. Resource pointers are stored XORed with a boot-seeded
// key so raw kernel addresses never sit in token memory.
package capability

import (
	"errors"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/kestrelos/kestrel/internal/arch"
	"github.com/kestrelos/kestrel/internal/kspin"
)

var (
	ErrWrongType        = errors.New("capability has wrong type")
	ErrPermissionDenied = errors.New("capability permission denied")
	ErrRevoked          = errors.New("capability revoked")
	ErrOutOfBounds      = errors.New("capability access out of bounds")
	ErrOutOfSlots       = errors.New("capability table full")
	ErrNotFound         = errors.New("capability not found")
)

// Type names the resource class a capability grants access to.
type Type uint8

const (
	TypeNull Type = iota
	TypeMemory
	TypeDevice
	TypeInterrupt
	TypeTimer
	TypeDisplay
	TypeCompute
	TypeNetwork
	TypeStorage
	TypeInput
	TypeIntent
	TypeControl
	TypeSystem
	// TypeDriver gates the privileged I/O syscalls.
	TypeDriver
)

// Perms is the permission bit set of a capability.
type Perms uint32

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
	PermDelete
	PermShare
	// PermDelegate allows deriving child capabilities.
	PermDelegate
	// PermRevoke allows revoking the capability and its descendants.
	PermRevoke

	PermAll       Perms = 0x7F
	PermReadWrite Perms = PermRead | PermWrite
)

// Has reports whether all bits of p are present.
func (ps Perms) Has(p Perms) bool { return ps&p == p }

// Capability is the token handed to holders. The resource field stays
// encoded; Resource decodes it against the table's key.
type Capability struct {
	ID         uint64
	Generation uint64
	Type       Type
	Perms      Perms
	resource   uint64 // XORed with the pointer-guard key
	Size       uint64
}

// Valid reports whether the token is structurally live.
func (c Capability) Valid() bool { return c.Type != TypeNull && c.ID != 0 }

type entry struct {
	cap      Capability
	parentID uint64
	revoked  bool
	used     bool
}

// MaxCapabilities bounds the table.
const MaxCapabilities = 4096

// Table is the system capability table. One interior lock covers every
// operation; derivation and revocation hold it for their duration. The
// table is a leaf in the lock order and must not call back into the
// scheduler or the VM.
type Table struct {
	mu *kspin.Lock

	entries [MaxCapabilities]entry

	generation atomicbitops.Uint64
	nextID     atomicbitops.Uint64

	// key encodes resource pointers at rest. Set once per boot.
	key uint64

	log *slog.Logger
}

// NewTable seeds the table. The pointer-guard key mixes the boot seed
// with a constant so a zero seed still yields a non-zero key.
func NewTable(m arch.Machine, seed uint64, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		mu:  kspin.NewLock(m),
		key: seed ^ 0xCAFEBABE_DEADBEEF,
		log: log,
	}
	t.generation.Store(1)
	t.nextID.Store(1)
	return t
}

// Resource decodes the capability's resource address.
func (t *Table) Resource(c Capability) uint64 { return c.resource ^ t.key }

func (t *Table) findSlot(id uint64) int {
	for i := range t.entries {
		if t.entries[i].used && t.entries[i].cap.ID == id {
			return i
		}
	}
	return -1
}

func (t *Table) freeSlot() int {
	for i := range t.entries {
		if !t.entries[i].used {
			return i
		}
	}
	return -1
}

// MintRoot inserts a root capability over a resource. Kernel-only:
// nothing reachable from a syscall mints roots.
func (t *Table) MintRoot(typ Type, resource, size uint64, perms Perms) (Capability, error) {
	g := t.mu.Lock()
	defer g.Release()

	slot := t.freeSlot()
	if slot < 0 {
		return Capability{}, ErrOutOfSlots
	}

	c := Capability{
		ID:         t.nextID.Add(1) - 1,
		Generation: t.generation.Load(),
		Type:       typ,
		Perms:      perms,
		resource:   resource ^ t.key,
		Size:       size,
	}
	t.entries[slot] = entry{cap: c, used: true}
	return c, nil
}

// Derive creates a child of parent with the intersection of the
// parent's permissions and the requested set. PermDelegate is never
// inherited implicitly: a child can delegate further only when the
// request names PermDelegate and the parent carries it. The parent
// must carry PermDelegate and still be live.
func (t *Table) Derive(parent Capability, perms Perms) (Capability, error) {
	g := t.mu.Lock()
	defer g.Release()

	slot := t.findSlot(parent.ID)
	if slot < 0 {
		return Capability{}, ErrNotFound
	}
	pe := &t.entries[slot]
	if pe.revoked {
		return Capability{}, ErrRevoked
	}
	if pe.cap.Generation != t.generation.Load() {
		return Capability{}, ErrRevoked
	}
	if !pe.cap.Perms.Has(PermDelegate) {
		return Capability{}, ErrPermissionDenied
	}

	free := t.freeSlot()
	if free < 0 {
		return Capability{}, ErrOutOfSlots
	}

	c := Capability{
		ID:         t.nextID.Add(1) - 1,
		Generation: t.generation.Load(),
		Type:       pe.cap.Type,
		Perms:      pe.cap.Perms & perms,
		resource:   pe.cap.resource,
		Size:       pe.cap.Size,
	}
	t.entries[free] = entry{cap: c, parentID: parent.ID, used: true}
	return c, nil
}

// Revoke marks cap and every descendant revoked. The holder must carry
// PermRevoke.
func (t *Table) Revoke(cap Capability) error {
	if !cap.Perms.Has(PermRevoke) {
		return ErrPermissionDenied
	}

	g := t.mu.Lock()
	defer g.Release()
	if !t.revokeTree(cap.ID) {
		return ErrNotFound
	}
	return nil
}

func (t *Table) revokeTree(id uint64) bool {
	slot := t.findSlot(id)
	if slot < 0 {
		return false
	}
	t.entries[slot].revoked = true
	for i := range t.entries {
		if t.entries[i].used && t.entries[i].parentID == id && !t.entries[i].revoked {
			t.revokeTree(t.entries[i].cap.ID)
		}
	}
	return true
}

// Validate reports whether the token is present, unrevoked and of the
// current generation.
func (t *Table) Validate(cap Capability) bool {
	if !cap.Valid() {
		return false
	}

	g := t.mu.Lock()
	defer g.Release()

	slot := t.findSlot(cap.ID)
	if slot < 0 {
		return false
	}
	e := &t.entries[slot]
	if e.revoked {
		return false
	}
	return e.cap.Generation == t.generation.Load()
}

// GlobalRevoke invalidates every outstanding token by bumping the
// generation, then clears the table.
func (t *Table) GlobalRevoke() {
	g := t.mu.Lock()
	defer g.Release()

	t.generation.Add(1)
	for i := range t.entries {
		t.entries[i] = entry{}
	}
	t.log.Warn("global capability revocation")
}

// Stats reports table occupancy.
type Stats struct {
	Active  int
	Revoked int
}

// Stats counts live and revoked entries.
func (t *Table) Stats() Stats {
	g := t.mu.Lock()
	defer g.Release()

	var s Stats
	for i := range t.entries {
		if !t.entries[i].used {
			continue
		}
		if t.entries[i].revoked {
			s.Revoked++
		} else {
			s.Active++
		}
	}
	return s
}
