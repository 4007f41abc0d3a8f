package capability

import (
	"github.com/kestrelos/kestrel/internal/arch"
)

// Typed accessors. Every access re-checks type, permission, liveness
// and bounds before touching the resource; a failed check performs no
// side effect.

func (t *Table) checkAccess(c Capability, typ Type, perm Perms, offset, length uint64) error {
	if c.Type != typ {
		return ErrWrongType
	}
	if !c.Perms.Has(perm) {
		return ErrPermissionDenied
	}
	if !t.Validate(c) {
		return ErrRevoked
	}
	if offset+length > c.Size || offset+length < offset {
		return ErrOutOfBounds
	}
	return nil
}

// MemoryRead copies from the capability's memory region into buf.
func (t *Table) MemoryRead(m arch.Machine, c Capability, offset uint64, buf []byte) (int, error) {
	if err := t.checkAccess(c, TypeMemory, PermRead, offset, uint64(len(buf))); err != nil {
		t.log.Warn("capability read denied", "id", c.ID, "err", err)
		return 0, err
	}
	src, err := m.Phys(t.Resource(c)+offset, len(buf))
	if err != nil {
		return 0, ErrOutOfBounds
	}
	return copy(buf, src), nil
}

// MemoryWrite copies buf into the capability's memory region.
func (t *Table) MemoryWrite(m arch.Machine, c Capability, offset uint64, buf []byte) (int, error) {
	if err := t.checkAccess(c, TypeMemory, PermWrite, offset, uint64(len(buf))); err != nil {
		t.log.Warn("capability write denied", "id", c.ID, "err", err)
		return 0, err
	}
	dst, err := m.Phys(t.Resource(c)+offset, len(buf))
	if err != nil {
		return 0, ErrOutOfBounds
	}
	return copy(dst, buf), nil
}

// DeviceReadReg performs a 32-bit volatile read of a device register.
func (t *Table) DeviceReadReg(m arch.Machine, c Capability, offset uint64) (uint32, error) {
	if err := t.checkAccess(c, TypeDevice, PermRead, offset, 4); err != nil {
		t.log.Warn("capability register read denied", "id", c.ID, "err", err)
		return 0, err
	}
	return m.Read32(t.Resource(c) + offset), nil
}

// DeviceWriteReg performs a 32-bit volatile write of a device register.
func (t *Table) DeviceWriteReg(m arch.Machine, c Capability, offset uint64, value uint32) error {
	if err := t.checkAccess(c, TypeDevice, PermWrite, offset, 4); err != nil {
		t.log.Warn("capability register write denied", "id", c.ID, "err", err)
		return err
	}
	m.Write32(t.Resource(c)+offset, value)
	return nil
}
