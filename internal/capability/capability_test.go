package capability

import (
	"errors"
	"testing"

	"github.com/kestrelos/kestrel/internal/arch/sim"
)

func newTestTable(t *testing.T) (*sim.Machine, *Table) {
	t.Helper()
	m := sim.New(0x1000_0000, 16<<20, 0)
	return m, NewTable(m, 42, nil)
}

func TestTable_MintAndValidate(t *testing.T) {
	_, tbl := newTestTable(t)

	c, err := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}
	if !c.Valid() {
		t.Errorf("minted capability not valid")
	}
	if !tbl.Validate(c) {
		t.Errorf("Validate false for fresh capability")
	}
	if tbl.Resource(c) != 0x1000_0000 {
		t.Errorf("Resource = %#x", tbl.Resource(c))
	}
}

func TestCapability_ResourceObfuscatedAtRest(t *testing.T) {
	_, tbl := newTestTable(t)

	c, err := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}
	// The field stored in the token must not be the raw address.
	if c.resource == 0x1000_0000 {
		t.Errorf("resource pointer stored in the clear")
	}
}

func TestTable_DeriveMonotonic(t *testing.T) {
	_, tbl := newTestTable(t)

	parent, err := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}
	child, err := tbl.Derive(parent, PermRead|PermWrite)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if child.Perms != PermRead|PermWrite {
		t.Errorf("child perms %#x, want %#x", child.Perms, PermRead|PermWrite)
	}
	if child.Perms.Has(PermDelegate) {
		t.Errorf("delegate granted without being requested")
	}
	// Without delegate, the child cannot derive further.
	if _, err := tbl.Derive(child, PermRead); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("derive from non-delegable: %v", err)
	}
}

func TestTable_RevokeTree(t *testing.T) {
	_, tbl := newTestTable(t)

	// Mint C1 over a page with everything; derive C2 with read +
	// delegate + revoke; derive C3 from C2 with read only. Revoking C2 kills
	// C3 but leaves C1 alone.
	c1, err := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}
	c2, err := tbl.Derive(c1, PermRead|PermDelegate|PermRevoke)
	if err != nil {
		t.Fatalf("Derive c2: %v", err)
	}
	c3, err := tbl.Derive(c2, PermRead)
	if err != nil {
		t.Fatalf("Derive c3: %v", err)
	}

	if err := tbl.Revoke(c2); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if tbl.Validate(c2) {
		t.Errorf("c2 still validates")
	}
	if tbl.Validate(c3) {
		t.Errorf("descendant c3 still validates")
	}
	if !tbl.Validate(c1) {
		t.Errorf("parent c1 was revoked")
	}
}

func TestTable_RevokeRequiresPermission(t *testing.T) {
	_, tbl := newTestTable(t)

	c1, _ := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	c2, err := tbl.Derive(c1, PermRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if err := tbl.Revoke(c2); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("revoke without permission: %v", err)
	}
}

func TestTable_GlobalRevoke(t *testing.T) {
	_, tbl := newTestTable(t)

	c, _ := tbl.MintRoot(TypeDevice, 0x0900_0000, 0x1000, PermAll)
	tbl.GlobalRevoke()
	if tbl.Validate(c) {
		t.Errorf("capability survived global revocation")
	}

	// The table is usable again afterwards at the new generation.
	c2, err := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x100, PermRead)
	if err != nil {
		t.Fatalf("MintRoot after global revoke: %v", err)
	}
	if !tbl.Validate(c2) {
		t.Errorf("fresh capability invalid after global revoke")
	}
}

func TestTable_MemoryAccessors(t *testing.T) {
	m, tbl := newTestTable(t)

	region := uint64(0x1000_0000 + 0x2000)
	c, err := tbl.MintRoot(TypeMemory, region, 0x1000, PermAll)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}

	payload := []byte("guarded bytes")
	if _, err := tbl.MemoryWrite(m, c, 16, payload); err != nil {
		t.Fatalf("MemoryWrite: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := tbl.MemoryRead(m, c, 16, got); err != nil {
		t.Fatalf("MemoryRead: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("read back %q", got)
	}

	// Out of bounds: no side effect, typed error.
	if _, err := tbl.MemoryRead(m, c, 0x1000-4, make([]byte, 8)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("bounds err = %v", err)
	}

	// Wrong type.
	dev, _ := tbl.MintRoot(TypeDevice, region, 0x1000, PermAll)
	if _, err := tbl.MemoryRead(m, dev, 0, got); !errors.Is(err, ErrWrongType) {
		t.Errorf("type err = %v", err)
	}

	// Missing permission.
	ro, err := tbl.Derive(c, PermRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if _, err := tbl.MemoryWrite(m, ro, 0, payload); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("perm err = %v", err)
	}

	// Revoked: access denied even though the token looks intact.
	rv, err := tbl.Derive(c, PermRead|PermWrite|PermRevoke)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if err := tbl.Revoke(rv); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := tbl.MemoryRead(m, rv, 0, got); !errors.Is(err, ErrRevoked) {
		t.Errorf("revoked err = %v", err)
	}
}

func TestTable_DeviceAccessors(t *testing.T) {
	m, tbl := newTestTable(t)

	dev := &stubDevice{}
	if err := m.RegisterMMIO(0x0900_0000, 0x1000, dev); err != nil {
		t.Fatalf("RegisterMMIO: %v", err)
	}

	c, err := tbl.MintRoot(TypeDevice, 0x0900_0000, 0x1000, PermReadWrite)
	if err != nil {
		t.Fatalf("MintRoot: %v", err)
	}

	if err := tbl.DeviceWriteReg(m, c, 0x10, 0xFEEDFACE); err != nil {
		t.Fatalf("DeviceWriteReg: %v", err)
	}
	v, err := tbl.DeviceReadReg(m, c, 0x10)
	if err != nil {
		t.Fatalf("DeviceReadReg: %v", err)
	}
	if v != 0xFEEDFACE {
		t.Errorf("register read %#x", v)
	}

	if _, err := tbl.DeviceReadReg(m, c, 0x1000); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("bounds err = %v", err)
	}
}

type stubDevice struct {
	regs map[uint64]uint32
}

func (d *stubDevice) ReadMMIO(addr uint64, data []byte) error {
	v := d.regs[addr]
	data[0], data[1], data[2], data[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return nil
}

func (d *stubDevice) WriteMMIO(addr uint64, data []byte) error {
	if d.regs == nil {
		d.regs = make(map[uint64]uint32)
	}
	d.regs[addr] = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return nil
}

func TestTable_Stats(t *testing.T) {
	_, tbl := newTestTable(t)

	c1, _ := tbl.MintRoot(TypeMemory, 0x1000_0000, 0x1000, PermAll)
	c2, _ := tbl.Derive(c1, PermRead|PermRevoke)
	_ = tbl.Revoke(c2)

	st := tbl.Stats()
	if st.Active != 1 || st.Revoked != 1 {
		t.Errorf("stats = %+v", st)
	}
}
