package proc

import (
	"errors"

	"github.com/kestrelos/kestrel/internal/vfs"
)

var (
	ErrBadFD       = errors.New("bad file descriptor")
	ErrTooManyFDs  = errors.New("file descriptor table full")
	ErrFDRangeFull = errors.New("file descriptor out of range")
)

// MaxFDs bounds every agent's descriptor table.
const MaxFDs = 64

type fdEntry struct {
	file  *vfs.OpenFile
	flags int
}

// FDTable maps descriptors to shared file handles. Access is
// serialized by the owning agent's lock in the scheduler.
type FDTable struct {
	entries [MaxFDs]*fdEntry
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{}
}

// Alloc places file at the lowest free descriptor.
func (t *FDTable) Alloc(file *vfs.OpenFile, flags int) (int, error) {
	for i := range t.entries {
		if t.entries[i] == nil {
			t.entries[i] = &fdEntry{file: file, flags: flags}
			return i, nil
		}
	}
	return 0, ErrTooManyFDs
}

// Get returns the handle behind fd.
func (t *FDTable) Get(fd int) (*vfs.OpenFile, error) {
	if fd < 0 || fd >= MaxFDs || t.entries[fd] == nil {
		return nil, ErrBadFD
	}
	return t.entries[fd].file, nil
}

// Flags returns the open flags recorded for fd.
func (t *FDTable) Flags(fd int) (int, error) {
	if fd < 0 || fd >= MaxFDs || t.entries[fd] == nil {
		return 0, ErrBadFD
	}
	return t.entries[fd].flags, nil
}

// Close drops the descriptor, releasing its handle reference.
func (t *FDTable) Close(fd int) error {
	if fd < 0 || fd >= MaxFDs || t.entries[fd] == nil {
		return ErrBadFD
	}
	e := t.entries[fd]
	t.entries[fd] = nil
	return e.file.Unref()
}

// Dup2 makes newfd an alias of oldfd's handle, closing newfd first if
// it is open. Returns newfd.
func (t *FDTable) Dup2(oldfd, newfd int) (int, error) {
	if oldfd < 0 || oldfd >= MaxFDs || t.entries[oldfd] == nil {
		return 0, ErrBadFD
	}
	if newfd < 0 || newfd >= MaxFDs {
		return 0, ErrFDRangeFull
	}
	if oldfd == newfd {
		return newfd, nil
	}
	if t.entries[newfd] != nil {
		_ = t.entries[newfd].file.Unref()
	}
	t.entries[newfd] = &fdEntry{
		file:  t.entries[oldfd].file.Ref(),
		flags: t.entries[oldfd].flags,
	}
	return newfd, nil
}

// Clone copies the table for fork: same handles, one extra reference
// each.
func (t *FDTable) Clone() *FDTable {
	out := NewFDTable()
	for i, e := range t.entries {
		if e != nil {
			out.entries[i] = &fdEntry{file: e.file.Ref(), flags: e.flags}
		}
	}
	return out
}

// CloseOnExec drops every descriptor whose flags carry the
// close-on-exec bit.
func (t *FDTable) CloseOnExec() {
	for i, e := range t.entries {
		if e != nil && e.flags&vfs.OCloexec != 0 {
			_ = e.file.Unref()
			t.entries[i] = nil
		}
	}
}

// CloseAll releases every descriptor; reap uses it.
func (t *FDTable) CloseAll() {
	for i, e := range t.entries {
		if e != nil {
			_ = e.file.Unref()
			t.entries[i] = nil
		}
	}
}
