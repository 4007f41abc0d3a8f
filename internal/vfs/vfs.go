// Package vfs defines the file surface the file-descriptor table
// consumes: files, directories, pipe endpoints and the console device,
// plus the directory-entry wire encoding handed to user space.
package vfs

import (
	"errors"
	"io"
	"sync"
)

var (
	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrNotSupported = errors.New("operation not supported")
	ErrClosed       = errors.New("file closed")
	ErrReadOnly     = errors.New("read-only file")
)

// Open flags.
const (
	ORdonly  = 0x0
	OWronly  = 0x1
	ORdwr    = 0x2
	OCloexec = 0x80000
)

// Seek whence values mirror io.Seek*.
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

// FileInfo describes a file for Stat.
type FileInfo struct {
	Name  string
	Size  uint64
	IsDir bool
}

// DirEntry is one directory entry from ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// File is the operation set the kernel requires of anything an FD can
// name. Implementations return ErrNotSupported for operations that do
// not apply.
type File interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	// ReadDir returns the next entry, or nil at end of directory.
	ReadDir() (*DirEntry, error)
	Stat() (FileInfo, error)
	Close() error
}

// FileSystem opens paths. The kernel's read path is the only consumer.
type FileSystem interface {
	Open(path string, flags int) (File, error)
}

// OpenFile is the shared handle FD tables point at. dup2 aliases the
// handle; the file closes when the last FD drops it.
type OpenFile struct {
	mu   sync.Mutex
	f    File
	refs int
}

// NewOpenFile wraps a file with one reference.
func NewOpenFile(f File) *OpenFile {
	return &OpenFile{f: f, refs: 1}
}

// Ref takes another reference for a new FD.
func (o *OpenFile) Ref() *OpenFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs++
	return o
}

// Unref drops a reference, closing the file on the last one.
func (o *OpenFile) Unref() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs--
	if o.refs > 0 {
		return nil
	}
	if o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}

// Read locks the handle and reads.
func (o *OpenFile) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Read(p)
}

// Write locks the handle and writes.
func (o *OpenFile) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Write(p)
}

// Seek locks the handle and seeks.
func (o *OpenFile) Seek(offset int64, whence int) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Seek(offset, whence)
}

// ReadDir locks the handle and returns the next directory entry.
func (o *OpenFile) ReadDir() (*DirEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return nil, ErrClosed
	}
	return o.f.ReadDir()
}

// Stat locks the handle and stats.
func (o *OpenFile) Stat() (FileInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.f == nil {
		return FileInfo{}, ErrClosed
	}
	return o.f.Stat()
}
