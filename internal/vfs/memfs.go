package vfs

import (
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory read-mostly filesystem: the init image, test
// fixtures and anything else the kernel needs to open before a real
// storage driver exists.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewMemFS builds an empty filesystem containing only the root.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

func cleanPath(p string) string {
	p = path.Clean("/" + p)
	return p
}

// AddFile installs contents at p, creating parent directories.
func (fs *MemFS) AddFile(p string, contents []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = cleanPath(p)
	fs.files[p] = append([]byte(nil), contents...)
	for d := path.Dir(p); ; d = path.Dir(d) {
		fs.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

// AddDir installs an empty directory at p.
func (fs *MemFS) AddDir(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d := cleanPath(p); ; d = path.Dir(d) {
		fs.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

// Open returns a file or directory handle for p.
func (fs *MemFS) Open(p string, flags int) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = cleanPath(p)

	if data, ok := fs.files[p]; ok {
		return &memFile{name: path.Base(p), data: data}, nil
	}
	if fs.dirs[p] {
		return &memDir{name: path.Base(p), entries: fs.entriesOf(p)}, nil
	}
	return nil, ErrNotFound
}

func (fs *MemFS) entriesOf(dir string) []DirEntry {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var out []DirEntry
	add := func(name string, isDir bool) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, DirEntry{Name: name, IsDir: isDir})
	}
	for p := range fs.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			name, more, _ := strings.Cut(rest, "/")
			add(name, more != "")
		}
	}
	for p := range fs.dirs {
		if rest, ok := strings.CutPrefix(p, prefix); ok && rest != "" {
			name, _, _ := strings.Cut(rest, "/")
			add(name, true)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type memFile struct {
	name string
	data []byte
	pos  int64
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) { return 0, ErrReadOnly }

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.pos
	case SeekEnd:
		base = int64(len(f.data))
	default:
		return 0, ErrNotSupported
	}
	if base+offset < 0 {
		return 0, ErrNotSupported
	}
	f.pos = base + offset
	return f.pos, nil
}

func (f *memFile) ReadDir() (*DirEntry, error) { return nil, ErrNotDir }

func (f *memFile) Stat() (FileInfo, error) {
	return FileInfo{Name: f.name, Size: uint64(len(f.data))}, nil
}

func (f *memFile) Close() error { return nil }

// Bytes exposes the full contents; the exec path loads images with it.
func (f *memFile) Bytes() []byte { return f.data }

type memDir struct {
	name    string
	entries []DirEntry
	pos     int
}

func (d *memDir) Read(p []byte) (int, error)  { return 0, ErrIsDir }
func (d *memDir) Write(p []byte) (int, error) { return 0, ErrIsDir }
func (d *memDir) Seek(int64, int) (int64, error) {
	return 0, ErrIsDir
}

func (d *memDir) ReadDir() (*DirEntry, error) {
	if d.pos >= len(d.entries) {
		return nil, nil
	}
	e := d.entries[d.pos]
	d.pos++
	return &e, nil
}

func (d *memDir) Stat() (FileInfo, error) {
	return FileInfo{Name: d.name, IsDir: true}, nil
}

func (d *memDir) Close() error { return nil }
