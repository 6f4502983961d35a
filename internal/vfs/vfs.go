// Package vfs implements the kernel's read-only virtual filesystem: a
// process-wide singleton backed by an in-memory TAR archive, plus the
// synthetic /dev/random and /dev/urandom devices the demo userland
// expects to find there.
//
// Grounded on original_source/kernel/src/vfs.rs (the Vfs/FileHandle/
// RandomFile shapes and the constant-byte stub) and on the teacher's own
// internal/tar package for ustar/GNU-long-name parsing idiom, adapted
// here into internal/vfs/tarcat since the kernel only ever needs
// read-only, already-indexed lookup of a statically built archive rather
// than the teacher's streaming fs.FS machinery.
package vfs

import (
	"errors"
	"io"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/mari-cult/gravity-os/internal/vfs/tarcat"
)

// ErrNotFound reports a path with no matching archive entry.
var ErrNotFound = errors.New("vfs: file not found")

// File is the handle returned by Open: a sequential/positioned reader
// that also knows its own size, the subset of behavior the syscall
// surface (internal/trap) needs to implement read/pread/fstat.
type File interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Seek(pos int64) error
	Size() int64
}

// FS is a read-only filesystem view over one TAR catalog: the kernel's
// lone instance lives behind the package-level singleton below, but the
// type itself carries no global state so tests can construct independent
// instances.
type FS struct {
	mu      sync.Mutex
	entries map[string]tarcat.Entry
}

// New catalogs the ustar archive read through src and returns an FS ready
// for Open/StatSize/List.
func New(src io.ReaderAt) (*FS, error) {
	entries, err := tarcat.Catalog(src)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]tarcat.Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	return &FS{entries: byName}, nil
}

func cleanPath(p string) string {
	return strings.TrimLeft(path.Clean(p), "/")
}

// Open resolves path to a file handle. /dev/random and /dev/urandom
// never touch the archive: they return a synthetic handle of
// unbounded size producing a constant byte, matching
// kernel/src/vfs.rs's RandomFile stub — not cryptographically random,
// but deterministic and good enough to unblock the demo userland.
func (fs *FS) Open(p string) (File, error) {
	if p == "/dev/random" || p == "/dev/urandom" {
		return &randomFile{}, nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entries[cleanPath(p)]
	if !ok || e.Dir {
		return nil, ErrNotFound
	}
	return &tarFile{entry: e}, nil
}

// StatSize reports the archived size of path without opening it.
func (fs *FS) StatSize(p string) (int64, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.entries[cleanPath(p)]
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// List returns every catalog entry, in no defined order (entries are
// stored in a map keyed by name).
func (fs *FS) List() []tarcat.Entry {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	out := make([]tarcat.Entry, 0, len(fs.entries))
	for _, e := range fs.entries {
		out = append(out, e)
	}
	return out
}

// tarFile is a File backed by one catalog entry's section reader.
type tarFile struct {
	entry tarcat.Entry
	pos   int64
}

func (f *tarFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *tarFile) ReadAt(p []byte, off int64) (int, error) {
	if f.entry.Reader == nil {
		return 0, io.EOF
	}
	return f.entry.Reader.ReadAt(p, off)
}

func (f *tarFile) Seek(pos int64) error {
	f.pos = pos
	return nil
}

func (f *tarFile) Size() int64 { return f.entry.Size }

// randomFile backs /dev/random and /dev/urandom: every byte reads as
// 0x42 and the reported size is unbounded, exactly as
// kernel/src/vfs.rs's RandomFile.
type randomFile struct {
	pos int64
}

func (f *randomFile) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x42
	}
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *randomFile) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0x42
	}
	return len(p), nil
}

func (f *randomFile) Seek(pos int64) error {
	f.pos = pos
	return nil
}

func (f *randomFile) Size() int64 { return math.MaxInt64 }

// Singleton state: the kernel mounts exactly one VFS at boot, per
// spec §9's "global mutable singletons" note — uninitialized until
// internal/boot calls Init, mutated only through mu, never torn down.
var (
	singletonMu sync.Mutex
	singleton   *FS
)

// Init installs the process-wide VFS singleton, replacing any previously
// installed one. Called once from internal/boot during kmain.
func Init(src io.ReaderAt) error {
	fsys, err := New(src)
	if err != nil {
		return err
	}
	singletonMu.Lock()
	singleton = fsys
	singletonMu.Unlock()
	return nil
}

// Open resolves path against the process-wide singleton installed by
// Init. Callers outside tests always go through this package-level
// form, matching the free functions in kernel/src/vfs.rs.
func Open(p string) (File, error) {
	singletonMu.Lock()
	fsys := singleton
	singletonMu.Unlock()

	if p == "/dev/random" || p == "/dev/urandom" {
		return &randomFile{}, nil
	}
	if fsys == nil {
		return nil, ErrNotFound
	}
	return fsys.Open(p)
}

// StatSize resolves path against the process-wide singleton.
func StatSize(p string) (int64, bool) {
	singletonMu.Lock()
	fsys := singleton
	singletonMu.Unlock()

	if fsys == nil {
		return 0, false
	}
	return fsys.StatSize(p)
}
