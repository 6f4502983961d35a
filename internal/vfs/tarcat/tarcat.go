// Package tarcat parses a ustar (POSIX tar, with GNU long-name support)
// archive into a flat name-indexed catalog suitable for random-access
// lookup, in place of a sequential Next()-style streaming reader.
package tarcat

import (
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mari-cult/gravity-os/internal/vfs/sectionreader"
)

const blockSize = 512

var (
	// ErrHeader reports a malformed tar header block.
	ErrHeader = errors.New("tarcat: invalid header block")
	// ErrChecksum reports a header whose stored checksum disagrees with
	// the block contents.
	ErrChecksum = errors.New("tarcat: header checksum mismatch")
)

// Entry describes one file, directory, or symlink found while scanning a
// tar archive.
type Entry struct {
	Name    string // cleaned, slash-separated, no leading slash
	Dir     bool
	Symlink string // target, only set when this entry is a symlink
	Reader  io.ReaderAt
	Size    int64
	Mode    uint32
	ModTime time.Time
}

// typeflag values recognized by this package. Hard links are recorded
// like symlinks, with their target in Entry.Symlink. Anything else is
// skipped: the boot archive this kernel mounts never contains device
// nodes or FIFOs.
const (
	typeReg      = '0'
	typeRegA     = 0
	typeLink     = '1'
	typeSymlink  = '2'
	typeDir      = '5'
	typeGNULong  = 'L'
	typeGNULink  = 'K'
	typePAXLocal = 'x'
)

// Catalog scans a tar archive read through r into a flat slice of Entry
// records, indexed once at mount time. The kernel VFS only resolves a
// small fixed set of paths baked into the root archive by the disk
// builder, so a one-shot scan is simpler and cheaper than maintaining a
// streaming cursor.
func Catalog(r io.ReaderAt) ([]Entry, error) {
	var entries []Entry
	var longName, longLink string

	off := int64(0)
	var hdr [blockSize]byte
	for {
		n, err := r.ReadAt(hdr[:], off)
		if n < blockSize {
			if isZeroBlock(hdr[:n]) {
				break
			}
			if err == io.EOF {
				return nil, ErrHeader
			}
			return nil, err
		}
		if isZeroBlock(hdr[:]) {
			break
		}
		if !validChecksum(&hdr) {
			return nil, ErrChecksum
		}

		name, mode, size, modTime, typeflag, ok := parseHeader(&hdr)
		if !ok {
			return nil, ErrHeader
		}

		dataOff := off + blockSize
		nextOff := dataOff + roundUp(size, blockSize)
		off = nextOff

		switch typeflag {
		case typeGNULong:
			longName, err = readLongName(r, dataOff, size)
			if err != nil {
				return nil, err
			}
			continue
		case typeGNULink:
			longLink, err = readLongName(r, dataOff, size)
			if err != nil {
				return nil, err
			}
			continue
		case typePAXLocal:
			// Extended PAX attributes (long UTF-8 names, etc.) are not
			// needed by the fixed ASCII paths this kernel ships with;
			// skip the record but keep scanning.
			continue
		}

		if longName != "" {
			name = longName
		}
		target := longLink
		longName, longLink = "", ""

		cleanName := strings.TrimLeft(path.Clean(name), "/")
		if cleanName == "." || cleanName == "" {
			continue
		}

		switch typeflag {
		case typeReg, typeRegA:
			entries = append(entries, Entry{
				Name:    cleanName,
				Reader:  sectionreader.Section(r, dataOff, size),
				Size:    size,
				Mode:    mode,
				ModTime: modTime,
			})
		case typeDir:
			entries = append(entries, Entry{
				Name:    cleanName,
				Dir:     true,
				Mode:    mode,
				ModTime: modTime,
			})
		case typeSymlink, typeLink:
			if target == "" {
				target = symlinkTarget(&hdr)
			}
			entries = append(entries, Entry{
				Name:    cleanName,
				Symlink: target,
				Mode:    mode,
				ModTime: modTime,
			})
		}
	}
	return entries, nil
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func roundUp(n, to int64) int64 {
	return (n + to - 1) &^ (to - 1)
}

// parseHeader reads the subset of the ustar/GNU header fields this
// catalog cares about: name, mode, size, mtime, and typeflag. Fields are
// NUL/space padded octal ASCII, per POSIX 1003.1-1988, with the GNU
// extension of allowing a base-256 binary encoding when the high bit of
// the first byte is set (used for sizes that overflow 11 octal digits).
func parseHeader(b *[blockSize]byte) (name string, mode uint32, size int64, modTime time.Time, typeflag byte, ok bool) {
	if !validChecksum(b) {
		return "", 0, 0, time.Time{}, 0, false
	}

	name = cString(b[0:100])
	if prefix := cString(b[345:500]); prefix != "" {
		name = prefix + "/" + name
	}
	m, ok1 := parseNumeric(b[100:108])
	s, ok2 := parseNumeric(b[124:136])
	mt, ok3 := parseNumeric(b[136:148])
	if !ok1 || !ok2 || !ok3 {
		return "", 0, 0, time.Time{}, 0, false
	}
	mode = uint32(m)
	size = s
	modTime = time.Unix(mt, 0).UTC()
	typeflag = b[156]
	return name, mode, size, modTime, typeflag, true
}

func symlinkTarget(b *[blockSize]byte) string {
	return cString(b[157:257])
}

func validChecksum(b *[blockSize]byte) bool {
	stored, ok := parseOctal(b[148:156])
	if !ok {
		return false
	}
	var unsigned, signed int64
	for i, c := range b {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned == stored || signed == stored
}

func cString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// parseNumeric decodes either padded-octal-ASCII or, when the field's
// first byte has bit 7 set, GNU base-256 binary.
func parseNumeric(b []byte) (int64, bool) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		var v int64
		buf := append([]byte(nil), b...)
		buf[0] &^= 0x80
		for _, c := range buf {
			v = v<<8 | int64(c)
		}
		return v, true
	}
	return parseOctal(b)
}

func parseOctal(b []byte) (int64, bool) {
	s := cString(b)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readLongName(r io.ReaderAt, off, size int64) (string, error) {
	buf := make([]byte, size)
	if _, err := readFullAt(r, buf, off); err != nil {
		return "", err
	}
	return cString(buf), nil
}

func readFullAt(r io.ReaderAt, p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		m, err := r.ReadAt(p[n:], off+int64(n))
		n += m
		if err != nil {
			if err == io.EOF && n == len(p) {
				return n, nil
			}
			return n, err
		}
	}
	return n, nil
}
