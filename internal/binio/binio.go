// Package binio provides typed, big-endian reads for the HFS+ parsers:
// B-tree header records, keys and leaf records, and volume headers are read
// through these helpers. The DMG koly trailer and BLKX tables, B-tree node
// descriptors and offset tables, and the decmpfs header check decode their
// fields with encoding/binary directly instead.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnexpectedEOF reports a partial read where a full typed value was
// expected. It wraps io.ErrUnexpectedEOF so callers can still match on the
// standard sentinel with errors.Is.
var ErrUnexpectedEOF = fmt.Errorf("binio: unexpected end of stream: %w", io.ErrUnexpectedEOF)

// Reader is a byte source with typed big-endian reads layered over a plain
// io.Reader. The HFS+ volume header and fork data are read through this
// interface; the koly trailer is not (see the package comment).
type Reader interface {
	io.Reader
	ReadU8() (uint8, error)
	ReadI8() (int8, error)
	ReadU16() (uint16, error)
	ReadI16() (int16, error)
	ReadU32() (uint32, error)
	ReadI32() (int32, error)
	ReadU64() (uint64, error)
	ReadI64() (int64, error)
}

type reader struct {
	io.Reader
}

// NewReader wraps any io.Reader with the typed big-endian helpers.
func NewReader(r io.Reader) Reader {
	return reader{r}
}

func (r reader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.Reader, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (r reader) ReadU8() (uint8, error) {
	b, err := r.readFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r reader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

func (r reader) ReadU16() (uint16, error) {
	b, err := r.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

func (r reader) ReadU32() (uint32, error) {
	b, err := r.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r reader) ReadU64() (uint64, error) {
	b, err := r.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// Cursor is an in-memory seekable Reader over a byte slice, the
// binio equivalent of the original's Cursor<T: AsRef<[u8]>>.
type Cursor struct {
	buf []byte
	pos int64
}

// NewCursor wraps buf for sequential big-endian reads starting at offset 0.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) Read(p []byte) (int, error) {
	if c.pos >= int64(len(c.buf)) {
		return 0, io.EOF
	}
	n := copy(p, c.buf[c.pos:])
	c.pos += int64(n)
	return n, nil
}

// Seek implements io.Seeker.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = c.pos + offset
	case io.SeekEnd:
		abs = int64(len(c.buf)) + offset
	default:
		return 0, errors.New("binio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("binio: negative position")
	}
	c.pos = abs
	return abs, nil
}

func (c *Cursor) readFull(n int) ([]byte, error) {
	if c.pos+int64(n) > int64(len(c.buf)) {
		return nil, ErrUnexpectedEOF
	}
	b := c.buf[c.pos : c.pos+int64(n)]
	c.pos += int64(n)
	return b, nil
}

func (c *Cursor) ReadU8() (uint8, error) {
	b, err := c.readFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) ReadI8() (int8, error) {
	v, err := c.ReadU8()
	return int8(v), err
}

func (c *Cursor) ReadU16() (uint16, error) {
	b, err := c.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *Cursor) ReadI16() (int16, error) {
	v, err := c.ReadU16()
	return int16(v), err
}

func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Cursor) ReadI32() (int32, error) {
	v, err := c.ReadU32()
	return int32(v), err
}

func (c *Cursor) ReadU64() (uint64, error) {
	b, err := c.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (c *Cursor) ReadI64() (int64, error) {
	v, err := c.ReadU64()
	return int64(v), err
}

// SeekReader adapts any io.ReaderAt into positioned whole-buffer reads
// without carrying cursor state of its own. It offers no typed reads, and
// the B-tree node loader does not use it (it has its own readFullAt).
type SeekReader struct {
	r io.ReaderAt
}

// NewSeekReader wraps r for positioned reads.
func NewSeekReader(r io.ReaderAt) SeekReader {
	return SeekReader{r}
}

// ReadAt reads len(p) bytes at off, propagating a short read as
// ErrUnexpectedEOF exactly like the sequential Reader does.
func (s SeekReader) ReadAt(p []byte, off int64) error {
	n, err := s.r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return ErrUnexpectedEOF
	}
	return err
}
