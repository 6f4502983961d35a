// Package dmg reads Apple Universal Disk Image (UDIF/DMG) containers: the
// trailing koly resource record, the XML property-list partition map, and
// the per-partition BLKX chunk tables it describes.
package dmg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// KolySize is the fixed length of the trailer record at the end of every
// DMG file.
const KolySize = 512

var kolyMagic = [4]byte{'k', 'o', 'l', 'y'}

// ErrBadMagic reports a koly trailer or BLKX table that didn't carry the
// signature it was supposed to.
var ErrBadMagic = errors.New("dmg: bad magic")

// UdifChecksum is Apple's generic embedded-checksum record: a checksum
// kind tag, the number of significant bits in Data, and up to 128 bytes of
// digest (32 big-endian uint32 words; only Type 2, CRC-32, is produced by
// this builder's own writer path, but the field is read verbatim for any
// digest a real DMG might carry).
type UdifChecksum struct {
	Type    uint32
	BitCount uint32
	Data    [128]byte
}

// CRC32 returns the checksum's first 4 bytes interpreted as a big-endian
// uint32, which is where this repository's own CRC-32 digests live.
func (c UdifChecksum) CRC32() uint32 {
	return binary.BigEndian.Uint32(c.Data[:4])
}

// KolyTrailer is the 512-byte big-endian record anchoring a DMG file,
// located at byte offset (file size - 512). Field order and sizes are
// chosen so the struct round-trips through exactly 512 bytes; see
// ReadFrom/WriteTo.
type KolyTrailer struct {
	Version      uint32
	HeaderSize   uint32
	Flags        uint32

	RunningDataForkOffset uint64
	DataForkOffset        uint64
	DataForkLength        uint64

	Reserved1 [16]byte // unused resource-fork offset/length in this builder

	SegmentNumber uint32
	SegmentCount  uint32
	SegmentID     [16]byte

	DataForkDigest UdifChecksum

	PlistOffset uint64
	PlistLength uint64

	Reserved2 [120]byte

	MainDigest UdifChecksum

	ImageVariant uint32
	SectorCount  uint64

	Reserved3 [12]byte
}

// ReadKolyTrailer parses a 512-byte big-endian koly record, validating the
// "koly" magic.
func ReadKolyTrailer(buf []byte) (KolyTrailer, error) {
	if len(buf) != KolySize {
		return KolyTrailer{}, fmt.Errorf("dmg: koly trailer must be %d bytes, got %d", KolySize, len(buf))
	}
	if !bytes.Equal(buf[0:4], kolyMagic[:]) {
		return KolyTrailer{}, fmt.Errorf("%w: koly trailer signature", ErrBadMagic)
	}

	r := bytes.NewReader(buf[4:])
	var k KolyTrailer
	fields := []any{
		&k.Version, &k.HeaderSize, &k.Flags,
		&k.RunningDataForkOffset, &k.DataForkOffset, &k.DataForkLength,
		&k.Reserved1,
		&k.SegmentNumber, &k.SegmentCount, &k.SegmentID,
		&k.DataForkDigest.Type, &k.DataForkDigest.BitCount, &k.DataForkDigest.Data,
		&k.PlistOffset, &k.PlistLength,
		&k.Reserved2,
		&k.MainDigest.Type, &k.MainDigest.BitCount, &k.MainDigest.Data,
		&k.ImageVariant, &k.SectorCount,
		&k.Reserved3,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return KolyTrailer{}, fmt.Errorf("dmg: decoding koly trailer: %w", err)
		}
	}
	return k, nil
}

// WriteTo serializes the trailer back to its 512-byte on-disk form.
func (k KolyTrailer) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}
	buf.Write(kolyMagic[:])
	fields := []any{
		k.Version, k.HeaderSize, k.Flags,
		k.RunningDataForkOffset, k.DataForkOffset, k.DataForkLength,
		k.Reserved1,
		k.SegmentNumber, k.SegmentCount, k.SegmentID,
		k.DataForkDigest.Type, k.DataForkDigest.BitCount, k.DataForkDigest.Data,
		k.PlistOffset, k.PlistLength,
		k.Reserved2,
		k.MainDigest.Type, k.MainDigest.BitCount, k.MainDigest.Data,
		k.ImageVariant, k.SectorCount,
		k.Reserved3,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return 0, fmt.Errorf("dmg: encoding koly trailer: %w", err)
		}
	}
	if buf.Len() != KolySize {
		return 0, fmt.Errorf("dmg: encoded koly trailer is %d bytes, want %d", buf.Len(), KolySize)
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Bytes serializes the trailer to a fresh 512-byte slice.
func (k KolyTrailer) Bytes() []byte {
	buf := &bytes.Buffer{}
	buf.Grow(KolySize)
	_, _ = k.WriteTo(buf)
	return buf.Bytes()
}
