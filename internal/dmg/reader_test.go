package dmg

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"testing"
)

// memDisk is an in-memory io.ReaderAt standing in for a DMG file on disk.
type memDisk []byte

func (d memDisk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d)) {
		return 0, io.EOF
	}
	n := copy(p, d[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func putU32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.BigEndian, v) }
func putU64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.BigEndian, v) }

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compressing fixture data: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zlib writer: %v", err)
	}
	return buf.Bytes()
}

// buildBlkxTable encodes a BLKX table for a single partition with three
// chunks: a Raw chunk, a Zlib chunk, and a terminating Term chunk.
func buildBlkxTable(t *testing.T, dataFork *bytes.Buffer, rawPayload, zlibPayload []byte) (table []byte, partitionDigest uint32) {
	t.Helper()

	rawOffset := uint64(dataFork.Len())
	dataFork.Write(rawPayload)

	compressed := zlibCompress(t, zlibPayload)
	zlibOffset := uint64(dataFork.Len())
	dataFork.Write(compressed)

	rawSectors := uint64(len(rawPayload)) / sectorSize
	zlibSectors := uint64(len(zlibPayload)) / sectorSize

	partitionDigest = crc32.ChecksumIEEE(append(append([]byte{}, rawPayload...), zlibPayload...))

	var buf bytes.Buffer
	buf.Write(blkxMagic[:])
	putU32(&buf, 1)           // version
	putU64(&buf, 0)           // sector_number
	putU64(&buf, rawSectors+zlibSectors) // sector_count
	putU64(&buf, 0)           // data_offset
	putU32(&buf, 1)           // buffers_needed
	putU32(&buf, 1)           // block_descriptors
	buf.Write(make([]byte, 24)) // reserved

	var checksum UdifChecksum
	checksum.Type = 2
	checksum.BitCount = 32
	binary.BigEndian.PutUint32(checksum.Data[:4], partitionDigest)
	putU32(&buf, checksum.Type)
	putU32(&buf, checksum.BitCount)
	buf.Write(checksum.Data[:])

	putU32(&buf, 3) // entry count

	writeChunk := func(ty ChunkType, sectorNumber, sectorCount, compOff, compLen uint64) {
		putU32(&buf, uint32(ty))
		putU32(&buf, 0)
		putU64(&buf, sectorNumber)
		putU64(&buf, sectorCount)
		putU64(&buf, compOff)
		putU64(&buf, compLen)
	}
	writeChunk(ChunkRaw, 0, rawSectors, rawOffset, uint64(len(rawPayload)))
	writeChunk(ChunkZlib, rawSectors, zlibSectors, zlibOffset, uint64(len(compressed)))
	writeChunk(ChunkTerm, rawSectors+zlibSectors, 0, 0, 0)

	return buf.Bytes(), partitionDigest
}

func buildFixtureDMG(t *testing.T) (disk memDisk, rawPayload, zlibPayload []byte, partitionDigest uint32) {
	t.Helper()

	rawPayload = bytes.Repeat([]byte{0xAB}, 4*sectorSize)
	zlibPayload = bytes.Repeat([]byte{0x00}, 2*sectorSize)

	var dataFork bytes.Buffer
	table, digest := buildBlkxTable(t, &dataFork, rawPayload, zlibPayload)
	partitionDigest = digest

	dataForkBytes := dataFork.Bytes()
	dataChecksum := crc32.ChecksumIEEE(dataForkBytes)

	xml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>resource-fork</key>
	<dict>
		<key>blkx</key>
		<array>
			<dict>
				<key>Attributes</key>
				<string>0x0050</string>
				<key>CFName</key>
				<string>disk image</string>
				<key>Data</key>
				<data>%s</data>
				<key>ID</key>
				<string>0</string>
				<key>Name</key>
				<string>disk image</string>
			</dict>
		</array>
	</dict>
</dict>
</plist>
`, base64.StdEncoding.EncodeToString(table))

	var disk2 bytes.Buffer
	disk2.Write(dataForkBytes)
	plistOffset := uint64(disk2.Len())
	disk2.WriteString(xml)
	plistLength := uint64(disk2.Len()) - plistOffset

	var k KolyTrailer
	k.Version = 4
	k.HeaderSize = KolySize
	k.DataForkOffset = 0
	k.DataForkLength = uint64(len(dataForkBytes))
	k.DataForkDigest.Type = 2
	k.DataForkDigest.BitCount = 32
	binary.BigEndian.PutUint32(k.DataForkDigest.Data[:4], dataChecksum)
	k.PlistOffset = plistOffset
	k.PlistLength = plistLength
	k.SectorCount = uint64(len(rawPayload)+len(zlibPayload)) / sectorSize

	disk2.Write(k.Bytes())

	return memDisk(disk2.Bytes()), rawPayload, zlibPayload, partitionDigest
}

func TestKolyRoundTrip(t *testing.T) {
	disk, _, _, _ := buildFixtureDMG(t)
	r, err := Open(disk, int64(len(disk)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	encoded := r.Koly.Bytes()
	decoded, err := ReadKolyTrailer(encoded)
	if err != nil {
		t.Fatalf("ReadKolyTrailer: %v", err)
	}
	if decoded != r.Koly {
		t.Fatalf("koly trailer did not round-trip: got %+v, want %+v", decoded, r.Koly)
	}
}

func TestDataChecksumMatchesTrailer(t *testing.T) {
	disk, _, _, _ := buildFixtureDMG(t)
	r, err := Open(disk, int64(len(disk)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := r.DataChecksum()
	if err != nil {
		t.Fatalf("DataChecksum: %v", err)
	}
	if want := r.Koly.DataForkDigest.CRC32(); got != want {
		t.Fatalf("data checksum = 0x%x, want 0x%x", got, want)
	}
}

func TestPartitionDataChecksum(t *testing.T) {
	disk, rawPayload, zlibPayload, wantDigest := buildFixtureDMG(t)
	r, err := Open(disk, int64(len(disk)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data, err := r.PartitionData(0)
	if err != nil {
		t.Fatalf("PartitionData: %v", err)
	}
	want := append(append([]byte{}, rawPayload...), zlibPayload...)
	if !bytes.Equal(data, want) {
		t.Fatalf("partition data mismatch: got %d bytes, want %d", len(data), len(want))
	}
	if got := crc32.ChecksumIEEE(data); got != wantDigest {
		t.Fatalf("partition checksum = 0x%x, want 0x%x", got, wantDigest)
	}
}

func TestPartitionReaderMatchesOneShot(t *testing.T) {
	disk, rawPayload, zlibPayload, _ := buildFixtureDMG(t)
	r, err := Open(disk, int64(len(disk)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	oneShot, err := r.PartitionData(0)
	if err != nil {
		t.Fatalf("PartitionData: %v", err)
	}

	pr, err := r.PartitionReader(0)
	if err != nil {
		t.Fatalf("PartitionReader: %v", err)
	}

	// Boundary at the Raw/Zlib chunk seam: read [0, b) via the seekable
	// reader and compare against the one-shot decode.
	b := len(rawPayload)
	got := make([]byte, b)
	if _, err := io.ReadFull(pr, got); err != nil {
		t.Fatalf("reading up to chunk boundary: %v", err)
	}
	if !bytes.Equal(got, oneShot[:b]) {
		t.Fatalf("seekable reader diverged from one-shot decode before the chunk boundary")
	}

	rest := make([]byte, len(zlibPayload))
	if _, err := io.ReadFull(pr, rest); err != nil {
		t.Fatalf("reading past chunk boundary: %v", err)
	}
	if !bytes.Equal(rest, oneShot[b:]) {
		t.Fatalf("seekable reader diverged from one-shot decode after the chunk boundary")
	}

	// ReadAt from an arbitrary offset must agree too, without disturbing
	// the sequential cursor used above.
	probe := make([]byte, 16)
	if _, err := pr.ReadAt(probe, int64(b)-8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(probe, oneShot[b-8:b+8]) {
		t.Fatalf("ReadAt mismatch around chunk boundary")
	}
}

func TestPartitionReaderSizeMatchesSectorCount(t *testing.T) {
	disk, rawPayload, zlibPayload, _ := buildFixtureDMG(t)
	r, err := Open(disk, int64(len(disk)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pr, err := r.PartitionReader(0)
	if err != nil {
		t.Fatalf("PartitionReader: %v", err)
	}
	if got, want := pr.Size(), int64(len(rawPayload)+len(zlibPayload)); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
}
