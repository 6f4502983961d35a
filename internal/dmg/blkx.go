package dmg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ChunkType identifies how a BlkxChunk's payload is stored.
type ChunkType uint32

const (
	ChunkZero    ChunkType = 0x00000000
	ChunkRaw     ChunkType = 0x00000001
	ChunkIgnore  ChunkType = 0x00000002
	ChunkComment ChunkType = 0x80000004
	ChunkAdc     ChunkType = 0x80000005
	ChunkZlib    ChunkType = 0x80000006
	ChunkBzlib   ChunkType = 0x80000007
	ChunkLzfse   ChunkType = 0x80000008
	ChunkTerm    ChunkType = 0xFFFFFFFF
)

func (t ChunkType) String() string {
	switch t {
	case ChunkZero:
		return "Zero"
	case ChunkRaw:
		return "Raw"
	case ChunkIgnore:
		return "Ignore"
	case ChunkComment:
		return "Comment"
	case ChunkAdc:
		return "Adc"
	case ChunkZlib:
		return "Zlib"
	case ChunkBzlib:
		return "Bzlib"
	case ChunkLzfse:
		return "Lzfse"
	case ChunkTerm:
		return "Term"
	default:
		return fmt.Sprintf("ChunkType(0x%08x)", uint32(t))
	}
}

var blkxMagic = [4]byte{'m', 'i', 's', 'h'}

const blkxChunkEntrySize = 40

// BlkxChunk is one 40-byte chunk-table entry: where a span of sectors
// lives in the partition and where/how its bytes are stored in the DMG's
// data fork.
type BlkxChunk struct {
	Type               ChunkType
	Comment            uint32
	SectorNumber       uint64
	SectorCount        uint64
	CompressedOffset   uint64
	CompressedLength   uint64
}

func readBlkxChunk(r *bytes.Reader) (BlkxChunk, error) {
	var c BlkxChunk
	for _, f := range []any{&c.Type, &c.Comment, &c.SectorNumber, &c.SectorCount, &c.CompressedOffset, &c.CompressedLength} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return BlkxChunk{}, fmt.Errorf("dmg: decoding blkx chunk entry: %w", err)
		}
	}
	return c, nil
}

// BlkxTable is a partition's decoded chunk table: the per-partition CRC-32
// digest over decoded bytes (held in Checksum), plus the ordered chunk
// list that reconstructs the partition.
type BlkxTable struct {
	Version        uint32
	SectorNumber   uint64
	SectorCount    uint64
	DataOffset     uint64
	BuffersNeeded  uint32
	BlockDescriptors uint32
	Checksum       UdifChecksum
	Chunks         []BlkxChunk
}

// ParseBlkxTable decodes a BLKX table from the raw bytes stored in a
// partition's plist Data entry: fixed 204-byte header (magic "mish" plus
// fields through entry count) followed by entryCount 40-byte chunk
// entries.
func ParseBlkxTable(buf []byte) (BlkxTable, error) {
	if len(buf) < 4 || !bytes.Equal(buf[0:4], blkxMagic[:]) {
		return BlkxTable{}, fmt.Errorf("%w: blkx table signature", ErrBadMagic)
	}

	r := bytes.NewReader(buf[4:])
	var t BlkxTable
	var reserved [24]byte
	var entryCount uint32
	for _, f := range []any{
		&t.Version, &t.SectorNumber, &t.SectorCount, &t.DataOffset,
		&t.BuffersNeeded, &t.BlockDescriptors,
		&reserved,
		&t.Checksum.Type, &t.Checksum.BitCount, &t.Checksum.Data,
		&entryCount,
	} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return BlkxTable{}, fmt.Errorf("dmg: decoding blkx table header: %w", err)
		}
	}

	t.Chunks = make([]BlkxChunk, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		c, err := readBlkxChunk(r)
		if err != nil {
			return BlkxTable{}, err
		}
		t.Chunks = append(t.Chunks, c)
	}
	return t, nil
}
