package dmg

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"hash/maphash"
	"io"
	"os"
	"sort"

	"github.com/dgryski/go-tinylfu"
	"github.com/klauspost/compress/zlib"
)

// ErrUnsupportedChunkType reports a chunk whose decoding this repository
// doesn't implement: Adc, Bzlib, and Lzfse payloads. Every retrievable
// DMG in this family uses Zero/Raw/Zlib/Ignore chunks only.
var ErrUnsupportedChunkType = errors.New("dmg: unsupported chunk type")

const sectorSize = 512

// Reader is an opened DMG: its koly trailer and parsed partition plist,
// plus the backing random-access stream both were read from.
type Reader struct {
	src  io.ReaderAt
	size int64

	Koly  KolyTrailer
	Plist Plist
}

// Open reads the koly trailer from the last 512 bytes of src (whose total
// length is size) and decodes the XML partition plist it points at.
func Open(src io.ReaderAt, size int64) (*Reader, error) {
	if size < KolySize {
		return nil, fmt.Errorf("dmg: source is too small (%d bytes) to hold a koly trailer", size)
	}

	trailerBuf := make([]byte, KolySize)
	if _, err := src.ReadAt(trailerBuf, size-KolySize); err != nil {
		return nil, fmt.Errorf("dmg: reading koly trailer: %w", err)
	}
	koly, err := ReadKolyTrailer(trailerBuf)
	if err != nil {
		return nil, err
	}

	xmlBuf := make([]byte, koly.PlistLength)
	if koly.PlistLength > 0 {
		if _, err := src.ReadAt(xmlBuf, int64(koly.PlistOffset)); err != nil {
			return nil, fmt.Errorf("dmg: reading partition plist: %w", err)
		}
	}
	p, err := ParsePlist(xmlBuf)
	if err != nil {
		return nil, err
	}

	return &Reader{src: src, size: size, Koly: koly, Plist: p}, nil
}

// OpenFile opens a DMG at path, returning the Reader and a close function
// the caller must invoke when done.
func OpenFile(path string) (*Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	r, err := Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f.Close, nil
}

// decodeChunk fully materializes one chunk's decoded bytes. compressed
// offsets in a BlkxChunk are absolute offsets into the DMG's backing
// stream, matching the original reader: it seeks directly to
// chunk.compressed_offset without adding the data fork's base offset.
func (r *Reader) decodeChunk(c BlkxChunk) ([]byte, error) {
	switch c.Type {
	case ChunkZero, ChunkIgnore:
		return make([]byte, c.SectorCount*sectorSize), nil

	case ChunkComment, ChunkTerm:
		return nil, nil

	case ChunkRaw:
		buf := make([]byte, c.CompressedLength)
		if _, err := r.src.ReadAt(buf, int64(c.CompressedOffset)); err != nil {
			return nil, fmt.Errorf("dmg: reading raw chunk: %w", err)
		}
		return buf, nil

	case ChunkZlib:
		compressed := make([]byte, c.CompressedLength)
		if _, err := r.src.ReadAt(compressed, int64(c.CompressedOffset)); err != nil {
			return nil, fmt.Errorf("dmg: reading zlib chunk: %w", err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("dmg: opening zlib chunk: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("dmg: inflating zlib chunk: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChunkType, c.Type)
	}
}

// DecodeChunk fully materializes one chunk's decoded bytes. Exported for
// callers (internal/diskbuild) that need to decode chunks directly into a
// destination they control — a memory-mapped output file — rather than
// through PartitionData's or CopyPartitionTo's own accumulation.
func (r *Reader) DecodeChunk(c BlkxChunk) ([]byte, error) {
	return r.decodeChunk(c)
}

// DataChecksum computes the CRC-32 over the entire data fork, for
// comparison against Koly.DataForkDigest.
func (r *Reader) DataChecksum() (uint32, error) {
	buf := make([]byte, r.Koly.DataForkLength)
	if len(buf) > 0 {
		if _, err := r.src.ReadAt(buf, int64(r.Koly.DataForkOffset)); err != nil {
			return 0, fmt.Errorf("dmg: reading data fork: %w", err)
		}
	}
	return crc32.ChecksumIEEE(buf), nil
}

// PartitionData decodes partition i's entire chunk table into one
// in-memory buffer.
func (r *Reader) PartitionData(i int) ([]byte, error) {
	parts := r.Plist.Partitions()
	if i < 0 || i >= len(parts) {
		return nil, fmt.Errorf("dmg: partition index %d out of range", i)
	}
	table, err := parts[i].Table()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, c := range table.Chunks {
		decoded, err := r.decodeChunk(c)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	return out, nil
}

// CopyPartitionTo streams partition i's decoded bytes to w without
// buffering the whole partition in memory, returning the number of bytes
// written.
func (r *Reader) CopyPartitionTo(i int, w io.Writer) (int64, error) {
	parts := r.Plist.Partitions()
	if i < 0 || i >= len(parts) {
		return 0, fmt.Errorf("dmg: partition index %d out of range", i)
	}
	table, err := parts[i].Table()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range table.Chunks {
		decoded, err := r.decodeChunk(c)
		if err != nil {
			return total, err
		}
		n, err := w.Write(decoded)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PartitionTable returns partition i's decoded BLKX chunk table.
func (r *Reader) PartitionTable(i int) (BlkxTable, error) {
	parts := r.Plist.Partitions()
	if i < 0 || i >= len(parts) {
		return BlkxTable{}, fmt.Errorf("dmg: partition index %d out of range", i)
	}
	return parts[i].Table()
}

const partitionCacheSize = 256

var cacheHashSeed = maphash.MakeSeed()

func hashChunkIndex(k int) uint64 {
	return maphash.Comparable(cacheHashSeed, k)
}

// PartitionReader is a random-access view over one decoded partition: an
// io.Reader, io.Seeker, and io.ReaderAt backed by an LRU-bounded cache of
// decoded chunks so repeated or sequential access doesn't redecode a
// chunk it has already paid for.
type PartitionReader struct {
	r         *Reader
	chunks    []BlkxChunk
	totalSize int64
	pos       int64
	cache     *tinylfu.T[int, []byte]
	lastIdx   int
	haveLast  bool
}

// PartitionReader opens a cached, seekable reader over partition i.
func (r *Reader) PartitionReader(i int) (*PartitionReader, error) {
	table, err := r.PartitionTable(i)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, c := range table.Chunks {
		if c.Type == ChunkTerm {
			continue
		}
		total += int64(c.SectorCount) * sectorSize
	}
	return &PartitionReader{
		r:         r,
		chunks:    table.Chunks,
		totalSize: total,
		cache:     tinylfu.New[int, []byte](partitionCacheSize, partitionCacheSize*10, hashChunkIndex),
	}, nil
}

// chunkAt finds the chunk index covering the given byte position, using a
// fast path against the most recently accessed chunk (and its successor,
// for sequential reads) before falling back to a binary search over
// sector ranges.
func (pr *PartitionReader) chunkAt(pos int64) (int, bool) {
	sector := uint64(pos) / sectorSize

	if pr.haveLast {
		if c := pr.chunks[pr.lastIdx]; sector >= c.SectorNumber && sector < c.SectorNumber+c.SectorCount {
			return pr.lastIdx, true
		}
		if pr.lastIdx+1 < len(pr.chunks) {
			if c := pr.chunks[pr.lastIdx+1]; sector >= c.SectorNumber && sector < c.SectorNumber+c.SectorCount {
				return pr.lastIdx + 1, true
			}
		}
	}

	idx := sort.Search(len(pr.chunks), func(i int) bool {
		c := pr.chunks[i]
		return sector < c.SectorNumber+c.SectorCount
	})
	if idx < len(pr.chunks) {
		c := pr.chunks[idx]
		if sector >= c.SectorNumber && sector < c.SectorNumber+c.SectorCount {
			return idx, true
		}
	}
	return 0, false
}

func (pr *PartitionReader) chunkData(idx int) ([]byte, error) {
	if data, ok := pr.cache.Get(idx); ok {
		return data, nil
	}
	data, err := pr.r.decodeChunk(pr.chunks[idx])
	if err != nil {
		return nil, err
	}
	pr.cache.Add(idx, data)
	return data, nil
}

// Read implements io.Reader.
func (pr *PartitionReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	idx, ok := pr.chunkAt(pr.pos)
	if !ok {
		return 0, io.EOF
	}
	chunk := pr.chunks[idx]
	chunkStart := int64(chunk.SectorNumber) * sectorSize
	chunkLen := int64(chunk.SectorCount) * sectorSize

	data, err := pr.chunkData(idx)
	if err != nil {
		return 0, err
	}

	offsetInChunk := pr.pos - chunkStart
	available := int64(len(data)) - offsetInChunk
	if available <= 0 {
		pr.pos = chunkStart + chunkLen
		pr.lastIdx, pr.haveLast = idx, true
		return pr.Read(p)
	}

	n := int64(len(p))
	if n > available {
		n = available
	}
	copy(p[:n], data[offsetInChunk:offsetInChunk+n])
	pr.pos += n
	pr.lastIdx, pr.haveLast = idx, true
	return int(n), nil
}

// Seek implements io.Seeker.
func (pr *PartitionReader) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = pr.pos + offset
	case io.SeekEnd:
		newPos = pr.totalSize + offset
	default:
		return 0, fmt.Errorf("dmg: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, errors.New("dmg: negative seek")
	}
	pr.pos = newPos
	return pr.pos, nil
}

// ReadAt implements io.ReaderAt without disturbing the reader's current
// Read/Seek position: it loops Read against an independent cursor until p
// is full or the partition runs out, since Read itself only guarantees
// progress within a single chunk per call.
func (pr *PartitionReader) ReadAt(p []byte, off int64) (int, error) {
	shadow := *pr
	shadow.pos = off

	var total int
	for total < len(p) {
		n, err := shadow.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// Size reports the partition's decoded size in bytes.
func (pr *PartitionReader) Size() int64 { return pr.totalSize }
