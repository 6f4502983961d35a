package volume

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/mari-cult/gravity-os/internal/hfsplus/btree"
)

// Fork kinds, per HFSPlusForkType.
const (
	DataForkType     uint8 = 0
	ResourceForkType uint8 = 0xFF
)

// ErrUnsupportedOperation reports a Fork.Seek(io.SeekEnd) call; the
// original only supports Start/Current, since a fork's size is already
// known up front and callers needing the end should use it directly.
var ErrUnsupportedOperation = errors.New("volume: unsupported seek operation")

// decmpfs constants: the inline-compression special case recognized when
// reading the start of a resource fork.
const (
	decmpfsMagic              = 0x636d7066 // "cmpf"
	decmpfsCompressionInline  = 1
	decmpfsHeaderSize         = 16
)

type resolvedExtent struct {
	startBlock, blockCount   uint32
	logicalBegin, logicalEnd uint64
}

// Fork is an opened stream over one HFS+ fork: the inline extent list
// from its ForkData, extended as needed through the extents B-tree, with
// a current byte position. Invariant: the resolved extents cover
// [0, logicalSize) contiguously; reads past logicalSize return io.EOF.
type Fork struct {
	src         io.ReaderAt
	catalogID   uint32
	forkType    uint8
	blockSize   uint32
	logicalSize uint64
	extents     []resolvedExtent
	position    int64
}

// LoadFork resolves a fork's inline extents, continuing into the extents
// B-tree (when non-nil) for any blocks beyond the inline set. Mirrors
// Fork::load: extents with a zero block count are skipped, and extent
// spans are clamped to [0, logicalSize).
func LoadFork(src io.ReaderAt, blockSize uint32, catalogID uint32, forkType uint8, data ForkData, extentsTree *btree.Tree[ExtentKey, ExtentRecord]) (*Fork, error) {
	f := &Fork{src: src, catalogID: catalogID, forkType: forkType, blockSize: blockSize, logicalSize: data.LogicalSize}

	var blockCursor uint32
	var logicalCursor uint64

	appendExtents := func(list [8]ExtentDescriptor) (done bool) {
		for _, e := range list {
			if e.BlockCount == 0 {
				continue
			}
			if logicalCursor >= f.logicalSize {
				return true
			}
			begin := logicalCursor
			end := begin + uint64(e.BlockCount)*uint64(blockSize)
			if end > f.logicalSize {
				end = f.logicalSize
			}
			f.extents = append(f.extents, resolvedExtent{
				startBlock: e.StartBlock, blockCount: e.BlockCount,
				logicalBegin: begin, logicalEnd: end,
			})
			blockCursor += e.BlockCount
			logicalCursor += uint64(e.BlockCount) * uint64(blockSize)
			if logicalCursor >= f.logicalSize {
				return true
			}
		}
		return false
	}

	if appendExtents(data.Extents) {
		return f, nil
	}
	for logicalCursor < f.logicalSize && extentsTree != nil {
		rec, err := extentsTree.GetRecord(ExtentKey{FileID: catalogID, ForkType: forkType, StartBlock: blockCursor})
		if err != nil {
			break
		}
		if appendExtents(rec.Extents) {
			break
		}
	}
	return f, nil
}

// Size reports the fork's logical size in bytes.
func (f *Fork) Size() int64 { return int64(f.logicalSize) }

// Read implements io.Reader by delegating to ReadAt at the current
// position and advancing it by the number of bytes returned.
func (f *Fork) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.position)
	f.position += int64(n)
	return n, err
}

// ReadAt resolves off against the extent list and, when off is the very
// start of a resource fork, unwraps an inline decmpfs payload
// (compression_type 1 only — anything else is returned undecoded).
func (f *Fork) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("volume: negative offset")
	}
	if off >= int64(f.logicalSize) {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	var ext *resolvedExtent
	for i := range f.extents {
		e := &f.extents[i]
		if uint64(off) >= e.logicalBegin && uint64(off) < e.logicalEnd {
			ext = e
			break
		}
	}
	if ext == nil {
		return 0, io.EOF
	}

	diskOff := int64(ext.startBlock)*int64(f.blockSize) + (off - int64(ext.logicalBegin))
	want := int64(ext.logicalEnd) - off
	if want > int64(len(p)) {
		want = int64(len(p))
	}

	n, err := f.src.ReadAt(p[:want], diskOff)
	if err != nil && err != io.EOF {
		return n, err
	}

	if f.forkType == ResourceForkType && off == 0 && n >= decmpfsHeaderSize {
		if binary.BigEndian.Uint32(p[0:4]) == decmpfsMagic {
			compressionType := binary.BigEndian.Uint32(p[4:8])
			uncompressedSize := binary.BigEndian.Uint64(p[8:16])
			if compressionType == decmpfsCompressionInline {
				actual := int64(n - decmpfsHeaderSize)
				if uncompressedSize < uint64(actual) {
					actual = int64(uncompressedSize)
				}
				copy(p[0:actual], p[decmpfsHeaderSize:decmpfsHeaderSize+int(actual)])
				return int(actual), nil
			}
		}
	}

	return n, nil
}

// Seek implements io.Seeker for Start and Current whence values only,
// matching the original: a fork's end is already known via Size, so
// SeekEnd is not needed and is rejected.
func (f *Fork) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.position = offset
	case io.SeekCurrent:
		f.position += offset
	default:
		return 0, ErrUnsupportedOperation
	}
	return f.position, nil
}

// ReadAll reads the fork from its current position to EOF.
func (f *Fork) ReadAll() ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
		if n == 0 {
			return buf, nil
		}
	}
}
