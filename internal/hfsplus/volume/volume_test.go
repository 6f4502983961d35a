package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// memDisk is a flat in-memory io.ReaderAt standing in for a real block
// device: the volume header, the extents B-tree, and the catalog B-tree
// are all placed at fixed byte offsets within one buffer.
type memDisk []byte

func (d memDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d)) {
		return 0, errBeyondDisk
	}
	n := copy(p, d[off:])
	if n < len(p) {
		return n, errBeyondDisk
	}
	return n, nil
}

var errBeyondDisk = errors.New("memDisk: read beyond fixture")

// Node kind tags, mirroring the unexported constants in package btree
// (BTNodeDescriptor.kind): -1 leaf, 1 header.
const (
	testKindLeaf   int8 = -1
	testKindHeader int8 = 1
)

func put16(b *bytes.Buffer, v uint16) { var x [2]byte; binary.BigEndian.PutUint16(x[:], v); b.Write(x[:]) }
func put32(b *bytes.Buffer, v uint32) { var x [4]byte; binary.BigEndian.PutUint32(x[:], v); b.Write(x[:]) }
func put64(b *bytes.Buffer, v uint64) { var x [8]byte; binary.BigEndian.PutUint64(x[:], v); b.Write(x[:]) }

func putForkData(b *bytes.Buffer, logicalSize uint64, extent ExtentDescriptor) {
	put64(b, logicalSize)
	put32(b, 0) // clumpSize
	put32(b, 0) // totalBlocks
	put32(b, extent.StartBlock)
	put32(b, extent.BlockCount)
	for i := 0; i < 7; i++ {
		put32(b, 0)
		put32(b, 0)
	}
}

func buildVolumeHeader(blockSize uint32, catalogExtent, extentsExtent ExtentDescriptor, catalogSize, extentsSize uint64) []byte {
	var b bytes.Buffer
	put16(&b, SignatureHFSPlus)
	put16(&b, 4) // version
	put32(&b, 0) // attributes
	put32(&b, 0) // lastMountedVersion
	put32(&b, 0) // journalInfoBlock
	put32(&b, 0) // createDate
	put32(&b, 0) // modifyDate
	put32(&b, 0) // backupDate
	put32(&b, 0) // checkedDate
	put32(&b, 1) // fileCount
	put32(&b, 2) // folderCount
	put32(&b, blockSize)
	put32(&b, 1024) // totalBlocks
	put32(&b, 0)     // freeBlocks
	put32(&b, 0)     // nextAllocation
	put32(&b, 0)     // rsrcClumpSize
	put32(&b, 0)     // dataClumpSize
	put32(&b, 18)    // nextCatalogID
	put32(&b, 0)     // writeCount
	put64(&b, 0)     // encodingsBitmap
	for i := 0; i < 8; i++ {
		put32(&b, 0) // finderInfo
	}
	putForkData(&b, 0, ExtentDescriptor{})              // allocationFile
	putForkData(&b, extentsSize, extentsExtent)          // extentsFile
	putForkData(&b, catalogSize, catalogExtent)          // catalogFile
	putForkData(&b, 0, ExtentDescriptor{})              // attributesFile
	putForkData(&b, 0, ExtentDescriptor{})              // startupFile

	buf := make([]byte, 512)
	copy(buf, b.Bytes())
	return buf
}

func buildBTreeNode(nodeSize int, fLink, bLink uint32, kind int8, records [][]byte) []byte {
	buf := make([]byte, nodeSize)
	binary.BigEndian.PutUint32(buf[0:4], fLink)
	binary.BigEndian.PutUint32(buf[4:8], bLink)
	buf[8] = byte(kind)
	buf[9] = 0
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(records)))

	pos := 14
	offsets := make([]int, 0, len(records)+1)
	for _, rec := range records {
		offsets = append(offsets, pos)
		copy(buf[pos:], rec)
		pos += len(rec)
	}
	offsets = append(offsets, pos)
	for i, off := range offsets {
		p := nodeSize - 2 - 2*i
		binary.BigEndian.PutUint16(buf[p:p+2], uint16(off))
	}
	return buf
}

func buildHeaderNode(nodeSize uint16, keyCompareType uint8) []byte {
	var rec bytes.Buffer
	put16(&rec, 1) // treeDepth
	put32(&rec, 1) // rootNode
	put32(&rec, 0) // leafRecords
	put32(&rec, 1) // firstLeafNode
	put32(&rec, 1) // lastLeafNode
	put16(&rec, nodeSize)
	put16(&rec, 516) // maxKeyLength
	put32(&rec, 2)   // totalNodes
	put32(&rec, 0)   // freeNodes
	put16(&rec, 0)   // reserved1
	put32(&rec, 1)   // clumpSize
	rec.WriteByte(0) // btreeType
	rec.WriteByte(keyCompareType)
	put32(&rec, 0) // attributes
	rec.Write(make([]byte, 64))
	return buildBTreeNode(int(nodeSize), 0, 0, testKindHeader, [][]byte{rec.Bytes()})
}

func catalogKeyBytes(parentID uint32, name []uint16) []byte {
	var b bytes.Buffer
	keyLength := uint16(6 + 2*len(name))
	put16(&b, keyLength)
	put32(&b, parentID)
	put16(&b, uint16(len(name)))
	for _, u := range name {
		put16(&b, u)
	}
	return b.Bytes()
}

func threadRecordBytes(kind RecordKind, parentID uint32, name []uint16) []byte {
	var b bytes.Buffer
	b.Write([]byte{byte(kind >> 8), byte(kind)})
	put16(&b, 0) // reserved
	put32(&b, parentID)
	put16(&b, uint16(len(name)))
	for _, u := range name {
		put16(&b, u)
	}
	return b.Bytes()
}

func folderRecordBytes(folderID uint32) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, byte(KindFolder)})
	put16(&b, 0) // flags
	put32(&b, 0) // valence
	put32(&b, folderID)
	for i := 0; i < 5; i++ {
		put32(&b, 0) // dates
	}
	put32(&b, 0) // BSD ownerID
	put32(&b, 0) // BSD groupID
	b.WriteByte(0)
	b.WriteByte(0)
	put16(&b, 0) // BSD fileMode
	put32(&b, 0) // BSD special
	b.Write(make([]byte, 8)) // FolderInfo.WindowBounds (Rect)
	put16(&b, 0)             // FolderInfo.Flags
	b.Write(make([]byte, 4)) // FolderInfo.Location (Point)
	put16(&b, 0)             // FolderInfo.Reserved
	b.Write(make([]byte, 4)) // ExtendedFolderInfo.ScrollPosition
	put32(&b, 0)             // reserved1
	put16(&b, 0)             // extendedFlags
	put16(&b, 0)             // reserved2
	put32(&b, 0)             // putAwayFolderID
	put32(&b, 0)             // textEncoding
	put32(&b, 0)             // trailing reserved
	return b.Bytes()
}

func fileRecordBytes(fileID uint32, dataSize uint64, dataExtent ExtentDescriptor) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, byte(KindFile)})
	put16(&b, 0) // flags
	put32(&b, 0) // reserved1
	put32(&b, fileID)
	for i := 0; i < 5; i++ {
		put32(&b, 0) // dates
	}
	put32(&b, 0) // BSD ownerID
	put32(&b, 0) // BSD groupID
	b.WriteByte(0)
	b.WriteByte(0)
	put16(&b, 0) // BSD fileMode
	put32(&b, 0) // BSD special
	put32(&b, 0) // FileInfo.FileType
	put32(&b, 0) // FileInfo.FileCreator
	put16(&b, 0) // FileInfo.Flags
	b.Write(make([]byte, 4)) // FileInfo.Location
	put16(&b, 0)             // FileInfo.Reserved
	b.Write(make([]byte, 8)) // ExtendedFileInfo.Reserved1 ([4]int16)
	put16(&b, 0)             // extendedFlags
	put16(&b, 0)             // reserved2
	put32(&b, 0)             // putAwayFolderID
	put32(&b, 0)             // textEncoding
	put32(&b, 0)             // reserved2 (trailing)
	putForkData(&b, dataSize, dataExtent) // dataFork
	putForkData(&b, 0, ExtentDescriptor{}) // resourceFork
	return b.Bytes()
}

func utf16Of(s string) []uint16 {
	out := make([]uint16, len(s))
	for i, r := range s {
		out[i] = uint16(r)
	}
	return out
}

// buildFixture assembles a tiny HFS+ volume: root "Vol" (folder id 2)
// containing folder "etc" (folder id 16), which contains file "hosts"
// (file id 17, 11 bytes of inline data). Binary key ordering throughout.
func buildFixture(t *testing.T) *HFSVolume {
	t.Helper()
	// The catalog leaf carries full Folder/File records (~100-270 bytes
	// each); 512 bytes isn't enough room for five of them plus the
	// offset table, so the catalog tree uses a larger node size than the
	// (near-empty) extents tree. HFS+ allows each B-tree its own
	// independently-sized nodes.
	const catalogNodeSize = 1024
	const extentsNodeSize = 512
	const blockSize = 512

	// Leaf records must appear in ascending (parentID, name) order, same
	// as the on-disk format requires, for the leaf scan in
	// btree.Tree.GetRecord/GetRecordRange to behave correctly.
	records := [][]byte{
		append(catalogKeyBytes(RootParentID, utf16Of("Vol")), folderRecordBytes(RootFolderID)...),
		append(catalogKeyBytes(RootFolderID, nil), threadRecordBytes(KindFolderThread, RootParentID, utf16Of("Vol"))...),
		append(catalogKeyBytes(RootFolderID, utf16Of("etc")), folderRecordBytes(16)...),
		append(catalogKeyBytes(16, nil), threadRecordBytes(KindFileThread, RootFolderID, utf16Of("etc"))...),
		append(catalogKeyBytes(16, utf16Of("hosts")), fileRecordBytes(17, 11, ExtentDescriptor{StartBlock: 30, BlockCount: 1})...),
	}
	catalogLeaf := buildBTreeNode(catalogNodeSize, 0, 0, testKindLeaf, records)
	catalogHeader := buildHeaderNode(catalogNodeSize, 0xBC)

	extentsHeader := buildHeaderNode(extentsNodeSize, 0xBC)

	catalogBlocks := uint32(2 * catalogNodeSize / blockSize)

	disk := make([]byte, 32*1024)
	copy(disk[1024:], buildVolumeHeader(blockSize,
		ExtentDescriptor{StartBlock: 10, BlockCount: catalogBlocks}, ExtentDescriptor{StartBlock: 40, BlockCount: 1},
		uint64(2*catalogNodeSize), uint64(extentsNodeSize)))
	copy(disk[40*blockSize:], extentsHeader)
	copy(disk[10*blockSize:], catalogHeader)
	copy(disk[int(10+catalogNodeSize/blockSize)*blockSize:], catalogLeaf)
	copy(disk[30*blockSize:], []byte("hello world"))

	vol, err := Load(memDisk(disk))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return vol
}

func TestGetPathRecordRoot(t *testing.T) {
	vol := buildFixture(t)
	body, err := vol.GetPathRecord("/")
	if err != nil {
		t.Fatalf("GetPathRecord(/): %v", err)
	}
	if body.Kind != KindFolder || body.Folder.FolderID != RootFolderID {
		t.Fatalf("GetPathRecord(/) = %+v", body)
	}
}

func TestGetPathRecordFile(t *testing.T) {
	vol := buildFixture(t)
	body, err := vol.GetPathRecord("/etc/hosts")
	if err != nil {
		t.Fatalf("GetPathRecord(/etc/hosts): %v", err)
	}
	if body.Kind != KindFile || body.File.FileID != 17 {
		t.Fatalf("GetPathRecord(/etc/hosts) = %+v", body)
	}

	fork, err := vol.OpenFork(body, false)
	if err != nil {
		t.Fatalf("OpenFork: %v", err)
	}
	data, err := fork.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("fork contents = %q", data)
	}
}

func TestGetPathRecordFileMidPathIsInvalidRecordType(t *testing.T) {
	vol := buildFixture(t)
	if _, err := vol.GetPathRecord("/etc/hosts/nonsense"); !errors.Is(err, ErrInvalidRecordType) {
		t.Fatalf("expected ErrInvalidRecordType, got %v", err)
	}
}

func TestListDir(t *testing.T) {
	vol := buildFixture(t)
	entries, err := vol.ListDir("/etc")
	if err != nil {
		t.Fatalf("ListDir(/etc): %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hosts" || entries[0].Body.Kind != KindFile {
		t.Fatalf("ListDir(/etc) = %+v", entries)
	}
}

func TestGetPathRecordMissing(t *testing.T) {
	vol := buildFixture(t)
	if _, err := vol.GetPathRecord("/nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
