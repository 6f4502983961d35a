package volume

import (
	"errors"
	"fmt"

	"github.com/mari-cult/gravity-os/internal/binio"
	"github.com/mari-cult/gravity-os/internal/hfsplus/btree"
)

var (
	// ErrInvalidSignature reports a volume header whose signature field
	// is neither "H+" nor "HX".
	ErrInvalidSignature = errors.New("volume: invalid signature")
	// ErrInvalidRecordKey reports a catalog or extent key shorter than
	// its format requires.
	ErrInvalidRecordKey = errors.New("volume: invalid record key")
	// ErrInvalidRecordType reports a catalog record whose recordType tag
	// does not match {Folder, File, FolderThread, FileThread}, or a path
	// lookup that names a File before the path is exhausted.
	ErrInvalidRecordType = errors.New("volume: invalid record type")
	// ErrKeyNotFound reports a catalog or extents lookup miss.
	ErrKeyNotFound = btree.ErrKeyNotFound
)

// RecordKind tags which variant of CatalogBody is populated.
type RecordKind uint8

const (
	KindFolder       RecordKind = 1
	KindFile         RecordKind = 2
	KindFolderThread RecordKind = 3
	KindFileThread   RecordKind = 4
)

// Folder is the body of a kHFSPlusFolderRecord.
type Folder struct {
	Flags             uint16
	Valence           uint32
	FolderID          uint32
	CreateDate        uint32
	ContentModDate    uint32
	AttributeModDate  uint32
	AccessDate        uint32
	BackupDate        uint32
	BSD               BSDInfo
	Info              FolderInfo
	ExtraInfo         ExtendedFolderInfo
	TextEncoding      uint32
}

// File is the body of a kHFSPlusFileRecord.
type File struct {
	Flags            uint16
	FileID            uint32
	CreateDate        uint32
	ContentModDate    uint32
	AttributeModDate  uint32
	AccessDate        uint32
	BackupDate        uint32
	BSD               BSDInfo
	Info              FileInfo
	ExtraInfo         ExtendedFileInfo
	TextEncoding      uint32
	DataFork          ForkData
	ResourceFork      ForkData
}

// Thread is the body of a thread record: it points back at the real
// record via the (parentID, name) key it carries.
type Thread struct {
	ParentID uint32
	NodeName []uint16
}

// CatalogBody is a tagged union over the four catalog record shapes.
type CatalogBody struct {
	Kind   RecordKind
	Folder *Folder
	File   *File
	Thread *Thread
}

// CatalogRecord pairs a decoded key with its body. K is whichever key
// ordering (case-folding or binary) the volume selected at load time.
type CatalogRecord[K any] struct {
	CatKey K
	Body   CatalogBody
}

// Key implements btree.Record[K].
func (r CatalogRecord[K]) Key() K { return r.CatKey }

// CatalogKeyCaseFold orders node names using HFS+'s case-insensitive fast
// Unicode compare. Selected when the volume's keyCompareType != 0xBC.
type CatalogKeyCaseFold struct {
	ParentID uint32
	Name     []uint16
}

func (k CatalogKeyCaseFold) Compare(other CatalogKeyCaseFold) int {
	if k.ParentID != other.ParentID {
		return compareUint32(k.ParentID, other.ParentID)
	}
	return compareCaseFold(k.Name, other.Name)
}

func (k CatalogKeyCaseFold) ParentIDValue() uint32 { return k.ParentID }
func (k CatalogKeyCaseFold) NameValue() []uint16   { return k.Name }

// CatalogKeyBinary orders node names by raw UTF-16 code unit value.
// Selected when the volume's keyCompareType == 0xBC.
type CatalogKeyBinary struct {
	ParentID uint32
	Name     []uint16
}

func (k CatalogKeyBinary) Compare(other CatalogKeyBinary) int {
	if k.ParentID != other.ParentID {
		return compareUint32(k.ParentID, other.ParentID)
	}
	return compareBinary(k.Name, other.Name)
}

func (k CatalogKeyBinary) ParentIDValue() uint32 { return k.ParentID }
func (k CatalogKeyBinary) NameValue() []uint16   { return k.Name }

func compareUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBinary(a, b []uint16) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return compareUint32(uint32(a[i]), uint32(b[i]))
		}
	}
	return compareUint32(uint32(len(a)), uint32(len(b)))
}

func compareCaseFold(a, b []uint16) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		fa, fb := foldUnit(a[i]), foldUnit(b[i])
		if fa != fb {
			return compareUint32(uint32(fa), uint32(fb))
		}
	}
	return compareUint32(uint32(len(a)), uint32(len(b)))
}

// importCatalogKeyFields decodes the on-disk HFSPlusCatalogKey common to
// both key orderings: a 2-byte keyLength prefix, a 4-byte parent id, and a
// Pascal-style UTF-16 name (2-byte unit count, then that many units).
func importCatalogKeyFields(c *binio.Cursor) (uint32, []uint16, error) {
	keyLength, err := c.ReadU16()
	if err != nil {
		return 0, nil, err
	}
	if keyLength < 6 {
		return 0, nil, fmt.Errorf("%w: catalog key length %d", ErrInvalidRecordKey, keyLength)
	}
	parentID, err := c.ReadU32()
	if err != nil {
		return 0, nil, err
	}
	count, err := c.ReadU16()
	if err != nil {
		return 0, nil, err
	}
	name := make([]uint16, count)
	for i := range name {
		if name[i], err = c.ReadU16(); err != nil {
			return 0, nil, err
		}
	}
	return parentID, name, nil
}

func importCatalogKeyCaseFold(c *binio.Cursor) (CatalogKeyCaseFold, error) {
	parentID, name, err := importCatalogKeyFields(c)
	return CatalogKeyCaseFold{ParentID: parentID, Name: name}, err
}

func importCatalogKeyBinary(c *binio.Cursor) (CatalogKeyBinary, error) {
	parentID, name, err := importCatalogKeyFields(c)
	return CatalogKeyBinary{ParentID: parentID, Name: name}, err
}

func importCatalogRecordCaseFold(c *binio.Cursor, key CatalogKeyCaseFold) (CatalogRecord[CatalogKeyCaseFold], error) {
	body, err := importCatalogBody(c)
	return CatalogRecord[CatalogKeyCaseFold]{CatKey: key, Body: body}, err
}

func importCatalogRecordBinary(c *binio.Cursor, key CatalogKeyBinary) (CatalogRecord[CatalogKeyBinary], error) {
	body, err := importCatalogBody(c)
	return CatalogRecord[CatalogKeyBinary]{CatKey: key, Body: body}, err
}

func importCatalogBody(c *binio.Cursor) (CatalogBody, error) {
	recordType, err := c.ReadI16()
	if err != nil {
		return CatalogBody{}, err
	}
	switch recordType {
	case int16(KindFolder):
		f, err := importFolder(c)
		if err != nil {
			return CatalogBody{}, err
		}
		return CatalogBody{Kind: KindFolder, Folder: &f}, nil
	case int16(KindFile):
		f, err := importFile(c)
		if err != nil {
			return CatalogBody{}, err
		}
		return CatalogBody{Kind: KindFile, File: &f}, nil
	case int16(KindFolderThread), int16(KindFileThread):
		t, err := importThread(c)
		if err != nil {
			return CatalogBody{}, err
		}
		kind := KindFolderThread
		if recordType == int16(KindFileThread) {
			kind = KindFileThread
		}
		return CatalogBody{Kind: kind, Thread: &t}, nil
	default:
		return CatalogBody{}, fmt.Errorf("%w: record type %d", ErrInvalidRecordType, recordType)
	}
}

func importFolder(c *binio.Cursor) (Folder, error) {
	var f Folder
	var err error
	read16 := func(dst *uint16) {
		if err == nil {
			*dst, err = c.ReadU16()
		}
	}
	read32 := func(dst *uint32) {
		if err == nil {
			*dst, err = c.ReadU32()
		}
	}
	read16(&f.Flags)
	read32(&f.Valence)
	read32(&f.FolderID)
	read32(&f.CreateDate)
	read32(&f.ContentModDate)
	read32(&f.AttributeModDate)
	read32(&f.AccessDate)
	read32(&f.BackupDate)
	if err != nil {
		return f, err
	}
	if f.BSD, err = readBSDInfo(c); err != nil {
		return f, err
	}
	if f.Info.WindowBounds, err = readRect(c); err != nil {
		return f, err
	}
	read16(&f.Info.Flags)
	if err != nil {
		return f, err
	}
	if f.Info.Location, err = readPoint(c); err != nil {
		return f, err
	}
	if _, err = c.ReadU16(); err != nil { // FolderInfo.Reserved
		return f, err
	}
	if f.ExtraInfo.ScrollPosition, err = readPoint(c); err != nil {
		return f, err
	}
	if _, err = c.ReadI32(); err != nil { // ExtendedFolderInfo.Reserved1
		return f, err
	}
	if f.ExtraInfo.ExtendedFlags, err = c.ReadU16(); err != nil {
		return f, err
	}
	if _, err = c.ReadI16(); err != nil { // Reserved2
		return f, err
	}
	if f.ExtraInfo.PutAwayFolderID, err = c.ReadU32(); err != nil {
		return f, err
	}
	read32(&f.TextEncoding)
	if err != nil {
		return f, err
	}
	if _, err = c.ReadU32(); err != nil { // trailing reserved
		return f, err
	}
	return f, nil
}

func importFile(c *binio.Cursor) (File, error) {
	var f File
	var err error
	read16 := func(dst *uint16) {
		if err == nil {
			*dst, err = c.ReadU16()
		}
	}
	read32 := func(dst *uint32) {
		if err == nil {
			*dst, err = c.ReadU32()
		}
	}
	read16(&f.Flags)
	if _, err = c.ReadU32(); err != nil { // reserved1
		return f, err
	}
	read32(&f.FileID)
	read32(&f.CreateDate)
	read32(&f.ContentModDate)
	read32(&f.AttributeModDate)
	read32(&f.AccessDate)
	read32(&f.BackupDate)
	if err != nil {
		return f, err
	}
	if f.BSD, err = readBSDInfo(c); err != nil {
		return f, err
	}
	read32(&f.Info.FileType)
	read32(&f.Info.FileCreator)
	read16(&f.Info.Flags)
	if err != nil {
		return f, err
	}
	if f.Info.Location, err = readPoint(c); err != nil {
		return f, err
	}
	if _, err = c.ReadU16(); err != nil { // FileInfo.Reserved
		return f, err
	}
	for i := range f.ExtraInfo.Reserved1 {
		if f.ExtraInfo.Reserved1[i], err = c.ReadI16(); err != nil {
			return f, err
		}
	}
	if f.ExtraInfo.ExtendedFlags, err = c.ReadU16(); err != nil {
		return f, err
	}
	if _, err = c.ReadI16(); err != nil {
		return f, err
	}
	if f.ExtraInfo.PutAwayFolderID, err = c.ReadU32(); err != nil {
		return f, err
	}
	read32(&f.TextEncoding)
	if _, err = c.ReadU32(); err != nil { // reserved2
		return f, err
	}
	if err != nil {
		return f, err
	}
	if f.DataFork, err = readForkData(c); err != nil {
		return f, err
	}
	if f.ResourceFork, err = readForkData(c); err != nil {
		return f, err
	}
	return f, nil
}

func importThread(c *binio.Cursor) (Thread, error) {
	var t Thread
	if _, err := c.ReadI16(); err != nil { // reserved
		return t, err
	}
	parentID, err := c.ReadU32()
	if err != nil {
		return t, err
	}
	count, err := c.ReadU16()
	if err != nil {
		return t, err
	}
	name := make([]uint16, count)
	for i := range name {
		if name[i], err = c.ReadU16(); err != nil {
			return t, err
		}
	}
	t.ParentID = parentID
	t.NodeName = name
	return t, nil
}

// ExtentKey is HFSPlusExtentKey: identifies one extent record of the
// extents overflow B-tree.
type ExtentKey struct {
	FileID     uint32
	ForkType   uint8
	StartBlock uint32
}

func (k ExtentKey) Compare(other ExtentKey) int {
	if k.FileID != other.FileID {
		return compareUint32(k.FileID, other.FileID)
	}
	if k.ForkType != other.ForkType {
		return compareUint32(uint32(k.ForkType), uint32(other.ForkType))
	}
	return compareUint32(k.StartBlock, other.StartBlock)
}

// ExtentRecord is the body of an extents B-tree leaf: up to 8 further
// extent descriptors continuing a fork beyond its inline set.
type ExtentRecord struct {
	ExtKey  ExtentKey
	Extents [8]ExtentDescriptor
}

func (r ExtentRecord) Key() ExtentKey { return r.ExtKey }

func importExtentKey(c *binio.Cursor) (ExtentKey, error) {
	keyLength, err := c.ReadU16()
	if err != nil {
		return ExtentKey{}, err
	}
	if keyLength < 10 {
		return ExtentKey{}, fmt.Errorf("%w: extent key length %d", ErrInvalidRecordKey, keyLength)
	}
	forkType, err := c.ReadU8()
	if err != nil {
		return ExtentKey{}, err
	}
	if _, err = c.ReadU8(); err != nil { // pad
		return ExtentKey{}, err
	}
	fileID, err := c.ReadU32()
	if err != nil {
		return ExtentKey{}, err
	}
	startBlock, err := c.ReadU32()
	if err != nil {
		return ExtentKey{}, err
	}
	return ExtentKey{FileID: fileID, ForkType: forkType, StartBlock: startBlock}, nil
}

func importExtentRecord(c *binio.Cursor, key ExtentKey) (ExtentRecord, error) {
	rec := ExtentRecord{ExtKey: key}
	for i := range rec.Extents {
		sb, err := c.ReadU32()
		if err != nil {
			return rec, err
		}
		bc, err := c.ReadU32()
		if err != nil {
			return rec, err
		}
		rec.Extents[i] = ExtentDescriptor{StartBlock: sb, BlockCount: bc}
	}
	return rec, nil
}
