// Package volume implements an HFS+ volume reader: volume header, catalog
// and extents B-trees, fork extent resolution (including the decmpfs
// inline-compression special case), and path/directory resolution.
package volume

import (
	"fmt"

	"github.com/mari-cult/gravity-os/internal/binio"
)

// Signature values accepted at offset 1024 of the volume.
const (
	SignatureHFSPlus = 0x482b // "H+"
	SignatureHFSX    = 0x4858 // "HX"
)

// Catalog node ids reserved by the format.
const (
	RootParentID  uint32 = 1
	RootFolderID  uint32 = 2
	ExtentsFileID uint32 = 3
	CatalogFileID uint32 = 4
	BadBlockFileID uint32 = 5
	AllocationFileID uint32 = 6
	StartupFileID uint32 = 7
	AttributesFileID uint32 = 8
)

// ExtentDescriptor is one (startBlock, blockCount) pair.
type ExtentDescriptor struct {
	StartBlock uint32
	BlockCount uint32
}

// ForkData is the 80-byte on-disk fork summary: logical size, clump size,
// total blocks, and up to 8 inline extents. Extents beyond the 8th live in
// the extents B-tree keyed by (file id, fork type, start block).
type ForkData struct {
	LogicalSize uint64
	ClumpSize   uint32
	TotalBlocks uint32
	Extents     [8]ExtentDescriptor
}

func readForkData(r binio.Reader) (ForkData, error) {
	var f ForkData
	var err error
	f.LogicalSize, err = r.ReadU64()
	if err != nil {
		return f, err
	}
	f.ClumpSize, err = r.ReadU32()
	if err != nil {
		return f, err
	}
	f.TotalBlocks, err = r.ReadU32()
	if err != nil {
		return f, err
	}
	for i := range f.Extents {
		f.Extents[i].StartBlock, err = r.ReadU32()
		if err != nil {
			return f, err
		}
		f.Extents[i].BlockCount, err = r.ReadU32()
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// VolumeHeader is the 512-byte HFSPlusVolumeHeader at byte offset 1024.
type VolumeHeader struct {
	Signature        uint16
	Version          uint16
	Attributes       uint32
	LastMountedVersion uint32
	JournalInfoBlock uint32

	CreateDate     uint32
	ModifyDate     uint32
	BackupDate     uint32
	CheckedDate    uint32

	FileCount   uint32
	FolderCount uint32

	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32

	NextAllocation uint32
	RsrcClumpSize  uint32
	DataClumpSize  uint32
	NextCatalogID  uint32

	WriteCount    uint32
	EncodingsBitmap uint64

	FinderInfo [8]uint32

	AllocationFile ForkData
	ExtentsFile    ForkData
	CatalogFile    ForkData
	AttributesFile ForkData
	StartupFile    ForkData
}

// ReadVolumeHeader parses the 512-byte volume header starting at the
// current position of r.
func ReadVolumeHeader(r binio.Reader) (VolumeHeader, error) {
	var h VolumeHeader
	var err error

	read16 := func(dst *uint16) {
		if err == nil {
			*dst, err = r.ReadU16()
		}
	}
	read32 := func(dst *uint32) {
		if err == nil {
			*dst, err = r.ReadU32()
		}
	}
	read64 := func(dst *uint64) {
		if err == nil {
			*dst, err = r.ReadU64()
		}
	}

	read16(&h.Signature)
	read16(&h.Version)
	read32(&h.Attributes)
	read32(&h.LastMountedVersion)
	read32(&h.JournalInfoBlock)
	read32(&h.CreateDate)
	read32(&h.ModifyDate)
	read32(&h.BackupDate)
	read32(&h.CheckedDate)
	read32(&h.FileCount)
	read32(&h.FolderCount)
	read32(&h.BlockSize)
	read32(&h.TotalBlocks)
	read32(&h.FreeBlocks)
	read32(&h.NextAllocation)
	read32(&h.RsrcClumpSize)
	read32(&h.DataClumpSize)
	read32(&h.NextCatalogID)
	read32(&h.WriteCount)
	read64(&h.EncodingsBitmap)
	if err != nil {
		return h, err
	}
	for i := range h.FinderInfo {
		if h.FinderInfo[i], err = r.ReadU32(); err != nil {
			return h, err
		}
	}

	for _, fork := range []*ForkData{&h.AllocationFile, &h.ExtentsFile, &h.CatalogFile, &h.AttributesFile, &h.StartupFile} {
		*fork, err = readForkData(r)
		if err != nil {
			return h, err
		}
	}

	if h.Signature != SignatureHFSPlus && h.Signature != SignatureHFSX {
		return h, fmt.Errorf("%w: signature %#04x", ErrInvalidSignature, h.Signature)
	}
	return h, nil
}

// Point and Rect mirror QuickDraw's Finder-metadata geometry types.
type Point struct{ V, H int16 }
type Rect struct{ Top, Left, Bottom, Right int16 }

// FileInfo is the Finder metadata embedded in a catalog file record.
type FileInfo struct {
	FileType    uint32
	FileCreator uint32
	Flags       uint16
	Location    Point
	Reserved    uint16
}

// ExtendedFileInfo carries the less commonly used Finder file fields.
type ExtendedFileInfo struct {
	Reserved1   [4]int16
	ExtendedFlags uint16
	Reserved2   int16
	PutAwayFolderID uint32
}

// FolderInfo is the Finder metadata embedded in a catalog folder record.
type FolderInfo struct {
	WindowBounds Rect
	Flags        uint16
	Location     Point
	Reserved     uint16
}

// ExtendedFolderInfo carries the less commonly used Finder folder fields.
type ExtendedFolderInfo struct {
	ScrollPosition Point
	Reserved1      int32
	ExtendedFlags  uint16
	Reserved2      int16
	PutAwayFolderID uint32
}

// BSDInfo is HFSPlusBSDInfo: POSIX ownership/permission bits.
type BSDInfo struct {
	OwnerID    uint32
	GroupID    uint32
	AdminFlags uint8
	OwnerFlags uint8
	FileMode   uint16
	Special    uint32
}

func readBSDInfo(r binio.Reader) (BSDInfo, error) {
	var b BSDInfo
	var err error
	if b.OwnerID, err = r.ReadU32(); err != nil {
		return b, err
	}
	if b.GroupID, err = r.ReadU32(); err != nil {
		return b, err
	}
	if b.AdminFlags, err = r.ReadU8(); err != nil {
		return b, err
	}
	if b.OwnerFlags, err = r.ReadU8(); err != nil {
		return b, err
	}
	if b.FileMode, err = r.ReadU16(); err != nil {
		return b, err
	}
	if b.Special, err = r.ReadU32(); err != nil {
		return b, err
	}
	return b, nil
}

// Permission bits carried in BSDInfo.FileMode, per S_* in
// original_source/src/lib/hfsplus/internal.rs.
const (
	SIFMT  = 0o170000
	SIFDIR = 0o040000
	SIFREG = 0o100000
	SIFLNK = 0o120000

	SIRWXU = 0o000700
	SIRWXG = 0o000070
	SIRWXO = 0o000007
)

func readPoint(r binio.Reader) (Point, error) {
	var p Point
	v, err := r.ReadI16()
	if err != nil {
		return p, err
	}
	h, err := r.ReadI16()
	if err != nil {
		return p, err
	}
	return Point{V: v, H: h}, nil
}

func readRect(r binio.Reader) (Rect, error) {
	var rect Rect
	var err error
	if rect.Top, err = r.ReadI16(); err != nil {
		return rect, err
	}
	if rect.Left, err = r.ReadI16(); err != nil {
		return rect, err
	}
	if rect.Bottom, err = r.ReadI16(); err != nil {
		return rect, err
	}
	if rect.Right, err = r.ReadI16(); err != nil {
		return rect, err
	}
	return rect, nil
}
