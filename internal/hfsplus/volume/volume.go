package volume

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"

	"github.com/mari-cult/gravity-os/internal/binio"
	"github.com/mari-cult/gravity-os/internal/hfsplus/btree"
)

// DirEntry is one name/record pair returned by HFSVolume.ListDir.
type DirEntry struct {
	Name string
	Body CatalogBody
}

// HFSVolume is an opened HFS+ (or HFSX) volume: the parsed volume header
// plus the catalog and extents B-trees needed to resolve paths.
type HFSVolume struct {
	src    io.ReaderAt
	Header VolumeHeader

	catalogFork *Fork
	extentsFork *Fork
	extentsTree *btree.Tree[ExtentKey, ExtentRecord]

	getPathRecord func(path string) (CatalogBody, error)
	listDir       func(path string) ([]DirEntry, error)
}

// Load parses the volume header at byte offset 1024 of src, opens the
// extents B-tree, then the catalog B-tree — probing the catalog header
// node's keyCompareType to decide between binary and case-folding key
// ordering before settling on one for the volume's lifetime.
func Load(src io.ReaderAt) (*HFSVolume, error) {
	headerSection := io.NewSectionReader(src, 1024, 512)
	header, err := ReadVolumeHeader(binio.NewReader(headerSection))
	if err != nil {
		return nil, err
	}

	v := &HFSVolume{src: src, Header: header}

	extFork, err := LoadFork(src, header.BlockSize, ExtentsFileID, DataForkType, header.ExtentsFile, nil)
	if err != nil {
		return nil, fmt.Errorf("volume: loading extents fork: %w", err)
	}
	extTree, err := btree.Open[ExtentKey, ExtentRecord](extFork, importExtentKey, importExtentRecord)
	if err != nil {
		return nil, fmt.Errorf("volume: opening extents b-tree: %w", err)
	}
	v.extentsFork = extFork
	v.extentsTree = extTree

	catFork, err := LoadFork(src, header.BlockSize, CatalogFileID, DataForkType, header.CatalogFile, extTree)
	if err != nil {
		return nil, fmt.Errorf("volume: loading catalog fork: %w", err)
	}
	v.catalogFork = catFork

	// Bootstrap: open as Binary just to read the header node's
	// keyCompareType. A Binary-keyed Tree parses structurally identical
	// records to a CaseFold-keyed one — only Compare differs — so this
	// probe is always safe regardless of which ordering the volume
	// actually uses.
	probe, err := btree.Open[CatalogKeyBinary, CatalogRecord[CatalogKeyBinary]](catFork, importCatalogKeyBinary, importCatalogRecordBinary)
	if err != nil {
		return nil, fmt.Errorf("volume: opening catalog b-tree: %w", err)
	}

	if probe.Header.KeyCompareType == 0xBC {
		newKey := func(parentID uint32, name []uint16) CatalogKeyBinary {
			return CatalogKeyBinary{ParentID: parentID, Name: name}
		}
		v.getPathRecord = func(path string) (CatalogBody, error) { return getPathRecordGeneric(probe, newKey, path) }
		v.listDir = func(path string) ([]DirEntry, error) { return listDirGeneric(probe, newKey, path) }
	} else {
		tree, err := btree.Open[CatalogKeyCaseFold, CatalogRecord[CatalogKeyCaseFold]](catFork, importCatalogKeyCaseFold, importCatalogRecordCaseFold)
		if err != nil {
			return nil, fmt.Errorf("volume: opening case-folding catalog b-tree: %w", err)
		}
		newKey := func(parentID uint32, name []uint16) CatalogKeyCaseFold {
			return CatalogKeyCaseFold{ParentID: parentID, Name: name}
		}
		v.getPathRecord = func(path string) (CatalogBody, error) { return getPathRecordGeneric(tree, newKey, path) }
		v.listDir = func(path string) ([]DirEntry, error) { return listDirGeneric(tree, newKey, path) }
	}

	return v, nil
}

// GetPathRecord resolves an absolute slash-separated path to its catalog
// record. An empty or "/" path resolves to the volume root via its
// folder-thread record.
func (v *HFSVolume) GetPathRecord(path string) (CatalogBody, error) {
	return v.getPathRecord(path)
}

// ListDir resolves path to a folder and returns its direct children,
// excluding the folder's own thread record.
func (v *HFSVolume) ListDir(path string) ([]DirEntry, error) {
	return v.listDir(path)
}

// OpenFork opens the data or resource fork of a File catalog body.
func (v *HFSVolume) OpenFork(body CatalogBody, resource bool) (*Fork, error) {
	if body.Kind != KindFile {
		return nil, fmt.Errorf("%w: OpenFork called on a non-file record", ErrInvalidRecordType)
	}
	data := body.File.DataFork
	forkType := DataForkType
	if resource {
		data = body.File.ResourceFork
		forkType = ResourceForkType
	}
	return LoadFork(v.src, v.Header.BlockSize, body.File.FileID, forkType, data, v.extentsTree)
}

// catalogKeyConstraint is satisfied by both CatalogKeyCaseFold and
// CatalogKeyBinary: comparable per btree.Key, plus plain field access so
// the generic path/listing helpers below don't need to know which
// ordering is in play.
type catalogKeyConstraint[K any] interface {
	btree.Key[K]
	ParentIDValue() uint32
	NameValue() []uint16
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func encodeName(part string) []uint16 {
	return utf16.Encode([]rune(norm.NFD.String(part)))
}

func decodeName(units []uint16) string {
	return string(utf16.Decode(units))
}

// getPathRecordGeneric mirrors get_path_record_impl: an empty path
// resolves through the root folder's thread record; each subsequent path
// component is looked up by (currentFolderID, NFD-normalized name), and a
// File encountered before the last component is an error rather than a
// silent KeyNotFound.
func getPathRecordGeneric[K catalogKeyConstraint[K]](tree *btree.Tree[K, CatalogRecord[K]], newKey func(uint32, []uint16) K, path string) (CatalogBody, error) {
	parts := splitPath(path)

	if len(parts) == 0 {
		threadRec, err := tree.GetRecord(newKey(RootFolderID, nil))
		if err != nil {
			return CatalogBody{}, err
		}
		if threadRec.Body.Kind != KindFolderThread {
			return CatalogBody{}, fmt.Errorf("%w: root catalog entry is not a folder thread", ErrInvalidRecordType)
		}
		real, err := tree.GetRecord(newKey(threadRec.Body.Thread.ParentID, threadRec.Body.Thread.NodeName))
		if err != nil {
			return CatalogBody{}, err
		}
		return real.Body, nil
	}

	currentFolderID := RootFolderID
	var body CatalogBody
	for i, part := range parts {
		rec, err := tree.GetRecord(newKey(currentFolderID, encodeName(part)))
		if err != nil {
			return CatalogBody{}, err
		}
		switch rec.Body.Kind {
		case KindFolder:
			currentFolderID = rec.Body.Folder.FolderID
			body = rec.Body
		case KindFile:
			if i != len(parts)-1 {
				return CatalogBody{}, fmt.Errorf("%w: %q is a file, not a folder", ErrInvalidRecordType, part)
			}
			body = rec.Body
		default:
			return CatalogBody{}, fmt.Errorf("%w: unexpected thread record mid-path", ErrInvalidRecordType)
		}
	}
	return body, nil
}

// listDirGeneric resolves path to a folder, then range-queries every
// catalog key with that parent id, dropping the folder's own thread
// record (which shares the parent id range by construction of the query
// bounds but never carries a KindFolder/KindFile body).
func listDirGeneric[K catalogKeyConstraint[K]](tree *btree.Tree[K, CatalogRecord[K]], newKey func(uint32, []uint16) K, path string) ([]DirEntry, error) {
	body, err := getPathRecordGeneric(tree, newKey, path)
	if err != nil {
		return nil, err
	}
	if body.Kind != KindFolder {
		return nil, fmt.Errorf("%w: %q is not a folder", ErrInvalidRecordType, path)
	}

	folderID := body.Folder.FolderID
	recs, err := tree.GetRecordRange(newKey(folderID, nil), newKey(folderID+1, nil))
	if err != nil {
		return nil, err
	}

	entries := make([]DirEntry, 0, len(recs))
	for _, rec := range recs {
		if rec.CatKey.ParentIDValue() != folderID {
			continue
		}
		switch rec.Body.Kind {
		case KindFolder, KindFile:
			entries = append(entries, DirEntry{Name: decodeName(rec.CatKey.NameValue()), Body: rec.Body})
		}
	}
	return entries, nil
}
