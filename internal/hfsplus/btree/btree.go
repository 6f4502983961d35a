// Package btree implements the on-disk B-tree structure shared by every
// HFS+ special file (catalog, extents, attributes): a header node
// describing tree shape, index nodes routing descent, and a doubly-linked
// chain of leaf nodes carrying the actual records.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/mari-cult/gravity-os/internal/binio"
)

// Sentinel errors, matched with errors.Is by callers — mirrors the
// taxonomy in spec §7 rather than a custom error hierarchy.
var (
	ErrBadNode           = errors.New("btree: node is not of the expected kind")
	ErrInvalidRecordKey  = errors.New("btree: invalid record key")
	ErrInvalidRecordType = errors.New("btree: invalid record type")
	ErrKeyNotFound       = errors.New("btree: key not found")
	ErrInvalidData       = errors.New("btree: structurally invalid node")
	ErrNodeLoop          = errors.New("btree: node loop detected")
)

const (
	kindLeaf   int8 = -1
	kindIndex  int8 = 0
	kindHeader int8 = 1
	kindMap    int8 = 2
)

// nodeLoopGuardThreshold is the total-node count above which the
// node-visited set hashes ids through xxhash instead of keying a plain
// map[uint32]struct{} directly — see SPEC_FULL.md §4.B.
const nodeLoopGuardThreshold = 1 << 16

// NodeDescriptor is the 14-byte header present at the start of every node.
type NodeDescriptor struct {
	FLink, BLink uint32
	Kind         int8
	Height       uint8
	NumRecords   uint16
}

// HeaderRec is the BTHeaderRec record carried in the tree's header node.
type HeaderRec struct {
	TreeDepth      uint16
	RootNode       uint32
	LeafRecords    uint32
	FirstLeafNode  uint32
	LastLeafNode   uint32
	NodeSize       uint16
	MaxKeyLength   uint16
	TotalNodes     uint32
	FreeNodes      uint32
	ClumpSize      uint32
	BTreeType      uint8
	KeyCompareType uint8
	Attributes     uint32
}

// Key is implemented by a tree's key type; Compare follows the standard
// convention (negative, zero, positive for less/equal/greater).
type Key[K any] interface {
	Compare(other K) int
}

// Record is implemented by a tree's leaf record type.
type Record[K any] interface {
	Key() K
}

// KeyImporter decodes a key from the front of a record's raw bytes.
type KeyImporter[K any] func(r *binio.Cursor) (K, error)

// RecordImporter decodes the remainder of a leaf record's raw bytes, given
// the already-decoded key.
type RecordImporter[K any, R any] func(r *binio.Cursor, key K) (R, error)

// Tree is a read-only handle on one HFS+ B-tree, opened over any
// io.ReaderAt (in practice a volume.Fork).
type Tree[K Key[K], R Record[K]] struct {
	src          io.ReaderAt
	nodeSize     uint16
	Header       HeaderRec
	importKey    KeyImporter[K]
	importRecord RecordImporter[K, R]
}

// Open reads the first node size/layout of src, validates it is a header
// node, and returns a Tree ready for lookups.
func Open[K Key[K], R Record[K]](src io.ReaderAt, importKey KeyImporter[K], importRecord RecordImporter[K, R]) (*Tree[K, R], error) {
	var first [512]byte
	if err := readFullAt(src, first[:], 0); err != nil {
		return nil, err
	}
	nodeSize := binary.BigEndian.Uint16(first[32:34])
	if nodeSize < 512 {
		return nil, fmt.Errorf("%w: node size %d smaller than header block", ErrInvalidData, nodeSize)
	}

	full := make([]byte, nodeSize)
	copy(full, first[:])
	if nodeSize > 512 {
		if err := readFullAt(src, full[512:], 512); err != nil {
			return nil, err
		}
	}

	t := &Tree[K, R]{src: src, nodeSize: nodeSize, importKey: importKey, importRecord: importRecord}

	desc, records, err := parseNode(full)
	if err != nil {
		return nil, err
	}
	if desc.Kind != kindHeader {
		return nil, fmt.Errorf("%w: expected header node, got kind %d", ErrBadNode, desc.Kind)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("%w: header node carries no records", ErrInvalidData)
	}
	header, err := parseHeaderRec(records[0])
	if err != nil {
		return nil, err
	}
	t.Header = header
	return t, nil
}

func readFullAt(src io.ReaderAt, buf []byte, off int64) error {
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read at offset %d", ErrInvalidData, off)
	}
	return err
}

// parseNode slices a raw node buffer into its record byte ranges, per
// spec §4.B: a descriptor, a record area growing from the front, and a
// big-endian u16 offset array (one per record plus a sentinel) growing
// from the end.
func parseNode(data []byte) (NodeDescriptor, [][]byte, error) {
	if len(data) < 14 {
		return NodeDescriptor{}, nil, fmt.Errorf("%w: node shorter than descriptor", ErrInvalidData)
	}
	desc := NodeDescriptor{
		FLink:      binary.BigEndian.Uint32(data[0:4]),
		BLink:      binary.BigEndian.Uint32(data[4:8]),
		Kind:       int8(data[8]),
		Height:     data[9],
		NumRecords: binary.BigEndian.Uint16(data[10:12]),
	}

	numOffsets := int(desc.NumRecords) + 1
	lastOffsetPos := len(data) - numOffsets*2
	if lastOffsetPos < 14 {
		return NodeDescriptor{}, nil, fmt.Errorf("%w: record count overruns node", ErrInvalidData)
	}

	offsets := make([]int, numOffsets)
	for i := 0; i < numOffsets; i++ {
		pos := len(data) - 2 - 2*i
		off := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		if off < 14 || off > lastOffsetPos {
			return NodeDescriptor{}, nil, fmt.Errorf("%w: record offset %d out of range", ErrInvalidData, off)
		}
		offsets[i] = off
	}

	records := make([][]byte, 0, desc.NumRecords)
	for i := 0; i < int(desc.NumRecords); i++ {
		records = append(records, data[offsets[i]:offsets[i+1]])
	}
	return desc, records, nil
}

func parseHeaderRec(b []byte) (HeaderRec, error) {
	c := binio.NewCursor(b)
	var h HeaderRec
	var err error
	read := func(dst *uint32) {
		if err != nil {
			return
		}
		*dst, err = c.ReadU32()
	}
	read16 := func(dst *uint16) {
		if err != nil {
			return
		}
		*dst, err = c.ReadU16()
	}
	read8 := func(dst *uint8) {
		if err != nil {
			return
		}
		*dst, err = c.ReadU8()
	}

	read16(&h.TreeDepth)
	read(&h.RootNode)
	read(&h.LeafRecords)
	read(&h.FirstLeafNode)
	read(&h.LastLeafNode)
	read16(&h.NodeSize)
	read16(&h.MaxKeyLength)
	read(&h.TotalNodes)
	read(&h.FreeNodes)
	if err == nil {
		_, err = c.ReadU16() // reserved1
	}
	read(&h.ClumpSize)
	read8(&h.BTreeType)
	read8(&h.KeyCompareType)
	read(&h.Attributes)
	if err != nil {
		return HeaderRec{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return h, nil
}

type indexEntry[K any] struct {
	key    K
	nodeID uint32
}

type loadedNode[K any, R any] struct {
	desc        NodeDescriptor
	indexRecords []indexEntry[K]
	leafRecords []R
}

func (t *Tree[K, R]) loadNode(nodeID uint32) (*loadedNode[K, R], error) {
	buf := make([]byte, t.nodeSize)
	if err := readFullAt(t.src, buf, int64(nodeID)*int64(t.nodeSize)); err != nil {
		return nil, err
	}
	desc, rawRecords, err := parseNode(buf)
	if err != nil {
		return nil, err
	}

	n := &loadedNode[K, R]{desc: desc}
	switch desc.Kind {
	case kindIndex:
		n.indexRecords = make([]indexEntry[K], 0, len(rawRecords))
		for _, raw := range rawRecords {
			c := binio.NewCursor(raw)
			key, err := t.importKey(c)
			if err != nil {
				return nil, err
			}
			nodeID, err := c.ReadU32()
			if err != nil {
				return nil, fmt.Errorf("%w: index record missing child node id", ErrInvalidData)
			}
			n.indexRecords = append(n.indexRecords, indexEntry[K]{key: key, nodeID: nodeID})
		}
	case kindLeaf:
		n.leafRecords = make([]R, 0, len(rawRecords))
		for _, raw := range rawRecords {
			c := binio.NewCursor(raw)
			key, err := t.importKey(c)
			if err != nil {
				return nil, err
			}
			rec, err := t.importRecord(c, key)
			if err != nil {
				return nil, err
			}
			n.leafRecords = append(n.leafRecords, rec)
		}
	case kindHeader, kindMap:
		// No business logic needed past Open(); callers never descend
		// into these node kinds directly.
	default:
		return nil, fmt.Errorf("%w: unknown node kind %d", ErrInvalidData, desc.Kind)
	}
	return n, nil
}

// GetRecord performs the point lookup described in spec §4.B: descend
// index nodes using "last key <= target wins", then scan the leaf chain
// for an exact match.
func (t *Tree[K, R]) GetRecord(key K) (R, error) {
	var zero R
	nodeID := t.Header.RootNode
	guard := newVisitedSet(t.Header.TotalNodes)

	for {
		if guard.seen(nodeID) {
			return zero, ErrNodeLoop
		}
		node, err := t.loadNode(nodeID)
		if err != nil {
			return zero, err
		}

		switch node.desc.Kind {
		case kindIndex:
			if len(node.indexRecords) == 0 {
				return zero, fmt.Errorf("%w: empty index node", ErrInvalidData)
			}
			chosen := node.indexRecords[0]
			if key.Compare(chosen.key) < 0 {
				return zero, ErrInvalidRecordKey
			}
			for _, rec := range node.indexRecords[1:] {
				if key.Compare(rec.key) < 0 {
					break
				}
				chosen = rec
			}
			nodeID = chosen.nodeID
		case kindLeaf:
			for {
				for _, rec := range node.leafRecords {
					cmp := key.Compare(rec.Key())
					if cmp < 0 {
						return zero, ErrKeyNotFound
					}
					if cmp == 0 {
						return rec, nil
					}
				}
				if node.desc.FLink == 0 {
					return zero, ErrKeyNotFound
				}
				if guard.seen(node.desc.FLink) {
					return zero, ErrNodeLoop
				}
				node, err = t.loadNode(node.desc.FLink)
				if err != nil {
					return zero, err
				}
				if node.desc.Kind != kindLeaf {
					return zero, ErrBadNode
				}
			}
		default:
			return zero, ErrInvalidRecordType
		}
	}
}

// GetRecordRange returns every leaf record with first <= key < last, in
// ascending key order, walking the leaf fLink chain as needed.
func (t *Tree[K, R]) GetRecordRange(first, last K) ([]R, error) {
	nodeID := t.Header.RootNode
	guard := newVisitedSet(t.Header.TotalNodes)

	for {
		if guard.seen(nodeID) {
			return nil, ErrNodeLoop
		}
		node, err := t.loadNode(nodeID)
		if err != nil {
			return nil, err
		}

		switch node.desc.Kind {
		case kindIndex:
			if len(node.indexRecords) == 0 {
				return nil, fmt.Errorf("%w: empty index node", ErrInvalidData)
			}
			chosen := node.indexRecords[0]
			if chosen.key.Compare(last) >= 0 {
				return nil, nil
			}
			for _, rec := range node.indexRecords[1:] {
				if first.Compare(rec.key) < 0 {
					break
				}
				chosen = rec
			}
			nodeID = chosen.nodeID
			continue
		case kindLeaf:
			var results []R
			for {
				stop := false
				for _, rec := range node.leafRecords {
					if rec.Key().Compare(last) >= 0 {
						stop = true
						break
					}
					if rec.Key().Compare(first) >= 0 {
						results = append(results, rec)
					}
				}
				if stop || len(node.leafRecords) == 0 || node.desc.FLink == 0 {
					return results, nil
				}
				if guard.seen(node.desc.FLink) {
					return nil, ErrNodeLoop
				}
				node, err = t.loadNode(node.desc.FLink)
				if err != nil {
					return nil, err
				}
				if node.desc.Kind != kindLeaf {
					return nil, ErrInvalidRecordType
				}
			}
		default:
			return nil, ErrInvalidRecordType
		}
	}
}

// visitedSet guards leaf-chain and index-descent loops against corrupt
// fLink/node-id cycles. Below the threshold it is a plain
// map[uint32]struct{}; above it, node ids are folded through xxhash first
// so the set's per-entry cost stays flat regardless of node id spread.
type visitedSet struct {
	small map[uint32]struct{}
	large map[uint64]struct{}
}

func newVisitedSet(sizeHint uint32) *visitedSet {
	if sizeHint > nodeLoopGuardThreshold {
		return &visitedSet{large: make(map[uint64]struct{})}
	}
	return &visitedSet{small: make(map[uint32]struct{})}
}

func (v *visitedSet) seen(id uint32) bool {
	if v.large != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], id)
		h := xxhash.Sum64(b[:])
		if _, ok := v.large[h]; ok {
			return true
		}
		v.large[h] = struct{}{}
		return false
	}
	if _, ok := v.small[id]; ok {
		return true
	}
	v.small[id] = struct{}{}
	return false
}
