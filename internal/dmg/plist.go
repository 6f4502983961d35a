package dmg

import (
	"fmt"

	"howett.net/plist"
)

// Plist is the decoded form of a DMG's XML property list: a resource
// fork containing one "blkx" entry per partition.
type Plist struct {
	ResourceFork struct {
		Blkx []plistPartition `plist:"blkx"`
	} `plist:"resource-fork"`
}

// plistPartition mirrors one dictionary in the resource-fork/blkx array:
// Data holds the raw binary BLKX table (howett.net/plist decodes a
// <data> element straight into a []byte).
type plistPartition struct {
	Attributes string `plist:"Attributes"`
	CFName     string `plist:"CFName"`
	Data       []byte `plist:"Data"`
	ID         string `plist:"ID"`
	Name       string `plist:"Name"`
}

// Partition is one partition described by the plist: a human-readable
// name plus its lazily-decoded BLKX chunk table.
type Partition struct {
	ID   string
	Name string
	data []byte
}

// ParsePlist decodes the XML property list found at KolyTrailer.PlistOffset.
func ParsePlist(xml []byte) (Plist, error) {
	var p Plist
	if err := plist.Unmarshal(xml, &p); err != nil {
		return Plist{}, fmt.Errorf("dmg: decoding partition plist: %w", err)
	}
	return p, nil
}

// Partitions returns the plist's partitions in on-disk order.
func (p Plist) Partitions() []Partition {
	out := make([]Partition, len(p.ResourceFork.Blkx))
	for i, pp := range p.ResourceFork.Blkx {
		out[i] = Partition{ID: pp.ID, Name: pp.Name, data: pp.Data}
	}
	return out
}

// Table decodes the partition's BLKX chunk table.
func (p Partition) Table() (BlkxTable, error) {
	return ParseBlkxTable(p.data)
}
