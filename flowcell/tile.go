package flowcell

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Compression is the compression kind of the raw base-call files of a tile.
type Compression int

const (
	// NoCompression means the base-call files are stored as-is.
	NoCompression Compression = iota
	// GzCompression means the base-call files are gzip-compressed.
	GzCompression
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case GzCompression:
		return "gzip"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression parses the output of Compression.String.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return NoCompression, nil
	case "gz", "gzip":
		return GzCompression, nil
	}
	return NoCompression, errors.E(errors.Invalid, "unknown compression:", s)
}

// TileMetadata identifies one tile and locates its base-call files.
type TileMetadata struct {
	flowcellID    string
	flowcellIndex int
	tile          int
	lane          int
	baseCallsPath string
	clusterCount  int
	compression   Compression
	index         int
}

// NewTileMetadata creates a tile descriptor.
func NewTileMetadata(flowcellID string, flowcellIndex, tile, lane int,
	baseCallsPath string, clusterCount int, compression Compression, index int) TileMetadata {
	return TileMetadata{
		flowcellID:    flowcellID,
		flowcellIndex: flowcellIndex,
		tile:          tile,
		lane:          lane,
		baseCallsPath: baseCallsPath,
		clusterCount:  clusterCount,
		compression:   compression,
		index:         index,
	}
}

// Reindex returns a copy of t with the given index.
func (t TileMetadata) Reindex(newIndex int) TileMetadata {
	t.index = newIndex
	return t
}

func (t TileMetadata) FlowcellID() string       { return t.flowcellID }
func (t TileMetadata) FlowcellIndex() int       { return t.flowcellIndex }
func (t TileMetadata) Tile() int                { return t.tile }
func (t TileMetadata) TileString() string       { return strconv.Itoa(t.tile) }
func (t TileMetadata) Lane() int                { return t.lane }
func (t TileMetadata) LaneString() string       { return strconv.Itoa(t.lane) }
func (t TileMetadata) BaseCallsPath() string    { return t.baseCallsPath }
func (t TileMetadata) ClusterCount() int        { return t.clusterCount }
func (t TileMetadata) Compression() Compression { return t.compression }

// Index is the position of the tile in the list it belongs to. It is used to
// address per-tile result arrays.
func (t TileMetadata) Index() int { return t.index }

// Equal compares every field of the two descriptors.
func (t TileMetadata) Equal(o TileMetadata) bool {
	return t == o
}

// String implements fmt.Stringer.
func (t TileMetadata) String() string {
	return fmt.Sprintf("TileMetadata(%s, %d, %d, %s, %d, %d)",
		t.flowcellID, t.tile, t.lane, t.baseCallsPath, t.clusterCount, t.index)
}

// TileMetadataList is an ordered list of tiles.
type TileMetadataList []TileMetadata

// MaxClusterCountTile returns the tile with the largest cluster count. Ties
// are resolved in favor of the tile that appears first. It panics if the list
// is empty.
func (l TileMetadataList) MaxClusterCountTile() TileMetadata {
	if len(l) == 0 {
		log.Panicf("MaxClusterCountTile: empty tile list")
	}
	best := 0
	for i := 1; i < len(l); i++ {
		if l[i].clusterCount > l[best].clusterCount {
			best = i
		}
	}
	return l[best]
}

// MaxClusterCount returns the largest cluster count in the list, or 0 for an
// empty list.
func (l TileMetadataList) MaxClusterCount() int {
	if len(l) == 0 {
		return 0
	}
	return l.MaxClusterCountTile().ClusterCount()
}

// LongestBaseCallsPathTile returns the tile whose base-calls path is the
// longest string. Ties are resolved in favor of the tile that appears first.
// It panics if the list is empty.
func (l TileMetadataList) LongestBaseCallsPathTile() TileMetadata {
	if len(l) == 0 {
		log.Panicf("LongestBaseCallsPathTile: empty tile list")
	}
	best := 0
	for i := 1; i < len(l); i++ {
		if len(l[i].baseCallsPath) > len(l[best].baseCallsPath) {
			best = i
		}
	}
	return l[best]
}

// Validate checks that no two tiles share an index.
func (l TileMetadataList) Validate() error {
	seen := make(map[int]int, len(l))
	for i, t := range l {
		if j, ok := seen[t.index]; ok {
			return errors.E(errors.Invalid,
				fmt.Sprintf("tiles %v and %v share index %d", l[j], l[i], t.index))
		}
		seen[t.index] = i
	}
	return nil
}

// String implements fmt.Stringer.
func (l TileMetadataList) String() string {
	s := ""
	for i, t := range l {
		if i > 0 {
			s += " "
		}
		s += t.String()
	}
	return s
}

// ProcessingOrder returns the tiles stably sorted so that the total read
// length of their flowcell layouts never increases along the list. The
// returned tiles keep their original indices; use the position in the
// returned list for ordering and the index for addressing.
//
// Scratch buffers are sized for the first tile of the processing order, so
// the non-increasing property is required for them never to grow.
func ProcessingOrder(tiles TileMetadataList, layouts []FlowcellLayout) (TileMetadataList, error) {
	lengths := make([]int, len(tiles))
	for i, t := range tiles {
		layout, err := findLayout(layouts, t.flowcellIndex)
		if err != nil {
			return nil, err
		}
		lengths[i] = layout.DataReads.TotalReadLength()
	}
	order := make([]int, len(tiles))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lengths[order[i]] > lengths[order[j]]
	})
	ret := make(TileMetadataList, len(tiles))
	for i, o := range order {
		ret[i] = tiles[o]
	}
	return ret, nil
}

func findLayout(layouts []FlowcellLayout, flowcellIndex int) (FlowcellLayout, error) {
	for _, l := range layouts {
		if l.Index == flowcellIndex {
			return l, nil
		}
	}
	return FlowcellLayout{}, errors.E(errors.Invalid,
		fmt.Sprintf("no flowcell layout for flowcell index %d", flowcellIndex))
}

// LayoutFor returns the layout of the flowcell the tile belongs to.
func LayoutFor(layouts []FlowcellLayout, t TileMetadata) (FlowcellLayout, error) {
	return findLayout(layouts, t.flowcellIndex)
}
