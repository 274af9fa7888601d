package alignment

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// Match is a candidate placement of one read of a cluster on the reference,
// found by the seed search.
type Match struct {
	Cluster  uint64
	Tile     uint32
	Barcode  uint32
	Contig   uint32
	Position int64
	Reverse  bool
	// Read is the index of the data read the seed belongs to.
	Read uint8
	// Seed is the index of the seed within the read.
	Seed uint8
}

// TileBarcode packs the tile and barcode of the match into one value.
// Matches of the same cluster always share it.
func (m *Match) TileBarcode() uint64 {
	return uint64(m.Tile)<<32 | uint64(m.Barcode)
}

// String implements fmt.Stringer.
func (m Match) String() string {
	strand := '+'
	if m.Reverse {
		strand = '-'
	}
	return fmt.Sprintf("Match(tile=%d barcode=%d cluster=%d read=%d seed=%d %d:%d%c)",
		m.Tile, m.Barcode, m.Cluster, m.Read, m.Seed, m.Contig, m.Position, strand)
}

func matchLess(a, b *Match) bool {
	if ab, bb := a.TileBarcode(), b.TileBarcode(); ab != bb {
		return ab < bb
	}
	if a.Cluster != b.Cluster {
		return a.Cluster < b.Cluster
	}
	if a.Read != b.Read {
		return a.Read < b.Read
	}
	if a.Seed != b.Seed {
		return a.Seed < b.Seed
	}
	if a.Contig != b.Contig {
		return a.Contig < b.Contig
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return !a.Reverse && b.Reverse
}

// SortMatches orders matches so that all matches of one cluster are
// contiguous.
func SortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool { return matchLess(&matches[i], &matches[j]) })
}

// FindNextCluster returns the index of the first match after start that
// belongs to a different cluster, or len(matches). All matches of the cluster
// at start must share its tile and barcode; otherwise the match list was not
// produced by a compatible seed search and an Integrity error is returned.
func FindNextCluster(matches []Match, start int) (int, error) {
	if start >= len(matches) {
		return len(matches), nil
	}
	first := &matches[start]
	clusterID := first.Cluster
	tileBarcode := first.TileBarcode()
	i := start + 1
	for ; i < len(matches) && matches[i].Cluster == clusterID; i++ {
		if matches[i].TileBarcode() != tileBarcode {
			return i, errors.E(errors.Integrity, fmt.Sprintf(
				"matches of the same cluster expected to have the same barcode and tile: %v vs %v",
				*first, matches[i]))
		}
	}
	return i, nil
}

// ClusterRun is the half-open range [Begin, End) of the matches of one
// cluster.
type ClusterRun struct {
	Begin, End int
}

// Len is the number of matches in the run.
func (r ClusterRun) Len() int { return r.End - r.Begin }

// AppendClusterRuns partitions the sorted match list into maximal runs of
// one cluster each and appends them to runs.
func AppendClusterRuns(runs []ClusterRun, matches []Match) ([]ClusterRun, error) {
	for begin := 0; begin < len(matches); {
		end, err := FindNextCluster(matches, begin)
		if err != nil {
			return runs, err
		}
		runs = append(runs, ClusterRun{begin, end})
		begin = end
	}
	return runs, nil
}
