package alignment

import (
	"context"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bioalign/flowcell"
)

// FileTally is the number of matches stored in one match file.
type FileTally struct {
	Path  string
	Count uint64
}

// MatchTally records, for every tile, the match files produced by the seed
// search and how many matches each of them holds. It is used to size the
// match buffers once, before any tile is processed.
type MatchTally struct {
	files map[int][]FileTally // keyed by tile index
}

// NewMatchTally creates an empty tally.
func NewMatchTally() *MatchTally {
	return &MatchTally{files: map[int][]FileTally{}}
}

// AddFile registers a match file of the tile with the given index.
func (t *MatchTally) AddFile(tileIndex int, path string, count uint64) {
	t.files[tileIndex] = append(t.files[tileIndex], FileTally{Path: path, Count: count})
}

// FileTallyList returns the match files of the tile.
func (t *MatchTally) FileTallyList(tile flowcell.TileMetadata) []FileTally {
	return t.files[tile.Index()]
}

// TileMatchCount is the total number of matches of the tile.
func (t *MatchTally) TileMatchCount(tile flowcell.TileMetadata) uint64 {
	var n uint64
	for _, f := range t.files[tile.Index()] {
		n += f.Count
	}
	return n
}

// MaxTileMatches is the largest TileMatchCount over the given tiles.
func (t *MatchTally) MaxTileMatches(tiles flowcell.TileMetadataList) uint64 {
	var ret uint64
	for _, tile := range tiles {
		if n := t.TileMatchCount(tile); n > ret {
			ret = n
		}
	}
	return ret
}

// tallyRow is one line of the match tally TSV.
type tallyRow struct {
	TileIndex int    `tsv:"tile_index"`
	Path      string `tsv:"path"`
	Count     uint64 `tsv:"count"`
}

// WriteMatchTally writes the tally as TSV, sorted by tile index.
func WriteMatchTally(w io.Writer, t *MatchTally) error {
	var indices []int
	for i := range t.files {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	tw := tsv.NewRowWriter(w)
	for _, i := range indices {
		for _, f := range t.files[i] {
			if err := tw.Write(&tallyRow{TileIndex: i, Path: f.Path, Count: f.Count}); err != nil {
				return err
			}
		}
	}
	return tw.Flush()
}

// ReadMatchTally parses a TSV written by WriteMatchTally.
func ReadMatchTally(r io.Reader) (*MatchTally, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	t := NewMatchTally()
	for {
		var row tallyRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "match tally")
		}
		t.AddFile(row.TileIndex, row.Path, row.Count)
	}
	return t, nil
}

// ReadMatchTallyFile reads the tally from the given path.
func ReadMatchTallyFile(ctx context.Context, path string) (t *MatchTally, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open match tally", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadMatchTally(in.Reader(ctx))
}
