package matchselector

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTileMatches(t *testing.T, dir string, tally *alignment.MatchTally, tileIndex int, shards ...[]alignment.Match) {
	ctx := vcontext.Background()
	for i, matches := range shards {
		path := filepath.Join(dir, fmt.Sprintf("tile%d-%d.match", tileIndex, i))
		require.NoError(t, WriteMatchFile(ctx, path, matches))
		tally.AddFile(tileIndex, path, uint64(len(matches)))
	}
}

func TestParallelMatchLoader(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	tile := flowcell.NewTileMetadata("fc", 0, 1101, 1, dir, 10, flowcell.NoCompression, 0)
	tally := alignment.NewMatchTally()
	writeTileMatches(t, dir, tally, 0,
		[]alignment.Match{
			{Cluster: 3, Contig: 1, Position: 100, Reverse: true},
			{Cluster: 1, Contig: 0, Position: 7, Read: 1, Seed: 2},
		},
		nil,
		[]alignment.Match{
			{Cluster: 1, Contig: 0, Position: 5},
			{Cluster: 2, Contig: 2, Position: 1 << 40},
		})

	buf := make([]alignment.Match, 0, tally.MaxTileMatches(flowcell.TileMetadataList{tile}))
	for _, parallelism := range []int{1, 2, 8} {
		l := NewParallelMatchLoader(parallelism)
		matches, err := l.Load(vcontext.Background(), tile, tally, buf)
		require.NoError(t, err)
		assert.Equal(t, []alignment.Match{
			{Cluster: 1, Contig: 0, Position: 5},
			{Cluster: 1, Contig: 0, Position: 7, Read: 1, Seed: 2},
			{Cluster: 2, Contig: 2, Position: 1 << 40},
			{Cluster: 3, Contig: 1, Position: 100, Reverse: true},
		}, matches)
		l.Unreserve()
	}
}

func TestParallelMatchLoaderBufferTooSmall(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tile := flowcell.NewTileMetadata("fc", 0, 1101, 1, dir, 10, flowcell.NoCompression, 0)
	tally := alignment.NewMatchTally()
	writeTileMatches(t, dir, tally, 0, []alignment.Match{{Cluster: 1}, {Cluster: 2}})
	_, err := NewParallelMatchLoader(2).Load(vcontext.Background(), tile, tally, make([]alignment.Match, 0, 1))
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestParallelMatchLoaderTallyMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tile := flowcell.NewTileMetadata("fc", 0, 1101, 1, dir, 10, flowcell.NoCompression, 0)
	path := filepath.Join(dir, "m")
	require.NoError(t, WriteMatchFile(vcontext.Background(), path, []alignment.Match{{Cluster: 1}}))
	tally := alignment.NewMatchTally()
	tally.AddFile(0, path, 2)
	_, err := NewParallelMatchLoader(1).Load(vcontext.Background(), tile, tally, make([]alignment.Match, 0, 2))
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestParallelMatchLoaderMissingFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tile := flowcell.NewTileMetadata("fc", 0, 1101, 1, dir, 10, flowcell.NoCompression, 0)
	tally := alignment.NewMatchTally()
	tally.AddFile(0, filepath.Join(dir, "missing"), 1)
	_, err := NewParallelMatchLoader(1).Load(vcontext.Background(), tile, tally, make([]alignment.Match, 0, 1))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(statErr))
}
