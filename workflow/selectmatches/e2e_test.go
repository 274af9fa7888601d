package selectmatches

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/encoding/bcl"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/bioalign/memctl"
	"github.com/grailbio/bioalign/reference"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

const e2eRef = "ACGGTCATTGCAGTCCATGAAGCTTACGATCGGACTTAGCCATGCAATCGGATCCTAGGA"

func revcomp(s string) string {
	c := map[byte]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A'}
	b := make([]byte, len(s))
	for i := range s {
		b[len(s)-1-i] = c[s[i]]
	}
	return string(b)
}

type e2eCluster struct {
	seq   string
	pf    bool
	match *alignment.Match // nil when the seed search found nothing
}

// writeTile stores the clusters of a tile as one bcl file per cycle plus a
// filter file, and its matches split over two match files.
func writeTile(t *testing.T, dir string, tile flowcell.TileMetadata, readLen int, clusters []e2eCluster, tally *alignment.MatchTally) {
	ctx := vcontext.Background()
	for cycle := 1; cycle <= readLen; cycle++ {
		calls := make([]byte, len(clusters))
		for i, c := range clusters {
			calls[i] = alignment.EncodeBaseCall(c.seq[cycle-1], 30)
		}
		path := bcl.CyclePath(tile, cycle)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, bcl.WriteBcl(ctx, path, calls, tile.Compression()))
	}
	pf := make([]bool, len(clusters))
	for i, c := range clusters {
		pf[i] = c.pf
	}
	require.NoError(t, bcl.WriteFilter(ctx, bcl.FilterPath(tile), pf))

	var matches []alignment.Match
	for i, c := range clusters {
		if c.match == nil {
			continue
		}
		m := *c.match
		m.Cluster = uint64(i)
		m.Tile = uint32(tile.Index())
		matches = append(matches, m)
	}
	// Store the matches in reverse, split over two files; the loader sorts.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	half := len(matches) / 2
	for part, m := range [][]alignment.Match{matches[:half], matches[half:]} {
		path := filepath.Join(dir, fmt.Sprintf("tile%d.%d.match", tile.Index(), part))
		require.NoError(t, matchselector.WriteMatchFile(ctx, path, m))
		tally.AddFile(tile.Index(), path, uint64(len(m)))
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	const readLen = 10
	layout := flowcell.FlowcellLayout{
		FlowcellID:    "fc",
		Format:        flowcell.Bcl,
		BaseCallsPath: filepath.Join(dir, "BaseCalls"),
		DataReads:     readList(readLen),
	}
	at := func(pos int64, reverse bool) *alignment.Match {
		return &alignment.Match{Position: pos, Reverse: reverse}
	}
	tileClusters := [][]e2eCluster{
		{
			{seq: e2eRef[5:15], pf: true, match: at(5, false)},
			{seq: revcomp(e2eRef[20:30]), pf: true, match: at(20, true)},
			{seq: "TTTTTTTTTT", pf: true},
			{seq: e2eRef[40:50], pf: true, match: at(40, false)},
		},
		{
			{seq: e2eRef[0:10], pf: true, match: at(0, false)},
			{seq: "GGGGGGGGGG", pf: false},
			{seq: e2eRef[30:40], pf: true, match: at(30, false)},
		},
	}
	var tiles flowcell.TileMetadataList
	tally := alignment.NewMatchTally()
	for i, clusters := range tileClusters {
		tile := flowcell.NewTileMetadata("fc", 0, 1101+i, 1, layout.BaseCallsPath, len(clusters), flowcell.NoCompression, i)
		tiles = append(tiles, tile)
		writeTile(t, dir, tile, readLen, clusters, tally)
	}

	refs := reference.SortedReferenceList{{
		{Index: 0, Name: "chr1", Forward: []byte(e2eRef)},
		{Index: 1, Name: "chr2", Forward: []byte(e2eRef[:30])},
	}}
	barcodes := flowcell.BarcodeMetadataList{{Index: 0, Name: "default"}}
	outDir := filepath.Join(dir, "bins")
	require.NoError(t, os.MkdirAll(outDir, 0755))
	storage := matchselector.NewBinStorage(ctx, outDir, []int64{60, 30}, 32)

	opts := DefaultOpts
	opts.Threads = 5
	opts.RunsPerJob = 1
	tr, err := New(tiles, []flowcell.FlowcellLayout{layout}, barcodes, tally, storage,
		Loaders{
			Bcl:     bcl.NewLoader(tiles.MaxClusterCount(), bcl.DefaultOpts),
			Matches: matchselector.NewParallelMatchLoader(2),
		},
		func() matchselector.Selector {
			return matchselector.NewTemplateBuilder(refs, barcodes, matchselector.DefaultOpts)
		}, opts)
	require.NoError(t, err)
	expect.EQ(t, tr.MaxTileMatches(), uint64(3))

	statsPath := filepath.Join(dir, "stats.tsv")
	require.NoError(t, tr.Run(ctx, memctl.Warning, statsPath))
	require.NoError(t, storage.Close())

	meta := tr.BinMetadata()
	require.NoError(t, tr.Unreserve())
	require.Equal(t, meta, tr.BinMetadata())

	// Bins 0 and 1 cover chr1, bin 2 chr2 and bin 3 holds unaligned
	// templates.
	require.Len(t, meta, 3)
	type placed struct {
		tile    uint32
		cluster uint64
		pos     int64
		reverse bool
	}
	want := map[int][]placed{
		0: {{0, 0, 5, false}, {0, 1, 20, true}, {1, 0, 0, false}, {1, 2, 30, false}},
		1: {{0, 3, 40, false}},
		3: {{0, 2, 0, false}, {1, 1, 0, false}},
	}
	for _, m := range meta {
		templates, err := matchselector.ReadBin(ctx, m.Path)
		require.NoError(t, err)
		expect.EQ(t, m.Records, int64(len(templates)))
		var got []placed
		for _, tpl := range templates {
			require.Len(t, tpl.Reads, 1)
			r := tpl.Reads[0]
			if m.Index == 3 {
				expect.False(t, r.Mapped)
			} else {
				expect.True(t, r.Mapped)
				expect.EQ(t, r.Mapq, uint8(60))
				expect.EQ(t, r.Mismatches, uint16(0))
			}
			got = append(got, placed{tpl.Tile, tpl.Cluster, r.Position, r.Reverse})
		}
		expect.EQ(t, got, want[m.Index])
	}

	stats := tr.Stats()
	expect.EQ(t, stats[0].Clusters, int64(4))
	expect.EQ(t, stats[0].Unique, int64(3))
	expect.EQ(t, stats[1].PFClusters, int64(2))
	expect.EQ(t, stats[1].Unaligned, int64(1))

	data, err := ioutil.ReadFile(statsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	expect.EQ(t, lines[1], "fc\t1\t1101\t4\t4\t3\t4\t1\t3\t0\t0")
	expect.EQ(t, lines[2], "fc\t1\t1102\t3\t2\t2\t3\t1\t2\t0\t0")
}
