package matchselector

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapped(cluster uint64, contig uint32, pos int64) alignment.Template {
	return alignment.Template{
		Tile:    1,
		Cluster: cluster,
		PF:      true,
		Reads: []alignment.AlignedRead{{
			Contig:    contig,
			Position:  pos,
			Mapped:    true,
			Mapq:      60,
			Score:     -12,
			ClipRight: 2,
			Sequence:  []byte("ACGT"),
			Quality:   []byte{30, 31, 32, 33},
		}},
	}
}

func TestBinIndex(t *testing.T) {
	s := NewBinStorage(vcontext.Background(), "/nonexistent", []int64{250, 100, 0}, 100)
	for _, test := range []struct {
		tpl  alignment.Template
		want int
	}{
		{mapped(0, 0, 0), 0},
		{mapped(0, 0, 99), 0},
		{mapped(0, 0, 249), 2},
		{mapped(0, 0, 300), 2},
		{mapped(0, 1, 50), 3},
		{mapped(0, 2, 0), 4},
		{alignment.Template{Reads: []alignment.AlignedRead{{}}}, 5},
	} {
		got, err := s.BinIndex(&test.tpl)
		require.NoError(t, err)
		expect.EQ(t, got, test.want)
	}
	tpl := mapped(0, 3, 0)
	_, err := s.BinIndex(&tpl)
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestBinStorageRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	s := NewBinStorage(ctx, dir, []int64{1000, 1000}, 500)

	first := []alignment.Template{mapped(1, 1, 10), mapped(2, 0, 700), mapped(3, 1, 20)}
	for i := range first {
		require.NoError(t, s.Add(&first[i]))
	}
	require.NoError(t, s.Flush())
	afterFirst := s.BinPathList()
	require.Len(t, afterFirst, 2)
	expect.EQ(t, afterFirst[0].Index, 1)
	expect.EQ(t, afterFirst[1].Index, 2)
	expect.EQ(t, afterFirst[1].Records, int64(2))

	second := []alignment.Template{mapped(4, 1, 30), {Tile: 1, Cluster: 5, Reads: []alignment.AlignedRead{{Sequence: []byte("NN"), Quality: []byte{2, 2}}}}}
	for i := range second {
		require.NoError(t, s.Add(&second[i]))
	}
	require.NoError(t, s.Close())

	bins := s.BinPathList()
	require.Len(t, bins, 3)
	expect.EQ(t, bins.TotalRecords(), int64(5))
	expect.True(t, strings.HasSuffix(bins[2].Path, "unaligned.rio"))

	got, err := ReadBin(ctx, bins[1].Path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Templates of a bin keep their arrival order.
	expect.EQ(t, got[0].Cluster, uint64(1))
	expect.EQ(t, got[1].Cluster, uint64(3))
	expect.EQ(t, got[2].Cluster, uint64(4))
	assert.Equal(t, first[0], got[0])

	unaligned, err := ReadBin(ctx, bins[2].Path)
	require.NoError(t, err)
	require.Len(t, unaligned, 1)
	assert.Equal(t, second[1], unaligned[0])

	for _, b := range bins {
		data, err := ioutil.ReadFile(b.Path)
		require.NoError(t, err)
		expect.EQ(t, int64(len(data)), b.DataSize)
	}
}

func TestBinStorageConcurrentAdd(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	s := NewBinStorage(ctx, dir, []int64{1 << 20}, 1<<10)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tpl := mapped(uint64(w*100+i), 0, int64(i*1000))
				assert.NoError(t, s.Add(&tpl))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.Close())
	expect.EQ(t, s.BinPathList().TotalRecords(), int64(800))
}

func TestBinStorageUnreserve(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	s := NewBinStorage(vcontext.Background(), dir, []int64{100}, 10)
	tpl := mapped(1, 0, 5)
	require.NoError(t, s.Add(&tpl))
	require.NoError(t, s.Flush())
	before := s.BinPathList()
	s.Unreserve()
	assert.Equal(t, before, s.BinPathList())
	assert.True(t, errors.Is(errors.NotAllowed, s.Add(&tpl)))
	assert.True(t, errors.Is(errors.NotAllowed, s.Flush()))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.E(errors.Unavailable, "no space left on device")
}

func TestBinStorageWriteFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	s := NewBinStorage(vcontext.Background(), dir, []int64{100}, 10)
	tpl := mapped(1, 0, 5)
	require.NoError(t, s.Add(&tpl))
	require.NoError(t, s.Flush())
	durable := s.BinPathList()
	require.Len(t, durable, 1)

	s.bins[0].count.w = failingWriter{}
	for i := 0; i < 100; i++ {
		tpl := mapped(uint64(i+2), 0, 5)
		require.NoError(t, s.Add(&tpl))
	}
	err := s.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")
	assert.Contains(t, err.Error(), durable[0].Path)
	// The bin keeps describing the bytes that reached the file.
	assert.Equal(t, durable, s.BinPathList())

	assert.Equal(t, err, s.Flush())
	assert.Error(t, s.Close())
}

func TestWriteStatsTSV(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tiles := flowcell.TileMetadataList{
		flowcell.NewTileMetadata("fc1", 0, 1102, 2, dir, 3, flowcell.NoCompression, 1),
		flowcell.NewTileMetadata("fc1", 0, 1101, 2, dir, 3, flowcell.NoCompression, 0),
	}
	var s0, s1 Stats
	tpl := mapped(1, 0, 5)
	s0.AddCluster(&tpl, 3, true)
	unaligned := alignment.Template{Reads: []alignment.AlignedRead{{}}}
	s0.AddCluster(&unaligned, 0, false)
	s1.Merge(s0)
	s1.Merge(s0)
	expect.EQ(t, s1.Clusters, int64(4))
	expect.EQ(t, s1.Templates, int64(2))
	expect.EQ(t, s1.Clipped, int64(2))
	expect.EQ(t, s1.Unique, int64(2))

	path := filepath.Join(dir, "stats.tsv")
	require.NoError(t, WriteStatsTSV(vcontext.Background(), path, tiles, []Stats{s0, s1}))
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	expect.EQ(t, lines[0], "flowcell\tlane\ttile\tclusters\tpf_clusters\tmatches\ttemplates\tunaligned\tunique\trepeat\tclipped")
	expect.EQ(t, lines[1], "fc1\t2\t1102\t4\t2\t6\t2\t0\t2\t0\t2")
	expect.EQ(t, lines[2], "fc1\t2\t1101\t2\t1\t3\t1\t0\t1\t0\t1")
}
