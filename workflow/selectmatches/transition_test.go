package selectmatches

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/bioalign/memctl"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readList(lengths ...int) flowcell.ReadMetadataList {
	var (
		list  flowcell.ReadMetadataList
		cycle = 1
	)
	for i, n := range lengths {
		cycles := make([]int, n)
		for j := range cycles {
			cycles[j] = cycle + j
		}
		list = append(list, flowcell.NewReadMetadata(cycles, i, cycle-1, cycle))
		cycle += n
	}
	return list
}

type fakeTileLoader struct {
	mu       sync.Mutex
	failTile int
	delay    time.Duration
	loaded   []int
	released bool
}

func (l *fakeTileLoader) LoadTile(ctx context.Context, tile flowcell.TileMetadata, reads flowcell.ReadMetadataList, paths []string, dst *alignment.BclClusters) ([]string, error) {
	l.mu.Lock()
	l.loaded = append(l.loaded, tile.Index())
	l.mu.Unlock()
	time.Sleep(l.delay)
	if tile.Tile() == l.failTile {
		return paths, errors.E(errors.Integrity, "corrupt tile", tile.TileString())
	}
	if err := dst.Reset(tile.ClusterCount(), reads.TotalReadLength()); err != nil {
		return paths, err
	}
	for i := 0; i < dst.Len(); i++ {
		raw := dst.Cluster(i)
		for j := range raw {
			raw[j] = alignment.EncodeBaseCall("ACGT"[(i+j)%4], 30)
		}
		dst.PFFlags()[i] = i%5 != 4
	}
	return append(paths[:0], tile.BaseCallsPath()), nil
}

func (l *fakeTileLoader) Unreserve() { l.released = true }

type fakeMatchLoader struct {
	matches  map[int][]alignment.Match
	released bool
}

func (l *fakeMatchLoader) Load(ctx context.Context, tile flowcell.TileMetadata, tally *alignment.MatchTally, dst []alignment.Match) ([]alignment.Match, error) {
	src := l.matches[tile.Index()]
	if len(src) > cap(dst) {
		return nil, errors.E(errors.Integrity, "match buffer too small")
	}
	dst = append(dst[:0], src...)
	alignment.SortMatches(dst)
	return dst, nil
}

func (l *fakeMatchLoader) Unreserve() { l.released = true }

// fakeSelector maps a cluster to its first match.
type fakeSelector struct{}

func (fakeSelector) Select(matches []alignment.Match, c *alignment.Cluster, adapters matchselector.SequencingAdapterList) (alignment.Template, bool, error) {
	t := alignment.Template{Tile: uint32(c.Tile()), Cluster: c.ID(), PF: c.PF()}
	r := alignment.AlignedRead{Sequence: append([]byte(nil), c.Read(0).ForwardSequence()...)}
	if len(matches) > 0 {
		t.Barcode = matches[0].Barcode
		r.Mapped = true
		r.Contig = matches[0].Contig
		r.Position = matches[0].Position
	}
	t.Reads = append(t.Reads, r)
	return t, true, nil
}

type added struct {
	tile    uint32
	cluster uint64
}

type fakeSink struct {
	mu       sync.Mutex
	added    []added
	flushes  int
	released bool
	failAdd  bool
}

func (s *fakeSink) Add(t *alignment.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd {
		return errors.E(errors.Unavailable, "sink down")
	}
	s.added = append(s.added, added{t.Tile, t.Cluster})
	return nil
}

func (s *fakeSink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Unreserve() { s.released = true }

func (s *fakeSink) BinPathList() alignment.BinMetadataList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return alignment.BinMetadataList{{Index: 0, Path: "bin0", Records: int64(len(s.added))}}
}

type event struct {
	stage Stage
	enter bool
	tile  int
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) StageEnter(stage Stage, tile flowcell.TileMetadata) {
	r.mu.Lock()
	r.events = append(r.events, event{stage, true, tile.Index()})
	r.mu.Unlock()
}

func (r *recorder) StageExit(stage Stage, tile flowcell.TileMetadata) {
	r.mu.Lock()
	r.events = append(r.events, event{stage, false, tile.Index()})
	r.mu.Unlock()
}

type fixture struct {
	tiles    flowcell.TileMetadataList
	layouts  []flowcell.FlowcellLayout
	tally    *alignment.MatchTally
	loader   *fakeTileLoader
	matches  *fakeMatchLoader
	sink     *fakeSink
	recorder *recorder
}

// newFixture creates tiles of two flowcells. Tiles of flowcell 1 have
// longer reads and come first in processing order.
func newFixture(nTiles int) *fixture {
	f := &fixture{
		layouts: []flowcell.FlowcellLayout{
			{FlowcellID: "short", Index: 0, Format: flowcell.Bcl, DataReads: readList(6)},
			{FlowcellID: "long", Index: 1, Format: flowcell.Bcl, DataReads: readList(5, 5)},
		},
		tally:    alignment.NewMatchTally(),
		loader:   &fakeTileLoader{failTile: -1, delay: time.Millisecond},
		matches:  &fakeMatchLoader{matches: map[int][]alignment.Match{}},
		sink:     &fakeSink{},
		recorder: &recorder{},
	}
	for i := 0; i < nTiles; i++ {
		fc := i % 2
		clusters := 20 + 7*i
		tile := flowcell.NewTileMetadata(f.layouts[fc].FlowcellID, fc, 1101+i, 1, fmt.Sprintf("/bc/%d", i), clusters, flowcell.NoCompression, i)
		f.tiles = append(f.tiles, tile)
		var matches []alignment.Match
		// Every third cluster has no match; the others have two.
		for c := 0; c < clusters; c++ {
			if c%3 == 0 {
				continue
			}
			for k := 0; k < 2; k++ {
				matches = append(matches, alignment.Match{
					Cluster:  uint64(c),
					Tile:     uint32(i),
					Position: int64(100*c + k),
					Seed:     uint8(k),
				})
			}
		}
		f.matches.matches[i] = matches
		f.tally.AddFile(i, fmt.Sprintf("tile%d.match", i), uint64(len(matches)))
	}
	return f
}

func (f *fixture) opts(threads int) Opts {
	opts := DefaultOpts
	opts.Threads = threads
	opts.RunsPerJob = 4
	opts.Observer = f.recorder
	return opts
}

func (f *fixture) newTransition(t *testing.T, opts Opts) *Transition {
	tr, err := New(f.tiles, f.layouts, flowcell.BarcodeMetadataList{{Index: 0, Name: "none"}}, f.tally, f.sink,
		Loaders{Bcl: f.loader, Matches: f.matches},
		func() matchselector.Selector { return fakeSelector{} }, opts)
	require.NoError(t, err)
	return tr
}

func TestRunStageDiscipline(t *testing.T) {
	f := newFixture(7)
	tr := f.newTransition(t, f.opts(6))
	require.NoError(t, tr.Run(vcontext.Background(), memctl.Off, ""))

	order := tr.Tiles()
	require.Len(t, order, 7)
	// Flowcell 1 has the longer reads.
	for i := 0; i < 3; i++ {
		expect.EQ(t, order[i].FlowcellIndex(), 1)
	}

	var (
		holder [numStages]int
		seen   [numStages][]int
		done   = map[int]Stage{}
	)
	for s := range holder {
		holder[s] = -1
	}
	for _, e := range f.recorder.events {
		if e.enter {
			require.Equal(t, -1, holder[e.stage], "%v entered by tile %d while held by %d", e.stage, e.tile, holder[e.stage])
			holder[e.stage] = e.tile
			seen[e.stage] = append(seen[e.stage], e.tile)
			if e.stage != Load {
				prev, ok := done[e.tile]
				require.True(t, ok, "tile %d entered %v before finishing load", e.tile, e.stage)
				require.Equal(t, e.stage-1, prev)
			}
		} else {
			require.Equal(t, e.tile, holder[e.stage])
			holder[e.stage] = -1
			done[e.tile] = e.stage
		}
	}
	for s := range seen {
		require.Len(t, seen[s], 7)
		for i, tile := range seen[s] {
			expect.EQ(t, tile, order[i].Index())
		}
	}
	expect.EQ(t, f.sink.flushes, 7)
	expect.EQ(t, tr.MaxTileMatches(), f.tally.MaxTileMatches(f.tiles))
}

func TestRunDeterministicOutput(t *testing.T) {
	var outputs [][]added
	for _, threads := range []int{1, 4, 16} {
		f := newFixture(5)
		opts := f.opts(threads)
		opts.LoadWorkers = 1 + threads%3
		tr := f.newTransition(t, opts)
		require.NoError(t, tr.Run(vcontext.Background(), memctl.Off, ""))
		outputs = append(outputs, f.sink.added)

		// Matched clusters first, in cluster order, then the unmatched ones.
		var want []added
		for _, tile := range tr.Tiles() {
			for c := 0; c < tile.ClusterCount(); c++ {
				if c%3 != 0 {
					want = append(want, added{uint32(tile.Index()), uint64(c)})
				}
			}
			for c := 0; c < tile.ClusterCount(); c += 3 {
				want = append(want, added{uint32(tile.Index()), uint64(c)})
			}
		}
		require.Equal(t, want, f.sink.added)

		stats := tr.Stats()
		for _, tile := range tr.Tiles() {
			s := stats[tile.Index()]
			expect.EQ(t, s.Clusters, int64(tile.ClusterCount()))
			expect.EQ(t, s.Templates, int64(tile.ClusterCount()))
			expect.EQ(t, s.Matches, int64(f.tally.TileMatchCount(tile)))
		}
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])
}

func TestUnreserve(t *testing.T) {
	f := newFixture(3)
	tr := f.newTransition(t, f.opts(3))
	assert.True(t, errors.Is(errors.NotAllowed, tr.Unreserve()))

	require.NoError(t, tr.Run(vcontext.Background(), memctl.Warning, ""))
	nAdded := len(f.sink.added)
	require.True(t, nAdded > 0)
	assert.True(t, errors.Is(errors.NotAllowed, tr.Run(vcontext.Background(), memctl.Off, "")))
	expect.EQ(t, len(f.sink.added), nAdded)
	before := tr.BinMetadata()
	require.NoError(t, tr.Unreserve())
	assert.Equal(t, before, tr.BinMetadata())
	expect.True(t, f.loader.released)
	expect.True(t, f.matches.released)
	expect.True(t, f.sink.released)

	assert.True(t, errors.Is(errors.NotAllowed, tr.Unreserve()))
	assert.True(t, errors.Is(errors.NotAllowed, tr.Run(vcontext.Background(), memctl.Off, "")))
}

func TestRunFailFast(t *testing.T) {
	f := newFixture(8)
	tr := f.newTransition(t, f.opts(4))
	// Fail the fourth tile in processing order.
	f.loader.failTile = tr.Tiles()[3].Tile()
	err := tr.Run(vcontext.Background(), memctl.Off, "")
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Integrity, err))
	assert.Contains(t, err.Error(), "corrupt tile")

	// Tiles after the failing one never enter compute.
	failed := tr.Tiles()[3].Index()
	for _, e := range f.recorder.events {
		if e.stage == Compute {
			assert.NotEqual(t, failed, e.tile)
		}
	}
	for _, a := range f.sink.added {
		assert.NotEqual(t, uint32(failed), a.tile)
	}
	// The transition can still release its buffers.
	require.NoError(t, tr.Unreserve())
}

func TestRunSinkFailure(t *testing.T) {
	f := newFixture(3)
	f.sink.failAdd = true
	tr := f.newTransition(t, f.opts(4))
	err := tr.Run(vcontext.Background(), memctl.Off, "")
	assert.True(t, errors.Is(errors.Unavailable, err))
}

func TestRunGroupingViolation(t *testing.T) {
	f := newFixture(2)
	m := f.matches.matches[0]
	// Two matches of one cluster with different barcodes.
	m[1].Barcode = 1
	tr := f.newTransition(t, f.opts(4))
	err := tr.Run(vcontext.Background(), memctl.Off, "")
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestRunForeignTile(t *testing.T) {
	f := newFixture(2)
	f.matches.matches[1][0].Tile = 0
	f.matches.matches[1][1].Tile = 0
	tr := f.newTransition(t, f.opts(4))
	err := tr.Run(vcontext.Background(), memctl.Off, "")
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestRunStrictMemory(t *testing.T) {
	f := newFixture(2)
	opts := f.opts(4)
	opts.MemoryBudget = 1
	tr := f.newTransition(t, opts)
	err := tr.Run(vcontext.Background(), memctl.Strict, "")
	assert.True(t, errors.Is(errors.Unavailable, err))
}

func TestNewValidation(t *testing.T) {
	f := newFixture(2)
	newSel := func() matchselector.Selector { return fakeSelector{} }
	barcodes := flowcell.BarcodeMetadataList{{Index: 0}}

	dup := append(flowcell.TileMetadataList{}, f.tiles...)
	dup[1] = dup[1].Reindex(0)
	_, err := New(dup, f.layouts, barcodes, f.tally, f.sink, Loaders{Bcl: f.loader, Matches: f.matches}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))

	_, err = New(f.tiles, f.layouts, barcodes, f.tally, f.sink, Loaders{Matches: f.matches}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))

	_, err = New(f.tiles, f.layouts, barcodes, f.tally, f.sink, Loaders{Bcl: f.loader}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))

	_, err = New(f.tiles, f.layouts[:1], barcodes, f.tally, f.sink, Loaders{Bcl: f.loader, Matches: f.matches}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))

	_, err = New(f.tiles, f.layouts, flowcell.BarcodeMetadataList{{Index: 0, Adapters: "bogus"}}, f.tally, f.sink,
		Loaders{Bcl: f.loader, Matches: f.matches}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))

	threeReads := append([]flowcell.FlowcellLayout{}, f.layouts...)
	threeReads[1].DataReads = readList(5, 5, 5)
	_, err = New(f.tiles, threeReads, barcodes, f.tally, f.sink, Loaders{Bcl: f.loader, Matches: f.matches}, newSel, f.opts(2))
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.Contains(t, err.Error(), "3 data reads")
}

func TestArenaNeverGrows(t *testing.T) {
	expect.EQ(t, maxRuns(100, 30), 30)
	expect.EQ(t, maxRuns(10, 30), 10)

	f := newFixture(5)
	tr := f.newTransition(t, f.opts(4))
	type capacities struct{ clusters, matches, runs int }
	var before []capacities
	for _, a := range tr.arenas {
		before = append(before, capacities{a.clusters.Capacity(), cap(a.matches), cap(a.runs)})
	}
	require.NoError(t, tr.Run(vcontext.Background(), memctl.Off, ""))
	for i, a := range tr.arenas {
		expect.EQ(t, capacities{a.clusters.Capacity(), cap(a.matches), cap(a.runs)}, before[i])
		expect.True(t, before[i].runs > 0)
	}
}

func TestRunNoTiles(t *testing.T) {
	f := newFixture(0)
	tr := f.newTransition(t, f.opts(2))
	require.NoError(t, tr.Run(vcontext.Background(), memctl.Off, ""))
	expect.EQ(t, tr.MaxTileMatches(), uint64(0))
	require.NoError(t, tr.Unreserve())
}

func TestStageSlot(t *testing.T) {
	s := newStageSlot(Compute, 2)
	abort := make(chan struct{})
	require.NoError(t, s.acquire(0, abort))
	assert.Panics(t, func() { s.release(1) })
	s.release(0)
	assert.Panics(t, func() { s.release(0) })
	require.NoError(t, s.acquire(1, abort))
	s.release(1)

	s = newStageSlot(Load, 2)
	require.NoError(t, s.acquire(0, abort))
	close(abort)
	err := s.acquire(1, abort)
	assert.True(t, errors.Is(errors.Canceled, err))
}
