// Package selectmatches runs match selection over every tile of a run. It
// drives three overlapped stages per tile:
//
//   load:    base calls, filter flags and the tile's matches are read into
//            buffers reserved at construction
//   compute: the matches are split into per-cluster runs and fanned out to a
//            pool of compute workers; their templates are handed to the
//            fragment sink in cluster order
//   flush:   the sink makes the tile's templates durable
//
// Each stage holds one tile at a time and serves tiles in processing order,
// so tile k+1 may load while tile k computes and tile k-1 flushes. The
// first error aborts the whole run.
package selectmatches

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/bioalign/memctl"
)

// TileLoader reads the base calls and pass-filter flags of a tile into the
// raw base-call arena. paths is scratch space for the files it opens and
// is returned for reuse.
type TileLoader interface {
	LoadTile(ctx context.Context, tile flowcell.TileMetadata, reads flowcell.ReadMetadataList, paths []string, dst *alignment.BclClusters) ([]string, error)
	Unreserve()
}

// MatchLoader reads the matches of a tile into dst and returns them sorted
// by cluster.
type MatchLoader interface {
	Load(ctx context.Context, tile flowcell.TileMetadata, tally *alignment.MatchTally, dst []alignment.Match) ([]alignment.Match, error)
	Unreserve()
}

// Loaders are the collaborators that read a tile's inputs.
type Loaders struct {
	// Bcl loads tiles of flowcells in the Bcl and BclGz formats.
	Bcl TileLoader
	// Fastq loads tiles of flowcells in the Fastq format.
	Fastq   TileLoader
	Matches MatchLoader
}

// StageObserver is notified when a tile enters and leaves a stage, while
// the tile holds the stage's slot.
type StageObserver interface {
	StageEnter(stage Stage, tile flowcell.TileMetadata)
	StageExit(stage Stage, tile flowcell.TileMetadata)
}

// SelectorFactory creates the selector of one compute worker.
type SelectorFactory func() matchselector.Selector

// Opts configures a Transition.
type Opts struct {
	// Threads is the total thread budget. It is split into LoadWorkers,
	// FlushWorkers and the remaining compute workers.
	Threads int
	// LoadWorkers is the number of tiles that can be between load and the
	// end of compute. Each owns an arena sized for the largest tile.
	LoadWorkers int
	// FlushWorkers is the number of goroutines waiting on the flush stage.
	FlushWorkers int
	// RunsPerJob is the number of clusters handed to a compute worker at
	// once.
	RunsPerJob int
	// MemoryBudget is the number of bytes a run may allocate under
	// memctl.Warning and memctl.Strict.
	MemoryBudget uint64
	// Observer, if not nil, receives stage events.
	Observer StageObserver
}

// DefaultOpts is the default configuration.
var DefaultOpts = Opts{
	Threads:      runtime.NumCPU(),
	LoadWorkers:  2,
	FlushWorkers: 1,
	RunsPerJob:   2048,
	MemoryBudget: 8 << 30,
}

type state int

const (
	constructed state = iota
	running
	done
	released
)

// Transition selects the templates of every tile and stores them in the
// fragment sink.
type Transition struct {
	opts        Opts
	tiles       flowcell.TileMetadataList
	tileLayouts []flowcell.FlowcellLayout // parallel to tiles
	adapters    []matchselector.SequencingAdapterList
	tally       *alignment.MatchTally
	sink        matchselector.FragmentStorage
	loaders     Loaders

	maxTileMatches uint64
	arenas         []*arena
	workers        []*computeWorker
	stats          []matchselector.Stats // indexed by tile index

	mu    sync.Mutex
	state state
}

// New validates the tiles, puts them in processing order and reserves every
// buffer the run needs.
func New(
	tiles flowcell.TileMetadataList,
	layouts []flowcell.FlowcellLayout,
	barcodes flowcell.BarcodeMetadataList,
	tally *alignment.MatchTally,
	sink matchselector.FragmentStorage,
	loaders Loaders,
	newSelector SelectorFactory,
	opts Opts) (*Transition, error) {
	if err := tiles.Validate(); err != nil {
		return nil, err
	}
	ordered, err := flowcell.ProcessingOrder(tiles, layouts)
	if err != nil {
		return nil, err
	}
	adapters, err := matchselector.BarcodeAdapters(barcodes)
	if err != nil {
		return nil, err
	}
	if loaders.Matches == nil {
		return nil, errors.E(errors.Invalid, "no match loader")
	}
	if opts.LoadWorkers < 1 {
		opts.LoadWorkers = 1
	}
	if opts.FlushWorkers < 1 {
		opts.FlushWorkers = 1
	}
	if opts.RunsPerJob < 1 {
		opts.RunsPerJob = DefaultOpts.RunsPerJob
	}
	t := &Transition{
		opts:        opts,
		tiles:       ordered,
		tileLayouts: make([]flowcell.FlowcellLayout, len(ordered)),
		adapters:    adapters,
		tally:       tally,
		sink:        sink,
		loaders:     loaders,
	}

	var maxClusters, maxIndex, clusterLength, maxReadLen, maxPaths int
	for i, tile := range ordered {
		layout, err := flowcell.LayoutFor(layouts, tile)
		if err != nil {
			return nil, err
		}
		if _, err := t.tileLoader(layout); err != nil {
			return nil, err
		}
		if n := len(layout.DataReads); n > alignment.ReadsPerCluster {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"flowcell %s has %d data reads, at most %d per cluster are supported",
				layout.FlowcellID, n, alignment.ReadsPerCluster))
		}
		t.tileLayouts[i] = layout
		if i == 0 {
			// Processing order makes the first tile's reads the longest.
			clusterLength = layout.DataReads.TotalReadLength()
		}
		if n := layout.DataReads.MaxReadLength(); n > maxReadLen {
			maxReadLen = n
		}
		if n := len(layout.DataReads.AllCycles()); n > maxPaths {
			maxPaths = n
		}
		if tile.Index() > maxIndex {
			maxIndex = tile.Index()
		}
	}
	if len(ordered) > 0 {
		maxClusters = ordered.MaxClusterCount()
		log.Printf("select matches: %d tiles, largest %v, longest base calls path %s",
			len(ordered), ordered.MaxClusterCountTile(), ordered.LongestBaseCallsPathTile().BaseCallsPath())
	}
	t.maxTileMatches = tally.MaxTileMatches(ordered)
	t.stats = make([]matchselector.Stats, maxIndex+1)

	computeWorkers := opts.Threads - opts.LoadWorkers - opts.FlushWorkers
	if computeWorkers < 1 {
		computeWorkers = 1
	}
	log.Printf("select matches: %d load, %d compute, %d flush workers; %d clusters of %d bytes, %d matches per tile",
		opts.LoadWorkers, computeWorkers, opts.FlushWorkers, maxClusters, clusterLength, t.maxTileMatches)
	for i := 0; i < opts.LoadWorkers; i++ {
		t.arenas = append(t.arenas, newArena(maxClusters, clusterLength, maxPaths, t.maxTileMatches))
	}
	for i := 0; i < computeWorkers; i++ {
		t.workers = append(t.workers, newComputeWorker(maxReadLen, newSelector()))
	}
	return t, nil
}

func (t *Transition) tileLoader(layout flowcell.FlowcellLayout) (TileLoader, error) {
	var l TileLoader
	switch layout.Format {
	case flowcell.Bcl, flowcell.BclGz:
		l = t.loaders.Bcl
	case flowcell.Fastq:
		l = t.loaders.Fastq
	}
	if l == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no loader for flowcell %s in %v format", layout.FlowcellID, layout.Format))
	}
	return l, nil
}

// Tiles returns the tiles in processing order.
func (t *Transition) Tiles() flowcell.TileMetadataList { return t.tiles }

// MaxTileMatches is the largest number of matches of any tile.
func (t *Transition) MaxTileMatches() uint64 { return t.maxTileMatches }

// Stats returns the per-tile statistics of the last run, indexed by tile
// index.
func (t *Transition) Stats() []matchselector.Stats { return t.stats }

// BinMetadata describes the bins of the fragment sink. It remains valid
// after Unreserve.
func (t *Transition) BinMetadata() alignment.BinMetadataList {
	return t.sink.BinPathList()
}

// Unreserve releases every buffer of the transition and of its
// collaborators. It may be called once, after Run returned; only
// BinMetadata may be used afterwards.
func (t *Transition) Unreserve() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case constructed:
		return errors.E(errors.NotAllowed, "unreserve before any run")
	case running:
		return errors.E(errors.NotAllowed, "unreserve during a run")
	case released:
		return errors.E(errors.NotAllowed, "unreserve called twice")
	}
	for _, a := range t.arenas {
		a.release()
	}
	t.arenas = nil
	for _, w := range t.workers {
		w.release()
	}
	t.workers = nil
	if t.loaders.Bcl != nil {
		t.loaders.Bcl.Unreserve()
	}
	if t.loaders.Fastq != nil {
		t.loaders.Fastq.Unreserve()
	}
	t.loaders.Matches.Unreserve()
	t.sink.Unreserve()
	t.state = released
	log.Debug.Printf("select matches: buffers released")
	return nil
}

// pipeline is the state of one Run.
type pipeline struct {
	ctx       context.Context
	t         *Transition
	slots     [numStages]*stageSlot
	scope     *memctl.Scope
	jobs      chan *computeJob
	err       errors.Once
	abort     chan struct{}
	abortOnce sync.Once
}

func (p *pipeline) fail(err error) {
	p.err.Set(err)
	p.abortOnce.Do(func() { close(p.abort) })
}

// enter acquires the slot of stage for the tile at pos.
func (p *pipeline) enter(stage Stage, pos int) error {
	if err := p.slots[stage].acquire(pos, p.abort); err != nil {
		return err
	}
	if o := p.t.opts.Observer; o != nil {
		o.StageEnter(stage, p.t.tiles[pos])
	}
	return nil
}

func (p *pipeline) exit(stage Stage, pos int) {
	if o := p.t.opts.Observer; o != nil {
		o.StageExit(stage, p.t.tiles[pos])
	}
	p.slots[stage].release(pos)
}

// Run processes every tile once. mode selects the memory control applied
// to the run. If statsPath is not empty, per-tile statistics are written
// there after the last flush.
func (t *Transition) Run(ctx context.Context, mode memctl.Mode, statsPath string) (err error) {
	t.mu.Lock()
	switch t.state {
	case running:
		t.mu.Unlock()
		return errors.E(errors.NotAllowed, "run already in progress")
	case done:
		t.mu.Unlock()
		return errors.E(errors.NotAllowed, "run called twice")
	case released:
		t.mu.Unlock()
		return errors.E(errors.NotAllowed, "run after unreserve")
	}
	t.state = running
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.state = done
		t.mu.Unlock()
	}()

	scope := memctl.Enter("select matches", mode, t.opts.MemoryBudget)
	defer func() {
		if e := scope.Exit(); e != nil && err == nil {
			err = e
		}
	}()
	for i := range t.stats {
		t.stats[i] = matchselector.Stats{}
	}

	n := len(t.tiles)
	p := &pipeline{
		ctx:   ctx,
		t:     t,
		scope: scope,
		jobs:  make(chan *computeJob, len(t.workers)),
		abort: make(chan struct{}),
	}
	for s := range p.slots {
		p.slots[s] = newStageSlot(Stage(s), n)
	}

	var computeWG sync.WaitGroup
	for _, w := range t.workers {
		computeWG.Add(1)
		go func(w *computeWorker) {
			defer computeWG.Done()
			w.loop(p.jobs)
		}(w)
	}

	positions := make(chan int, n)
	for pos := 0; pos < n; pos++ {
		positions <- pos
	}
	close(positions)
	free := make(chan *arena, len(t.arenas))
	for _, a := range t.arenas {
		free <- a
	}
	flushes := make(chan int, n)

	var loadWG, flushWG sync.WaitGroup
	for i := 0; i < t.opts.LoadWorkers; i++ {
		loadWG.Add(1)
		go func() {
			defer loadWG.Done()
			for pos := range positions {
				var a *arena
				select {
				case a = <-free:
				case <-p.abort:
					return
				}
				err := p.loadAndCompute(pos, a)
				free <- a
				if err != nil {
					p.fail(err)
					return
				}
				flushes <- pos
			}
		}()
	}
	for i := 0; i < t.opts.FlushWorkers; i++ {
		flushWG.Add(1)
		go func() {
			defer flushWG.Done()
			for pos := range flushes {
				if err := p.flush(pos); err != nil {
					p.fail(err)
					return
				}
			}
		}()
	}
	loadWG.Wait()
	close(flushes)
	flushWG.Wait()
	close(p.jobs)
	computeWG.Wait()

	if err = p.err.Err(); err != nil {
		log.Error.Printf("select matches: %v", err)
		return err
	}
	if statsPath != "" {
		if err = matchselector.WriteStatsTSV(ctx, statsPath, t.tiles, t.stats); err != nil {
			return err
		}
	}
	log.Printf("select matches: processed %d tiles into %d bins", n, len(t.sink.BinPathList()))
	return nil
}

func (p *pipeline) loadAndCompute(pos int, a *arena) error {
	t := p.t
	tile, layout := t.tiles[pos], t.tileLayouts[pos]
	if err := p.enter(Load, pos); err != nil {
		return err
	}
	a.reset(tile.ClusterCount())
	loader, err := t.tileLoader(layout)
	if err != nil {
		return err
	}
	log.Debug.Printf("loading %v", tile)
	err = traverse.Each(2, func(i int) error {
		var err error
		if i == 0 {
			a.paths, err = loader.LoadTile(p.ctx, tile, layout.DataReads, a.paths, a.clusters)
		} else {
			a.matches, err = t.loaders.Matches.Load(p.ctx, tile, t.tally, a.matches)
		}
		return err
	})
	if err != nil {
		return errors.E(err, fmt.Sprintf("load %v", tile))
	}
	p.exit(Load, pos)

	if err := p.enter(Compute, pos); err != nil {
		return err
	}
	if err := p.compute(pos, a); err != nil {
		return errors.E(err, fmt.Sprintf("compute %v", tile))
	}
	if err := p.scope.Check(fmt.Sprintf("compute %v", tile)); err != nil {
		return err
	}
	p.exit(Compute, pos)
	return nil
}

func (p *pipeline) flush(pos int) error {
	tile := p.t.tiles[pos]
	if err := p.enter(Flush, pos); err != nil {
		return err
	}
	if err := p.t.sink.Flush(); err != nil {
		return errors.E(err, fmt.Sprintf("flush %v", tile))
	}
	if err := p.scope.Check(fmt.Sprintf("flush %v", tile)); err != nil {
		return err
	}
	log.Debug.Printf("flushed %v", tile)
	p.exit(Flush, pos)
	return nil
}
