package selectmatches

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/bitset"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/flowcell"
)

// computeJob is a slice of one tile handed to a compute worker: either a
// range of cluster runs, or a range of cluster ids whose clusters have no
// match.
type computeJob struct {
	index    int
	tile     flowcell.TileMetadata
	reads    flowcell.ReadMetadataList
	arena    *arena
	adapters []matchselector.SequencingAdapterList

	runs       []alignment.ClusterRun
	begin, end int // unmatched cluster ids, when runs is nil

	queue *syncqueue.OrderedQueue
	wg    *sync.WaitGroup
}

type computeResult struct {
	templates []alignment.Template
	stats     matchselector.Stats
}

// computeWorker is a long-lived member of the compute pool. It owns the
// cluster buffer its selector reads from.
type computeWorker struct {
	cluster  *alignment.Cluster
	selector matchselector.Selector
}

func newComputeWorker(maxReadLength int, selector matchselector.Selector) *computeWorker {
	return &computeWorker{
		cluster:  alignment.NewCluster(maxReadLength),
		selector: selector,
	}
}

func (w *computeWorker) release() {
	w.cluster = nil
}

func (w *computeWorker) loop(jobs <-chan *computeJob) {
	for job := range jobs {
		res, err := w.run(job)
		if err != nil {
			job.queue.Close(err) // nolint: errcheck
		} else if err := job.queue.Insert(job.index, res); err != nil {
			// The queue was closed by the failure of another job.
			log.Debug.Printf("compute job %d of %v dropped: %v", job.index, job.tile, err)
		}
		job.wg.Done()
	}
}

func (w *computeWorker) run(job *computeJob) (*computeResult, error) {
	res := &computeResult{}
	a := job.arena
	if job.runs != nil {
		for _, run := range job.runs {
			matches := a.matches[run.Begin:run.End]
			if err := w.selectCluster(job, matches, matches[0].Cluster, res); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
	for id := job.begin; id < job.end; id++ {
		if bitset.Test(a.matched, id) {
			continue
		}
		if err := w.selectCluster(job, nil, uint64(id), res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (w *computeWorker) selectCluster(job *computeJob, matches []alignment.Match, id uint64, res *computeResult) error {
	clusters := job.arena.clusters
	w.cluster.Init(job.reads, clusters.Cluster(int(id)), job.tile.Index(), id, clusters.PF(int(id)))
	var adapters matchselector.SequencingAdapterList
	if len(matches) > 0 {
		if b := int(matches[0].Barcode); b < len(job.adapters) {
			adapters = job.adapters[b]
		}
	}
	tpl, keep, err := w.selector.Select(matches, w.cluster, adapters)
	if err != nil {
		return err
	}
	res.stats.AddCluster(&tpl, len(matches), keep)
	if keep {
		res.templates = append(res.templates, tpl)
	}
	return nil
}

// compute partitions the tile's matches into cluster runs, fans them out to
// the compute pool and hands the resulting templates to the sink in job
// order. It returns once every job of the tile has finished.
func (p *pipeline) compute(pos int, a *arena) error {
	t := p.t
	tile, layout := t.tiles[pos], t.tileLayouts[pos]
	var err error
	if a.runs, err = alignment.AppendClusterRuns(a.runs[:0], a.matches); err != nil {
		return err
	}
	nClusters := tile.ClusterCount()
	for _, run := range a.runs {
		m := &a.matches[run.Begin]
		if int(m.Tile) != tile.Index() {
			return errors.E(errors.Integrity, fmt.Sprintf("%v: match of tile %d in the match list of tile %d", *m, m.Tile, tile.Index()))
		}
		if m.Cluster >= uint64(nClusters) {
			return errors.E(errors.Integrity, fmt.Sprintf("%v: cluster out of range, tile has %d clusters", *m, nClusters))
		}
		if bitset.Test(a.matched, int(m.Cluster)) {
			return errors.E(errors.Integrity, fmt.Sprintf("%v: cluster matches are not contiguous", *m))
		}
		bitset.Set(a.matched, int(m.Cluster))
	}

	var jobs []*computeJob
	var wg sync.WaitGroup
	queue := syncqueue.NewOrderedQueue(2 * len(t.workers))
	newJob := func() *computeJob {
		j := &computeJob{
			index:    len(jobs),
			tile:     tile,
			reads:    layout.DataReads,
			arena:    a,
			adapters: t.adapters,
			queue:    queue,
			wg:       &wg,
		}
		jobs = append(jobs, j)
		return j
	}
	for begin := 0; begin < len(a.runs); begin += t.opts.RunsPerJob {
		end := begin + t.opts.RunsPerJob
		if end > len(a.runs) {
			end = len(a.runs)
		}
		newJob().runs = a.runs[begin:end]
	}
	if len(a.runs) < nClusters {
		for begin := 0; begin < nClusters; begin += t.opts.RunsPerJob {
			j := newJob()
			j.begin, j.end = begin, begin+t.opts.RunsPerJob
			if j.end > nClusters {
				j.end = nClusters
			}
		}
	}
	log.Debug.Printf("computing %v: %d matches in %d runs, %d jobs", tile, len(a.matches), len(a.runs), len(jobs))

	wg.Add(len(jobs))
	go func() {
		for _, j := range jobs {
			p.jobs <- j
		}
	}()

	var stats matchselector.Stats
	for range jobs {
		v, ok, e := queue.Next()
		if e != nil {
			err = e
			break
		}
		if !ok {
			err = errors.E(errors.Integrity, "compute queue closed early")
			break
		}
		res := v.(*computeResult)
		stats.Merge(res.stats)
		for i := range res.templates {
			if e := t.sink.Add(&res.templates[i]); e != nil {
				err = e
				break
			}
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		// Unblock the workers still inserting results of this tile.
		queue.Close(err) // nolint: errcheck
	}
	wg.Wait()
	if err == nil {
		err = queue.Close(nil)
	}
	if err != nil {
		return err
	}
	t.stats[tile.Index()] = stats
	log.Debug.Printf("computed %v: %d clusters, %d templates", tile, stats.Clusters, stats.Templates)
	return nil
}
