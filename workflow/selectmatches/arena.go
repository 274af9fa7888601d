package selectmatches

import (
	"github.com/grailbio/base/bitset"
	"github.com/grailbio/bioalign/alignment"
)

// arena holds the buffers one tile occupies from load through compute. It
// is reserved once, for the first tile in processing order, and reused for
// every later tile.
type arena struct {
	clusters *alignment.BclClusters
	paths    []string
	matches  []alignment.Match
	runs     []alignment.ClusterRun
	// matched has a bit set for every cluster of the tile with at least one
	// match.
	matched []uintptr
}

func newArena(maxClusters, clusterLength, maxPaths int, maxMatches uint64) *arena {
	return &arena{
		clusters: alignment.NewBclClusters(maxClusters, clusterLength),
		paths:    make([]string, 0, maxPaths),
		matches:  make([]alignment.Match, 0, maxMatches),
		runs:     make([]alignment.ClusterRun, 0, maxRuns(maxClusters, maxMatches)),
		matched:  make([]uintptr, (maxClusters+bitset.BitsPerWord-1)/bitset.BitsPerWord),
	}
}

// maxRuns bounds the cluster runs of a tile: every run holds at least one
// match of a distinct cluster.
func maxRuns(maxClusters int, maxMatches uint64) int {
	if maxMatches < uint64(maxClusters) {
		return int(maxMatches)
	}
	return maxClusters
}

// reset prepares the arena for a tile of n clusters without reallocating.
func (a *arena) reset(n int) {
	a.paths = a.paths[:0]
	a.matches = a.matches[:0]
	a.runs = a.runs[:0]
	words := (n + bitset.BitsPerWord - 1) / bitset.BitsPerWord
	for i := 0; i < words && i < len(a.matched); i++ {
		a.matched[i] = 0
	}
}

// release drops every buffer. The arena cannot be used afterwards.
func (a *arena) release() {
	a.clusters.Release()
	a.paths = nil
	a.matches = nil
	a.runs = nil
	a.matched = nil
}
