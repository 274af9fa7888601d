package matchselector

import (
	"context"
	"fmt"
	"hash"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
)

// ParallelMatchLoader reads the match files of a tile concurrently into a
// caller-owned buffer. Each file lands in its own region of the buffer, so
// the readers never share memory.
type ParallelMatchLoader struct {
	parallelism int
	hashes      []hash.Hash64
	offsets     []int
}

// NewParallelMatchLoader creates a loader that reads up to parallelism
// files at once.
func NewParallelMatchLoader(parallelism int) *ParallelMatchLoader {
	if parallelism < 1 {
		parallelism = 1
	}
	l := &ParallelMatchLoader{
		parallelism: parallelism,
		hashes:      make([]hash.Hash64, parallelism),
	}
	for i := range l.hashes {
		l.hashes[i] = seahash.New()
	}
	return l
}

// Load reads every match file the tally lists for tile into dst and sorts
// the result so that the matches of a cluster are contiguous. dst must have
// room for the tile's matches; the returned slice shares its storage.
func (l *ParallelMatchLoader) Load(ctx context.Context, tile flowcell.TileMetadata, tally *alignment.MatchTally, dst []alignment.Match) ([]alignment.Match, error) {
	files := tally.FileTallyList(tile)
	total := tally.TileMatchCount(tile)
	if total > uint64(cap(dst)) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf(
			"%v: %d matches do not fit the reserved buffer of %d", tile, total, cap(dst)))
	}
	dst = dst[:total]
	l.offsets = l.offsets[:0]
	offset := 0
	for _, f := range files {
		l.offsets = append(l.offsets, offset)
		offset += int(f.Count)
	}
	parallelism := l.parallelism
	if parallelism > len(files) {
		parallelism = len(files)
	}
	log.Debug.Printf("loading %d matches of %v from %d files", total, tile, len(files))
	err := traverse.Each(parallelism, func(jobIdx int) error {
		for i := jobIdx; i < len(files); i += parallelism {
			begin := l.offsets[i]
			end := begin + int(files[i].Count)
			if err := readMatchFile(ctx, files[i].Path, dst[begin:end], l.hashes[jobIdx]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	alignment.SortMatches(dst)
	return dst, nil
}

// Unreserve drops the loader's scratch state.
func (l *ParallelMatchLoader) Unreserve() {
	l.offsets = nil
}
