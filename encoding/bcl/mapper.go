package bcl

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
)

// Opts configures the bcl and filter loaders.
type Opts struct {
	// Parallelism is the number of cycle files read at once.
	Parallelism int
	// IgnoreMissingBcls loads missing cycle files as no-calls instead of
	// failing.
	IgnoreMissingBcls bool
	// IgnoreMissingFilters treats every cluster of a tile without a filter
	// file as passing filter.
	IgnoreMissingFilters bool
}

// DefaultOpts is the default loader configuration.
var DefaultOpts = Opts{Parallelism: 8}

func isNotExist(err error) bool {
	for err != nil {
		if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		err = e.Err
	}
	return false
}

// BclMapper reads the cycle files of a tile in parallel and transposes them
// into cluster-major order. Each reader uses a scratch buffer, reserved once
// for the largest tile.
type BclMapper struct {
	opts     Opts
	scratch  *syncqueue.LIFO
	released bool
}

// NewBclMapper reserves scratch space for tiles of up to maxClusters
// clusters.
func NewBclMapper(maxClusters int, opts Opts) *BclMapper {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	m := &BclMapper{opts: opts, scratch: syncqueue.NewLIFO()}
	for i := 0; i < opts.Parallelism; i++ {
		m.scratch.Put(make([]byte, maxClusters))
	}
	return m
}

// Load fills dst with the calls of every cycle of reads. paths is scratch
// space for the cycle paths and is returned for reuse.
func (m *BclMapper) Load(ctx context.Context, tile flowcell.TileMetadata, reads flowcell.ReadMetadataList, paths []string, dst *alignment.BclClusters) ([]string, error) {
	if m.released {
		return paths, errors.E(errors.NotAllowed, "bcl mapper used after Unreserve")
	}
	cycles := reads.AllCycles()
	paths = paths[:0]
	for _, c := range cycles {
		paths = append(paths, CyclePath(tile, c))
	}
	if err := dst.Reset(tile.ClusterCount(), len(cycles)); err != nil {
		return paths, err
	}
	parallelism := m.opts.Parallelism
	if parallelism > len(paths) {
		parallelism = len(paths)
	}
	err := traverse.Each(parallelism, func(jobIdx int) error {
		v, ok := m.scratch.Get()
		if !ok {
			log.Panicf("bcl scratch pool closed")
		}
		defer m.scratch.Put(v)
		buf := v.([]byte)
		for offset := jobIdx; offset < len(paths); offset += parallelism {
			if err := m.loadCycle(ctx, tile, paths[offset], offset, buf, dst); err != nil {
				return err
			}
		}
		return nil
	})
	return paths, err
}

func (m *BclMapper) loadCycle(ctx context.Context, tile flowcell.TileMetadata, path string, offset int, buf []byte, dst *alignment.BclClusters) (err error) {
	n := dst.Len()
	in, r, count, err := openCycle(ctx, path, tile.Compression())
	if err != nil {
		if m.opts.IgnoreMissingBcls && isNotExist(err) {
			log.Error.Printf("%s: missing, loading %d no-calls", path, n)
			for i := 0; i < n; i++ {
				dst.SetBase(i, offset, 0)
			}
			return nil
		}
		return errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if count != n {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: holds %d clusters, %v has %d", path, count, tile, n))
	}
	if len(buf) < n {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: %d clusters exceed the reserved %d", path, n, len(buf)))
	}
	if _, err = io.ReadFull(r, buf[:n]); err != nil {
		return errors.E(err, "read", path)
	}
	for i, b := range buf[:n] {
		dst.SetBase(i, offset, b)
	}
	return nil
}

// Unreserve drops the scratch buffers. It must not run concurrently with
// Load.
func (m *BclMapper) Unreserve() {
	if m.released {
		return
	}
	for i := 0; i < m.opts.Parallelism; i++ {
		if _, ok := m.scratch.Get(); !ok {
			log.Panicf("bcl scratch pool closed")
		}
	}
	m.released = true
}

// FiltersMapper reads the pass-filter flags of a tile.
type FiltersMapper struct {
	opts Opts
	buf  []byte
}

// NewFiltersMapper reserves space for tiles of up to maxClusters clusters.
func NewFiltersMapper(maxClusters int, opts Opts) *FiltersMapper {
	return &FiltersMapper{opts: opts, buf: make([]byte, filterHeaderSize+maxClusters)}
}

// Load fills pf, which must have one entry per cluster of the tile.
func (m *FiltersMapper) Load(ctx context.Context, tile flowcell.TileMetadata, pf []bool) (err error) {
	path := FilterPath(tile)
	in, err := file.Open(ctx, path)
	if err != nil {
		if m.opts.IgnoreMissingFilters && isNotExist(err) {
			log.Error.Printf("%s: missing, all %d clusters pass filter", path, len(pf))
			for i := range pf {
				pf[i] = true
			}
			return nil
		}
		return errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	n := len(pf)
	if filterHeaderSize+n > cap(m.buf) {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: %d clusters exceed the reserved %d", path, n, cap(m.buf)-filterHeaderSize))
	}
	buf := m.buf[:filterHeaderSize+n]
	if _, err = io.ReadFull(in.Reader(ctx), buf); err != nil {
		return errors.E(err, "read", path)
	}
	if count := int(binary.LittleEndian.Uint32(buf[8:])); count != n {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: holds %d clusters, %v has %d", path, count, tile, n))
	}
	for i, b := range buf[filterHeaderSize:] {
		pf[i] = b&1 != 0
	}
	return nil
}

// Unreserve drops the read buffer.
func (m *FiltersMapper) Unreserve() {
	m.buf = nil
}

// Loader combines a BclMapper and a FiltersMapper to load whole tiles.
type Loader struct {
	bcl     *BclMapper
	filters *FiltersMapper
}

// NewLoader creates a tile loader for tiles of up to maxClusters clusters.
func NewLoader(maxClusters int, opts Opts) *Loader {
	return &Loader{
		bcl:     NewBclMapper(maxClusters, opts),
		filters: NewFiltersMapper(maxClusters, opts),
	}
}

// LoadTile loads the base calls and filter flags of tile into dst.
func (l *Loader) LoadTile(ctx context.Context, tile flowcell.TileMetadata, reads flowcell.ReadMetadataList, paths []string, dst *alignment.BclClusters) ([]string, error) {
	paths, err := l.bcl.Load(ctx, tile, reads, paths, dst)
	if err != nil {
		return paths, err
	}
	return paths, l.filters.Load(ctx, tile, dst.PFFlags())
}

// Unreserve drops the buffers of both mappers.
func (l *Loader) Unreserve() {
	l.bcl.Unreserve()
	l.filters.Unreserve()
}
