// Package bcl loads Illumina base calls, one file per cycle, and the
// matching pass-filter files into the cluster-major arena used for match
// selection.
//
// A bcl file is a little-endian uint32 cluster count followed by one byte
// per cluster laid out as qqqqqqbb; zero is a no-call. Files may be gzip
// compressed. A filter file is uint32 0, uint32 version, uint32 cluster
// count, then one byte per cluster whose low bit is set when the cluster
// passed filter.
package bcl

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/klauspost/compress/gzip"
)

const (
	bclHeaderSize    = 4
	filterHeaderSize = 12
	filterVersion    = 3
)

// LaneDir is the directory holding the base calls of one lane.
func LaneDir(baseCallsPath string, lane int) string {
	return filepath.Join(baseCallsPath, fmt.Sprintf("L%03d", lane))
}

// CyclePath is the path of the bcl file of one cycle of a tile.
func CyclePath(tile flowcell.TileMetadata, cycle int) string {
	name := fmt.Sprintf("s_%d_%d.bcl", tile.Lane(), tile.Tile())
	if tile.Compression() == flowcell.GzCompression {
		name += ".gz"
	}
	return filepath.Join(LaneDir(tile.BaseCallsPath(), tile.Lane()), fmt.Sprintf("C%d.1", cycle), name)
}

// FilterPath is the path of the filter file of a tile.
func FilterPath(tile flowcell.TileMetadata) string {
	return filepath.Join(LaneDir(tile.BaseCallsPath(), tile.Lane()),
		fmt.Sprintf("s_%d_%d.filter", tile.Lane(), tile.Tile()))
}

// WriteBcl stores the base calls of one cycle.
func WriteBcl(ctx context.Context, path string, calls []byte, compression flowcell.Compression) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	var w io.Writer = out.Writer(ctx)
	var gz *gzip.Writer
	if compression == flowcell.GzCompression {
		gz = gzip.NewWriter(w)
		w = gz
	}
	var header [bclHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(calls)))
	if _, err = w.Write(header[:]); err != nil {
		return errors.E(err, path)
	}
	if _, err = w.Write(calls); err != nil {
		return errors.E(err, path)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.E(err, path)
		}
	}
	return nil
}

// WriteFilter stores the pass-filter flags of a tile.
func WriteFilter(ctx context.Context, path string, pf []bool) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	buf := make([]byte, filterHeaderSize+len(pf))
	binary.LittleEndian.PutUint32(buf[4:], filterVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(pf)))
	for i, ok := range pf {
		if ok {
			buf[filterHeaderSize+i] = 1
		}
	}
	_, err = out.Writer(ctx).Write(buf)
	return err
}

// openCycle opens a bcl file and returns a reader positioned after the
// header, along with the cluster count it announces.
func openCycle(ctx context.Context, path string, compression flowcell.Compression) (file.File, io.Reader, int, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, 0, err
	}
	var r io.Reader = in.Reader(ctx)
	if compression == flowcell.GzCompression {
		gz, err := gzip.NewReader(r)
		if err != nil {
			in.Close(ctx) // nolint: errcheck
			return nil, nil, 0, errors.E(err, "gzip", path)
		}
		r = gz
	}
	var header [bclHeaderSize]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		in.Close(ctx) // nolint: errcheck
		return nil, nil, 0, errors.E(err, "read header", path)
	}
	return in, r, int(binary.LittleEndian.Uint32(header[:])), nil
}
