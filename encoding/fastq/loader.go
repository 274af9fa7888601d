package fastq

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
)

// QualityOffset is the Phred offset of FASTQ quality characters.
const QualityOffset = 33

// Opts configures a Loader.
type Opts struct {
	// AllowVariableLength accepts records shorter or longer than the read
	// length. Short records are padded with no-calls, long ones truncated.
	AllowVariableLength bool
}

// ReadPath is the path of the FASTQ file holding the given data read
// (0-based) of a tile. A FASTQ "tile" covers a whole lane.
func ReadPath(tile flowcell.TileMetadata, readIndex int) string {
	name := fmt.Sprintf("lane%d_read%d.fastq", tile.Lane(), readIndex+1)
	if tile.Compression() == flowcell.GzCompression {
		name += ".gz"
	}
	return filepath.Join(tile.BaseCallsPath(), name)
}

// Loader loads the records of a tile's FASTQ files into the raw base-call
// arena, one cluster per record.
type Loader struct {
	opts  Opts
	reads []Read
}

// NewLoader creates a FASTQ tile loader.
func NewLoader(opts Opts) *Loader {
	return &Loader{opts: opts, reads: make([]Read, alignment.ReadsPerCluster)}
}

type readStream struct {
	in      file.File
	closer  io.Closer
	scanner *Scanner
	meta    flowcell.ReadMetadata
	offset  int
}

// LoadTile implements the tile loader of the match selection pipeline.
func (l *Loader) LoadTile(ctx context.Context, tile flowcell.TileMetadata, reads flowcell.ReadMetadataList, paths []string, dst *alignment.BclClusters) (_ []string, err error) {
	if l.reads == nil {
		return paths, errors.E(errors.NotAllowed, "fastq loader used after Unreserve")
	}
	if err = dst.Reset(tile.ClusterCount(), reads.TotalReadLength()); err != nil {
		return paths, err
	}
	paths = paths[:0]
	var streams []readStream
	defer func() {
		for _, s := range streams {
			if s.closer != nil {
				if e := s.closer.Close(); e != nil && err == nil {
					err = e
				}
			}
			file.CloseAndReport(ctx, s.in, &err)
		}
	}()
	offset := 0
	for _, r := range reads {
		if r.Length() == 0 {
			continue
		}
		path := ReadPath(tile, r.Index)
		paths = append(paths, path)
		in, err := file.Open(ctx, path)
		if err != nil {
			return paths, errors.E(err, "open", path)
		}
		s := readStream{in: in, meta: r, offset: offset}
		var rd io.Reader = in.Reader(ctx)
		if u, _ := compress.NewReaderPath(rd, path); u != nil {
			rd, s.closer = u, u
		}
		s.scanner = NewScanner(rd, path)
		streams = append(streams, s)
		offset += r.Length()
	}

	pf := dst.PFFlags()
	for cluster := 0; cluster < dst.Len(); cluster++ {
		pf[cluster] = true
		raw := dst.Cluster(cluster)
		for i := range streams {
			s := &streams[i]
			rec := &l.reads[s.meta.Index]
			if !s.scanner.Scan(rec) {
				if err := s.scanner.Err(); err != nil {
					return paths, err
				}
				return paths, errors.E(errors.Integrity, fmt.Sprintf(
					"%s: %d records, %v has %d clusters", paths[i], cluster, tile, dst.Len()))
			}
			if err := l.encode(rec, raw[s.offset:s.offset+s.meta.Length()], paths[i], cluster); err != nil {
				return paths, err
			}
			if rec.Filtered() {
				pf[cluster] = false
			}
		}
	}
	for i := range streams {
		var extra Read
		if streams[i].scanner.Scan(&extra) {
			return paths, errors.E(errors.Integrity, fmt.Sprintf(
				"%s: more records than the %d clusters of %v", paths[i], dst.Len(), tile))
		}
		if err := streams[i].scanner.Err(); err != nil {
			return paths, err
		}
	}
	log.Debug.Printf("loaded %d clusters of %v from %d fastq files", dst.Len(), tile, len(streams))
	return paths, nil
}

func (l *Loader) encode(rec *Read, raw []byte, path string, cluster int) error {
	if len(rec.Seq) != len(raw) && !l.opts.AllowVariableLength {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: record %d has %d bases, expected %d", path, cluster, len(rec.Seq), len(raw)))
	}
	for i := range raw {
		if i >= len(rec.Seq) {
			raw[i] = 0
			continue
		}
		q := int(rec.Qual[i]) - QualityOffset
		if q < 0 {
			return errors.E(errors.Integrity, fmt.Sprintf(
				"%s: record %d: quality character %q below offset %d", path, cluster, rec.Qual[i], QualityOffset))
		}
		if q > 63 {
			q = 63
		}
		raw[i] = alignment.EncodeBaseCall(rec.Seq[i], byte(q))
	}
	return nil
}

// Unreserve drops the record buffers.
func (l *Loader) Unreserve() {
	l.reads = nil
}
