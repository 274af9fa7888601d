package matchselector

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/bioalign/alignment"
	"github.com/minio/highwayhash"
)

func init() {
	recordiozstd.Init()
}

// FragmentStorage receives the templates of every tile. Add may be called
// concurrently; templates of one bin are stored in the order Add is called.
type FragmentStorage interface {
	// Add buffers a template.
	Add(t *alignment.Template) error
	// Flush durably writes every template added so far.
	Flush() error
	// Unreserve drops buffers. Only BinPathList may be called afterwards.
	Unreserve()
	// BinPathList describes the bins written so far, ordered by bin index.
	BinPathList() alignment.BinMetadataList
}

// DefaultBinSize is the default number of reference positions per bin.
const DefaultBinSize = 1 << 24

var binChecksumKey = make([]byte, 32)

// BinStorage is a FragmentStorage that sorts templates into bins by the
// position of their first mapped read. Bins cover binSize positions of one
// contig; templates with no mapped read go to a final bin. Each bin is a
// recordio file compressed with zstd.
type BinStorage struct {
	ctx      context.Context
	dir      string
	binSize  int64
	firstBin []int // first bin of every contig
	nBins    int   // aligned bins; the unaligned bin is nBins

	mu       sync.Mutex
	pending  map[int][]alignment.Template
	bins     map[int]*binWriter
	released bool
	closed   bool
	// err is the first write failure. The storage rejects every later call.
	err error
}

type binWriter struct {
	meta   alignment.BinMetadata
	out    file.File
	count  *countingWriter
	w      recordio.Writer
	digest hash.Hash64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewBinStorage creates a sink writing under dir. contigLengths are the
// lengths of the reference contigs, indexed by contig index.
func NewBinStorage(ctx context.Context, dir string, contigLengths []int64, binSize int64) *BinStorage {
	if binSize <= 0 {
		binSize = DefaultBinSize
	}
	s := &BinStorage{
		ctx:      ctx,
		dir:      dir,
		binSize:  binSize,
		firstBin: make([]int, len(contigLengths)),
		pending:  map[int][]alignment.Template{},
		bins:     map[int]*binWriter{},
	}
	for i, n := range contigLengths {
		s.firstBin[i] = s.nBins
		s.nBins += int((n + binSize - 1) / binSize)
		if n == 0 {
			s.nBins++
		}
	}
	return s
}

// BinIndex returns the bin a template belongs to.
func (s *BinStorage) BinIndex(t *alignment.Template) (int, error) {
	anchor, ok := t.Anchor()
	if !ok {
		return s.nBins, nil
	}
	if int(anchor.Contig) >= len(s.firstBin) {
		return 0, errors.E(errors.Integrity, fmt.Sprintf(
			"template of cluster %d placed on contig %d, reference has %d", t.Cluster, anchor.Contig, len(s.firstBin)))
	}
	pos := anchor.Position
	if pos < 0 {
		pos = 0
	}
	bin := s.firstBin[anchor.Contig] + int(pos/s.binSize)
	if next := int(anchor.Contig) + 1; next < len(s.firstBin) && bin >= s.firstBin[next] {
		bin = s.firstBin[next] - 1
	}
	return bin, nil
}

// Add implements FragmentStorage.
func (s *BinStorage) Add(t *alignment.Template) error {
	bin, err := s.BinIndex(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.closed {
		return errors.E(errors.NotAllowed, "add to a released bin storage")
	}
	s.pending[bin] = append(s.pending[bin], *t)
	return nil
}

func (s *BinStorage) binPath(bin int) string {
	if bin == s.nBins {
		return filepath.Join(s.dir, "unaligned.rio")
	}
	return filepath.Join(s.dir, fmt.Sprintf("bin-%05d.rio", bin))
}

func (s *BinStorage) open(bin int) (*binWriter, error) {
	if b, ok := s.bins[bin]; ok {
		return b, nil
	}
	path := s.binPath(bin)
	out, err := file.Create(s.ctx, path)
	if err != nil {
		return nil, errors.E(err, "create bin", path)
	}
	digest, err := highwayhash.New64(binChecksumKey)
	if err != nil {
		return nil, err
	}
	b := &binWriter{
		meta:   alignment.BinMetadata{Index: bin, Path: path},
		out:    out,
		count:  &countingWriter{w: out.Writer(s.ctx)},
		digest: digest,
	}
	b.w = recordio.NewWriter(b.count, recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			data := marshalTemplate(scratch, v.(*alignment.Template))
			b.digest.Write(data) // nolint: errcheck
			return data, nil
		},
		Transformers: []string{recordiozstd.Name},
	})
	b.w.AddHeader(recordio.KeyTrailer, true)
	s.bins[bin] = b
	log.Debug.Printf("opened bin %d: %s", bin, path)
	return b, nil
}

// Flush implements FragmentStorage. Bins are written in index order.
func (s *BinStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.closed {
		return errors.E(errors.NotAllowed, "flush of a released bin storage")
	}
	if s.err != nil {
		return s.err
	}
	indexes := make([]int, 0, len(s.pending))
	for bin := range s.pending {
		indexes = append(indexes, bin)
	}
	sort.Ints(indexes)
	type flushedBin struct {
		b *binWriter
		n int
	}
	var flushed []flushedBin
	for _, bin := range indexes {
		templates := s.pending[bin]
		if len(templates) == 0 {
			continue
		}
		b, err := s.open(bin)
		if err != nil {
			s.err = err
			return err
		}
		for i := range templates {
			b.w.Append(&templates[i])
		}
		b.w.Flush()
		flushed = append(flushed, flushedBin{b, len(templates)})
		s.pending[bin] = templates[:0]
	}
	// Metadata describes durable bytes only, so it is left untouched when
	// any bin fails.
	for _, f := range flushed {
		f.b.w.Wait()
		if err := f.b.w.Err(); err != nil && s.err == nil {
			s.err = errors.E(err, "flush", f.b.meta.Path)
		}
	}
	if s.err != nil {
		return s.err
	}
	for _, f := range flushed {
		f.b.meta.Records += int64(f.n)
		f.b.meta.DataSize = f.b.count.n
		f.b.meta.Checksum = f.b.digest.Sum64()
	}
	return nil
}

// Close finishes every bin file. Buffered templates that were not flushed
// are written first.
func (s *BinStorage) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, bin := range s.sortedBins() {
		b := s.bins[bin]
		b.w.SetTrailer(binTrailer(b.meta))
		if e := b.w.Finish(); e != nil && err == nil {
			err = errors.E(e, "finish", b.meta.Path)
		}
		b.meta.DataSize = b.count.n
		if e := b.out.Close(s.ctx); e != nil && err == nil {
			err = errors.E(e, "close", b.meta.Path)
		}
	}
	s.closed = true
	return err
}

func (s *BinStorage) sortedBins() []int {
	indexes := make([]int, 0, len(s.bins))
	for bin := range s.bins {
		indexes = append(indexes, bin)
	}
	sort.Ints(indexes)
	return indexes
}

// Unreserve implements FragmentStorage.
func (s *BinStorage) Unreserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.released = true
}

// BinPathList implements FragmentStorage.
func (s *BinStorage) BinPathList() alignment.BinMetadataList {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list alignment.BinMetadataList
	for _, bin := range s.sortedBins() {
		list = append(list, s.bins[bin].meta)
	}
	return list
}

func binTrailer(meta alignment.BinMetadata) []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(meta.Records))
	binary.LittleEndian.PutUint64(buf[8:], meta.Checksum)
	return buf[:]
}

// Template wire format, little-endian:
//
//   tile u32, barcode u32, cluster u64, pf u8, nreads u8
//   per read: contig u32, position i64, flags u8, mapq u8, mismatches u16,
//             score i32, clipLeft u16, clipRight u16, length u16,
//             sequence, quality
const (
	templateHeaderSize = 18
	readHeaderSize     = 26

	readReverse = 1
	readMapped  = 2
)

func marshalTemplate(scratch []byte, t *alignment.Template) []byte {
	n := templateHeaderSize
	for i := range t.Reads {
		n += readHeaderSize + 2*len(t.Reads[i].Sequence)
	}
	buf := scratch
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	binary.LittleEndian.PutUint32(buf[0:], t.Tile)
	binary.LittleEndian.PutUint32(buf[4:], t.Barcode)
	binary.LittleEndian.PutUint64(buf[8:], t.Cluster)
	buf[16] = 0
	if t.PF {
		buf[16] = 1
	}
	buf[17] = byte(len(t.Reads))
	p := buf[templateHeaderSize:]
	for i := range t.Reads {
		r := &t.Reads[i]
		binary.LittleEndian.PutUint32(p[0:], r.Contig)
		binary.LittleEndian.PutUint64(p[4:], uint64(r.Position))
		var flags byte
		if r.Reverse {
			flags |= readReverse
		}
		if r.Mapped {
			flags |= readMapped
		}
		p[12] = flags
		p[13] = r.Mapq
		binary.LittleEndian.PutUint16(p[14:], r.Mismatches)
		binary.LittleEndian.PutUint32(p[16:], uint32(r.Score))
		binary.LittleEndian.PutUint16(p[20:], r.ClipLeft)
		binary.LittleEndian.PutUint16(p[22:], r.ClipRight)
		binary.LittleEndian.PutUint16(p[24:], uint16(len(r.Sequence)))
		p = p[readHeaderSize:]
		copy(p, r.Sequence)
		p = p[len(r.Sequence):]
		copy(p, r.Quality)
		p = p[len(r.Quality):]
	}
	return buf
}

func unmarshalTemplate(data []byte) (interface{}, error) {
	if len(data) < templateHeaderSize {
		return nil, errors.E(errors.Integrity, "truncated template record")
	}
	t := &alignment.Template{
		Tile:    binary.LittleEndian.Uint32(data[0:]),
		Barcode: binary.LittleEndian.Uint32(data[4:]),
		Cluster: binary.LittleEndian.Uint64(data[8:]),
		PF:      data[16] == 1,
		Reads:   make([]alignment.AlignedRead, data[17]),
	}
	p := data[templateHeaderSize:]
	for i := range t.Reads {
		if len(p) < readHeaderSize {
			return nil, errors.E(errors.Integrity, "truncated read record")
		}
		r := &t.Reads[i]
		r.Contig = binary.LittleEndian.Uint32(p[0:])
		r.Position = int64(binary.LittleEndian.Uint64(p[4:]))
		r.Reverse = p[12]&readReverse != 0
		r.Mapped = p[12]&readMapped != 0
		r.Mapq = p[13]
		r.Mismatches = binary.LittleEndian.Uint16(p[14:])
		r.Score = int32(binary.LittleEndian.Uint32(p[16:]))
		r.ClipLeft = binary.LittleEndian.Uint16(p[20:])
		r.ClipRight = binary.LittleEndian.Uint16(p[22:])
		n := int(binary.LittleEndian.Uint16(p[24:]))
		p = p[readHeaderSize:]
		if len(p) < 2*n {
			return nil, errors.E(errors.Integrity, "truncated read bases")
		}
		r.Sequence = append([]byte(nil), p[:n]...)
		r.Quality = append([]byte(nil), p[n:2*n]...)
		p = p[2*n:]
	}
	return t, nil
}

// ReadBin reads back the templates of a bin file and verifies the record
// count and checksum stored in its trailer.
func ReadBin(ctx context.Context, path string) (templates []alignment.Template, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open bin", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	digest, err := highwayhash.New64(binChecksumKey)
	if err != nil {
		return nil, err
	}
	scanner := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{
		Unmarshal: func(data []byte) (interface{}, error) {
			digest.Write(data) // nolint: errcheck
			return unmarshalTemplate(data)
		},
	})
	for scanner.Scan() {
		templates = append(templates, *scanner.Get().(*alignment.Template))
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.E(err, "scan bin", path)
	}
	trailer := scanner.Trailer()
	if len(trailer) == 16 {
		records := int64(binary.LittleEndian.Uint64(trailer[0:]))
		checksum := binary.LittleEndian.Uint64(trailer[8:])
		if records != int64(len(templates)) || checksum != digest.Sum64() {
			return nil, errors.E(errors.Integrity, fmt.Sprintf(
				"%s: trailer says %d records with checksum %016x, read %d with %016x",
				path, records, checksum, len(templates), digest.Sum64()))
		}
	}
	return templates, scanner.Finish()
}
