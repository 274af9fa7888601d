package matchselector

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bioalign/alignment"
)

// Match files hold the seed-search output of one tile shard. The snappy
// framed stream is
//
//   uint64 count
//   count fixed-width records
//   uint64 seahash of the record bytes
//
// all little-endian.
const (
	matchRecordSize = 31
	flagReverse     = 1
)

func putMatch(buf []byte, m *alignment.Match) {
	binary.LittleEndian.PutUint64(buf[0:], m.Cluster)
	binary.LittleEndian.PutUint32(buf[8:], m.Tile)
	binary.LittleEndian.PutUint32(buf[12:], m.Barcode)
	binary.LittleEndian.PutUint32(buf[16:], m.Contig)
	binary.LittleEndian.PutUint64(buf[20:], uint64(m.Position))
	var flags byte
	if m.Reverse {
		flags |= flagReverse
	}
	buf[28] = flags
	buf[29] = m.Read
	buf[30] = m.Seed
}

func getMatch(buf []byte, m *alignment.Match) {
	m.Cluster = binary.LittleEndian.Uint64(buf[0:])
	m.Tile = binary.LittleEndian.Uint32(buf[8:])
	m.Barcode = binary.LittleEndian.Uint32(buf[12:])
	m.Contig = binary.LittleEndian.Uint32(buf[16:])
	m.Position = int64(binary.LittleEndian.Uint64(buf[20:]))
	m.Reverse = buf[28]&flagReverse != 0
	m.Read = buf[29]
	m.Seed = buf[30]
}

// WriteMatchFile stores matches in path.
func WriteMatchFile(ctx context.Context, path string, matches []alignment.Match) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := snappy.NewBufferedWriter(out.Writer(ctx))
	var (
		h   = seahash.New()
		buf [matchRecordSize]byte
	)
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(matches)))
	if _, err = w.Write(buf[:8]); err != nil {
		return errors.E(err, path)
	}
	for i := range matches {
		putMatch(buf[:], &matches[i])
		h.Write(buf[:]) // nolint: errcheck
		if _, err = w.Write(buf[:]); err != nil {
			return errors.E(err, path)
		}
	}
	binary.LittleEndian.PutUint64(buf[:8], h.Sum64())
	if _, err = w.Write(buf[:8]); err != nil {
		return errors.E(err, path)
	}
	if err = w.Close(); err != nil {
		return errors.E(err, path)
	}
	return nil
}

// readMatchFile reads the matches of path into dst, which must have exactly
// the length announced by the tally.
func readMatchFile(ctx context.Context, path string, dst []alignment.Match, h hash.Hash64) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := snappy.NewReader(in.Reader(ctx))
	var buf [matchRecordSize]byte
	if _, err = io.ReadFull(r, buf[:8]); err != nil {
		return errors.E(err, "read header", path)
	}
	if n := binary.LittleEndian.Uint64(buf[:8]); n != uint64(len(dst)) {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: holds %d matches, tally says %d", path, n, len(dst)))
	}
	h.Reset()
	for i := range dst {
		if _, err = io.ReadFull(r, buf[:]); err != nil {
			return errors.E(err, fmt.Sprintf("%s: match %d", path, i))
		}
		h.Write(buf[:]) // nolint: errcheck
		getMatch(buf[:], &dst[i])
	}
	if _, err = io.ReadFull(r, buf[:8]); err != nil {
		return errors.E(err, "read trailer", path)
	}
	if sum := binary.LittleEndian.Uint64(buf[:8]); sum != h.Sum64() {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"%s: checksum mismatch, stored %016x computed %016x", path, sum, h.Sum64()))
	}
	return nil
}
