package alignment

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/bioalign/flowcell"
)

// ReadsPerCluster is the number of read slots in a Cluster. The aligner
// supports single and paired-end data.
const ReadsPerCluster = 2

// NoCallQuality is the quality assigned to a no-call ('N').
const NoCallQuality = 2

var baseTable = [4]byte{'A', 'C', 'G', 'T'}

// DecodeBaseCall unpacks a raw base-call byte with the bit layout qqqqqqbb.
// A zero byte is a no-call.
func DecodeBaseCall(b byte) (base, quality byte) {
	if b == 0 {
		return 'N', NoCallQuality
	}
	return baseTable[b&3], b >> 2
}

// EncodeBaseCall packs a base and a quality into one raw base-call byte. It
// is the inverse of DecodeBaseCall.
func EncodeBaseCall(base, quality byte) byte {
	var b byte
	switch base {
	case 'A', 'a':
		b = 0
	case 'C', 'c':
		b = 1
	case 'G', 'g':
		b = 2
	case 'T', 't':
		b = 3
	default:
		return 0
	}
	if quality > 63 {
		quality = 63
	}
	if quality == 0 {
		// Distinguish 'A' at quality 0 from a no-call.
		return 0
	}
	return quality<<2 | b
}

// Read is one decoded read of a cluster.
type Read struct {
	index    int
	sequence []byte
	quality  []byte
}

func newRead(maxLength, index int) Read {
	return Read{
		index:    index,
		sequence: make([]byte, 0, maxLength),
		quality:  make([]byte, 0, maxLength),
	}
}

// Index is the data-read index.
func (r *Read) Index() int { return r.index }

// Len is the number of bases decoded for the current cluster.
func (r *Read) Len() int { return len(r.sequence) }

// ForwardSequence returns the decoded bases, valid until the next Init.
func (r *Read) ForwardSequence() []byte { return r.sequence }

// ForwardQuality returns the decoded qualities, valid until the next Init.
func (r *Read) ForwardQuality() []byte { return r.quality }

func (r *Read) decode(raw []byte) {
	if len(raw) > cap(r.sequence) {
		log.Panicf("read %d: length %d exceeds reserved capacity %d", r.index, len(raw), cap(r.sequence))
	}
	r.sequence = r.sequence[:len(raw)]
	r.quality = r.quality[:len(raw)]
	for i, b := range raw {
		r.sequence[i], r.quality[i] = DecodeBaseCall(b)
	}
}

func (r *Read) reset() {
	r.sequence = r.sequence[:0]
	r.quality = r.quality[:0]
}

// Cluster is the decoded data of one cluster. A Cluster is allocated once
// per worker at the maximum read length and reinitialized for every cluster
// it holds.
type Cluster struct {
	reads         [ReadsPerCluster]Read
	tile          int
	id            uint64
	pf            bool
	nonEmptyReads int
	raw           []byte
}

// NewCluster allocates a Cluster whose reads can hold up to maxReadLength
// bases each.
func NewCluster(maxReadLength int) *Cluster {
	c := &Cluster{}
	for i := range c.reads {
		c.reads[i] = newRead(maxReadLength, i)
	}
	return c
}

// Init decodes the raw base calls of one cluster. raw holds the bytes of
// all data reads back to back, in layout order. Reads of zero length are
// skipped.
func (c *Cluster) Init(reads flowcell.ReadMetadataList, raw []byte, tile int, id uint64, pf bool) {
	c.tile = tile
	c.id = id
	c.pf = pf
	c.nonEmptyReads = 0
	c.raw = raw
	for i := range c.reads {
		c.reads[i].reset()
	}
	pos := 0
	for _, r := range reads {
		// Masked-out reads are not expected here, but a zero-length read is
		// skipped without consuming raw bytes.
		if r.Length() == 0 {
			continue
		}
		if r.Index >= ReadsPerCluster {
			log.Panicf("read index %d out of range, max %d reads per cluster", r.Index, ReadsPerCluster)
		}
		c.reads[r.Index].decode(raw[pos : pos+r.Length()])
		pos += r.Length()
		c.nonEmptyReads++
	}
}

// Read returns the read with the given index.
func (c *Cluster) Read(i int) *Read { return &c.reads[i] }

// Tile is the tile index of the cluster.
func (c *Cluster) Tile() int { return c.tile }

// ID is the cluster number within the tile.
func (c *Cluster) ID() uint64 { return c.id }

// PF reports whether the cluster passed the chastity filter.
func (c *Cluster) PF() bool { return c.pf }

// NonEmptyReads is the number of reads decoded by the last Init.
func (c *Cluster) NonEmptyReads() int { return c.nonEmptyReads }

// RawOffset returns the offset of the first raw byte of the given read
// within the bytes passed to Init. It sums the lengths of the preceding
// reads on every call.
func (c *Cluster) RawOffset(readIndex int) int {
	offset := 0
	for i := 0; i < readIndex; i++ {
		offset += c.reads[i].Len()
	}
	return offset
}

// RawBytes returns the raw base-call bytes of the given read.
func (c *Cluster) RawBytes(readIndex int) []byte {
	off := c.RawOffset(readIndex)
	return c.raw[off : off+c.reads[readIndex].Len()]
}
