// Package matchselector turns the candidate matches of a cluster into a
// template, stores templates in position bins, and loads the match files
// produced by the seed search.
package matchselector

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/bioalign/reference"
)

// Selector picks the best placement of every read of one cluster.
type Selector interface {
	// Select builds the template of cluster from its matches, which all
	// share one cluster id, tile and barcode. matches may be empty for a
	// cluster the seed search did not place. The boolean result is false
	// when the template must not be stored.
	Select(matches []alignment.Match, cluster *alignment.Cluster, adapters SequencingAdapterList) (alignment.Template, bool, error)
}

// Opts configures a TemplateBuilder.
type Opts struct {
	// BaseQualityCutoff clips trailing bases with a quality below it. Zero
	// disables quality clipping.
	BaseQualityCutoff int
	// RepeatThreshold is the number of distinct equally good placements
	// above which a read is reported as unmapped rather than as a repeat
	// with mapq 0.
	RepeatThreshold int
	// PFOnly drops clusters that did not pass filter.
	PFOnly bool
	// KeepUnaligned stores templates none of whose reads could be placed.
	KeepUnaligned bool
}

// DefaultOpts is the default selector configuration.
var DefaultOpts = Opts{
	BaseQualityCutoff: 25,
	RepeatThreshold:   10,
	KeepUnaligned:     true,
}

const maxMapq = 60

// TemplateBuilder is the default Selector. It scores every candidate
// placement of a read by the qualities of the mismatching bases. A
// TemplateBuilder is not thread safe; use one per compute worker.
type TemplateBuilder struct {
	opts       Opts
	refs       reference.SortedReferenceList
	barcodeRef []int
	oriented   []byte
	orientedQ  []byte
	candidates []candidate
}

type candidate struct {
	contig   uint32
	position int64
	reverse  bool
}

// NewTemplateBuilder creates a selector that places reads on the reference
// of their barcode.
func NewTemplateBuilder(refs reference.SortedReferenceList, barcodes flowcell.BarcodeMetadataList, opts Opts) *TemplateBuilder {
	maxIndex := -1
	for _, b := range barcodes {
		if b.Index > maxIndex {
			maxIndex = b.Index
		}
	}
	barcodeRef := make([]int, maxIndex+1)
	for _, b := range barcodes {
		barcodeRef[b.Index] = b.ReferenceIndex
	}
	return &TemplateBuilder{opts: opts, refs: refs, barcodeRef: barcodeRef}
}

func (b *TemplateBuilder) contigs(barcode uint32) []reference.Contig {
	if int(barcode) < len(b.barcodeRef) {
		return b.refs.Contigs(b.barcodeRef[barcode])
	}
	return b.refs.Contigs(0)
}

// Select implements Selector.
func (b *TemplateBuilder) Select(matches []alignment.Match, cluster *alignment.Cluster, adapters SequencingAdapterList) (alignment.Template, bool, error) {
	t := alignment.Template{
		Tile:    uint32(cluster.Tile()),
		Cluster: cluster.ID(),
		PF:      cluster.PF(),
	}
	if len(matches) > 0 {
		t.Barcode = matches[0].Barcode
	}
	if b.opts.PFOnly && !t.PF {
		return t, false, nil
	}
	contigs := b.contigs(t.Barcode)
	for i := 0; i < alignment.ReadsPerCluster; i++ {
		read := cluster.Read(i)
		if read.Len() == 0 {
			continue
		}
		ar, err := b.placeRead(read, matches, contigs, adapters)
		if err != nil {
			return t, false, errors.E(err, fmt.Sprintf("tile %d cluster %d", t.Tile, t.Cluster))
		}
		t.Reads = append(t.Reads, ar)
	}
	if t.Unaligned() && !b.opts.KeepUnaligned {
		return t, false, nil
	}
	return t, true, nil
}

// clip computes the soft clips of a read in forward orientation.
func (b *TemplateBuilder) clip(seq, qual []byte, adapters SequencingAdapterList) (left, right int) {
	end := adapters.clipPosition(seq)
	if cutoff := b.opts.BaseQualityCutoff; cutoff > 0 {
		for end > 0 && int(qual[end-1]) < cutoff {
			end--
		}
	}
	return 0, len(seq) - end
}

func (b *TemplateBuilder) placeRead(read *alignment.Read, matches []alignment.Match, contigs []reference.Contig, adapters SequencingAdapterList) (alignment.AlignedRead, error) {
	seq, qual := read.ForwardSequence(), read.ForwardQuality()
	ar := alignment.AlignedRead{
		Sequence: append([]byte(nil), seq...),
		Quality:  append([]byte(nil), qual...),
	}
	clipLeft, clipRight := b.clip(seq, qual, adapters)
	ar.ClipLeft, ar.ClipRight = uint16(clipLeft), uint16(clipRight)
	if clipLeft+clipRight >= len(seq) {
		return ar, nil
	}

	// Distinct placements of this read, in match order.
	b.candidates = b.candidates[:0]
	for i := range matches {
		m := &matches[i]
		if int(m.Read) != read.Index() {
			continue
		}
		if int(m.Contig) >= len(contigs) {
			return ar, errors.E(errors.Integrity, fmt.Sprintf(
				"%v: contig out of range, reference has %d contigs", *m, len(contigs)))
		}
		c := candidate{contig: m.Contig, position: m.Position, reverse: m.Reverse}
		if !b.seen(c) {
			b.candidates = append(b.candidates, c)
		}
	}

	const noScore = int32(-1 << 31)
	var (
		best, second = noScore, noScore
		bestCount    int
		bestIdx      = -1
		bestMism     int
	)
	for i, c := range b.candidates {
		score, mism, ok := b.score(seq, qual, clipLeft, clipRight, c, contigs[c.contig].Forward)
		if !ok {
			continue
		}
		switch {
		case score > best:
			second = best
			best, bestIdx, bestCount, bestMism = score, i, 1, mism
		case score == best:
			bestCount++
		case score > second:
			second = score
		}
	}
	if bestIdx < 0 {
		return ar, nil
	}
	if bestCount > b.opts.RepeatThreshold {
		log.Debug.Printf("read %d: %d equally good placements, leaving unmapped", read.Index(), bestCount)
		return ar, nil
	}
	c := b.candidates[bestIdx]
	ar.Contig = c.contig
	ar.Position = c.position
	ar.Reverse = c.reverse
	ar.Mapped = true
	ar.Score = best
	ar.Mismatches = uint16(bestMism)
	switch {
	case bestCount > 1:
		ar.Mapq = 0
	case second == noScore:
		ar.Mapq = maxMapq
	default:
		d := best - second
		if d > maxMapq {
			d = maxMapq
		}
		ar.Mapq = uint8(d)
	}
	return ar, nil
}

func (b *TemplateBuilder) seen(c candidate) bool {
	for _, o := range b.candidates {
		if o == c {
			return true
		}
	}
	return false
}

// score compares the unclipped part of the read, in the orientation of the
// candidate, against the reference. The score is the negated sum of the
// qualities of the mismatching bases. ok is false when the read does not
// fit on the contig.
func (b *TemplateBuilder) score(seq, qual []byte, clipLeft, clipRight int, c candidate, ref []byte) (score int32, mismatches int, ok bool) {
	n := len(seq)
	if c.position < 0 || c.position+int64(n) > int64(len(ref)) {
		return 0, 0, false
	}
	b.oriented = append(b.oriented[:0], seq...)
	b.orientedQ = append(b.orientedQ[:0], qual...)
	begin, end := clipLeft, n-clipRight
	if c.reverse {
		reverseComplement(b.oriented)
		reverseBytes(b.orientedQ)
		begin, end = clipRight, n-clipLeft
	}
	window := ref[c.position : c.position+int64(n)]
	for i := begin; i < end; i++ {
		base, r := b.oriented[i], window[i]
		if base == 'N' || r == 'N' || base == r {
			continue
		}
		mismatches++
		q := int32(b.orientedQ[i])
		if q < alignment.NoCallQuality {
			q = alignment.NoCallQuality
		}
		score -= q
	}
	return score, mismatches, true
}

var complement = [256]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A', 'N': 'N'}

func reverseComplement(s []byte) {
	for i, j := 0, len(s)-1; i <= j; i, j = i+1, j-1 {
		ci, cj := complement[s[i]], complement[s[j]]
		if ci == 0 {
			ci = 'N'
		}
		if cj == 0 {
			cj = 'N'
		}
		s[i], s[j] = cj, ci
	}
}

func reverseBytes(s []byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
