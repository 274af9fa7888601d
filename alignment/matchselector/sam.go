package matchselector

import (
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/reference"
	"github.com/grailbio/hts/sam"
)

// NewSAMHeader creates a header with one reference per contig, in contig
// order.
func NewSAMHeader(contigs []reference.Contig) (*sam.Header, error) {
	refs := make([]*sam.Reference, len(contigs))
	for i := range contigs {
		ref, err := sam.NewReference(contigs[i].Name, "", "", contigs[i].Len(), nil, nil)
		if err != nil {
			return nil, errors.E(err, "contig", contigs[i].Name)
		}
		refs[i] = ref
	}
	return sam.NewHeader(nil, refs)
}

// SAMRecords converts a template into one record per read. The record name
// is "<tile>:<cluster>". Reads placed on the reverse strand are stored
// reverse complemented, as SAM requires.
func SAMRecords(h *sam.Header, t *alignment.Template) ([]*sam.Record, error) {
	refs := h.Refs()
	name := fmt.Sprintf("%d:%d", t.Tile, t.Cluster)
	recs := make([]*sam.Record, len(t.Reads))
	for i := range t.Reads {
		ar := &t.Reads[i]
		r := &sam.Record{Name: name, Pos: -1, MatePos: -1}
		seq := append([]byte(nil), ar.Sequence...)
		qual := append([]byte(nil), ar.Quality...)
		if ar.Mapped {
			if int(ar.Contig) >= len(refs) {
				return nil, errors.E(errors.Integrity, fmt.Sprintf(
					"template %s placed on contig %d, header has %d", name, ar.Contig, len(refs)))
			}
			lead, trail := int(ar.ClipLeft), int(ar.ClipRight)
			if ar.Reverse {
				reverseComplement(seq)
				reverseBytes(qual)
				lead, trail = trail, lead
				r.Flags |= sam.Reverse
			}
			if lead > 0 {
				r.Cigar = append(r.Cigar, sam.NewCigarOp(sam.CigarSoftClipped, lead))
			}
			r.Cigar = append(r.Cigar, sam.NewCigarOp(sam.CigarMatch, len(seq)-lead-trail))
			if trail > 0 {
				r.Cigar = append(r.Cigar, sam.NewCigarOp(sam.CigarSoftClipped, trail))
			}
			r.Ref = refs[ar.Contig]
			r.Pos = int(ar.Position) + lead
			r.MapQ = ar.Mapq
			nm, err := sam.NewAux(sam.NewTag("NM"), int(ar.Mismatches))
			if err != nil {
				return nil, err
			}
			r.AuxFields = append(r.AuxFields, nm)
		} else {
			r.Flags |= sam.Unmapped
		}
		if !t.PF {
			r.Flags |= sam.QCFail
		}
		r.Seq = sam.NewSeq(seq)
		r.Qual = qual
		recs[i] = r
	}
	if len(recs) == 2 {
		for i, r := range recs {
			mate := recs[1-i]
			r.Flags |= sam.Paired
			if i == 0 {
				r.Flags |= sam.Read1
			} else {
				r.Flags |= sam.Read2
			}
			r.MateRef, r.MatePos = mate.Ref, mate.Pos
			if mate.Flags&sam.Unmapped != 0 {
				r.Flags |= sam.MateUnmapped
			}
			if mate.Flags&sam.Reverse != 0 {
				r.Flags |= sam.MateReverse
			}
		}
	}
	return recs, nil
}

// WriteSAM writes the header and the records of every template as SAM text.
func WriteSAM(w io.Writer, h *sam.Header, templates []alignment.Template) error {
	sw, err := sam.NewWriter(w, h, sam.FlagDecimal)
	if err != nil {
		return err
	}
	for i := range templates {
		recs, err := SAMRecords(h, &templates[i])
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := sw.Write(r); err != nil {
				return err
			}
		}
	}
	return nil
}
