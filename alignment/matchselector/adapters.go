package matchselector

import (
	"bytes"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bioalign/flowcell"
)

// SequencingAdapter is an adapter that may be read through at the 3' end of
// a short fragment.
type SequencingAdapter struct {
	Name     string
	Sequence []byte
}

// SequencingAdapterList is the set of adapters clipped from the reads of one
// barcode.
type SequencingAdapterList []SequencingAdapter

var adapterPresets = map[string]SequencingAdapterList{
	"standard": {{Name: "truseq", Sequence: []byte("AGATCGGAAGAGC")}},
	"nextera":  {{Name: "nextera", Sequence: []byte("CTGTCTCTTATACACATCT")}},
}

// ParseAdapters resolves a comma-separated list of adapter preset names.
// The empty string yields an empty list.
func ParseAdapters(names string) (SequencingAdapterList, error) {
	var list SequencingAdapterList
	if names == "" {
		return list, nil
	}
	for _, name := range strings.Split(names, ",") {
		preset, ok := adapterPresets[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, errors.E(errors.Invalid, "unknown adapter set:", name)
		}
		list = append(list, preset...)
	}
	return list, nil
}

// BarcodeAdapters resolves the adapters of every barcode, indexed by
// barcode index.
func BarcodeAdapters(barcodes flowcell.BarcodeMetadataList) ([]SequencingAdapterList, error) {
	maxIndex := -1
	for _, b := range barcodes {
		if b.Index > maxIndex {
			maxIndex = b.Index
		}
	}
	ret := make([]SequencingAdapterList, maxIndex+1)
	for _, b := range barcodes {
		list, err := ParseAdapters(b.Adapters)
		if err != nil {
			return nil, errors.E(err, "barcode", b.Name)
		}
		ret[b.Index] = list
	}
	return ret, nil
}

// minAdapterOverlap is the shortest adapter prefix recognized at the very
// end of a read.
const minAdapterOverlap = 6

// clipPosition returns the offset in seq at which the earliest adapter of
// the list starts, or len(seq) if none is found. An adapter matches if its
// full sequence occurs in seq, or if at least minAdapterOverlap leading
// bases of it end the read.
func (l SequencingAdapterList) clipPosition(seq []byte) int {
	best := len(seq)
	for _, a := range l {
		if i := bytes.Index(seq, a.Sequence); i >= 0 && i < best {
			best = i
			continue
		}
		for n := len(a.Sequence) - 1; n >= minAdapterOverlap; n-- {
			if n > len(seq) {
				continue
			}
			start := len(seq) - n
			if start < best && bytes.Equal(seq[start:], a.Sequence[:n]) {
				best = start
				break
			}
		}
	}
	return best
}
