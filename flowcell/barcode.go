package flowcell

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
)

// barcodeDistance is the Hamming distance of two barcodes of equal length
// and their edit distance otherwise.
func barcodeDistance(a, b string) int {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if len(a) == len(b) {
		d, err := matchr.Hamming(a, b)
		if err == nil {
			return d
		}
	}
	return matchr.Levenshtein(a, b)
}

// CheckCollisions fails if two barcodes sequenced in the same lane of the
// same flowcell are fewer than minDistance substitutions apart. Barcodes
// without a sequence are ignored.
func (l BarcodeMetadataList) CheckCollisions(minDistance int) error {
	for i := range l {
		a := &l[i]
		if a.Sequence == "" {
			continue
		}
		for j := i + 1; j < len(l); j++ {
			b := &l[j]
			if b.Sequence == "" || a.Lane != b.Lane || a.FlowcellIndex != b.FlowcellIndex {
				continue
			}
			if d := barcodeDistance(a.Sequence, b.Sequence); d < minDistance {
				return errors.E(errors.Invalid, fmt.Sprintf(
					"barcodes %s (%s) and %s (%s) of lane %d are %d apart, need %d",
					a.Name, a.Sequence, b.Name, b.Sequence, a.Lane, d, minDistance))
			}
		}
	}
	return nil
}
