package flowcell

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// ReadMetadata describes one read of a cluster: the sequencer cycles it is
// made of, and where its bases start inside a cluster's raw base-call bytes.
type ReadMetadata struct {
	// Index is the position of the read among the data (or index) reads.
	Index int
	// Cycles lists the 1-based sequencer cycles of the read, in order.
	Cycles []int
	// Offset is the position of the first base of this read in the
	// concatenation of all data reads. It is -1 for index reads.
	Offset int
	// FirstCycle is the first cycle of the read before masking.
	FirstCycle int
}

// NewReadMetadata creates a ReadMetadata. Offset should be -1 for index reads.
func NewReadMetadata(cycles []int, index, offset, firstCycle int) ReadMetadata {
	return ReadMetadata{Index: index, Cycles: cycles, Offset: offset, FirstCycle: firstCycle}
}

// Length is the number of cycles in the read.
func (r ReadMetadata) Length() int { return len(r.Cycles) }

// String implements fmt.Stringer.
func (r ReadMetadata) String() string {
	return fmt.Sprintf("ReadMetadata(%d, %d, %d, %d)", r.Index, r.Length(), r.Offset, r.FirstCycle)
}

// ReadMetadataList is the list of reads of a cluster, in layout order.
type ReadMetadataList []ReadMetadata

// TotalReadLength is the sum of the read lengths.
func (l ReadMetadataList) TotalReadLength() int {
	n := 0
	for _, r := range l {
		n += r.Length()
	}
	return n
}

// MaxReadLength is the length of the longest read.
func (l ReadMetadataList) MaxReadLength() int {
	n := 0
	for _, r := range l {
		if r.Length() > n {
			n = r.Length()
		}
	}
	return n
}

// AllCycles returns the cycles of all reads, in layout order.
func (l ReadMetadataList) AllCycles() []int {
	var cycles []int
	for _, r := range l {
		cycles = append(cycles, r.Cycles...)
	}
	return cycles
}

// Format is the on-disk format of a flowcell's base calls.
type Format int

const (
	// Bcl is one uncompressed file per cycle.
	Bcl Format = iota
	// BclGz is one gzip-compressed file per cycle.
	BclGz
	// Fastq is one FASTQ file per read and lane.
	Fastq
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case Bcl:
		return "bcl"
	case BclGz:
		return "bcl-gz"
	case Fastq:
		return "fastq"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat parses the output of Format.String.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "bcl":
		return Bcl, nil
	case "bcl-gz":
		return BclGz, nil
	case "fastq":
		return Fastq, nil
	}
	return Bcl, errors.E(errors.Invalid, "unknown base-calls format:", s)
}

// FlowcellLayout is the read geometry shared by all tiles of one flowcell.
type FlowcellLayout struct {
	FlowcellID    string
	Index         int
	Format        Format
	BaseCallsPath string
	DataReads     ReadMetadataList
	IndexReads    ReadMetadataList
}

// BarcodeMetadata maps a barcode of a lane to the reference it is aligned
// against.
type BarcodeMetadata struct {
	Index          int
	Name           string
	Sequence       string
	Lane           int
	FlowcellIndex  int
	ReferenceIndex int
	// Adapters names the adapter set ("standard", "nextera") that
	// should be clipped from the reads of this barcode. Empty means none.
	Adapters string
}

// BarcodeMetadataList is a list of barcodes indexed by BarcodeMetadata.Index.
type BarcodeMetadataList []BarcodeMetadata
