package alignment

import (
	"fmt"
	"path/filepath"
)

// AlignedRead is the placement chosen for one read of a cluster.
type AlignedRead struct {
	// Contig is the contig index; it is meaningless when Mapped is false.
	Contig   uint32
	Position int64
	Reverse  bool
	Mapped   bool
	Mapq     uint8
	// Mismatches is the number of mismatching bases in the aligned
	// portion.
	Mismatches uint16
	Score      int32
	// ClipLeft and ClipRight are the number of bases soft-clipped at
	// either end, in forward read orientation.
	ClipLeft, ClipRight uint16
	Sequence            []byte
	Quality             []byte
}

// Template is the selected alignment of one cluster.
type Template struct {
	Tile    uint32
	Barcode uint32
	Cluster uint64
	PF      bool
	Reads   []AlignedRead
}

// Unaligned reports whether no read of the template is mapped.
func (t *Template) Unaligned() bool {
	for i := range t.Reads {
		if t.Reads[i].Mapped {
			return false
		}
	}
	return true
}

// Anchor returns the first mapped read, which decides the template's bin.
func (t *Template) Anchor() (AlignedRead, bool) {
	for i := range t.Reads {
		if t.Reads[i].Mapped {
			return t.Reads[i], true
		}
	}
	return AlignedRead{}, false
}

// BinMetadata describes one output bin file.
type BinMetadata struct {
	Index    int
	Path     string
	DataSize int64
	Records  int64
	// Checksum is a digest of the marshaled records in file order.
	Checksum uint64
}

// String implements fmt.Stringer.
func (b BinMetadata) String() string {
	return fmt.Sprintf("BinMetadata(%d, %s, %d bytes, %d records, %016x)",
		b.Index, filepath.Base(b.Path), b.DataSize, b.Records, b.Checksum)
}

// BinMetadataList is a list of bins ordered by bin index.
type BinMetadataList []BinMetadata

// TotalDataSize is the sum of the bin sizes.
func (l BinMetadataList) TotalDataSize() int64 {
	var n int64
	for _, b := range l {
		n += b.DataSize
	}
	return n
}

// TotalRecords is the sum of the bin record counts.
func (l BinMetadataList) TotalRecords() int64 {
	var n int64
	for _, b := range l {
		n += b.Records
	}
	return n
}
