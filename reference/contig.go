// Package reference holds the reference contigs that matches are placed on.
//
// Contigs are parsed from FASTA. Sequence names are the stretch of
// characters immediately after '>' up to the first space; anything after the
// space is ignored, so '>chr1 A viral sequence' becomes 'chr1'.
package reference

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const bufferInitSize = 1024 * 1024 * 300 // 300 MB

// Contig is one reference sequence.
type Contig struct {
	Index int
	Name  string
	// Forward is the upper-case ASCII forward strand.
	Forward []byte
}

// Len is the number of bases in the contig.
func (c *Contig) Len() int { return len(c.Forward) }

// LoadContigs parses FASTA data into contigs, in order of appearance.
func LoadContigs(r io.Reader) ([]Contig, error) {
	var (
		contigs []Contig
		name    string
		seq     bytes.Buffer
		started bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, bufferInitSize)
	flush := func() {
		contigs = append(contigs, Contig{
			Index:   len(contigs),
			Name:    name,
			Forward: bytes.ToUpper(seq.Bytes()),
		})
		seq.Reset()
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if started {
				flush()
			}
			name = strings.Split(string(line[1:]), " ")[0]
			if name == "" {
				return nil, errors.Errorf("malformed FASTA file: empty sequence name")
			}
			started = true
			continue
		}
		if !started {
			return nil, errors.Errorf("malformed FASTA file: sequence data before the first name")
		}
		seq.Write(line)
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "couldn't read FASTA data")
	}
	if started {
		flush()
	}
	return contigs, nil
}

// LoadContigsFile reads the contigs of the given FASTA file.
func LoadContigsFile(ctx context.Context, path string) (contigs []Contig, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	contigs, err = LoadContigs(in.Reader(ctx))
	if err != nil {
		err = errors.Wrap(err, path)
	}
	return
}

// GenomeLength is the total number of bases in the contigs.
func GenomeLength(contigs []Contig) int {
	n := 0
	for i := range contigs {
		n += contigs[i].Len()
	}
	return n
}

// SortedReferenceList holds the contigs of every reference, indexed by
// reference index. Barcodes map to a reference through
// flowcell.BarcodeMetadata.ReferenceIndex.
type SortedReferenceList [][]Contig

// Contigs returns the contigs of the given reference, or nil when the index
// is out of range.
func (l SortedReferenceList) Contigs(referenceIndex int) []Contig {
	if referenceIndex < 0 || referenceIndex >= len(l) {
		return nil
	}
	return l[referenceIndex]
}
