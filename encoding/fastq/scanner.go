// Package fastq reads base calls stored as FASTQ, one file per data read,
// and loads them into the raw base-call arena in the same encoding as bcl
// files.
package fastq

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// A Read is one FASTQ record. The slices are reused by the next Scan.
type Read struct {
	ID, Seq, Qual []byte
}

// Filtered reports whether the Illumina comment of the ID line marks the
// read as failing the chastity filter, as in "@id 1:Y:0:ACGT".
func (r *Read) Filtered() bool {
	i := bytes.IndexByte(r.ID, ' ')
	if i < 0 {
		return false
	}
	fields := bytes.SplitN(r.ID[i+1:], []byte{':'}, 3)
	return len(fields) >= 2 && len(fields[1]) == 1 && fields[1][0] == 'Y'
}

// Scanner reads FASTQ records. It requires ID lines to begin with '@', line
// 3 to begin with '+' and the quality line to be as long as the sequence.
// Scanners are not threadsafe.
type Scanner struct {
	b      *bufio.Scanner
	name   string
	record int
	err    error
	eof    bool
}

// NewScanner creates a Scanner reading from r. name is used in error
// messages.
func NewScanner(r io.Reader, name string) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 64<<10), 16<<20)
	return &Scanner{b: b, name: name}
}

func (s *Scanner) fail(msg string) bool {
	s.err = errors.E(errors.Integrity, fmt.Sprintf("%s: record %d: %s", s.name, s.record, msg))
	return false
}

func (s *Scanner) line() bool {
	if s.b.Scan() {
		return true
	}
	if err := s.b.Err(); err != nil {
		s.err = errors.E(err, s.name)
		return false
	}
	return s.fail("truncated record")
}

// Scan reads the next record into read. It returns false at the end of the
// stream or on error; Err distinguishes the two.
func (s *Scanner) Scan(read *Read) bool {
	if s.err != nil || s.eof {
		return false
	}
	if !s.b.Scan() {
		if err := s.b.Err(); err != nil {
			s.err = errors.E(err, s.name)
		}
		s.eof = true
		return false
	}
	id := s.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		return s.fail("ID line does not start with '@'")
	}
	read.ID = append(read.ID[:0], id...)
	if !s.line() {
		return false
	}
	read.Seq = append(read.Seq[:0], s.b.Bytes()...)
	if !s.line() {
		return false
	}
	if plus := s.b.Bytes(); len(plus) == 0 || plus[0] != '+' {
		return s.fail("line 3 does not start with '+'")
	}
	if !s.line() {
		return false
	}
	read.Qual = append(read.Qual[:0], s.b.Bytes()...)
	if len(read.Qual) != len(read.Seq) {
		return s.fail(fmt.Sprintf("%d bases but %d qualities", len(read.Seq), len(read.Qual)))
	}
	s.record++
	return true
}

// Err returns the scanning error, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Records is the number of records scanned so far.
func (s *Scanner) Records() int { return s.record }
