package fastq

import (
	"bufio"
	"io"
)

// Writer writes FASTQ records.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter creates a Writer on w. Flush must be called when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write writes one record with an empty line 3.
func (w *Writer) Write(r *Read) error {
	w.writeln(r.ID)
	w.writeln(r.Seq)
	w.writeln([]byte{'+'})
	w.writeln(r.Qual)
	return w.err
}

func (w *Writer) writeln(line []byte) {
	if w.err != nil {
		return
	}
	if _, w.err = w.w.Write(line); w.err == nil {
		w.err = w.w.WriteByte('\n')
	}
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}
