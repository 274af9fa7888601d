package main

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/reference"
)

// dumpBin writes the templates of one bin file to w as SAM, against the
// contigs of the reference FASTA at refPath.
func dumpBin(ctx context.Context, w io.Writer, binPath, refPath string) error {
	contigs, err := reference.LoadContigsFile(ctx, refPath)
	if err != nil {
		return err
	}
	h, err := matchselector.NewSAMHeader(contigs)
	if err != nil {
		return errors.E(err, "sam header for", refPath)
	}
	templates, err := matchselector.ReadBin(ctx, binPath)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if err := matchselector.WriteSAM(bw, h, templates); err != nil {
		return errors.E(err, "dump", binPath)
	}
	return bw.Flush()
}
