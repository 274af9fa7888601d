package flowcell

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// tileRow is one line of a tile manifest.
type tileRow struct {
	FlowcellID    string `tsv:"flowcell"`
	FlowcellIndex int    `tsv:"flowcell_index"`
	Format        string `tsv:"format"`
	BaseCallsPath string `tsv:"base_calls"`
	Lane          int    `tsv:"lane"`
	Tile          int    `tsv:"tile"`
	Clusters      int    `tsv:"clusters"`
	Compression   string `tsv:"compression"`
}

// barcodeRow is one line of a barcode manifest.
type barcodeRow struct {
	Index          int    `tsv:"index"`
	Name           string `tsv:"name"`
	Sequence       string `tsv:"sequence"`
	Lane           int    `tsv:"lane"`
	FlowcellIndex  int    `tsv:"flowcell_index"`
	ReferenceIndex int    `tsv:"reference_index"`
	Adapters       string `tsv:"adapters"`
}

// Manifest lists the tiles of a run together with the layouts of their
// flowcells.
type Manifest struct {
	Tiles   TileMetadataList
	Layouts []FlowcellLayout
}

// ReadManifest parses a tile manifest TSV. Tiles are indexed in order of
// appearance. The data and index reads of every flowcell are derived from
// readLengths and useBasesMask; rows of one flowcell must agree on its id,
// format and base-calls path.
func ReadManifest(r io.Reader, readLengths []int, useBasesMask string, minReadLength int) (Manifest, error) {
	var m Manifest
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	layouts := map[int]int{}
	for line := 1; ; line++ {
		var row tileRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return m, errors.E(errors.Invalid, err, "tile manifest")
		}
		compression, err := ParseCompression(row.Compression)
		if err != nil {
			return m, errors.E(err, fmt.Sprintf("tile manifest line %d", line))
		}
		format, err := ParseFormat(row.Format)
		if err != nil {
			return m, errors.E(err, fmt.Sprintf("tile manifest line %d", line))
		}
		if row.Clusters < 0 {
			return m, errors.E(errors.Invalid, fmt.Sprintf("tile manifest line %d: negative cluster count %d", line, row.Clusters))
		}
		if i, ok := layouts[row.FlowcellIndex]; ok {
			l := m.Layouts[i]
			if l.FlowcellID != row.FlowcellID || l.Format != format || l.BaseCallsPath != row.BaseCallsPath {
				return m, errors.E(errors.Invalid, fmt.Sprintf(
					"tile manifest line %d: flowcell %d is %s (%v, %s), earlier rows say %s (%v, %s)",
					line, row.FlowcellIndex, row.FlowcellID, format, row.BaseCallsPath, l.FlowcellID, l.Format, l.BaseCallsPath))
			}
		} else {
			parsed, err := ParseUseBasesMask(nil, readLengths, useBasesMask, row.BaseCallsPath, minReadLength)
			if err != nil {
				return m, err
			}
			layouts[row.FlowcellIndex] = len(m.Layouts)
			m.Layouts = append(m.Layouts, FlowcellLayout{
				FlowcellID:    row.FlowcellID,
				Index:         row.FlowcellIndex,
				Format:        format,
				BaseCallsPath: row.BaseCallsPath,
				DataReads:     parsed.DataReads,
				IndexReads:    parsed.IndexReads,
			})
		}
		m.Tiles = append(m.Tiles, NewTileMetadata(row.FlowcellID, row.FlowcellIndex, row.Tile, row.Lane,
			row.BaseCallsPath, row.Clusters, compression, len(m.Tiles)))
	}
	return m, nil
}

// ReadManifestFile reads a tile manifest from the given path.
func ReadManifestFile(ctx context.Context, path string, readLengths []int, useBasesMask string, minReadLength int) (m Manifest, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return m, errors.E(err, "open tile manifest", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadManifest(in.Reader(ctx), readLengths, useBasesMask, minReadLength)
}

// ReadBarcodes parses a barcode manifest TSV. Barcode indexes must be
// unique.
func ReadBarcodes(r io.Reader) (BarcodeMetadataList, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	var (
		list BarcodeMetadataList
		seen = map[int]bool{}
	)
	for {
		var row barcodeRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "barcode manifest")
		}
		if row.Index < 0 || seen[row.Index] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("barcode manifest: bad or duplicate index %d", row.Index))
		}
		seen[row.Index] = true
		list = append(list, BarcodeMetadata(row))
	}
	return list, nil
}

// ReadBarcodesFile reads a barcode manifest from the given path.
func ReadBarcodesFile(ctx context.Context, path string) (list BarcodeMetadataList, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open barcode manifest", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadBarcodes(in.Reader(ctx))
}
