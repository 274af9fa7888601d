package matchselector

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/flowcell"
)

// Stats counts what happened to the clusters of one tile.
type Stats struct {
	Clusters   int64
	PFClusters int64
	Matches    int64
	// Templates is the number of templates stored.
	Templates int64
	Unaligned int64
	// Unique and Repeat count mapped reads with a unique best placement and
	// with several equally good ones.
	Unique  int64
	Repeat  int64
	Clipped int64
}

// AddCluster accounts for one selected cluster. stored tells whether the
// template was handed to the sink.
func (s *Stats) AddCluster(t *alignment.Template, matches int, stored bool) {
	s.Clusters++
	if t.PF {
		s.PFClusters++
	}
	s.Matches += int64(matches)
	if !stored {
		return
	}
	s.Templates++
	if t.Unaligned() {
		s.Unaligned++
	}
	for i := range t.Reads {
		r := &t.Reads[i]
		if r.ClipLeft > 0 || r.ClipRight > 0 {
			s.Clipped++
		}
		if !r.Mapped {
			continue
		}
		if r.Mapq == 0 {
			s.Repeat++
		} else {
			s.Unique++
		}
	}
}

// Merge adds the counts of o to s.
func (s *Stats) Merge(o Stats) {
	s.Clusters += o.Clusters
	s.PFClusters += o.PFClusters
	s.Matches += o.Matches
	s.Templates += o.Templates
	s.Unaligned += o.Unaligned
	s.Unique += o.Unique
	s.Repeat += o.Repeat
	s.Clipped += o.Clipped
}

type statsRow struct {
	Flowcell   string `tsv:"flowcell"`
	Lane       int    `tsv:"lane"`
	Tile       int    `tsv:"tile"`
	Clusters   int64  `tsv:"clusters"`
	PFClusters int64  `tsv:"pf_clusters"`
	Matches    int64  `tsv:"matches"`
	Templates  int64  `tsv:"templates"`
	Unaligned  int64  `tsv:"unaligned"`
	Unique     int64  `tsv:"unique"`
	Repeat     int64  `tsv:"repeat"`
	Clipped    int64  `tsv:"clipped"`
}

// WriteStatsTSV writes one row per tile. stats is indexed by tile index.
func WriteStatsTSV(ctx context.Context, path string, tiles flowcell.TileMetadataList, stats []Stats) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for _, tile := range tiles {
		row := statsRow{
			Flowcell: tile.FlowcellID(),
			Lane:     tile.Lane(),
			Tile:     tile.Tile(),
		}
		if tile.Index() < len(stats) {
			s := stats[tile.Index()]
			row.Clusters, row.PFClusters, row.Matches = s.Clusters, s.PFClusters, s.Matches
			row.Templates, row.Unaligned = s.Templates, s.Unaligned
			row.Unique, row.Repeat, row.Clipped = s.Unique, s.Repeat, s.Clipped
		}
		if err = w.Write(&row); err != nil {
			return errors.E(err, path)
		}
	}
	return w.Flush()
}
