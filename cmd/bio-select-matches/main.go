package main

/*
bio-select-matches turns the seed matches of a sequencing run into aligned
templates. For every tile listed in the manifest it loads the base calls and
the tile's match files, picks the best placement of every read and stores
the templates in reference-ordered bin files under -out.

Example:

  bio-select-matches -manifest=tiles.tsv -read-lengths=151,8,151 \
    -use-bases-mask=y*,i8,y* -reference=hg19.fa -match-tally=tally.tsv \
    -out=/scratch/bins -stats=/scratch/stats.tsv
*/

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bioalign/alignment"
	"github.com/grailbio/bioalign/alignment/matchselector"
	"github.com/grailbio/bioalign/encoding/bcl"
	"github.com/grailbio/bioalign/encoding/fastq"
	"github.com/grailbio/bioalign/flowcell"
	"github.com/grailbio/bioalign/memctl"
	"github.com/grailbio/bioalign/reference"
	"github.com/grailbio/bioalign/workflow/selectmatches"
)

var (
	manifestPath     = flag.String("manifest", "", "Tile manifest TSV (flowcell, flowcell_index, format, base_calls, lane, tile, clusters, compression)")
	barcodesPath     = flag.String("barcodes", "", "Barcode manifest TSV; by default every match uses reference 0 and no adapters are clipped")
	barcodeDistance  = flag.Int("min-barcode-distance", 1, "Reject barcodes of one lane that are fewer substitutions apart")
	readLengths      = flag.String("read-lengths", "", "Comma-separated number of cycles of every read, index reads included")
	useBasesMask     = flag.String("use-bases-mask", "y*", "Use-bases-mask applied to every flowcell")
	minReadLength    = flag.Int("min-read-length", flowcell.DefaultMinReadLength, "Shortest data read accepted after masking")
	referencePaths   = flag.String("reference", "", "Comma-separated reference FASTA paths, in reference index order")
	tallyPath        = flag.String("match-tally", "", "Match tally TSV listing the match files of every tile")
	outDir           = flag.String("out", "", "Output directory of the bin files")
	binSize          = flag.Int64("bin-size", matchselector.DefaultBinSize, "Number of reference positions covered by one bin")
	statsPath        = flag.String("stats", "", "If set, write per-tile statistics TSV to this path")
	threads          = flag.Int("threads", selectmatches.DefaultOpts.Threads, "Total number of worker threads")
	loadWorkers      = flag.Int("load-workers", selectmatches.DefaultOpts.LoadWorkers, "Number of tiles loaded ahead of compute; each reserves buffers for the largest tile")
	flushWorkers     = flag.Int("flush-workers", selectmatches.DefaultOpts.FlushWorkers, "Number of flush workers")
	runsPerJob       = flag.Int("runs-per-job", selectmatches.DefaultOpts.RunsPerJob, "Clusters handed to a compute worker at once")
	memoryMode       = flag.String("memory-control", "off", "Memory control: off, warning or strict")
	memoryBudget     = flag.Uint64("memory-budget", selectmatches.DefaultOpts.MemoryBudget, "Bytes a run may allocate under -memory-control=warning or strict")
	bclParallelism   = flag.Int("bcl-parallelism", bcl.DefaultOpts.Parallelism, "Number of cycle files read concurrently per tile")
	ignoreMissingBcl = flag.Bool("ignore-missing-bcls", false, "Load missing cycle files as no-calls")
	ignoreMissingPF  = flag.Bool("ignore-missing-filters", false, "Treat every cluster of a tile without filter file as passing filter")
	matchParallelism = flag.Int("match-parallelism", 4, "Number of match files read concurrently per tile")
	variableLength   = flag.Bool("fastq-variable-length", false, "Accept FASTQ records shorter or longer than the read")
	qualityCutoff    = flag.Int("base-quality-cutoff", matchselector.DefaultOpts.BaseQualityCutoff, "Soft-clip trailing bases with a quality below this value; 0 disables")
	repeatThreshold  = flag.Int("repeat-threshold", matchselector.DefaultOpts.RepeatThreshold, "Leave reads with more equally good placements than this unmapped")
	pfOnly           = flag.Bool("pf-only", matchselector.DefaultOpts.PFOnly, "Drop clusters that did not pass filter")
	dumpBinPath      = flag.String("dump-bin", "", "If set, print this bin file as SAM against the first -reference and exit")
	keepUnaligned    = flag.Bool("keep-unaligned", matchselector.DefaultOpts.KeepUnaligned, "Store templates none of whose reads were placed")
)

func usage() {
	fmt.Printf("Usage: %s -manifest=PATH -read-lengths=N,... -reference=PATH -match-tally=PATH -out=DIR [OPTIONS]\n", os.Args[0])
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

func parseReadLengths(s string) ([]int, error) {
	var lengths []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n <= 0 {
			return nil, errors.E(errors.Invalid, "bad read length", f, "in", s)
		}
		lengths = append(lengths, n)
	}
	return lengths, nil
}

// binContigLengths lays the bins out over the longest contig of every index
// across the references.
func binContigLengths(refs reference.SortedReferenceList) []int64 {
	var lengths []int64
	for _, contigs := range refs {
		for i := range contigs {
			if i == len(lengths) {
				lengths = append(lengths, 0)
			}
			if n := int64(contigs[i].Len()); n > lengths[i] {
				lengths[i] = n
			}
		}
	}
	return lengths
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if *dumpBinPath != "" {
		if err := dumpBin(vcontext.Background(), os.Stdout, *dumpBinPath, strings.Split(*referencePaths, ",")[0]); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *manifestPath == "" || *readLengths == "" || *referencePaths == "" || *tallyPath == "" || *outDir == "" {
		usage()
		log.Fatalf("-manifest, -read-lengths, -reference, -match-tally and -out are required")
	}
	ctx := vcontext.Background()

	lengths, err := parseReadLengths(*readLengths)
	if err != nil {
		log.Fatal(err)
	}
	manifest, err := flowcell.ReadManifestFile(ctx, *manifestPath, lengths, *useBasesMask, *minReadLength)
	if err != nil {
		log.Fatal(err)
	}
	barcodes := flowcell.BarcodeMetadataList{{Index: 0, Name: "default"}}
	if *barcodesPath != "" {
		if barcodes, err = flowcell.ReadBarcodesFile(ctx, *barcodesPath); err != nil {
			log.Fatal(err)
		}
		if err := barcodes.CheckCollisions(*barcodeDistance); err != nil {
			log.Fatal(err)
		}
	}
	var refs reference.SortedReferenceList
	for _, path := range strings.Split(*referencePaths, ",") {
		contigs, err := reference.LoadContigsFile(ctx, path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("%s: %d contigs, %d bases", path, len(contigs), reference.GenomeLength(contigs))
		refs = append(refs, contigs)
	}
	tally, err := alignment.ReadMatchTallyFile(ctx, *tallyPath)
	if err != nil {
		log.Fatal(err)
	}
	mode, err := memctl.ParseMode(*memoryMode)
	if err != nil {
		log.Fatal(err)
	}
	if !strings.Contains(*outDir, "://") {
		if err := os.MkdirAll(*outDir, 0777); err != nil {
			log.Fatal(err)
		}
	}

	selectorOpts := matchselector.Opts{
		BaseQualityCutoff: *qualityCutoff,
		RepeatThreshold:   *repeatThreshold,
		PFOnly:            *pfOnly,
		KeepUnaligned:     *keepUnaligned,
	}
	loaders := selectmatches.Loaders{
		Bcl: bcl.NewLoader(manifest.Tiles.MaxClusterCount(), bcl.Opts{
			Parallelism:          *bclParallelism,
			IgnoreMissingBcls:    *ignoreMissingBcl,
			IgnoreMissingFilters: *ignoreMissingPF,
		}),
		Fastq:   fastq.NewLoader(fastq.Opts{AllowVariableLength: *variableLength}),
		Matches: matchselector.NewParallelMatchLoader(*matchParallelism),
	}
	storage := matchselector.NewBinStorage(ctx, *outDir, binContigLengths(refs), *binSize)
	tr, err := selectmatches.New(manifest.Tiles, manifest.Layouts, barcodes, tally, storage, loaders,
		func() matchselector.Selector {
			return matchselector.NewTemplateBuilder(refs, barcodes, selectorOpts)
		},
		selectmatches.Opts{
			Threads:      *threads,
			LoadWorkers:  *loadWorkers,
			FlushWorkers: *flushWorkers,
			RunsPerJob:   *runsPerJob,
			MemoryBudget: *memoryBudget,
		})
	if err != nil {
		log.Fatal(err)
	}
	if err := tr.Run(ctx, mode, *statsPath); err != nil {
		log.Fatal(err)
	}
	if err := storage.Close(); err != nil {
		log.Fatal(err)
	}
	bins := tr.BinMetadata()
	if err := tr.Unreserve(); err != nil {
		log.Fatal(err)
	}
	for _, b := range bins {
		fmt.Println(b)
	}
	log.Printf("wrote %d templates in %d bins, %d bytes", bins.TotalRecords(), len(bins), bins.TotalDataSize())
}
