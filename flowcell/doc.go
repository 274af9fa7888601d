// Package flowcell describes the physical layout of sequencer output:
// tiles, reads, barcodes and the use-bases-mask that maps sequencer cycles
// to data and index reads.
//
// A TileMetadata is a plain value. The only supported mutation is
// Reindex, which produces a copy with a new positional index; it is used
// when the processing order of a tile list is derived.
package flowcell
