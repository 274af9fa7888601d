// Package alignment contains the data types shared by the match selection
// stage: candidate matches, per-tile match tallies, the reusable cluster
// buffer, the raw base-call arena, selected templates and output bins.
//
// Buffers in this package are allocated once and then reinitialized for
// every cluster or tile; none of them grow after construction.
package alignment
