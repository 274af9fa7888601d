package alignment

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// BclClusters holds the raw base calls of every cluster of one tile, cluster
// major: the bytes of all data reads of cluster i are contiguous, starting at
// i*ClusterLength. The buffer is reserved once, for the largest tile, and
// reused for every tile loaded into it.
type BclClusters struct {
	clusterLength int
	count         int
	data          []byte
	pf            []bool
}

// NewBclClusters reserves space for maxClusters clusters of clusterLength
// bytes each.
func NewBclClusters(maxClusters, clusterLength int) *BclClusters {
	return &BclClusters{
		clusterLength: clusterLength,
		data:          make([]byte, 0, maxClusters*clusterLength),
		pf:            make([]bool, 0, maxClusters),
	}
}

// Reset prepares the buffer to receive count clusters of clusterLength
// bytes. It fails if that does not fit the reserved capacity; tiles are
// processed in an order that makes this impossible, so an error means the
// processing order is broken.
func (b *BclClusters) Reset(count, clusterLength int) error {
	n := count * clusterLength
	if n > cap(b.data) || count > cap(b.pf) {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"tile needs %d clusters of %d bytes, reserved %d bytes for %d clusters",
			count, clusterLength, cap(b.data), cap(b.pf)))
	}
	b.clusterLength = clusterLength
	b.count = count
	b.data = b.data[:n]
	b.pf = b.pf[:count]
	return nil
}

// ClusterLength is the number of raw bytes per cluster.
func (b *BclClusters) ClusterLength() int { return b.clusterLength }

// Len is the number of clusters currently held.
func (b *BclClusters) Len() int { return b.count }

// Cluster returns the raw bytes of cluster i.
func (b *BclClusters) Cluster(i int) []byte {
	return b.data[i*b.clusterLength : (i+1)*b.clusterLength]
}

// SetBase stores the raw byte of one cycle of one cluster. cycleOffset is
// the position of the cycle within the cluster's data reads.
func (b *BclClusters) SetBase(cluster, cycleOffset int, v byte) {
	b.data[cluster*b.clusterLength+cycleOffset] = v
}

// PF reports whether cluster i passed filter.
func (b *BclClusters) PF(i int) bool { return b.pf[i] }

// PFFlags returns the pass-filter flags, one per cluster, for loaders to
// fill in.
func (b *BclClusters) PFFlags() []bool { return b.pf }

// Capacity is the number of bytes reserved.
func (b *BclClusters) Capacity() int { return cap(b.data) }

// Release drops the reserved memory. The buffer cannot be used afterwards.
func (b *BclClusters) Release() {
	b.data = nil
	b.pf = nil
	b.count = 0
}
