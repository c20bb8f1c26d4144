// Package allocator implements cluster allocation for both allocation
// schemes the engine supports: the FAT12/16/32 linked table (a chain of
// "next cluster" pointers stored directly in the FAT) and the exFAT
// allocation bitmap (one bit per cluster, with chain linkage carried
// separately in each stream's directory entry).
//
// Ground: FAT.py's FAT class (__getitem__/__setitem__ cluster access,
// count/count_run chain walking, findfree/map_free_space free-space
// tracking) and drivers/common/allocatormap.go's bitmap allocator in the
// teacher repo (spec §4.6).
package allocator

import "github.com/maxpat78/FATtools/internal/bitutil"

// Allocator is the capability every cluster-chain consumer programs
// against, regardless of which on-disk representation backs it. Cluster
// numbering always starts at 2, matching every FAT-family convention
// (clusters 0 and 1 are reserved).
type Allocator interface {
	// Get returns the value stored at a cluster index: either the next
	// cluster in its chain, or one of the End/Bad/Free sentinels.
	Get(cluster uint32) (uint32, error)

	// Set stores a value at a cluster index.
	Set(cluster uint32, value uint32) error

	// IsEndOfChain reports whether value marks the end of a cluster chain.
	IsEndOfChain(value uint32) bool

	// IsBad reports whether value marks a cluster as bad/unusable.
	IsBad(value uint32) bool

	// ChainLength walks the chain starting at `start` and returns the
	// number of clusters in it along with the chain's last cluster number
	// (the cluster whose slot holds the end-of-chain marker).
	ChainLength(start uint32) (count uint32, last uint32, err error)

	// CountRun returns how many clusters starting at `start` form a
	// contiguous physical run (next == start+1), and the cluster that
	// follows the run (which may itself be another chain link or an
	// end-of-chain marker). limit, if nonzero, caps how many clusters are
	// counted even if the run continues further.
	CountRun(start uint32, limit uint32) (runLength uint32, next uint32, err error)

	// Allocate finds and claims `count` contiguous free clusters,
	// first-fit, linking them into a chain terminated by the end-of-chain
	// sentinel, and returns the first cluster. If no single contiguous run
	// of at least `count` free clusters exists anywhere on the volume, it
	// returns errors.ErrNoSpace and allocates nothing; building a
	// fragmented stream out of several smaller runs is the cluster chain
	// stream's job (spec §4.7), not the allocator's. Passing count == 0
	// returns errors.ErrInvalidArgument.
	Allocate(count uint32) (first uint32, allocated uint32, err error)

	// Free marks every cluster in the chain starting at `start` as free.
	Free(start uint32) error

	// FreeClusterCount returns the total number of unallocated clusters.
	FreeClusterCount() (uint32, error)

	// FreeRuns returns every maximal run of free clusters on the volume,
	// as absolute cluster numbers (the first data cluster is 2). Used by
	// the volume layer's free-space wipe (spec §6 `wipefreespace`, ground:
	// FAT.py's wipefreespace() walking self.fat.free_clusters_map).
	FreeRuns() ([]bitutil.Run, error)

	// Compact merges adjacent free runs in the allocator's internal
	// free-space map so subsequent Allocate calls see the largest possible
	// contiguous regions (spec §4.6.3).
	Compact()

	// Flush writes any buffered allocator state back through the sector
	// cache (e.g. mirroring FAT#1 to FAT#2, or just marking dirty sectors).
	Flush() error
}
