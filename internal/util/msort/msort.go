// Package msort contains utility functions for sorting and
// de-duplicating batches of patches.
package msort

import (
	"github.com/meshlite/meshlite/internal/types"
)

// UniqueByPeerSeq implements a "last one wins" approach to removing
// patches with duplicate (peer, sequence) provenance from the input
// slice. If two patches share the same (Peer, Seq), the one with the
// later At is returned; with identical times, exactly one of the values
// is chosen arbitrarily. Duplicates appear when the same patch reaches
// a node both by broadcast and by retransmission.
//
// The modified slice is returned.
func UniqueByPeerSeq(x []types.Patch) []types.Patch {
	type key struct {
		peer int64
		seq  uint64
	}
	// For any given key, track the index in the slice that holds data
	// for it.
	seenIdx := make(map[key]int, len(x))

	// Iterate backwards over the input, moving elements to the rear
	// when their HLC time is greater than the value currently tracked
	// for that key.
	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		k := key{peer: int64(x[src].Peer), seq: x[src].Seq}

		if curIdx, found := seenIdx[k]; found {
			if x[src].At > x[curIdx].At {
				x[curIdx] = x[src]
			}
		} else {
			dest--
			seenIdx[k] = dest
			x[dest] = x[src]
		}
	}

	// Return the compacted view of the slice.
	return x[dest:]
}
