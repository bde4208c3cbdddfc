// Package merkle computes the partial Merkle branch a Stratum miner needs
// to authenticate its own coinbase transaction against a block's Merkle
// root, without knowing the other transactions' positions. The
// coinbase occupies a reserved, always-index-0 slot.
package merkle

import "github.com/blockforge/stratumpool/internal/byteutil"

// Steps computes the ordered list of sibling hashes ("steps") needed to
// recompute the Merkle root given only the coinbase hash. txHashes must
// NOT include the coinbase; a nil placeholder is inserted internally to
// occupy the reserved index-0 slot. Each level pairs elements with
// double-SHA256, duplicating the last element when the level is odd
// sized, and always takes the sibling of index 0 as that level's step.
func Steps(txHashes [][]byte) [][]byte {
	level := make([][]byte, 0, len(txHashes)+1)
	level = append(level, nil) // reserved coinbase slot
	level = append(level, txHashes...)

	var steps [][]byte
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		steps = append(steps, level[1])

		next := make([][]byte, 0, len(level)/2)
		next = append(next, nil) // next level's coinbase slot stays reserved
		for i := 2; i < len(level); i += 2 {
			next = append(next, byteutil.Sha256d(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	return steps
}

// Root recomputes the Merkle root from a coinbase hash and its branch
// ("steps"), applying iterative double-SHA256 pairing. This is what a
// miner does with a job's branch, and what share validation does to
// rebuild the header's Merkle root field from a submission.
func Root(coinbaseHash []byte, steps [][]byte) []byte {
	root := coinbaseHash
	for _, step := range steps {
		root = byteutil.Sha256d(append(append([]byte{}, root...), step...))
	}
	return root
}
