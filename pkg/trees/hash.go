// Copyright 2025 Intmax Protocol

package trees

import (
	"encoding/binary"
	"sync"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

var (
	zeroHashMu  sync.Mutex
	zeroHashTab [][32]byte
)

// zeroHash returns the hash of an all-empty subtree of the given height.
// Height 0 is the empty leaf (zero bytes).
func zeroHash(height int) types.Bytes32 {
	zeroHashMu.Lock()
	defer zeroHashMu.Unlock()
	for len(zeroHashTab) <= height {
		if len(zeroHashTab) == 0 {
			zeroHashTab = append(zeroHashTab, [32]byte{})
			continue
		}
		prev := zeroHashTab[len(zeroHashTab)-1]
		zeroHashTab = append(zeroHashTab, poseidon.HashPair(prev, prev))
	}
	return types.Bytes32(zeroHashTab[height])
}

func hashIndexedLeaf(l *IndexedLeaf) types.Bytes32 {
	var meta [32]byte
	binary.BigEndian.PutUint64(meta[8:16], l.NextIndex)
	binary.BigEndian.PutUint64(meta[24:32], l.Value)
	return types.Bytes32(poseidon.Hash(
		types.Bytes32FromU256(l.Key).Bytes(),
		types.Bytes32FromU256(l.NextKey).Bytes(),
		meta[:],
	))
}
