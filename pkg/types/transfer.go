// Copyright 2025 Intmax Protocol
//
// Transfers and transactions. A Tx commits to an ordered sequence of up to
// NumTransfersInTx transfers via the root of a fixed-height transfer tree.

package types

import (
	"encoding/binary"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
)

// Transfer moves an amount of one token to a recipient, blinded by a salt.
type Transfer struct {
	Recipient  GenericAddress `json:"recipient"`
	TokenIndex uint32         `json:"token_index"`
	Amount     *U256          `json:"amount"`
	Salt       Bytes32        `json:"salt"`
}

// Hash returns the Poseidon commitment of the transfer.
func (t *Transfer) Hash() Bytes32 {
	var idx [32]byte
	binary.BigEndian.PutUint32(idx[28:], t.TokenIndex)
	return poseidon.Hash(
		t.Recipient.Marshal32(),
		idx[:],
		Bytes32FromU256(t.Amount).Bytes(),
		t.Salt.Bytes(),
	)
}

// Nullifier returns the double-spend tag of the transfer. Registered once
// a transfer is consumed (fee payment, receive, claim).
func (t *Transfer) Nullifier() Bytes32 {
	h := t.Hash()
	return poseidon.Hash(h[:])
}

// Commitment returns the Poseidon commitment used as transfer-tree leaf.
func (t *Transfer) Commitment() Bytes32 {
	return t.Hash()
}

// Tx is a sender's per-nonce commitment to a batch of transfers.
type Tx struct {
	TransferTreeRoot Bytes32 `json:"transfer_tree_root"`
	Nonce            uint32  `json:"nonce"`
}

// Hash returns the deterministic tx hash (the tx-tree leaf).
func (tx *Tx) Hash() Bytes32 {
	return poseidon.HashUint32(tx.Nonce, tx.TransferTreeRoot.Bytes())
}

// TxFromTransfers builds a Tx by constructing the transfer tree over the
// given transfers, padded with empty leaves to NumTransfersInTx.
func TxFromTransfers(nonce uint32, transfers []*Transfer) (*Tx, error) {
	if len(transfers) > NumTransfersInTx {
		return nil, fmt.Errorf("too many transfers: %d > %d", len(transfers), NumTransfersInTx)
	}
	leaves := make([]Bytes32, NumTransfersInTx)
	for i, tr := range transfers {
		leaves[i] = tr.Commitment()
	}
	root := MerkleRootFromLeaves(TransferTreeHeight, leaves)
	return &Tx{TransferTreeRoot: root, Nonce: nonce}, nil
}

// MerkleProofItem is one sibling on a root path.
type MerkleProofItem = Bytes32

// MerkleProof is a bottom-up list of sibling hashes.
type MerkleProof struct {
	Siblings []Bytes32 `json:"siblings"`
}

// Verify recomputes the root from a leaf and index and compares it.
func (p *MerkleProof) Verify(leaf Bytes32, index uint64, root Bytes32) bool {
	h := [32]byte(leaf)
	idx := index
	for _, sib := range p.Siblings {
		if idx&1 == 1 {
			h = poseidon.HashPair([32]byte(sib), h)
		} else {
			h = poseidon.HashPair(h, [32]byte(sib))
		}
		idx >>= 1
	}
	return Bytes32(h) == root && idx == 0
}

// MerkleRootFromLeaves computes the root of a fixed-height tree whose
// trailing leaves are zero.
func MerkleRootFromLeaves(height int, leaves []Bytes32) Bytes32 {
	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		level[i] = [32]byte(l)
	}
	zero := [32]byte{}
	for d := 0; d < height; d++ {
		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i < len(next); i++ {
			left := zero
			right := zero
			if 2*i < len(level) {
				left = level[2*i]
			}
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = poseidon.HashPair(left, right)
		}
		if len(next) == 0 {
			next = [][32]byte{poseidon.HashPair(zero, zero)}
		}
		level = next
		zero = poseidon.HashPair(zero, zero)
	}
	return Bytes32(level[0])
}

// MerkleProofFromLeaves builds an inclusion proof for one leaf of a
// fixed-height tree. Index must be within 2^height.
func MerkleProofFromLeaves(height int, leaves []Bytes32, index uint64) (*MerkleProof, error) {
	if index >= uint64(1)<<uint(height) {
		return nil, fmt.Errorf("leaf index %d out of range for height %d", index, height)
	}
	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		level[i] = [32]byte(l)
	}
	zero := [32]byte{}
	siblings := make([]Bytes32, 0, height)
	idx := index
	for d := 0; d < height; d++ {
		sibIdx := idx ^ 1
		sib := zero
		if sibIdx < uint64(len(level)) {
			sib = level[sibIdx]
		}
		siblings = append(siblings, Bytes32(sib))

		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i < len(next); i++ {
			left := zero
			right := zero
			if 2*i < len(level) {
				left = level[2*i]
			}
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = poseidon.HashPair(left, right)
		}
		if len(next) == 0 {
			next = [][32]byte{poseidon.HashPair(zero, zero)}
		}
		level = next
		zero = poseidon.HashPair(zero, zero)
		idx >>= 1
	}
	return &MerkleProof{Siblings: siblings}, nil
}
