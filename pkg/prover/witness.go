// Copyright 2025 Intmax Protocol
//
// Witness types for the validity circuit. A BlockWitness snapshots the
// tree state a block lands on; a ValidityWitness carries the resulting
// transition and feeds one transition-proof task.

package prover

import (
	"encoding/json"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// BlockWitness is the input of one tree transition.
type BlockWitness struct {
	Block               *types.FullBlock `json:"block"`
	PrevAccountTreeRoot types.Bytes32    `json:"prev_account_tree_root"`
	PrevBlockTreeRoot   types.Bytes32    `json:"prev_block_tree_root"`
	DepositTreeRoot     types.Bytes32    `json:"deposit_tree_root"`
	AccountTreeLen      uint64           `json:"account_tree_len"`
}

// ValidityWitness is the output of one tree transition: the witness plus
// the public-input transition the validity circuit attests to.
type ValidityWitness struct {
	BlockWitness *BlockWitness                  `json:"block_witness"`
	PrevPis      *circuits.ValidityPublicInputs `json:"prev_pis"`
	Pis          *circuits.ValidityPublicInputs `json:"pis"`
}

// Serialize returns the round-trip-stable JSON encoding.
func (w *ValidityWitness) Serialize() ([]byte, error) {
	return json.Marshal(w)
}

// DeserializeValidityWitness parses a witness produced by Serialize.
func DeserializeValidityWitness(raw []byte) (*ValidityWitness, error) {
	var w ValidityWitness
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GenesisValidityPis returns the public inputs every proof chain starts
// from: the empty-tree state at block 0.
func GenesisValidityPis() *circuits.ValidityPublicInputs {
	genesis := types.GenesisBlock()
	return &circuits.ValidityPublicInputs{
		PublicState: &circuits.PublicState{
			BlockTreeRoot:   types.MerkleRootFromLeaves(types.BlockHashTreeHeight, []types.Bytes32{genesis.Hash()}),
			DepositTreeRoot: genesis.DepositTreeRoot,
			BlockHash:       genesis.Hash(),
			BlockNumber:     0,
		},
		IsValidBlock: true,
	}
}

// TransitionTaskPayload is the payload of one queued transition-proof task.
type TransitionTaskPayload struct {
	BlockNumber     uint32                         `json:"block_number"`
	PrevValidityPis *circuits.ValidityPublicInputs `json:"prev_validity_pis"`
	ValidityWitness *ValidityWitness               `json:"validity_witness"`
}
