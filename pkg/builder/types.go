// Copyright 2025 Intmax Protocol
//
// Builder scratch types: tx requests, proposal memos, and post tasks.

package builder

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// TxRequest is one admitted sender's pending transaction.
type TxRequest struct {
	RequestID string        `json:"request_id"`
	Pubkey    *types.U256   `json:"pubkey"`
	AccountID uint64        `json:"account_id,omitempty"` // set for non-registration senders
	Tx        *types.Tx     `json:"tx"`
	FeeProof  *fee.FeeProof `json:"fee_proof,omitempty"`
}

// BlockProposal is what a sender receives back: the payload to sign plus
// the inclusion proof of its tx in the proposed tx tree.
type BlockProposal struct {
	SignPayload   *types.BlockSignPayload `json:"sign_payload"`
	TxIndex       uint32                  `json:"tx_index"`
	TxMerkleProof *types.MerkleProof      `json:"tx_merkle_proof"`
	PubkeyHash    types.Bytes32           `json:"pubkey_hash"`
	Pubkeys       []*types.U256           `json:"pubkeys"`
}

// ProposalMemo is the builder's scratch state for one proposed block,
// born at window close and dropped when its signature window closes; the
// resulting post task carries its data to posting.
type ProposalMemo struct {
	BlockID     string                  `json:"block_id"`
	SignPayload *types.BlockSignPayload `json:"sign_payload"`
	TxRequests  []*TxRequest            `json:"tx_requests"`
	Proposals   []*BlockProposal        `json:"proposals"`
	PubkeyHash  types.Bytes32           `json:"pubkey_hash"`
	Pubkeys     []*types.U256           `json:"pubkeys"`
	Expiry      uint64                  `json:"expiry"`
	CreatedAt   time.Time               `json:"created_at"`
}

// NewProposalMemo assembles the memo for a drained request window: the
// padded sender set, the tx tree, and one proposal per request.
func NewProposalMemo(isRegistration bool, builderAddress common.Address, nonce uint32, requests []*TxRequest, txTimeout time.Duration) (*ProposalMemo, error) {
	pubkeys := make([]*types.U256, len(requests))
	leaves := make([]types.Bytes32, len(requests))
	for i, r := range requests {
		pubkeys[i] = r.Pubkey
		leaves[i] = r.Tx.Hash()
	}
	padded := types.PaddedPubkeys(pubkeys)
	pubkeyHash := types.PubkeyHash(pubkeys)
	txTreeRoot := types.MerkleRootFromLeaves(types.TxTreeHeight, leaves)
	expiry := uint64(time.Now().Add(txTimeout).Unix())

	payload := &types.BlockSignPayload{
		IsRegistrationBlock: isRegistration,
		TxTreeRoot:          txTreeRoot,
		Expiry:              expiry,
		BlockBuilderAddress: builderAddress,
		BlockBuilderNonce:   nonce,
	}

	proposals := make([]*BlockProposal, len(requests))
	for i := range requests {
		proof, err := types.MerkleProofFromLeaves(types.TxTreeHeight, leaves, uint64(i))
		if err != nil {
			return nil, err
		}
		proposals[i] = &BlockProposal{
			SignPayload:   payload,
			TxIndex:       uint32(i),
			TxMerkleProof: proof,
			PubkeyHash:    pubkeyHash,
			Pubkeys:       padded,
		}
	}

	return &ProposalMemo{
		BlockID:     uuid.New().String(),
		SignPayload: payload,
		TxRequests:  requests,
		Proposals:   proposals,
		PubkeyHash:  pubkeyHash,
		Pubkeys:     padded,
		Expiry:      expiry,
		CreatedAt:   time.Now(),
	}, nil
}

// BlockPostTask is one block ready for on-chain posting.
type BlockPostTask struct {
	IsRegistration    bool                   `json:"is_registration"`
	SignPayload       *types.BlockSignPayload `json:"sign_payload"`
	Pubkeys           []*types.U256          `json:"pubkeys"`
	AccountIDs        []uint64               `json:"account_ids,omitempty"`
	PubkeyHash        types.Bytes32          `json:"pubkey_hash"`
	Signatures        []*types.UserSignature `json:"signatures"`
	BlockBuilderNonce uint32                 `json:"block_builder_nonce"`
	BlockID           string                 `json:"block_id"`
}

// EmptyBlockPostTask returns the deposit-flush task: a block with no
// senders and the default tx tree root. It consumes a nonce at dequeue
// time, not construction time.
func EmptyBlockPostTask(isRegistration bool) *BlockPostTask {
	return &BlockPostTask{
		IsRegistration: isRegistration,
		SignPayload:    &types.BlockSignPayload{IsRegistrationBlock: isRegistration},
		PubkeyHash:     types.PubkeyHash(nil),
		BlockID:        uuid.New().String(),
	}
}

// FeeCollectionTask settles the fees of one closed proposal.
type FeeCollectionTask struct {
	BlockID        string       `json:"block_id"`
	IsRegistration bool         `json:"is_registration"`
	Memo           *ProposalMemo `json:"memo"`
	SignedPubkeys  []string     `json:"signed_pubkeys"`
}
