// Copyright 2025 Intmax Protocol
//
// Withdrawal / claim records and request results.

package withdrawal

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Status is the lifecycle state of a withdrawal or claim record.
type Status string

const (
	StatusRequested Status = "requested"
	StatusRelayed   Status = "relayed"
	StatusSuccess   Status = "success"
	StatusNeedClaim Status = "need_claim"
	StatusFailed    Status = "failed"
)

// FeeResult is the outcome of a request's fee validation. Non-success
// results leave no state behind.
type FeeResult string

const (
	ResultSuccess            FeeResult = "success"
	ResultInsufficient       FeeResult = "insufficient"
	ResultTokenIndexMismatch FeeResult = "token_index_mismatch"
	ResultBlockHashMismatch  FeeResult = "block_hash_mismatch"
	ResultAlreadyUsed        FeeResult = "already_used"
)

// ContractWithdrawal is the withdrawal's on-chain projection stored next
// to the proof.
type ContractWithdrawal struct {
	Recipient   common.Address `json:"recipient"`
	TokenIndex  uint32         `json:"token_index"`
	Amount      *types.U256    `json:"amount"`
	Nullifier   types.Bytes32  `json:"nullifier"`
	BlockNumber uint32         `json:"block_number"`
	BlockHash   types.Bytes32  `json:"block_hash"`
}

// WithdrawalRecord is one persisted withdrawal. Immutable except for
// status transitions.
type WithdrawalRecord struct {
	WithdrawalHash        types.Bytes32       `json:"withdrawal_hash"`
	Pubkey                *types.U256         `json:"pubkey"`
	Recipient             common.Address      `json:"recipient"`
	SingleWithdrawalProof []byte              `json:"single_withdrawal_proof"`
	ContractWithdrawal    *ContractWithdrawal `json:"contract_withdrawal"`
	Status                Status              `json:"status"`
	L1TxHash              string              `json:"l1_tx_hash,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
}

// ClaimContent is the claim's on-chain projection.
type ClaimContent struct {
	Recipient   common.Address `json:"recipient"`
	Amount      *types.U256    `json:"amount"`
	Nullifier   types.Bytes32  `json:"nullifier"`
	BlockNumber uint32         `json:"block_number"`
	BlockHash   types.Bytes32  `json:"block_hash"`
}

// ClaimRecord is one persisted claim.
type ClaimRecord struct {
	Nullifier             types.Bytes32  `json:"nullifier"`
	Pubkey                *types.U256    `json:"pubkey"`
	Recipient             common.Address `json:"recipient"`
	SingleClaimProof      []byte         `json:"single_claim_proof"`
	Claim                 *ClaimContent  `json:"claim"`
	Status                Status         `json:"status"`
	SubmitClaimProofTxHash string        `json:"submit_claim_proof_tx_hash,omitempty"`
	L1TxHash              string         `json:"l1_tx_hash,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Page is one page of a status query.
type Page[T any] struct {
	Items      []T        `json:"items"`
	NextCursor *time.Time `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
	TotalCount int        `json:"total_count"`
}

// QueryOrder is the pagination direction of a status query.
type QueryOrder string

const (
	OrderAsc  QueryOrder = "asc"
	OrderDesc QueryOrder = "desc"
)

// MaxPageLimit caps one page of status results.
const MaxPageLimit = 100
