// Copyright 2025 Intmax Protocol
//
// Chain contract interfaces consumed by the engine. The concrete
// implementation in this package talks to the rollup / liquidity /
// withdrawal contracts over JSON-RPC; tests substitute in-memory fakes.

package rollup

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// BlockPostedEvent is the L2 BlockPosted event with chain metadata.
type BlockPostedEvent struct {
	PrevBlockHash   types.Bytes32  `json:"prev_block_hash"`
	BlockBuilder    common.Address `json:"block_builder"`
	BlockNumber     uint32         `json:"block_number"`
	DepositTreeRoot types.Bytes32  `json:"deposit_tree_root"`
	SignatureHash   types.Bytes32  `json:"signature_hash"`
	EthBlockNumber  uint64         `json:"eth_block_number"`
	EthTxIndex      uint64         `json:"eth_tx_index"`
}

// FullBlockWithMeta pairs a reconstructed block with its posting location.
type FullBlockWithMeta struct {
	FullBlock      *types.FullBlock `json:"full_block"`
	EthBlockNumber uint64           `json:"eth_block_number"`
	EthTxIndex     uint64           `json:"eth_tx_index"`
}

// RegistrationBlockInput is the calldata of postRegistrationBlock.
type RegistrationBlockInput struct {
	TxTreeRoot          types.Bytes32
	Expiry              uint64
	BlockBuilderNonce   uint32
	SenderFlag          types.Bytes32
	AggregatedPubkey    []byte
	AggregatedSignature []byte
	MessagePoint        []byte
	Pubkeys             []*types.U256
}

// NonRegistrationBlockInput is the calldata of postNonRegistrationBlock.
type NonRegistrationBlockInput struct {
	TxTreeRoot          types.Bytes32
	Expiry              uint64
	BlockBuilderNonce   uint32
	SenderFlag          types.Bytes32
	AggregatedPubkey    []byte
	AggregatedSignature []byte
	MessagePoint        []byte
	PubkeyHash          types.Bytes32
	PackedAccountIDs    []byte
}

// RollupContract is the engine's view of the rollup contract.
type RollupContract interface {
	GetLatestBlockNumber(ctx context.Context) (uint32, error)
	GetBlockHash(ctx context.Context, blockNumber uint32) (types.Bytes32, error)
	GetNextDepositIndex(ctx context.Context) (uint32, error)

	PostRegistrationBlock(ctx context.Context, input *RegistrationBlockInput) (types.Bytes32, error)
	PostNonRegistrationBlock(ctx context.Context, input *NonRegistrationBlockInput) (types.Bytes32, error)

	// FilterBlockPosted returns BlockPosted events in [fromEthBlock, toEthBlock).
	FilterBlockPosted(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*BlockPostedEvent, error)
	// GetFullBlocks reconstructs posted blocks from calldata in the range.
	GetFullBlocks(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*FullBlockWithMeta, error)
	// FilterDepositLeafInserted returns DepositLeafInserted events in the range.
	FilterDepositLeafInserted(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*types.DepositLeafInsertedEvent, error)

	// LatestEthBlockNumber returns the current L2-settlement chain head.
	LatestEthBlockNumber(ctx context.Context) (uint64, error)

	// EmitHeartBeat signals builder liveness on chain.
	EmitHeartBeat(ctx context.Context, url string) error
}

// LiquidityContract is the engine's view of the L1 liquidity contract.
type LiquidityContract interface {
	GetLastDepositID(ctx context.Context) (uint64, error)
	// FilterDeposited returns Deposited events in [fromEthBlock, toEthBlock).
	FilterDeposited(ctx context.Context, fromEthBlock, toEthBlock uint64) ([]*types.DepositedEvent, error)
	// L1BlockNumber returns the L1 chain head.
	L1BlockNumber(ctx context.Context) (uint64, error)
}

// WithdrawalContract is the engine's view of the withdrawal contract.
type WithdrawalContract interface {
	GetDirectWithdrawalTokenIndices(ctx context.Context) ([]uint32, error)
}
