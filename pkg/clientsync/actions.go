// Copyright 2025 Intmax Protocol
//
// Sync actions. Incoming deposits and transfers plus outgoing txs are
// decoded from the account's vault topics and resolved to rollup block
// numbers before replay.

package clientsync

import (
	"context"
	"encoding/json"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// ActionKind tags an action as a deposit, an incoming transfer or an
// outgoing tx. Replay order comes from block numbers, not from the kind.
type ActionKind int

const (
	ActionDeposit ActionKind = iota
	ActionTransfer
	ActionTx
)

// DepositData is the decrypted payload of a deposit topic entry.
type DepositData struct {
	Deposit      *types.Deposit `json:"deposit"`
	DepositIndex uint32         `json:"deposit_index"`
	DepositSalt  types.Bytes32  `json:"deposit_salt"`
}

// TransferData is the decrypted payload of a transfer topic entry.
type TransferData struct {
	Transfer   *types.Transfer `json:"transfer"`
	TxTreeRoot types.Bytes32   `json:"tx_tree_root"`
	Sender     *types.U256     `json:"sender"`
}

// TxData is the decrypted payload of an outgoing tx topic entry.
type TxData struct {
	Tx         *types.Tx     `json:"tx"`
	TxTreeRoot types.Bytes32 `json:"tx_tree_root"`
}

// Action is one replayable event with its resolved block number.
type Action struct {
	Kind        ActionKind
	Meta        vault.MetaData
	BlockNumber uint32

	Deposit  *DepositData
	Transfer *TransferData
	Tx       *TxData
}

// BlockResolver resolves vault payloads to settled rollup blocks. The
// validity prover implements this surface; unresolved entries stay
// pending until a later sync.
type BlockResolver interface {
	// BlockNumberByTxTreeRoot resolves a settled tx tree root.
	BlockNumberByTxTreeRoot(ctx context.Context, txTreeRoot types.Bytes32) (uint32, bool, error)
	// BlockNumberByDepositIndex resolves the block a deposit landed in.
	BlockNumberByDepositIndex(ctx context.Context, depositIndex uint32) (uint32, bool, error)
	// LastSyncedBlockNumber is the prover's current height.
	LastSyncedBlockNumber(ctx context.Context) (uint32, error)
}

// decodeAction parses one vault entry into an action, resolving its
// block. Returns (nil, nil) for entries that stay pending.
func decodeAction(ctx context.Context, resolver BlockResolver, topic string, entry *vault.DataWithMetaData) (*Action, error) {
	switch topic {
	case vault.TopicDeposit:
		var data DepositData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return nil, err
		}
		blockNumber, ok, err := resolver.BlockNumberByDepositIndex(ctx, data.DepositIndex)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &Action{
			Kind:        ActionDeposit,
			Meta:        entry.Meta,
			BlockNumber: blockNumber,
			Deposit:     &data,
		}, nil
	case vault.TopicTransfer:
		var data TransferData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return nil, err
		}
		blockNumber, ok, err := resolver.BlockNumberByTxTreeRoot(ctx, data.TxTreeRoot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &Action{
			Kind:        ActionTransfer,
			Meta:        entry.Meta,
			BlockNumber: blockNumber,
			Transfer:    &data,
		}, nil
	default:
		var data TxData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return nil, err
		}
		blockNumber, ok, err := resolver.BlockNumberByTxTreeRoot(ctx, data.TxTreeRoot)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &Action{
			Kind:        ActionTx,
			Meta:        entry.Meta,
			BlockNumber: blockNumber,
			Tx:          &data,
		}, nil
	}
}

// less orders receive actions: nondecreasing block number, ties broken by
// metadata timestamp then digest.
func (a *Action) less(b *Action) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	if a.Meta.Timestamp != b.Meta.Timestamp {
		return a.Meta.Timestamp < b.Meta.Timestamp
	}
	return string(a.Meta.Digest[:]) < string(b.Meta.Digest[:])
}
