// Copyright 2025 Intmax Protocol
//
// Deposits bridged from L1. The liquidity contract assigns a deposit id on
// Deposited and the rollup assigns a deposit index when the leaf is
// inserted into the deposit tree.

package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
)

// Deposit is the canonical deposit leaf content.
type Deposit struct {
	Depositor      common.Address `json:"depositor"`
	PubkeySaltHash Bytes32        `json:"pubkey_salt_hash"`
	TokenIndex     uint32         `json:"token_index"`
	Amount         *U256          `json:"amount"`
	IsEligible     bool           `json:"is_eligible"`
}

// Hash returns the Poseidon deposit hash inserted into the deposit tree.
func (d *Deposit) Hash() Bytes32 {
	var meta [32]byte
	binary.BigEndian.PutUint32(meta[24:28], d.TokenIndex)
	if d.IsEligible {
		meta[31] = 1
	}
	var depositor [32]byte
	copy(depositor[12:], d.Depositor.Bytes())
	return poseidon.Hash(
		depositor[:],
		d.PubkeySaltHash.Bytes(),
		meta[:],
		Bytes32FromU256(d.Amount).Bytes(),
	)
}

// PubkeySaltHash derives the deposit commitment binding a recipient pubkey
// and a salt. prepare_deposit on the client and get_deposit_hash on the
// contract must agree on this value.
func PubkeySaltHash(pubkey *U256, salt Bytes32) Bytes32 {
	return poseidon.Hash(Bytes32FromU256(pubkey).Bytes(), salt.Bytes())
}

// Nullifier returns the tag preventing a deposit from being received twice.
func (d *Deposit) Nullifier() Bytes32 {
	h := d.Hash()
	return poseidon.Hash(h[:])
}

// DepositedEvent is the L1 Deposited event payload with chain metadata.
type DepositedEvent struct {
	DepositID      uint64         `json:"deposit_id"`
	Depositor      common.Address `json:"depositor"`
	PubkeySaltHash Bytes32        `json:"pubkey_salt_hash"`
	TokenIndex     uint32         `json:"token_index"`
	Amount         *U256          `json:"amount"`
	IsEligible     bool           `json:"is_eligible"`
	DepositedAt    uint64         `json:"deposited_at"`
	TxHash         Bytes32        `json:"tx_hash"`
	EthBlockNumber uint64         `json:"eth_block_number"`
	EthTxIndex     uint64         `json:"eth_tx_index"`
}

// Deposit projects the event onto the canonical leaf content.
func (e *DepositedEvent) Deposit() *Deposit {
	return &Deposit{
		Depositor:      e.Depositor,
		PubkeySaltHash: e.PubkeySaltHash,
		TokenIndex:     e.TokenIndex,
		Amount:         e.Amount,
		IsEligible:     e.IsEligible,
	}
}

// DepositLeafInsertedEvent is the L2 event marking insertion of a deposit
// hash at a dense index in the deposit tree.
type DepositLeafInsertedEvent struct {
	DepositIndex   uint32  `json:"deposit_index"`
	DepositHash    Bytes32 `json:"deposit_hash"`
	EthBlockNumber uint64  `json:"eth_block_number"`
	EthTxIndex     uint64  `json:"eth_tx_index"`
}
