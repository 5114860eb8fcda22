// Copyright 2025 Intmax Protocol
//
// Blocks posted to the rollup contract. A block carries either a full
// pubkey vector (registration block) or a packed account-id vector plus a
// pubkey hash (non-registration block), together with the aggregated BLS
// signature of the senders who signed the proposal.

package types

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
)

// DummyPubkey pads sender sets to NumSendersInBlock. It is not a valid
// curve point image and can never carry a signature.
var DummyPubkey = NewU256(1)

// PaddedPubkeys pads the given pubkeys with DummyPubkey to exactly
// NumSendersInBlock entries. Padding an already-padded vector is a no-op.
func PaddedPubkeys(pubkeys []*U256) []*U256 {
	out := make([]*U256, NumSendersInBlock)
	for i := 0; i < NumSendersInBlock; i++ {
		if i < len(pubkeys) {
			out[i] = new(U256).Set(pubkeys[i])
		} else {
			out[i] = new(U256).Set(DummyPubkey)
		}
	}
	return out
}

// PubkeyHash commits to a padded pubkey vector.
func PubkeyHash(pubkeys []*U256) Bytes32 {
	padded := PaddedPubkeys(pubkeys)
	inputs := make([][]byte, len(padded))
	for i, pk := range padded {
		inputs[i] = Bytes32FromU256(pk).Bytes()
	}
	return poseidon.Hash(inputs...)
}

// PackAccountIDs packs account ids into AccountIDBytes-wide big-endian
// fields for a non-registration block. Trailing slots are the dummy id 1.
func PackAccountIDs(ids []uint64) ([]byte, error) {
	if len(ids) > NumSendersInBlock {
		return nil, fmt.Errorf("too many account ids: %d > %d", len(ids), NumSendersInBlock)
	}
	out := make([]byte, NumSendersInBlock*AccountIDBytes)
	for i := 0; i < NumSendersInBlock; i++ {
		id := uint64(1)
		if i < len(ids) {
			id = ids[i]
		}
		if id >= 1<<(8*AccountIDBytes) {
			return nil, fmt.Errorf("account id %d exceeds %d bits", id, 8*AccountIDBytes)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], id)
		copy(out[i*AccountIDBytes:], buf[8-AccountIDBytes:])
	}
	return out, nil
}

// UnpackAccountIDs reverses PackAccountIDs.
func UnpackAccountIDs(packed []byte) ([]uint64, error) {
	if len(packed) != NumSendersInBlock*AccountIDBytes {
		return nil, fmt.Errorf("packed account ids must be %d bytes, got %d",
			NumSendersInBlock*AccountIDBytes, len(packed))
	}
	ids := make([]uint64, NumSendersInBlock)
	for i := range ids {
		var buf [8]byte
		copy(buf[8-AccountIDBytes:], packed[i*AccountIDBytes:(i+1)*AccountIDBytes])
		ids[i] = binary.BigEndian.Uint64(buf[:])
	}
	return ids, nil
}

// BlockSignPayload is the message every sender signs to authorize
// inclusion in a proposed block.
type BlockSignPayload struct {
	IsRegistrationBlock bool           `json:"is_registration_block"`
	TxTreeRoot          Bytes32        `json:"tx_tree_root"`
	Expiry              uint64         `json:"expiry"`
	BlockBuilderAddress common.Address `json:"block_builder_address"`
	BlockBuilderNonce   uint32         `json:"block_builder_nonce"`
}

// Hash returns the canonical signing digest of the payload.
func (p *BlockSignPayload) Hash() Bytes32 {
	var meta [32]byte
	if p.IsRegistrationBlock {
		meta[0] = 1
	}
	binary.BigEndian.PutUint64(meta[8:16], p.Expiry)
	binary.BigEndian.PutUint32(meta[16:20], p.BlockBuilderNonce)
	var builder [32]byte
	copy(builder[12:], p.BlockBuilderAddress.Bytes())
	return poseidon.Hash(p.TxTreeRoot.Bytes(), meta[:], builder[:])
}

// SignMessage returns the bytes handed to the BLS signer: the payload hash
// bound to the pubkey-vector hash of the proposal.
func (p *BlockSignPayload) SignMessage(pubkeyHash Bytes32) []byte {
	h := p.Hash()
	out := make([]byte, 64)
	copy(out[:32], h[:])
	copy(out[32:], pubkeyHash[:])
	return out
}

// UserSignature is a sender's BLS signature over a BlockSignPayload.
type UserSignature struct {
	Pubkey    *U256  `json:"pubkey"`
	Signature []byte `json:"signature"` // compressed G2 point
}

// SenderSet identifies the senders of a block.
type SenderSet struct {
	// Registration blocks carry the full padded pubkey vector.
	Pubkeys []*U256 `json:"pubkeys,omitempty"`
	// Non-registration blocks carry packed account ids plus the pubkey hash.
	PackedAccountIDs []byte  `json:"packed_account_ids,omitempty"`
	PubkeyHash       Bytes32 `json:"pubkey_hash"`
}

// SignaturePayload is the on-chain signature content of a posted block.
type SignaturePayload struct {
	SignPayload      BlockSignPayload `json:"sign_payload"`
	SenderFlag       Bytes32          `json:"sender_flag"` // bit i set iff sender i signed
	AggregatedPubkey []byte           `json:"aggregated_pubkey"`
	AggregatedSig    []byte           `json:"aggregated_signature"`
	MessagePoint     []byte           `json:"message_point"`
}

// FullBlock is the complete content of a posted block.
type FullBlock struct {
	BlockNumber     uint32           `json:"block_number"`
	PrevBlockHash   Bytes32          `json:"prev_block_hash"`
	DepositTreeRoot Bytes32          `json:"deposit_tree_root"`
	TxTreeRoot      Bytes32          `json:"tx_tree_root"`
	Signature       SignaturePayload `json:"signature"`
	Senders         SenderSet        `json:"senders"`
	Timestamp       uint64           `json:"timestamp"`
}

// Hash returns the deterministic block hash chained through PrevBlockHash.
func (b *FullBlock) Hash() Bytes32 {
	var num [32]byte
	binary.BigEndian.PutUint32(num[28:], b.BlockNumber)
	var ts [32]byte
	binary.BigEndian.PutUint64(ts[24:], b.Timestamp)
	sigHash := b.Signature.Hash()
	return poseidon.Hash(
		b.PrevBlockHash.Bytes(),
		b.DepositTreeRoot.Bytes(),
		b.TxTreeRoot.Bytes(),
		sigHash[:],
		num[:],
		ts[:],
	)
}

// Hash commits to the full signature payload of a block.
func (s *SignaturePayload) Hash() [32]byte {
	ph := s.SignPayload.Hash()
	return poseidon.Hash(
		ph[:],
		s.SenderFlag.Bytes(),
		s.AggregatedPubkey,
		s.AggregatedSig,
		s.MessagePoint,
	)
}

// IsRegistration reports whether the block posts a full pubkey vector.
func (b *FullBlock) IsRegistration() bool {
	return len(b.Senders.Pubkeys) > 0
}

// GenesisBlock returns block number 0. Its hash seeds the block-hash tree.
func GenesisBlock() *FullBlock {
	return &FullBlock{
		BlockNumber:     0,
		PrevBlockHash:   Bytes32{},
		DepositTreeRoot: MerkleRootFromLeaves(DepositTreeHeight, nil),
		TxTreeRoot:      Bytes32{},
	}
}
