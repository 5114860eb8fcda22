// Copyright 2025 Intmax Protocol
//
// Typed projections of circuit public inputs. Each circuit family fixes an
// ordered list of 32-byte field slots; these structs name the slots so the
// rest of the engine never touches raw indices.

package circuits

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

func hashBytes(b []byte) [32]byte { return poseidon.Hash(b) }

// Slot counts per circuit family.
const (
	NumPublicStateSlots             = 7
	NumValidityPublicInputs         = NumPublicStateSlots + 1
	NumBalancePublicInputs          = NumPublicStateSlots + 3
	NumSpentPublicInputs            = 6
	NumSingleWithdrawalPublicInputs = 6
	NumClaimPublicInputs            = 5
)

func u32Slot(v uint32) types.Bytes32 {
	var b types.Bytes32
	binary.BigEndian.PutUint32(b[28:], v)
	return b
}

func u64Slot(v uint64) types.Bytes32 {
	var b types.Bytes32
	binary.BigEndian.PutUint64(b[24:], v)
	return b
}

func slotU32(b types.Bytes32) uint32 { return binary.BigEndian.Uint32(b[28:]) }
func slotU64(b types.Bytes32) uint64 { return binary.BigEndian.Uint64(b[24:]) }

func boolSlot(v bool) types.Bytes32 {
	var b types.Bytes32
	if v {
		b[31] = 1
	}
	return b
}

// PublicState is the chain-visible state a balance or validity proof is
// anchored to.
type PublicState struct {
	BlockTreeRoot       types.Bytes32
	PrevAccountTreeRoot types.Bytes32
	AccountTreeRoot     types.Bytes32
	DepositTreeRoot     types.Bytes32
	BlockHash           types.Bytes32
	BlockNumber         uint32
	Timestamp           uint64
}

func (s *PublicState) slots() []types.Bytes32 {
	return []types.Bytes32{
		s.BlockTreeRoot,
		s.PrevAccountTreeRoot,
		s.AccountTreeRoot,
		s.DepositTreeRoot,
		s.BlockHash,
		u32Slot(s.BlockNumber),
		u64Slot(s.Timestamp),
	}
}

func publicStateFromSlots(slots []types.Bytes32) *PublicState {
	return &PublicState{
		BlockTreeRoot:       slots[0],
		PrevAccountTreeRoot: slots[1],
		AccountTreeRoot:     slots[2],
		DepositTreeRoot:     slots[3],
		BlockHash:           slots[4],
		BlockNumber:         slotU32(slots[5]),
		Timestamp:           slotU64(slots[6]),
	}
}

// ValidityPublicInputs is the projection of a validity proof.
type ValidityPublicInputs struct {
	PublicState  *PublicState
	IsValidBlock bool
}

// ToPublicInputs flattens the projection into ordered slots.
func (v *ValidityPublicInputs) ToPublicInputs() []types.Bytes32 {
	return append(v.PublicState.slots(), boolSlot(v.IsValidBlock))
}

// ValidityPublicInputsFromProof parses a validity proof's public inputs.
func ValidityPublicInputsFromProof(p *Proof) (*ValidityPublicInputs, error) {
	if len(p.PublicInputs) != NumValidityPublicInputs {
		return nil, fmt.Errorf("%w: validity proof has %d slots", ErrBadPublicInputs, len(p.PublicInputs))
	}
	return &ValidityPublicInputs{
		PublicState:  publicStateFromSlots(p.PublicInputs[:NumPublicStateSlots]),
		IsValidBlock: p.PublicInputs[NumPublicStateSlots][31] == 1,
	}, nil
}

// BalancePublicInputs is the projection of a recursive balance proof.
type BalancePublicInputs struct {
	LastTxHash              types.Bytes32
	LastTxInsufficientFlags types.Bytes32
	PrivateCommitment       types.Bytes32
	PublicState             *PublicState
}

// ToPublicInputs flattens the projection into ordered slots.
func (b *BalancePublicInputs) ToPublicInputs() []types.Bytes32 {
	out := []types.Bytes32{b.LastTxHash, b.LastTxInsufficientFlags, b.PrivateCommitment}
	return append(out, b.PublicState.slots()...)
}

// BalancePublicInputsFromProof parses a balance proof's public inputs.
func BalancePublicInputsFromProof(p *Proof) (*BalancePublicInputs, error) {
	if len(p.PublicInputs) != NumBalancePublicInputs {
		return nil, fmt.Errorf("%w: balance proof has %d slots", ErrBadPublicInputs, len(p.PublicInputs))
	}
	return &BalancePublicInputs{
		LastTxHash:              p.PublicInputs[0],
		LastTxInsufficientFlags: p.PublicInputs[1],
		PrivateCommitment:       p.PublicInputs[2],
		PublicState:             publicStateFromSlots(p.PublicInputs[3:]),
	}, nil
}

// SpentPublicInputs is the projection of a spent proof: evidence that a Tx
// was funded by the sender's prior private state.
type SpentPublicInputs struct {
	PrevPrivateCommitment types.Bytes32
	NewPrivateCommitment  types.Bytes32
	TransferTreeRoot      types.Bytes32
	Nonce                 uint32
	InsufficientFlags     types.Bytes32 // bit i set iff transfer i was underfunded
	IsValid               bool
}

// Tx reconstructs the committed transaction.
func (s *SpentPublicInputs) Tx() *types.Tx {
	return &types.Tx{TransferTreeRoot: s.TransferTreeRoot, Nonce: s.Nonce}
}

// InsufficientBit reports whether transfer i was underfunded.
func (s *SpentPublicInputs) InsufficientBit(i int) bool {
	if i < 0 || i >= types.NumTransfersInTx {
		return true
	}
	byteIdx := 31 - i/8
	return s.InsufficientFlags[byteIdx]&(1<<(uint(i)%8)) != 0
}

// ToPublicInputs flattens the projection into ordered slots.
func (s *SpentPublicInputs) ToPublicInputs() []types.Bytes32 {
	return []types.Bytes32{
		s.PrevPrivateCommitment,
		s.NewPrivateCommitment,
		s.TransferTreeRoot,
		u32Slot(s.Nonce),
		s.InsufficientFlags,
		boolSlot(s.IsValid),
	}
}

// SpentPublicInputsFromProof parses a spent proof's public inputs.
func SpentPublicInputsFromProof(p *Proof) (*SpentPublicInputs, error) {
	if len(p.PublicInputs) != NumSpentPublicInputs {
		return nil, fmt.Errorf("%w: spent proof has %d slots", ErrBadPublicInputs, len(p.PublicInputs))
	}
	return &SpentPublicInputs{
		PrevPrivateCommitment: p.PublicInputs[0],
		NewPrivateCommitment:  p.PublicInputs[1],
		TransferTreeRoot:      p.PublicInputs[2],
		Nonce:                 slotU32(p.PublicInputs[3]),
		InsufficientFlags:     p.PublicInputs[4],
		IsValid:               p.PublicInputs[5][31] == 1,
	}, nil
}

// SingleWithdrawalPublicInputs is the projection of a single-withdrawal
// proof.
type SingleWithdrawalPublicInputs struct {
	Recipient   common.Address
	TokenIndex  uint32
	Amount      *types.U256
	Nullifier   types.Bytes32
	BlockNumber uint32
	BlockHash   types.Bytes32
}

// WithdrawalHash is the content-addressed id of the withdrawal.
func (w *SingleWithdrawalPublicInputs) WithdrawalHash() types.Bytes32 {
	var recipient types.Bytes32
	copy(recipient[12:], w.Recipient.Bytes())
	slots := []types.Bytes32{
		recipient, u32Slot(w.TokenIndex), types.Bytes32FromU256(w.Amount),
		w.Nullifier, u32Slot(w.BlockNumber), w.BlockHash,
	}
	var concat []byte
	for _, s := range slots {
		concat = append(concat, s[:]...)
	}
	return types.Bytes32(hashBytes(concat))
}

// ToPublicInputs flattens the projection into ordered slots.
func (w *SingleWithdrawalPublicInputs) ToPublicInputs() []types.Bytes32 {
	var recipient types.Bytes32
	copy(recipient[12:], w.Recipient.Bytes())
	return []types.Bytes32{
		recipient,
		u32Slot(w.TokenIndex),
		types.Bytes32FromU256(w.Amount),
		w.Nullifier,
		u32Slot(w.BlockNumber),
		w.BlockHash,
	}
}

// SingleWithdrawalPublicInputsFromProof parses the projection.
func SingleWithdrawalPublicInputsFromProof(p *Proof) (*SingleWithdrawalPublicInputs, error) {
	if len(p.PublicInputs) != NumSingleWithdrawalPublicInputs {
		return nil, fmt.Errorf("%w: withdrawal proof has %d slots", ErrBadPublicInputs, len(p.PublicInputs))
	}
	return &SingleWithdrawalPublicInputs{
		Recipient:   common.BytesToAddress(p.PublicInputs[0][12:]),
		TokenIndex:  slotU32(p.PublicInputs[1]),
		Amount:      types.U256FromBytes32(p.PublicInputs[2]),
		Nullifier:   p.PublicInputs[3],
		BlockNumber: slotU32(p.PublicInputs[4]),
		BlockHash:   p.PublicInputs[5],
	}, nil
}

// ClaimPublicInputs is the projection of a single-claim proof.
type ClaimPublicInputs struct {
	Recipient   common.Address
	Amount      *types.U256
	Nullifier   types.Bytes32
	BlockNumber uint32
	BlockHash   types.Bytes32
}

// ToPublicInputs flattens the projection into ordered slots.
func (c *ClaimPublicInputs) ToPublicInputs() []types.Bytes32 {
	var recipient types.Bytes32
	copy(recipient[12:], c.Recipient.Bytes())
	return []types.Bytes32{
		recipient,
		types.Bytes32FromU256(c.Amount),
		c.Nullifier,
		u32Slot(c.BlockNumber),
		c.BlockHash,
	}
}

// ClaimPublicInputsFromProof parses the projection.
func ClaimPublicInputsFromProof(p *Proof) (*ClaimPublicInputs, error) {
	if len(p.PublicInputs) != NumClaimPublicInputs {
		return nil, fmt.Errorf("%w: claim proof has %d slots", ErrBadPublicInputs, len(p.PublicInputs))
	}
	return &ClaimPublicInputs{
		Recipient:   common.BytesToAddress(p.PublicInputs[0][12:]),
		Amount:      types.U256FromBytes32(p.PublicInputs[1]),
		Nullifier:   p.PublicInputs[2],
		BlockNumber: slotU32(p.PublicInputs[3]),
		BlockHash:   p.PublicInputs[4],
	}, nil
}
