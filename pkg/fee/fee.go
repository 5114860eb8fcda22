// Copyright 2025 Intmax Protocol
//
// Fee schedule types. A fee is (token_index, amount); schedules are lists
// parsed from "token_index:amount" comma-separated config strings.

package fee

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Fee is one required payment.
type Fee struct {
	TokenIndex uint32      `json:"token_index"`
	Amount     *types.U256 `json:"amount"`
}

// FeeList is an ordered fee schedule, one entry per accepted token.
type FeeList []Fee

// FindByToken returns the fee required in the given token.
func (l FeeList) FindByToken(tokenIndex uint32) (*Fee, bool) {
	for i := range l {
		if l[i].TokenIndex == tokenIndex {
			return &l[i], true
		}
	}
	return nil, false
}

// ParseFeeList parses "token_index:amount,token_index:amount" strings.
func ParseFeeList(s string) (FeeList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out FeeList
	for i, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid fee format at position %d: should be token_index:fee_amount", i)
		}
		tokenIndex, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse token index at position %d: %w", i, err)
		}
		amount, err := types.U256FromDecimal(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse fee amount at position %d: %w", i, err)
		}
		out = append(out, Fee{TokenIndex: uint32(tokenIndex), Amount: amount})
	}
	return out, nil
}

// String renders the schedule back into config form.
func (l FeeList) String() string {
	parts := make([]string, len(l))
	for i, f := range l {
		parts[i] = fmt.Sprintf("%d:%s", f.TokenIndex, f.Amount.Dec())
	}
	return strings.Join(parts, ",")
}

// TransferWitness locates one transfer inside a tx's transfer tree.
type TransferWitness struct {
	Transfer      *types.Transfer    `json:"transfer"`
	TransferIndex uint32             `json:"transfer_index"`
	Tx            *types.Tx          `json:"tx"`
	MerkleProof   *types.MerkleProof `json:"merkle_proof"`
}

// SenderProofSet is the (spent, prev balance) pair a sender exhibits to
// prove a transfer is funded. Stored in the vault under an ephemeral key.
type SenderProofSet struct {
	SpentProof       *circuits.Proof `json:"spent_proof"`
	PrevBalanceProof *circuits.Proof `json:"prev_balance_proof"`
}

// Serialize returns the vault blob encoding.
func (s *SenderProofSet) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeSenderProofSet parses a vault blob.
func DeserializeSenderProofSet(raw []byte) (*SenderProofSet, error) {
	var s SenderProofSet
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CollateralBlock is the pre-signed fallback a sender hands the builder:
// a one-sender block the builder may post if the sender never returns a
// signature for the real proposal.
type CollateralBlock struct {
	SenderProofSetEphemeralKey *types.U256          `json:"sender_proof_set_ephemeral_key"`
	FeeTransferWitness         *TransferWitness     `json:"fee_transfer_witness"`
	Expiry                     uint64               `json:"expiry"`
	BlockBuilderAddress        [20]byte             `json:"block_builder_address"`
	Signature                  *types.UserSignature `json:"signature"`
}

// FeeProof is the fee payment evidence attached to a tx request.
type FeeProof struct {
	SenderProofSetEphemeralKey *types.U256      `json:"sender_proof_set_ephemeral_key"`
	FeeTransferWitness         *TransferWitness `json:"fee_transfer_witness"`
	CollateralBlock            *CollateralBlock `json:"collateral_block,omitempty"`
}
