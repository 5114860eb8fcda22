// Copyright 2025 Intmax Protocol
//
// Unit tests for fee validation
// Exercises the fee-proof pipeline and nullifier replay protection

package fee

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

type okVerifier struct{}

func (okVerifier) Verify(p *circuits.Proof) error { return nil }

func testRegistry() *circuits.Registry {
	return &circuits.Registry{
		Validity:         okVerifier{},
		Transition:       okVerifier{},
		Balance:          okVerifier{},
		Spent:            okVerifier{},
		SingleWithdrawal: okVerifier{},
		SingleClaim:      okVerifier{},
	}
}

// feeFixture builds a consistent (vault, validator, proof) set: one fee
// transfer to the beneficiary inside a 64-leaf transfer tree, a spent
// proof committing to the resulting tx, and a sender proof set stored in
// the vault under an ephemeral key.
type feeFixture struct {
	validator   *Validator
	beneficiary *types.U256
	proof       *FeeProof
}

func newFeeFixture(t *testing.T, amount uint64, tokenIndex uint32) *feeFixture {
	t.Helper()
	ctx := context.Background()
	beneficiary := types.NewU256(777)

	transfer := &types.Transfer{
		Recipient:  types.AddressFromPubkey(beneficiary),
		TokenIndex: tokenIndex,
		Amount:     types.NewU256(amount),
		Salt:       types.Bytes32{9},
	}
	leaves := []types.Bytes32{transfer.Commitment()}
	root := types.MerkleRootFromLeaves(types.TransferTreeHeight, leaves)
	merkleProof, err := types.MerkleProofFromLeaves(types.TransferTreeHeight, leaves, 0)
	if err != nil {
		t.Fatalf("merkle proof: %v", err)
	}
	tx := &types.Tx{TransferTreeRoot: root, Nonce: 1}

	spentPis := &circuits.SpentPublicInputs{
		TransferTreeRoot: root,
		Nonce:            1,
		IsValid:          true,
	}
	spentProof := &circuits.Proof{Blob: []byte{1}, PublicInputs: spentPis.ToPublicInputs()}

	proofSet := &SenderProofSet{
		SpentProof:       spentProof,
		PrevBalanceProof: &circuits.Proof{Blob: []byte{2}},
	}
	blob, err := proofSet.Serialize()
	if err != nil {
		t.Fatalf("serialize proof set: %v", err)
	}

	store := vault.NewMemoryStore()
	ephemeralKey := types.NewU256(31337)
	digest := types.Bytes32{5}
	if err := store.SaveSnapshot(ctx, nil, vault.TopicSenderProofSet, ephemeralKey, nil, digest, blob); err != nil {
		t.Fatalf("store proof set: %v", err)
	}

	validator := NewValidator(store, testRegistry(), NewMemoryNullifierStore(), nil)
	return &feeFixture{
		validator:   validator,
		beneficiary: beneficiary,
		proof: &FeeProof{
			SenderProofSetEphemeralKey: ephemeralKey,
			FeeTransferWitness: &TransferWitness{
				Transfer:      transfer,
				TransferIndex: 0,
				Tx:            tx,
				MerkleProof:   merkleProof,
			},
		},
	}
}

func TestValidateFeeProofSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 100, 0)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, f.proof)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
}

func TestInsufficientFee(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 50, 0)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, f.proof)
	if !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("expected ErrInsufficientFee, got %v", err)
	}
}

func TestTokenIndexMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 100, 2)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, f.proof)
	if !errors.Is(err, ErrTokenIndexMismatch) {
		t.Errorf("expected ErrTokenIndexMismatch, got %v", err)
	}
}

func TestWrongBeneficiary(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 100, 0)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	err := f.validator.ValidateFeeProof(ctx, types.NewU256(888), required, nil, types.NewU256(1), true, common.Address{}, f.proof)
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestNullifierReplayRejected(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 100, 0)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	if err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, f.proof); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	if err := f.validator.RegisterFeeNullifiers(ctx, f.proof); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The same fee transfer cannot be exhibited again.
	err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, f.proof)
	if !errors.Is(err, ErrDuplicateNullifier) {
		t.Errorf("expected ErrDuplicateNullifier, got %v", err)
	}

	// And double registration fails atomically.
	if err := f.validator.RegisterFeeNullifiers(ctx, f.proof); !errors.Is(err, ErrDuplicateNullifier) {
		t.Errorf("expected ErrDuplicateNullifier on register, got %v", err)
	}
}

func TestMissingProofWithRequiredFee(t *testing.T) {
	ctx := context.Background()
	f := newFeeFixture(t, 100, 0)
	required := &Fee{TokenIndex: 0, Amount: types.NewU256(100)}

	err := f.validator.ValidateFeeProof(ctx, f.beneficiary, required, nil, types.NewU256(1), true, common.Address{}, nil)
	if !errors.Is(err, ErrFeeProofMissing) {
		t.Errorf("expected ErrFeeProofMissing, got %v", err)
	}
	// No fee required, no proof needed.
	if err := f.validator.ValidateFeeProof(ctx, f.beneficiary, nil, nil, types.NewU256(1), true, common.Address{}, nil); err != nil {
		t.Errorf("free admission should pass, got %v", err)
	}
}

func TestParseFeeList(t *testing.T) {
	list, err := ParseFeeList("0:100, 3:2500")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("parsed %d fees, want 2", len(list))
	}
	f, ok := list.FindByToken(3)
	if !ok || f.Amount.Uint64() != 2500 {
		t.Errorf("fee for token 3 = %+v, ok=%v", f, ok)
	}
	if _, ok := list.FindByToken(9); ok {
		t.Errorf("unexpected fee for token 9")
	}
	if _, err := ParseFeeList("garbage"); err == nil {
		t.Errorf("malformed list must not parse")
	}
	empty, err := ParseFeeList("  ")
	if err != nil || empty != nil {
		t.Errorf("blank list should parse to nil, got %v %v", empty, err)
	}
}
