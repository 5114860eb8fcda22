// Copyright 2025 Intmax Protocol
//
// Fee / Payment Validator - checks that a FeeProof pays the beneficiary
// the required fee before a tx request is admitted or a claim accepted.
//
// Validation order for the primary transfer (and symmetrically for the
// optional collateral block):
//  1. fetch the SenderProofSet from the vault and check the spent proof's
//     public inputs against the witness tx,
//  2. verify the transfer's Merkle path in the tx's transfer tree,
//  3. require the recipient to be the beneficiary pubkey,
//  4. require amount >= the fee for the transfer's token.

package fee

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// Validator validates fee proofs and registers consumed nullifiers.
type Validator struct {
	vault      vault.Store
	registry   *circuits.Registry
	nullifiers NullifierStore
	logger     *log.Logger
}

// NewValidator wires a fee validator.
func NewValidator(vaultStore vault.Store, registry *circuits.Registry, nullifiers NullifierStore, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.New(log.Writer(), "[FeeValidator] ", log.LstdFlags)
	}
	return &Validator{
		vault:      vaultStore,
		registry:   registry,
		nullifiers: nullifiers,
		logger:     logger,
	}
}

// ValidateFeeProof checks the primary fee transfer and, when a collateral
// fee is required, the collateral block. No state is mutated; nullifier
// registration happens separately at consumption time.
func (v *Validator) ValidateFeeProof(ctx context.Context, beneficiary *types.U256, requiredFee, collateralFee *Fee, senderPubkey *types.U256, isRegistration bool, builderAddress common.Address, proof *FeeProof) error {
	if proof == nil {
		if requiredFee == nil {
			return nil
		}
		return ErrFeeProofMissing
	}
	if requiredFee != nil {
		if err := v.validateFeeSingle(ctx, beneficiary, requiredFee, proof.SenderProofSetEphemeralKey, proof.FeeTransferWitness); err != nil {
			return err
		}
	}
	if collateralFee != nil {
		cb := proof.CollateralBlock
		if cb == nil {
			return ErrCollateralMissing
		}
		if err := v.validateCollateralBlock(ctx, beneficiary, collateralFee, senderPubkey, isRegistration, builderAddress, cb); err != nil {
			return err
		}
	}
	// Fresh fee transfers must not collide with any consumed nullifier.
	nullifiers := proofNullifiers(proof)
	used, err := v.nullifiers.Contains(ctx, nullifiers)
	if err != nil {
		return err
	}
	if used {
		return ErrDuplicateNullifier
	}
	return nil
}

func (v *Validator) validateFeeSingle(ctx context.Context, beneficiary *types.U256, requiredFee *Fee, ephemeralKey *types.U256, witness *TransferWitness) error {
	if witness == nil || ephemeralKey == nil {
		return ErrFeeProofMissing
	}

	proofSet, err := v.fetchSenderProofSet(ctx, ephemeralKey)
	if err != nil {
		return err
	}
	if err := v.registry.Spent.Verify(proofSet.SpentProof); err != nil {
		return fmt.Errorf("%w: %v", ErrSpentProofInvalid, err)
	}
	spentPis, err := circuits.SpentPublicInputsFromProof(proofSet.SpentProof)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpentProofInvalid, err)
	}

	if *spentPis.Tx() != *witness.Tx {
		return ErrTxMismatch
	}
	if spentPis.InsufficientBit(int(witness.TransferIndex)) {
		return ErrTransferUnfunded
	}

	if !witness.MerkleProof.Verify(witness.Transfer.Commitment(), uint64(witness.TransferIndex), witness.Tx.TransferTreeRoot) {
		return ErrMerkleProofInvalid
	}

	if !witness.Transfer.Recipient.IsPubkey {
		return ErrInvalidRecipient
	}
	if !witness.Transfer.Recipient.Pubkey().Eq(beneficiary) {
		return ErrInvalidRecipient
	}

	if witness.Transfer.TokenIndex != requiredFee.TokenIndex {
		return fmt.Errorf("%w: transfer token %d, required %d",
			ErrTokenIndexMismatch, witness.Transfer.TokenIndex, requiredFee.TokenIndex)
	}
	if witness.Transfer.Amount.Lt(requiredFee.Amount) {
		return fmt.Errorf("%w: transfer amount %s, required %s",
			ErrInsufficientFee, witness.Transfer.Amount.Dec(), requiredFee.Amount.Dec())
	}
	return nil
}

// validateCollateralBlock checks the pre-signed one-sender fallback block:
// the fee transfer inside it plus the sender's BLS signature over a
// singleton payload with nonce zero.
func (v *Validator) validateCollateralBlock(ctx context.Context, beneficiary *types.U256, collateralFee *Fee, senderPubkey *types.U256, isRegistration bool, builderAddress common.Address, cb *CollateralBlock) error {
	if err := v.validateFeeSingle(ctx, beneficiary, collateralFee, cb.SenderProofSetEphemeralKey, cb.FeeTransferWitness); err != nil {
		return err
	}

	payload := &types.BlockSignPayload{
		IsRegistrationBlock: isRegistration,
		TxTreeRoot:          singletonTxTreeRoot(cb.FeeTransferWitness.Tx),
		Expiry:              cb.Expiry,
		BlockBuilderAddress: common.Address(cb.BlockBuilderAddress),
		BlockBuilderNonce:   0,
	}
	if common.Address(cb.BlockBuilderAddress) != builderAddress {
		return fmt.Errorf("%w: collateral bound to %x", ErrSignatureInvalid, cb.BlockBuilderAddress)
	}
	pubkeyHash := types.PubkeyHash([]*types.U256{senderPubkey})
	if cb.Signature == nil || !cb.Signature.Pubkey.Eq(senderPubkey) {
		return ErrSignatureInvalid
	}
	ok, err := bls.VerifyUserSignature(cb.Signature, payload, pubkeyHash)
	if err != nil || !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// RegisterFeeNullifiers consumes the fee transfers of a validated proof.
func (v *Validator) RegisterFeeNullifiers(ctx context.Context, proof *FeeProof) error {
	var transfers []*types.Transfer
	if proof.FeeTransferWitness != nil {
		transfers = append(transfers, proof.FeeTransferWitness.Transfer)
	}
	if proof.CollateralBlock != nil && proof.CollateralBlock.FeeTransferWitness != nil {
		transfers = append(transfers, proof.CollateralBlock.FeeTransferWitness.Transfer)
	}
	if len(transfers) == 0 {
		return nil
	}
	return v.nullifiers.Register(ctx, transfers)
}

// Nullifiers exposes the registry for callers that consume transfers
// outside the FeeProof shape (the withdrawal server's digests).
func (v *Validator) Nullifiers() NullifierStore { return v.nullifiers }

func (v *Validator) fetchSenderProofSet(ctx context.Context, ephemeralKey *types.U256) (*SenderProofSet, error) {
	blob, err := v.vault.GetSnapshot(ctx, nil, vault.TopicSenderProofSet, ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSenderProofSetAbsent, err)
	}
	return DeserializeSenderProofSet(blob.Data)
}

func proofNullifiers(proof *FeeProof) []types.Bytes32 {
	var out []types.Bytes32
	if proof.FeeTransferWitness != nil {
		out = append(out, proof.FeeTransferWitness.Transfer.Nullifier())
	}
	if proof.CollateralBlock != nil && proof.CollateralBlock.FeeTransferWitness != nil {
		out = append(out, proof.CollateralBlock.FeeTransferWitness.Transfer.Nullifier())
	}
	return out
}

// singletonTxTreeRoot is the tx-tree root of a block containing exactly
// one tx at index zero.
func singletonTxTreeRoot(tx *types.Tx) types.Bytes32 {
	return types.MerkleRootFromLeaves(types.TxTreeHeight, []types.Bytes32{tx.Hash()})
}
