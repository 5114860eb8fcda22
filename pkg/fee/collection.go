// Copyright 2025 Intmax Protocol
//
// Fee collection. After a proposal's signature window closes, the
// builder settles fees: senders who signed have their fee transfer saved
// to the beneficiary's vault topic for a later sweep; senders who did not
// sign but provided collateral have the collateral block handed back for
// low-priority posting.

package fee

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// SenderFee is one admitted sender's fee evidence at collection time.
type SenderFee struct {
	Pubkey   *types.U256
	FeeProof *FeeProof
}

// CollectFees settles the fees of one closed proposal. signedPubkeys
// holds the senders that returned a signature. Returns the collateral
// blocks to enqueue for non-signers.
func (v *Validator) CollectFees(ctx context.Context, beneficiary *types.U256, senders []*SenderFee, signedPubkeys map[string]bool) ([]*CollateralBlock, error) {
	var collaterals []*CollateralBlock
	for _, sender := range senders {
		if sender.FeeProof == nil {
			continue
		}
		if signedPubkeys[types.Bytes32FromU256(sender.Pubkey).Hex()] {
			witness := sender.FeeProof.FeeTransferWitness
			if witness == nil {
				continue
			}
			if err := v.nullifiers.Register(ctx, []*types.Transfer{witness.Transfer}); err != nil {
				if err == ErrDuplicateNullifier {
					v.logger.Printf("Fee transfer from %s already consumed; skipping", sender.Pubkey.Hex())
					continue
				}
				return nil, err
			}
			if err := v.saveFeeTransfer(ctx, beneficiary, witness); err != nil {
				return nil, err
			}
		} else if sender.FeeProof.CollateralBlock != nil {
			cb := sender.FeeProof.CollateralBlock
			if err := v.nullifiers.Register(ctx, []*types.Transfer{cb.FeeTransferWitness.Transfer}); err != nil {
				if err == ErrDuplicateNullifier {
					v.logger.Printf("Collateral from %s already consumed; skipping", sender.Pubkey.Hex())
					continue
				}
				return nil, err
			}
			collaterals = append(collaterals, cb)
		}
	}
	return collaterals, nil
}

// saveFeeTransfer appends the fee transfer to the beneficiary's transfer
// topic so the beneficiary can sweep it later.
func (v *Validator) saveFeeTransfer(ctx context.Context, beneficiary *types.U256, witness *TransferWitness) error {
	raw, err := json.Marshal(witness)
	if err != nil {
		return fmt.Errorf("serialize fee transfer: %w", err)
	}
	digest := types.Bytes32(poseidon.Hash(raw))
	if err := v.vault.AppendSequence(ctx, nil, vault.TopicTransfer, beneficiary, digest, raw); err != nil {
		return fmt.Errorf("save fee transfer: %w", err)
	}
	return nil
}
