// Copyright 2025 Intmax Protocol
//
// Withdrawal / Claim Server - validates single-withdrawal and single-claim
// proofs, quotes and collects fees, and persists per-recipient lifecycle
// records. Non-success fee results leave no state behind.

package withdrawal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// BlockHashSource resolves on-chain block hashes for proof validation.
type BlockHashSource interface {
	GetBlockHash(ctx context.Context, blockNumber uint32) (types.Bytes32, error)
}

// FeeSchedules carries the server's fee configuration.
type FeeSchedules struct {
	DirectWithdrawalFee    fee.FeeList
	ClaimableWithdrawalFee fee.FeeList
	ClaimFee               fee.FeeList
}

// Config wires a server.
type Config struct {
	Registry              *circuits.Registry
	Chain                 BlockHashSource
	Vault                 vault.Store
	Store                 RecordStore
	Beneficiary           *types.U256
	Fees                  *FeeSchedules
	DirectWithdrawalTokens []uint32
	Logger                *log.Logger
}

// Server records and statuses withdrawal / claim proofs.
type Server struct {
	registry     *circuits.Registry
	chain        BlockHashSource
	vault        vault.Store
	store        RecordStore
	beneficiary  *types.U256
	fees         *FeeSchedules
	directTokens map[uint32]bool
	logger       *log.Logger
}

// NewServer wires a withdrawal server.
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[WithdrawalServer] ", log.LstdFlags)
	}
	direct := make(map[uint32]bool, len(cfg.DirectWithdrawalTokens))
	for _, t := range cfg.DirectWithdrawalTokens {
		direct[t] = true
	}
	return &Server{
		registry:     cfg.Registry,
		chain:        cfg.Chain,
		vault:        cfg.Vault,
		store:        cfg.Store,
		beneficiary:  cfg.Beneficiary,
		fees:         cfg.Fees,
		directTokens: direct,
		logger:       logger,
	}
}

// ============================================================================
// WITHDRAWALS
// ============================================================================

// RequestWithdrawal validates a single-withdrawal proof and its fee and,
// on success, atomically registers the fee nullifiers and upserts the
// record with status Requested. Idempotent on the withdrawal hash.
func (s *Server) RequestWithdrawal(ctx context.Context, pubkey *types.U256, proofBytes []byte, feeTokenIndex uint32, feeTransferDigests []types.Bytes32) (FeeResult, error) {
	proof, err := circuits.DeserializeProof(proofBytes)
	if err != nil {
		return "", fmt.Errorf("decode withdrawal proof: %w", err)
	}
	if err := s.registry.SingleWithdrawal.Verify(proof); err != nil {
		return "", fmt.Errorf("verify withdrawal proof: %w", err)
	}
	pis, err := circuits.SingleWithdrawalPublicInputsFromProof(proof)
	if err != nil {
		return "", err
	}

	onchainHash, err := s.chain.GetBlockHash(ctx, pis.BlockNumber)
	if err != nil {
		return "", fmt.Errorf("get block hash %d: %w", pis.BlockNumber, err)
	}
	if onchainHash != pis.BlockHash {
		return ResultBlockHashMismatch, nil
	}

	// Fee schedule selection: direct tokens settle straight on L1, the
	// rest go through the claimable path.
	schedule := s.fees.ClaimableWithdrawalFee
	if s.directTokens[pis.TokenIndex] {
		schedule = s.fees.DirectWithdrawalFee
	}
	required, ok := schedule.FindByToken(feeTokenIndex)
	if !ok {
		return ResultTokenIndexMismatch, nil
	}

	transfers, result, err := s.collectFeeTransfers(ctx, pubkey, feeTokenIndex, required.Amount, feeTransferDigests)
	if err != nil {
		return "", err
	}
	if result != ResultSuccess {
		return result, nil
	}

	record := &WithdrawalRecord{
		WithdrawalHash:        pis.WithdrawalHash(),
		Pubkey:                pubkey,
		Recipient:             pis.Recipient,
		SingleWithdrawalProof: proofBytes,
		ContractWithdrawal: &ContractWithdrawal{
			Recipient:   pis.Recipient,
			TokenIndex:  pis.TokenIndex,
			Amount:      pis.Amount,
			Nullifier:   pis.Nullifier,
			BlockNumber: pis.BlockNumber,
			BlockHash:   pis.BlockHash,
		},
		Status: StatusRequested,
	}
	if err := s.store.SaveWithdrawal(ctx, record, transfers); err != nil {
		if err == fee.ErrDuplicateNullifier {
			// Raced with a concurrent consumer between check and commit.
			return ResultInsufficient, nil
		}
		return "", err
	}
	s.logger.Printf("Recorded withdrawal %s for %s", record.WithdrawalHash, pis.Recipient.Hex())
	return ResultSuccess, nil
}

// ============================================================================
// CLAIMS
// ============================================================================

// RequestClaim mirrors RequestWithdrawal against the claim verifier and
// the single claim fee schedule. Records are keyed by nullifier.
func (s *Server) RequestClaim(ctx context.Context, pubkey *types.U256, proofBytes []byte, feeTokenIndex uint32, feeTransferDigests []types.Bytes32) (FeeResult, error) {
	proof, err := circuits.DeserializeProof(proofBytes)
	if err != nil {
		return "", fmt.Errorf("decode claim proof: %w", err)
	}
	if err := s.registry.SingleClaim.Verify(proof); err != nil {
		return "", fmt.Errorf("verify claim proof: %w", err)
	}
	pis, err := circuits.ClaimPublicInputsFromProof(proof)
	if err != nil {
		return "", err
	}

	onchainHash, err := s.chain.GetBlockHash(ctx, pis.BlockNumber)
	if err != nil {
		return "", fmt.Errorf("get block hash %d: %w", pis.BlockNumber, err)
	}
	if onchainHash != pis.BlockHash {
		return ResultBlockHashMismatch, nil
	}

	exists, err := s.store.HasClaim(ctx, pis.Nullifier)
	if err != nil {
		return "", err
	}
	if exists {
		return ResultAlreadyUsed, nil
	}

	required, ok := s.fees.ClaimFee.FindByToken(feeTokenIndex)
	if !ok {
		return ResultTokenIndexMismatch, nil
	}
	transfers, result, err := s.collectFeeTransfers(ctx, pubkey, feeTokenIndex, required.Amount, feeTransferDigests)
	if err != nil {
		return "", err
	}
	if result != ResultSuccess {
		return result, nil
	}

	record := &ClaimRecord{
		Nullifier:        pis.Nullifier,
		Pubkey:           pubkey,
		Recipient:        pis.Recipient,
		SingleClaimProof: proofBytes,
		Claim: &ClaimContent{
			Recipient:   pis.Recipient,
			Amount:      pis.Amount,
			Nullifier:   pis.Nullifier,
			BlockNumber: pis.BlockNumber,
			BlockHash:   pis.BlockHash,
		},
		Status: StatusRequested,
	}
	if err := s.store.SaveClaim(ctx, record, transfers); err != nil {
		if err == fee.ErrDuplicateNullifier {
			return ResultInsufficient, nil
		}
		return "", err
	}
	s.logger.Printf("Recorded claim %s for %s", pis.Nullifier, pis.Recipient.Hex())
	return ResultSuccess, nil
}

// ============================================================================
// FEE COLLECTION
// ============================================================================

// collectFeeTransfers loads the referenced fee transfers from the
// beneficiary's vault topic, drops already-consumed ones, and checks the
// remainder covers the required amount in the quoted token. Pure: no
// side effects until the caller commits.
func (s *Server) collectFeeTransfers(ctx context.Context, pubkey *types.U256, feeTokenIndex uint32, requiredAmount *types.U256, digests []types.Bytes32) ([]*types.Transfer, FeeResult, error) {
	sum := types.NewU256(0)
	var transfers []*types.Transfer
	var nullifiers []types.Bytes32

	for _, digest := range digests {
		blob, err := s.vault.GetSequenceByDigest(ctx, nil, vault.TopicTransfer, s.beneficiary, digest)
		if err != nil {
			if err == vault.ErrSequenceNotFound {
				continue
			}
			return nil, "", err
		}
		var witness fee.TransferWitness
		if err := json.Unmarshal(blob.Data, &witness); err != nil {
			s.logger.Printf("Undecodable fee transfer blob %s; skipping", digest)
			continue
		}
		tr := witness.Transfer
		if tr == nil || !tr.Recipient.IsPubkey || !tr.Recipient.Pubkey().Eq(s.beneficiary) {
			continue
		}
		if tr.TokenIndex != feeTokenIndex {
			return nil, ResultTokenIndexMismatch, nil
		}
		transfers = append(transfers, tr)
		nullifiers = append(nullifiers, tr.Nullifier())
	}

	used, err := s.store.UsedNullifiers(ctx, nullifiers)
	if err != nil {
		return nil, "", err
	}
	fresh := transfers[:0]
	for _, tr := range transfers {
		if used[tr.Nullifier()] {
			continue
		}
		fresh = append(fresh, tr)
		sum = new(types.U256).Add(sum, tr.Amount)
	}
	if sum.Lt(requiredAmount) {
		return nil, ResultInsufficient, nil
	}
	return fresh, ResultSuccess, nil
}

// ============================================================================
// STATUS QUERIES
// ============================================================================

// WithdrawalsByPubkey pages a user's withdrawal records by created_at.
func (s *Server) WithdrawalsByPubkey(ctx context.Context, pubkey *types.U256, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error) {
	return s.store.ListWithdrawals(ctx, pubkey, nil, cursor, order, limit)
}

// WithdrawalsByRecipient pages a recipient's records by created_at.
func (s *Server) WithdrawalsByRecipient(ctx context.Context, recipient common.Address, cursor *time.Time, order QueryOrder, limit int) (*Page[*WithdrawalRecord], error) {
	return s.store.ListWithdrawals(ctx, nil, &recipient, cursor, order, limit)
}
