// Copyright 2025 Intmax Protocol
//
// Client Sync - per-account deterministic replay.
//
// Given a view pair and the current UserData, one sync pass (1) collects
// the settled receive and send actions since the last processed cursor
// per topic, (2) replays them in the canonical order against the balance
// prover, advancing the private state, and (3) persists the new UserData
// with a CAS on the previous snapshot digest. A digest conflict means a
// concurrent sync won; the whole pass retries on fresh state.

package clientsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// BalanceProver is the external proving service driving the recursive
// balance proof. Implementations wrap the ZKP server; tests use a
// simulator that mirrors the private-state transitions.
type BalanceProver interface {
	// UpdateNoSend rolls the balance proof forward to a block without
	// consuming any send.
	UpdateNoSend(ctx context.Context, prevProof []byte, state *FullPrivateState, toBlock uint32) ([]byte, error)
	// ReceiveDeposit folds one deposit into the balance proof.
	ReceiveDeposit(ctx context.Context, prevProof []byte, state *FullPrivateState, deposit *DepositData, blockNumber uint32) ([]byte, error)
	// ReceiveTransfer folds one incoming transfer into the balance proof.
	ReceiveTransfer(ctx context.Context, prevProof []byte, state *FullPrivateState, transfer *TransferData, blockNumber uint32) ([]byte, error)
	// UpdateSendBySender folds the account's own tx into the proof; the
	// resulting public state must land exactly on the tx's block.
	UpdateSendBySender(ctx context.Context, prevProof []byte, state *FullPrivateState, tx *TxData, blockNumber uint32) ([]byte, error)
	// UpdateSendByReceiver synthesizes the sender's post-tx balance proof
	// when receiving a transfer.
	UpdateSendByReceiver(ctx context.Context, sender *types.U256, txTreeRoot types.Bytes32, blockNumber uint32) ([]byte, error)
}

// Config tunes the syncer.
type Config struct {
	MaxCASRetries int
	Logger        *log.Logger
}

// Syncer drives one account's sync passes.
type Syncer struct {
	vault    vault.Store
	resolver BlockResolver
	prover   BalanceProver
	config   *Config
	logger   *log.Logger
}

// NewSyncer wires a syncer.
func NewSyncer(vaultStore vault.Store, resolver BlockResolver, prover BalanceProver, config *Config) *Syncer {
	if config == nil {
		config = &Config{}
	}
	if config.MaxCASRetries <= 0 {
		config.MaxCASRetries = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[ClientSync] ", log.LstdFlags)
	}
	return &Syncer{
		vault:    vaultStore,
		resolver: resolver,
		prover:   prover,
		config:   config,
		logger:   logger,
	}
}

// Sync runs passes until the account is caught up or the CAS retry
// budget is exhausted.
func (s *Syncer) Sync(ctx context.Context, viewPair *ViewPair) (*UserData, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxCASRetries; attempt++ {
		userData, err := s.syncOnce(ctx, viewPair)
		if err == nil {
			return userData, nil
		}
		if !errors.Is(err, vault.ErrLockConflict) {
			return nil, err
		}
		// A concurrent sync advanced the snapshot: re-read and retry.
		lastErr = err
		s.logger.Printf("Snapshot CAS conflict for %s (attempt %d); retrying", viewPair.SpendPubkey.Hex(), attempt+1)
	}
	return nil, lastErr
}

func (s *Syncer) syncOnce(ctx context.Context, viewPair *ViewPair) (*UserData, error) {
	auth := s.auth(viewPair)
	userData, prevDigest, err := s.loadUserData(ctx, viewPair)
	if err != nil {
		return nil, err
	}

	// Phase 1: determine the action sequence.
	receives, sends, err := s.determineSequence(ctx, viewPair, userData)
	if err != nil {
		return nil, err
	}
	if len(receives) == 0 && len(sends) == 0 {
		return userData, nil
	}

	// Phase 2: replay. Receives apply in order; each outgoing tx applies
	// strictly after every receive with block <= the tx's block.
	ri := 0
	for _, send := range sends {
		for ri < len(receives) && receives[ri].BlockNumber <= send.BlockNumber {
			if err := s.applyReceive(ctx, userData, receives[ri]); err != nil {
				return nil, err
			}
			ri++
		}
		if err := s.applySend(ctx, userData, send); err != nil {
			return nil, err
		}
	}
	for ; ri < len(receives); ri++ {
		if err := s.applyReceive(ctx, userData, receives[ri]); err != nil {
			return nil, err
		}
	}

	// Phase 3: persist under CAS.
	blob, err := userData.Encrypt()
	if err != nil {
		return nil, err
	}
	digest := Digest(blob)
	if err := s.vault.SaveSnapshot(ctx, auth, vault.TopicUserData, viewPair.SpendPubkey, prevDigest, digest, blob); err != nil {
		return nil, err
	}
	s.logger.Printf("Synced %s: %d receives, %d sends", viewPair.SpendPubkey.Hex(), len(receives), len(sends))
	return userData, nil
}

func (s *Syncer) auth(viewPair *ViewPair) *vault.Auth {
	return &vault.Auth{Pubkey: viewPair.SpendPubkey, ExpiresAt: time.Now().Add(time.Minute)}
}

func (s *Syncer) loadUserData(ctx context.Context, viewPair *ViewPair) (*UserData, *types.Bytes32, error) {
	snapshot, err := s.vault.GetSnapshot(ctx, s.auth(viewPair), vault.TopicUserData, viewPair.SpendPubkey)
	if errors.Is(err, vault.ErrSnapshotNotFound) {
		return NewUserData(viewPair), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	userData, err := DecryptUserData(viewPair.ViewSecret, snapshot.Data)
	if err != nil {
		return nil, nil, err
	}
	userData.ViewPair = viewPair
	digest := snapshot.Meta.Digest
	return userData, &digest, nil
}

// determineSequence collects settled, unprocessed actions per topic and
// returns receives and sends in canonical order.
func (s *Syncer) determineSequence(ctx context.Context, viewPair *ViewPair, userData *UserData) (receives, sends []*Action, err error) {
	for _, topic := range []string{vault.TopicDeposit, vault.TopicTransfer, vault.TopicTx} {
		cursor := userData.Cursor(topic)
		entries, err := s.readTopicSince(ctx, viewPair, topic, cursor.LastProcessedTimestamp, cursor.PendingDigests)
		if err != nil {
			return nil, nil, err
		}
		pending := cursor.PendingDigests[:0]
		for _, entry := range entries {
			if cursor.IsProcessed(entry.Meta.Digest) {
				continue
			}
			action, err := decodeAction(ctx, s.resolver, topic, entry)
			if err != nil {
				s.logger.Printf("Undecodable %s entry %s; skipping", topic, entry.Meta.Digest)
				continue
			}
			if action == nil {
				// Not settled yet.
				pending = append(pending, entry.Meta.Digest)
				continue
			}
			if action.Kind == ActionTx {
				sends = append(sends, action)
			} else {
				receives = append(receives, action)
			}
		}
		cursor.PendingDigests = pending
	}

	sort.Slice(receives, func(i, j int) bool { return receives[i].less(receives[j]) })
	sort.Slice(sends, func(i, j int) bool { return sends[i].less(sends[j]) })
	return receives, sends, nil
}

func (s *Syncer) readTopicSince(ctx context.Context, viewPair *ViewPair, topic string, sinceTimestamp uint64, pendingDigests []types.Bytes32) ([]*vault.DataWithMetaData, error) {
	auth := s.auth(viewPair)
	var out []*vault.DataWithMetaData
	var cursor vault.Cursor
	cursor.Order = vault.Ascending
	for {
		entries, resp, err := s.vault.ReadSequence(ctx, auth, topic, viewPair.SpendPubkey, cursor)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			// The timestamp bound keeps the scan window short; entries
			// that were pending in earlier passes re-enter through their
			// pending digests, because a later entry that settled may
			// already have moved the cursor timestamp past them.
			keep := e.Meta.Timestamp > sinceTimestamp
			for _, d := range pendingDigests {
				if d == e.Meta.Digest {
					keep = true
				}
			}
			if keep {
				out = append(out, e)
			}
		}
		if !resp.HasMore {
			return out, nil
		}
		cursor.Meta = resp.NextCursor
	}
}

// applyReceive folds one deposit or transfer into the balance proof and
// the private state.
func (s *Syncer) applyReceive(ctx context.Context, userData *UserData, action *Action) error {
	state := userData.PrivateState
	proof := userData.BalanceProof

	// Roll the proof forward to the action's block first.
	proof, err := s.prover.UpdateNoSend(ctx, proof, state, action.BlockNumber)
	if err != nil {
		return err
	}

	switch action.Kind {
	case ActionDeposit:
		nullifier := action.Deposit.Deposit.Nullifier()
		if err := state.InsertNullifier(nullifier); err != nil {
			if errors.Is(err, ErrNullifierSeen) {
				userData.Cursor(vault.TopicDeposit).MarkProcessed(action.Meta)
				return nil
			}
			return err
		}
		state.AddAsset(action.Deposit.Deposit.TokenIndex, action.Deposit.Deposit.Amount)
		state.ConsumeSalt(action.Deposit.DepositSalt)
		proof, err = s.prover.ReceiveDeposit(ctx, proof, state, action.Deposit, action.BlockNumber)
		if err != nil {
			return err
		}
		userData.Cursor(vault.TopicDeposit).MarkProcessed(action.Meta)

	case ActionTransfer:
		// The sender's balance proof after the tx is synthesized first.
		if _, err := s.prover.UpdateSendByReceiver(ctx, action.Transfer.Sender, action.Transfer.TxTreeRoot, action.BlockNumber); err != nil {
			return err
		}
		nullifier := action.Transfer.Transfer.Nullifier()
		if err := state.InsertNullifier(nullifier); err != nil {
			if errors.Is(err, ErrNullifierSeen) {
				userData.Cursor(vault.TopicTransfer).MarkProcessed(action.Meta)
				return nil
			}
			return err
		}
		state.AddAsset(action.Transfer.Transfer.TokenIndex, action.Transfer.Transfer.Amount)
		state.ConsumeSalt(action.Transfer.Transfer.Salt)
		proof, err = s.prover.ReceiveTransfer(ctx, proof, state, action.Transfer, action.BlockNumber)
		if err != nil {
			return err
		}
		userData.Cursor(vault.TopicTransfer).MarkProcessed(action.Meta)
	}

	userData.BalanceProof = proof
	return s.checkCommitment(userData)
}

// applySend folds the account's own settled tx into the balance proof.
func (s *Syncer) applySend(ctx context.Context, userData *UserData, action *Action) error {
	state := userData.PrivateState
	state.Nonce = action.Tx.Tx.Nonce + 1

	proof, err := s.prover.UpdateSendBySender(ctx, userData.BalanceProof, state, action.Tx, action.BlockNumber)
	if err != nil {
		return err
	}

	// The resulting public state must land exactly on the tx's block.
	parsed, err := circuits.DeserializeProof(proof)
	if err == nil && len(parsed.PublicInputs) == circuits.NumBalancePublicInputs {
		pis, perr := circuits.BalancePublicInputsFromProof(parsed)
		if perr == nil && pis.PublicState.BlockNumber != action.BlockNumber {
			return fmt.Errorf("%w: proof at block %d, tx at block %d",
				ErrBlockNumberMismatch, pis.PublicState.BlockNumber, action.BlockNumber)
		}
	}

	userData.BalanceProof = proof
	userData.Cursor(vault.TopicTx).MarkProcessed(action.Meta)
	return s.checkCommitment(userData)
}

// checkCommitment enforces the per-account invariant: the proof's
// private commitment always equals the private state's commitment.
func (s *Syncer) checkCommitment(userData *UserData) error {
	if len(userData.BalanceProof) == 0 {
		return nil
	}
	parsed, err := circuits.DeserializeProof(userData.BalanceProof)
	if err != nil {
		return err
	}
	pis, err := circuits.BalancePublicInputsFromProof(parsed)
	if err != nil {
		return err
	}
	if pis.PrivateCommitment != userData.PrivateState.Commitment() {
		return ErrCommitmentMismatch
	}
	return nil
}
