// Copyright 2025 Intmax Protocol
//
// Block builder package errors

package builder

import (
	"errors"
	"fmt"
)

// Admission and lifecycle errors
var (
	ErrNotAccepting         = errors.New("block builder is not accepting tx requests")
	ErrBlockIsFull          = errors.New("block is full")
	ErrOnlyOneSenderAllowed = errors.New("only one sender per block allowed")
	ErrTxRequestNotFound    = errors.New("tx request not found")
	ErrNotProposing         = errors.New("no proposal in flight")
	ErrInvalidSignature     = errors.New("invalid proposal signature")
	ErrNoNonceAvailable     = errors.New("no builder nonce available")
)

// ValidityProverNotSyncedError rejects admission while the prover lags
// the rollup head; the caller retries.
type ValidityProverNotSyncedError struct {
	RollupBlock uint32
	ProverBlock uint32
}

func (e *ValidityProverNotSyncedError) Error() string {
	return fmt.Sprintf("validity prover not synced: rollup block %d, prover block %d",
		e.RollupBlock, e.ProverBlock)
}

// AccountAlreadyRegisteredError rejects a registration request for an
// existing account.
type AccountAlreadyRegisteredError struct {
	Pubkey    string
	AccountID uint64
}

func (e *AccountAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("account already registered: pubkey %s, account id %d", e.Pubkey, e.AccountID)
}

// AccountNotFoundError rejects a non-registration request for a missing
// account.
type AccountNotFoundError struct {
	Pubkey string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account not found: pubkey %s", e.Pubkey)
}
