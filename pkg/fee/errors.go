// Copyright 2025 Intmax Protocol
//
// Fee package errors

package fee

import "errors"

// Common errors for the fee package
var (
	ErrFeeProofMissing      = errors.New("fee proof is missing")
	ErrInvalidFee           = errors.New("invalid fee")
	ErrInsufficientFee      = errors.New("insufficient fee")
	ErrTokenIndexMismatch   = errors.New("fee token index mismatch")
	ErrInvalidRecipient     = errors.New("fee transfer recipient is not the beneficiary")
	ErrSpentProofInvalid    = errors.New("spent proof rejected")
	ErrTransferUnfunded     = errors.New("fee transfer flagged insufficient")
	ErrTxMismatch           = errors.New("spent proof does not commit to the witness tx")
	ErrMerkleProofInvalid   = errors.New("fee transfer merkle proof invalid")
	ErrDuplicateNullifier   = errors.New("fee transfer nullifier already used")
	ErrCollateralMissing    = errors.New("collateral block is missing")
	ErrSignatureInvalid     = errors.New("collateral signature invalid")
	ErrSenderProofSetAbsent = errors.New("sender proof set not found in vault")
)
