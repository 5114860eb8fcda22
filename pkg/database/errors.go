// Copyright 2025 Intmax Protocol
//
// Package database provides sentinel errors for repository operations.

package database

import "errors"

// Sentinel errors for database operations
var (
	// ErrNotFound is returned when a requested entity is not found in the database
	ErrNotFound = errors.New("entity not found")

	// ErrBlockNotFound is returned when a full block is not found
	ErrBlockNotFound = errors.New("block not found")

	// ErrWithdrawalNotFound is returned when a withdrawal record is not found
	ErrWithdrawalNotFound = errors.New("withdrawal not found")

	// ErrClaimNotFound is returned when a claim record is not found
	ErrClaimNotFound = errors.New("claim not found")

	// ErrProofNotFound is returned when a validity proof is not found
	ErrProofNotFound = errors.New("validity proof not found")
)
