// Copyright 2025 Intmax Protocol

package trees

// Storage tags of the global trees owned by the validity prover.
const (
	TagAccountTree   uint32 = 1
	TagBlockHashTree uint32 = 2
	TagDepositTree   uint32 = 3
)
