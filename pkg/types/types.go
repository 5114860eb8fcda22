// Copyright 2025 Intmax Protocol
//
// Core primitive types shared by every subsystem: fixed-width hashes,
// 256-bit integers, and generic recipient addresses.

package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bytes32 is a fixed 32-byte value (hashes, roots, salts, digests).
type Bytes32 [32]byte

// Bytes32FromHex parses a hex string (with or without 0x prefix) into a Bytes32.
func Bytes32FromHex(s string) (Bytes32, error) {
	var b Bytes32
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return b, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return b, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

// Bytes32FromSlice copies a 32-byte slice into a Bytes32.
func Bytes32FromSlice(raw []byte) (Bytes32, error) {
	var b Bytes32
	if len(raw) != 32 {
		return b, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

// Hex returns the 0x-prefixed hex encoding.
func (b Bytes32) Hex() string {
	return "0x" + hex.EncodeToString(b[:])
}

// Bytes returns a copy of the underlying bytes.
func (b Bytes32) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// IsZero reports whether the value is all zero bytes.
func (b Bytes32) IsZero() bool {
	return b == Bytes32{}
}

func (b Bytes32) String() string { return b.Hex() }

// MarshalJSON encodes the value as a 0x-prefixed hex string.
func (b Bytes32) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Hex())
}

// UnmarshalJSON decodes a 0x-prefixed hex string.
func (b *Bytes32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Bytes32FromHex(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// U256 is a 256-bit unsigned integer (token amounts, tree keys, pubkeys).
type U256 = uint256.Int

// NewU256 returns a U256 holding the given uint64.
func NewU256(v uint64) *U256 {
	return uint256.NewInt(v)
}

// U256FromDecimal parses a base-10 string into a U256.
func U256FromDecimal(s string) (*U256, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse u256 %q: %w", s, err)
	}
	return v, nil
}

// U256FromBytes32 interprets a Bytes32 as a big-endian U256.
func U256FromBytes32(b Bytes32) *U256 {
	out := new(uint256.Int)
	out.SetBytes(b[:])
	return out
}

// Bytes32FromU256 returns the big-endian 32-byte form of v.
func Bytes32FromU256(v *U256) Bytes32 {
	var b Bytes32
	if v != nil {
		raw := v.Bytes32()
		copy(b[:], raw[:])
	}
	return b
}

// GenericAddress is either an intmax pubkey (inside the rollup) or an
// Ethereum address (for L1 withdrawals). Exactly one interpretation applies.
type GenericAddress struct {
	IsPubkey bool    `json:"is_pubkey"`
	Data     Bytes32 `json:"data"`
}

// AddressFromPubkey wraps an intmax pubkey as a recipient address.
func AddressFromPubkey(pubkey *U256) GenericAddress {
	return GenericAddress{IsPubkey: true, Data: Bytes32FromU256(pubkey)}
}

// AddressFromEth wraps an Ethereum address as a recipient address.
// The 20 bytes are right-aligned in the 32-byte field.
func AddressFromEth(addr common.Address) GenericAddress {
	var b Bytes32
	copy(b[12:], addr.Bytes())
	return GenericAddress{IsPubkey: false, Data: b}
}

// Pubkey returns the pubkey interpretation. Only valid when IsPubkey.
func (a GenericAddress) Pubkey() *U256 {
	return U256FromBytes32(a.Data)
}

// EthAddress returns the L1 address interpretation. Only valid when !IsPubkey.
func (a GenericAddress) EthAddress() common.Address {
	return common.BytesToAddress(a.Data[12:])
}

// Equal reports whether two addresses are identical.
func (a GenericAddress) Equal(other GenericAddress) bool {
	return a.IsPubkey == other.IsPubkey && bytes.Equal(a.Data[:], other.Data[:])
}

// Marshal32 serializes the address into its canonical 32-byte form plus flag byte.
func (a GenericAddress) Marshal32() []byte {
	out := make([]byte, 33)
	if a.IsPubkey {
		out[0] = 1
	}
	copy(out[1:], a.Data[:])
	return out
}
