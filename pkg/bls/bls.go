// Copyright 2025 Intmax Protocol
//
// BN254 BLS Signature Implementation (Pure Go)
//
// This package provides:
// - Key generation (private/public key pairs)
// - Signing and verification of block-sign payloads
// - Signature aggregation (multiple signatures → single signature)
// - Public key aggregation
//
// Pubkeys live on G1 (so they fit the 32-byte sender slots of a block),
// signatures on G2. Uses gnark-crypto for pure Go BN254 operations.

package bls

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// =============================================================================
// INITIALIZATION
// =============================================================================

var (
	initOnce sync.Once

	// Generator points (initialized once)
	g1Gen    bn254.G1Affine
	g1GenNeg bn254.G1Affine
)

// DomainBlockSign is the hash-to-curve domain separation tag for block
// proposal signatures.
const DomainBlockSign = "INTMAX2_BLOCK_SIGN_V1"

// Size constants
const (
	PrivateKeySize = 32 // BN254 private key is a 32-byte scalar
	PublicKeySize  = 32 // compressed G1 point
	SignatureSize  = 64 // compressed G2 point
)

// Common errors
var (
	ErrInvalidPublicKey = errors.New("invalid public key encoding")
	ErrInvalidSignature = errors.New("invalid signature encoding")
	ErrNoSignatures     = errors.New("no signatures to aggregate")
)

func initialize() {
	initOnce.Do(func() {
		_, _, g1GenPoint, _ := bn254.Generators()
		g1Gen = g1GenPoint
		g1GenNeg.Neg(&g1Gen)
	})
}

// =============================================================================
// KEY TYPES
// =============================================================================

// PrivateKey is a BN254 scalar.
type PrivateKey struct {
	scalar fr.Element
}

// PublicKey is a point on G1.
type PublicKey struct {
	point bn254.G1Affine
}

// Signature is a point on G2.
type Signature struct {
	point bn254.G2Affine
}

// GenerateKeyPair generates a new key pair from a secure random source.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	initialize()

	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("generate random scalar: %w", err)
	}
	priv := &PrivateKey{scalar: sk}
	return priv, priv.PublicKey(), nil
}

// PrivateKeyFromBytes restores a private key from its 32-byte form.
func PrivateKeyFromBytes(raw []byte) (*PrivateKey, error) {
	initialize()
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", PrivateKeySize, len(raw))
	}
	var sk fr.Element
	sk.SetBytes(raw)
	return &PrivateKey{scalar: sk}, nil
}

// Bytes returns the 32-byte scalar encoding.
func (k *PrivateKey) Bytes() []byte {
	b := k.scalar.Bytes()
	return b[:]
}

// PublicKey derives the G1 public key.
func (k *PrivateKey) PublicKey() *PublicKey {
	initialize()
	var pk bn254.G1Affine
	s := k.scalar.BigInt(new(big.Int))
	pk.ScalarMultiplication(&g1Gen, s)
	return &PublicKey{point: pk}
}

// Bytes returns the compressed G1 encoding.
func (p *PublicKey) Bytes() []byte {
	b := p.point.Bytes()
	return b[:]
}

// U256 returns the public key as the 256-bit integer used in sender sets.
func (p *PublicKey) U256() *types.U256 {
	var b types.Bytes32
	raw := p.point.Bytes()
	copy(b[:], raw[:])
	return types.U256FromBytes32(b)
}

// PublicKeyFromBytes restores a public key from its compressed encoding.
func PublicKeyFromBytes(raw []byte) (*PublicKey, error) {
	initialize()
	if len(raw) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	var pk bn254.G1Affine
	if _, err := pk.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return &PublicKey{point: pk}, nil
}

// PublicKeyFromU256 restores a public key from its sender-set integer form.
func PublicKeyFromU256(v *types.U256) (*PublicKey, error) {
	b := types.Bytes32FromU256(v)
	return PublicKeyFromBytes(b[:])
}

// Bytes returns the compressed G2 encoding.
func (s *Signature) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

// SignatureFromBytes restores a signature from its compressed encoding.
func SignatureFromBytes(raw []byte) (*Signature, error) {
	initialize()
	if len(raw) != SignatureSize {
		return nil, ErrInvalidSignature
	}
	var sig bn254.G2Affine
	if _, err := sig.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &Signature{point: sig}, nil
}

// =============================================================================
// SIGNING AND VERIFICATION
// =============================================================================

// HashToG2 maps a message onto G2 under the block-sign domain.
func HashToG2(message []byte) (bn254.G2Affine, error) {
	return bn254.HashToG2(message, []byte(DomainBlockSign))
}

// Sign signs a message: sig = sk * H(m).
func (k *PrivateKey) Sign(message []byte) (*Signature, error) {
	initialize()
	hm, err := HashToG2(message)
	if err != nil {
		return nil, fmt.Errorf("hash to G2: %w", err)
	}
	var sig bn254.G2Affine
	s := k.scalar.BigInt(new(big.Int))
	sig.ScalarMultiplication(&hm, s)
	return &Signature{point: sig}, nil
}

// Verify checks sig against a single public key:
// e(-G1, sig) * e(pk, H(m)) == 1.
func Verify(pub *PublicKey, message []byte, sig *Signature) (bool, error) {
	initialize()
	hm, err := HashToG2(message)
	if err != nil {
		return false, fmt.Errorf("hash to G2: %w", err)
	}
	return bn254.PairingCheck(
		[]bn254.G1Affine{g1GenNeg, pub.point},
		[]bn254.G2Affine{sig.point, hm},
	)
}

// =============================================================================
// AGGREGATION
// =============================================================================

// AggregateSignatures sums signatures into one.
func AggregateSignatures(sigs []*Signature) (*Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	var acc bn254.G2Jac
	acc.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		acc.AddMixed(&s.point)
	}
	var out bn254.G2Affine
	out.FromJacobian(&acc)
	return &Signature{point: out}, nil
}

// AggregatePublicKeys sums public keys into one.
func AggregatePublicKeys(pubs []*PublicKey) (*PublicKey, error) {
	if len(pubs) == 0 {
		return nil, ErrNoSignatures
	}
	var acc bn254.G1Jac
	acc.FromAffine(&pubs[0].point)
	for _, p := range pubs[1:] {
		acc.AddMixed(&p.point)
	}
	var out bn254.G1Affine
	out.FromJacobian(&acc)
	return &PublicKey{point: out}, nil
}

// =============================================================================
// BLOCK SIGN PAYLOADS
// =============================================================================

// SignBlockPayload signs the proposal payload bound to the pubkey-vector
// hash of the proposed block.
func (k *PrivateKey) SignBlockPayload(payload *types.BlockSignPayload, pubkeyHash types.Bytes32) (*types.UserSignature, error) {
	sig, err := k.Sign(payload.SignMessage(pubkeyHash))
	if err != nil {
		return nil, err
	}
	return &types.UserSignature{
		Pubkey:    k.PublicKey().U256(),
		Signature: sig.Bytes(),
	}, nil
}

// VerifyUserSignature checks a sender's signature on a proposal payload.
func VerifyUserSignature(us *types.UserSignature, payload *types.BlockSignPayload, pubkeyHash types.Bytes32) (bool, error) {
	pub, err := PublicKeyFromU256(us.Pubkey)
	if err != nil {
		return false, err
	}
	sig, err := SignatureFromBytes(us.Signature)
	if err != nil {
		return false, err
	}
	return Verify(pub, payload.SignMessage(pubkeyHash), sig)
}

// AggregateBlockSignatures builds the on-chain aggregate from the collected
// user signatures. Returns the aggregated pubkey, aggregated signature and
// the message point all in compressed form.
func AggregateBlockSignatures(sigs []*types.UserSignature, payload *types.BlockSignPayload, pubkeyHash types.Bytes32) (aggPub, aggSig, msgPoint []byte, err error) {
	if len(sigs) == 0 {
		return nil, nil, nil, ErrNoSignatures
	}
	pubs := make([]*PublicKey, 0, len(sigs))
	parts := make([]*Signature, 0, len(sigs))
	for _, us := range sigs {
		pub, perr := PublicKeyFromU256(us.Pubkey)
		if perr != nil {
			return nil, nil, nil, perr
		}
		sig, serr := SignatureFromBytes(us.Signature)
		if serr != nil {
			return nil, nil, nil, serr
		}
		pubs = append(pubs, pub)
		parts = append(parts, sig)
	}
	pubAgg, err := AggregatePublicKeys(pubs)
	if err != nil {
		return nil, nil, nil, err
	}
	sigAgg, err := AggregateSignatures(parts)
	if err != nil {
		return nil, nil, nil, err
	}
	hm, err := HashToG2(payload.SignMessage(pubkeyHash))
	if err != nil {
		return nil, nil, nil, err
	}
	hmBytes := hm.Bytes()
	return pubAgg.Bytes(), sigAgg.Bytes(), hmBytes[:], nil
}

// VerifyAggregated checks an aggregated block signature.
func VerifyAggregated(aggPub, aggSig []byte, payload *types.BlockSignPayload, pubkeyHash types.Bytes32) (bool, error) {
	pub, err := PublicKeyFromBytes(aggPub)
	if err != nil {
		return false, err
	}
	sig, err := SignatureFromBytes(aggSig)
	if err != nil {
		return false, err
	}
	return Verify(pub, payload.SignMessage(pubkeyHash), sig)
}
