// Copyright 2025 Intmax Protocol
//
// Opaque recursive proofs and their verifiers.
//
// The engine never inspects internal proof structure: a proof is a byte
// blob plus an ordered list of public inputs. Each circuit family exposes a
// verifier (Groth16 over BN254 via gnark) and a typed projection of its
// public inputs.

package circuits

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"

	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// Common errors
var (
	ErrVerificationFailed = errors.New("proof verification failed")
	ErrMalformedProof     = errors.New("malformed proof blob")
	ErrBadPublicInputs    = errors.New("unexpected public input shape")
)

// Proof is an opaque recursive proof: the serialized backend proof plus
// its ordered public inputs as 32-byte field encodings.
type Proof struct {
	Blob         []byte          `json:"blob"`
	PublicInputs []types.Bytes32 `json:"public_inputs"`
}

// Serialize returns the round-trip-stable JSON encoding of the proof.
func (p *Proof) Serialize() ([]byte, error) {
	return json.Marshal(p)
}

// DeserializeProof parses a proof previously produced by Serialize.
func DeserializeProof(raw []byte) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return &p, nil
}

// Verifier checks one circuit family's proofs.
type Verifier interface {
	Verify(p *Proof) error
}

// =============================================================================
// GROTH16 VERIFIER
// =============================================================================

// Groth16Verifier verifies BN254 Groth16 proofs against a fixed
// verification key.
type Groth16Verifier struct {
	vk         groth16.VerifyingKey
	numPublics int
}

// NewGroth16Verifier parses a serialized verification key.
func NewGroth16Verifier(vkBytes []byte, numPublics int) (*Groth16Verifier, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return nil, fmt.Errorf("read verifying key: %w", err)
	}
	return &Groth16Verifier{vk: vk, numPublics: numPublics}, nil
}

// Verify checks the proof blob and its public inputs against the key.
func (v *Groth16Verifier) Verify(p *Proof) error {
	if p == nil || len(p.Blob) == 0 {
		return ErrMalformedProof
	}
	if v.numPublics > 0 && len(p.PublicInputs) != v.numPublics {
		return fmt.Errorf("%w: got %d public inputs, want %d",
			ErrBadPublicInputs, len(p.PublicInputs), v.numPublics)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(p.Blob)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	pubWitness, err := publicWitnessFromInputs(p.PublicInputs)
	if err != nil {
		return err
	}

	if err := groth16.Verify(proof, v.vk, pubWitness); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

func publicWitnessFromInputs(inputs []types.Bytes32) (witness.Witness, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("new witness: %w", err)
	}
	values := make(chan any, len(inputs))
	for _, in := range inputs {
		values <- in.Bytes()
	}
	close(values)
	if err := w.Fill(len(inputs), 0, values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicInputs, err)
	}
	return w, nil
}

// =============================================================================
// VERIFIER REGISTRY
// =============================================================================

// Registry holds the process-wide verifiers, built lazily once and then
// shared read-only.
type Registry struct {
	Validity         Verifier
	Transition       Verifier
	Balance          Verifier
	Spent            Verifier
	SingleWithdrawal Verifier
	SingleClaim      Verifier
}

// VerifierKeys carries the serialized verification keys the registry is
// built from (loaded from config / release artifacts).
type VerifierKeys struct {
	Validity         []byte
	Transition       []byte
	Balance          []byte
	Spent            []byte
	SingleWithdrawal []byte
	SingleClaim      []byte
}

var (
	registryOnce sync.Once
	registry     *Registry
	registryErr  error
)

// BuildRegistry constructs the shared registry from the given keys. The
// first call wins whether or not it succeeds; later calls return its
// result, the same instance or the same error.
func BuildRegistry(keys *VerifierKeys) (*Registry, error) {
	registryOnce.Do(func() {
		registry, registryErr = newRegistry(keys)
	})
	return registry, registryErr
}

func newRegistry(keys *VerifierKeys) (*Registry, error) {
	build := func(name string, vk []byte, n int) (Verifier, error) {
		v, err := NewGroth16Verifier(vk, n)
		if err != nil {
			return nil, fmt.Errorf("build %s verifier: %w", name, err)
		}
		return v, nil
	}
	var r Registry
	var err error
	if r.Validity, err = build("validity", keys.Validity, NumValidityPublicInputs); err != nil {
		return nil, err
	}
	if r.Transition, err = build("transition", keys.Transition, 0); err != nil {
		return nil, err
	}
	if r.Balance, err = build("balance", keys.Balance, NumBalancePublicInputs); err != nil {
		return nil, err
	}
	if r.Spent, err = build("spent", keys.Spent, NumSpentPublicInputs); err != nil {
		return nil, err
	}
	if r.SingleWithdrawal, err = build("single-withdrawal", keys.SingleWithdrawal, NumSingleWithdrawalPublicInputs); err != nil {
		return nil, err
	}
	if r.SingleClaim, err = build("single-claim", keys.SingleClaim, NumClaimPublicInputs); err != nil {
		return nil, err
	}
	return &r, nil
}
