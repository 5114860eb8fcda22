// Copyright 2025 Intmax Protocol
//
// Poseidon2 hashing over the BN254 scalar field. Every commitment in the
// rollup (leaf hashes, nullifiers, pubkey-vector hashes, private-state
// commitments) is a Poseidon2 digest so that the circuits can re-compute
// it cheaply in-circuit.

package poseidon

import (
	"encoding/binary"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

var hasherPool = sync.Pool{
	New: func() interface{} {
		return poseidon2.NewMerkleDamgardHasher()
	},
}

// Hash returns the Poseidon2 digest of the concatenation of the inputs.
func Hash(inputs ...[]byte) [32]byte {
	h := hasherPool.Get().(interface {
		Write(p []byte) (n int, err error)
		Sum(b []byte) []byte
		Reset()
	})
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	for _, in := range inputs {
		// Field elements are absorbed in 32-byte chunks; inputs are
		// already canonical big-endian encodings.
		h.Write(in)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashPair combines two 32-byte digests into one. This is the node-hash
// function of every Merkle tree in the system.
func HashPair(left, right [32]byte) [32]byte {
	return Hash(left[:], right[:])
}

// HashUint32 absorbs a uint32 as a single field element.
func HashUint32(v uint32, rest ...[]byte) [32]byte {
	var buf [32]byte
	binary.BigEndian.PutUint32(buf[28:], v)
	inputs := append([][]byte{buf[:]}, rest...)
	return Hash(inputs...)
}

// HashUint64 absorbs a uint64 as a single field element.
func HashUint64(v uint64, rest ...[]byte) [32]byte {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[24:], v)
	inputs := append([][]byte{buf[:]}, rest...)
	return Hash(inputs...)
}

// ReduceToField maps an arbitrary 32-byte value into a canonical BN254
// scalar encoding. Used before absorbing values that may exceed the field
// modulus (e.g. keccak outputs).
func ReduceToField(b [32]byte) [32]byte {
	var e fr.Element
	e.SetBytes(b[:])
	return e.Bytes()
}
