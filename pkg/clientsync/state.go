// Copyright 2025 Intmax Protocol
//
// Per-account private state and its encrypted-at-rest container.
//
// FullPrivateState holds the asset tree, the nullifier tree, the nonce
// and the current salt; its Poseidon commitment is what every balance
// proof exposes as private_commitment. UserData wraps the private state
// together with the per-topic sync cursors and is stored in the vault as
// an encrypted snapshot under CAS.

package clientsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// Common errors
var (
	ErrDecryptFailed       = errors.New("user data decryption failed")
	ErrCommitmentMismatch  = errors.New("balance proof private commitment does not match private state")
	ErrBlockNumberMismatch = errors.New("balance proof block number does not match tx block")
	ErrNullifierSeen       = errors.New("nullifier already present in private state")
)

// ViewPair is an account's credential: the view secret decrypts incoming
// data and authenticates reads, the spend pubkey identifies the account.
type ViewPair struct {
	ViewSecret  types.Bytes32 `json:"view_secret"`
	SpendPubkey *types.U256   `json:"spend_pubkey"`
}

// FullPrivateState is the account's private balance state.
type FullPrivateState struct {
	AssetLeaves     map[uint32]*types.U256 `json:"asset_leaves"` // token index -> amount
	Nullifiers      []types.Bytes32        `json:"nullifiers"`
	Nonce           uint32                 `json:"nonce"`
	Salt            types.Bytes32          `json:"salt"`
}

// NewFullPrivateState returns the empty state every account starts from.
func NewFullPrivateState() *FullPrivateState {
	return &FullPrivateState{AssetLeaves: make(map[uint32]*types.U256)}
}

// AssetRoot computes the asset tree root over the dense token-index
// leaves.
func (s *FullPrivateState) AssetRoot() types.Bytes32 {
	if len(s.AssetLeaves) == 0 {
		return types.MerkleRootFromLeaves(types.AssetTreeHeight, nil)
	}
	maxIdx := uint32(0)
	for idx := range s.AssetLeaves {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	leaves := make([]types.Bytes32, maxIdx+1)
	for idx, amount := range s.AssetLeaves {
		leaves[idx] = types.Bytes32FromU256(amount)
	}
	return types.MerkleRootFromLeaves(types.AssetTreeHeight, leaves)
}

// NullifierRoot computes the nullifier tree root. Nullifiers are sorted
// so the root is order-independent.
func (s *FullPrivateState) NullifierRoot() types.Bytes32 {
	sorted := append([]types.Bytes32(nil), s.Nullifiers...)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i][:]) < string(sorted[j][:])
	})
	return types.MerkleRootFromLeaves(types.NullifierTreeHeight, sorted)
}

// Commitment is the Poseidon commitment exposed by balance proofs.
func (s *FullPrivateState) Commitment() types.Bytes32 {
	assetRoot := s.AssetRoot()
	nullifierRoot := s.NullifierRoot()
	var meta [32]byte
	binary.BigEndian.PutUint32(meta[28:], s.Nonce)
	return types.Bytes32(poseidon.Hash(
		assetRoot.Bytes(),
		nullifierRoot.Bytes(),
		meta[:],
		s.Salt.Bytes(),
	))
}

// AddAsset credits an amount to a token.
func (s *FullPrivateState) AddAsset(tokenIndex uint32, amount *types.U256) {
	current, ok := s.AssetLeaves[tokenIndex]
	if !ok {
		current = types.NewU256(0)
	}
	s.AssetLeaves[tokenIndex] = new(types.U256).Add(current, amount)
}

// InsertNullifier records a consumed deposit/transfer. Exactly-once: a
// repeated nullifier is an error the sync layer treats as already
// processed.
func (s *FullPrivateState) InsertNullifier(nullifier types.Bytes32) error {
	for _, n := range s.Nullifiers {
		if n == nullifier {
			return ErrNullifierSeen
		}
	}
	s.Nullifiers = append(s.Nullifiers, nullifier)
	return nil
}

// ConsumeSalt rotates the salt after a state transition.
func (s *FullPrivateState) ConsumeSalt(next types.Bytes32) {
	s.Salt = next
}

// ============================================================================
// USER DATA
// ============================================================================

// TopicCursor tracks per-topic sync progress.
type TopicCursor struct {
	LastProcessedTimestamp uint64          `json:"last_processed_timestamp"`
	ProcessedDigests       []types.Bytes32 `json:"processed_digests"`
	PendingDigests         []types.Bytes32 `json:"pending_digests"`
}

// UserData is the account's durable sync state, encrypted at rest.
type UserData struct {
	ViewPair         *ViewPair               `json:"view_pair"`
	PrivateState     *FullPrivateState       `json:"private_state"`
	BalanceProof     []byte                  `json:"balance_proof,omitempty"`
	Cursors          map[string]*TopicCursor `json:"cursors"`
}

// NewUserData returns the empty state for a fresh account.
func NewUserData(viewPair *ViewPair) *UserData {
	return &UserData{
		ViewPair:     viewPair,
		PrivateState: NewFullPrivateState(),
		Cursors:      make(map[string]*TopicCursor),
	}
}

// Cursor returns the topic's cursor, creating it on first use.
func (u *UserData) Cursor(topic string) *TopicCursor {
	if u.Cursors == nil {
		u.Cursors = make(map[string]*TopicCursor)
	}
	c, ok := u.Cursors[topic]
	if !ok {
		c = &TopicCursor{}
		u.Cursors[topic] = c
	}
	return c
}

// IsProcessed reports whether a digest was already applied.
func (c *TopicCursor) IsProcessed(digest types.Bytes32) bool {
	for _, d := range c.ProcessedDigests {
		if d == digest {
			return true
		}
	}
	return false
}

// MarkProcessed records an applied digest and advances the timestamp.
func (c *TopicCursor) MarkProcessed(meta vault.MetaData) {
	if !c.IsProcessed(meta.Digest) {
		c.ProcessedDigests = append(c.ProcessedDigests, meta.Digest)
	}
	if meta.Timestamp > c.LastProcessedTimestamp {
		c.LastProcessedTimestamp = meta.Timestamp
	}
}

// ============================================================================
// ENCRYPTION
// ============================================================================

// Encrypt seals the user data with AES-GCM keyed by the view secret.
func (u *UserData) Encrypt() ([]byte, error) {
	plaintext, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(u.ViewPair.ViewSecret[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptUserData opens an encrypted snapshot with the view secret.
func DecryptUserData(viewSecret types.Bytes32, ciphertext []byte) (*UserData, error) {
	block, err := aes.NewCipher(viewSecret[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	var u UserData
	if err := json.Unmarshal(plaintext, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return &u, nil
}

// Digest is the content address of the encrypted blob used for CAS.
func Digest(blob []byte) types.Bytes32 {
	return types.Bytes32(poseidon.Hash(blob))
}
