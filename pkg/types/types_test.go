// Copyright 2025 Intmax Protocol
//
// Unit tests for the core data model
// Exercises deterministic hashing and round-trip stable serialization

package types

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTransferHashDeterministic(t *testing.T) {
	tr := &Transfer{
		Recipient:  AddressFromPubkey(NewU256(42)),
		TokenIndex: 1,
		Amount:     NewU256(1000),
		Salt:       Bytes32{7},
	}
	if tr.Hash() != tr.Hash() {
		t.Error("transfer hash is not deterministic")
	}

	other := *tr
	other.Amount = NewU256(1001)
	if tr.Hash() == other.Hash() {
		t.Error("different transfers share a hash")
	}
	if tr.Nullifier() == other.Nullifier() {
		t.Error("different transfers share a nullifier")
	}
}

func TestDepositHashMatchesPrepared(t *testing.T) {
	pubkey := NewU256(42)
	salt := Bytes32{9}
	// prepare_deposit on the client and the contract-side leaf must agree.
	saltHash := PubkeySaltHash(pubkey, salt)
	d := &Deposit{
		Depositor:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		PubkeySaltHash: saltHash,
		TokenIndex:     0,
		Amount:         NewU256(500),
		IsEligible:     true,
	}
	d2 := &Deposit{
		Depositor:      d.Depositor,
		PubkeySaltHash: PubkeySaltHash(pubkey, salt),
		TokenIndex:     0,
		Amount:         NewU256(500),
		IsEligible:     true,
	}
	if d.Hash() != d2.Hash() {
		t.Error("deposit hash does not reproduce from prepared salt hash")
	}
}

func TestFullBlockSerializationRoundTrip(t *testing.T) {
	pubkeys := PaddedPubkeys([]*U256{NewU256(5), NewU256(9)})
	block := &FullBlock{
		BlockNumber:     7,
		PrevBlockHash:   Bytes32{1},
		DepositTreeRoot: Bytes32{2},
		TxTreeRoot:      Bytes32{3},
		Timestamp:       1234,
		Signature: SignaturePayload{
			SignPayload: BlockSignPayload{
				IsRegistrationBlock: true,
				TxTreeRoot:          Bytes32{3},
				Expiry:              99,
				BlockBuilderNonce:   4,
			},
			SenderFlag:       Bytes32{0x80},
			AggregatedPubkey: []byte{1, 2},
			AggregatedSig:    []byte{3, 4},
			MessagePoint:     []byte{5, 6},
		},
		Senders: SenderSet{Pubkeys: pubkeys, PubkeyHash: PubkeyHash(pubkeys)},
	}

	raw, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored FullBlock
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.Hash() != block.Hash() {
		t.Error("block hash changed across serialization round trip")
	}
	raw2, err := json.Marshal(&restored)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(raw) != string(raw2) {
		t.Error("serialization is not round-trip stable")
	}
}

func TestAccountIDPackingRoundTrip(t *testing.T) {
	ids := []uint64{2, 3, 1 << 30}
	packed, err := PackAccountIDs(ids)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(packed) != NumSendersInBlock*AccountIDBytes {
		t.Fatalf("packed length = %d", len(packed))
	}
	unpacked, err := UnpackAccountIDs(packed)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	for i, id := range ids {
		if unpacked[i] != id {
			t.Errorf("unpacked[%d] = %d, want %d", i, unpacked[i], id)
		}
	}
	// Padding slots carry the dummy id.
	for i := len(ids); i < NumSendersInBlock; i++ {
		if unpacked[i] != 1 {
			t.Fatalf("padding slot %d = %d, want 1", i, unpacked[i])
		}
	}
	// Oversized ids are rejected.
	if _, err := PackAccountIDs([]uint64{1 << 40}); err == nil {
		t.Error("oversized account id must not pack")
	}
}

func TestGenesisBlockIsStable(t *testing.T) {
	g1 := GenesisBlock()
	g2 := GenesisBlock()
	if g1.Hash() != g2.Hash() {
		t.Error("genesis hash is not stable")
	}
	if g1.BlockNumber != 0 {
		t.Errorf("genesis block number = %d", g1.BlockNumber)
	}
}

func TestTxTreeMembership(t *testing.T) {
	txs := make([]Bytes32, 3)
	for i := range txs {
		tx := &Tx{TransferTreeRoot: Bytes32{byte(i + 1)}, Nonce: uint32(i)}
		txs[i] = tx.Hash()
	}
	root := MerkleRootFromLeaves(TxTreeHeight, txs)
	for i := range txs {
		proof, err := MerkleProofFromLeaves(TxTreeHeight, txs, uint64(i))
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if !proof.Verify(txs[i], uint64(i), root) {
			t.Errorf("proof %d does not verify", i)
		}
		// And not against the wrong index.
		if proof.Verify(txs[i], uint64(i)+1, root) {
			t.Errorf("proof %d verifies at the wrong index", i)
		}
	}
}

func TestGenericAddressRoundTrip(t *testing.T) {
	eth := AddressFromEth(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	if eth.IsPubkey {
		t.Error("eth address flagged as pubkey")
	}
	if eth.EthAddress() != common.HexToAddress("0x2222222222222222222222222222222222222222") {
		t.Error("eth address does not round trip")
	}
	pk := AddressFromPubkey(NewU256(77))
	if !pk.IsPubkey || pk.Pubkey().Uint64() != 77 {
		t.Error("pubkey address does not round trip")
	}
	if pk.Equal(eth) {
		t.Error("distinct addresses compare equal")
	}
}
