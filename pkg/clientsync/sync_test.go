// Copyright 2025 Intmax Protocol
//
// Unit tests for client sync
// Exercises deterministic replay order, exactly-once application, and
// the private-commitment invariant

package clientsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

// ============================================================================
// Fakes
// ============================================================================

// simProver mirrors the private-state transitions: every returned proof
// carries the state's current commitment and the target block, which is
// exactly what the commitment invariant checks.
type simProver struct {
	calls []string
}

func (p *simProver) proofFor(state *FullPrivateState, blockNumber uint32) []byte {
	pis := &circuits.BalancePublicInputs{
		PrivateCommitment: state.Commitment(),
		PublicState:       &circuits.PublicState{BlockNumber: blockNumber},
	}
	proof := &circuits.Proof{Blob: []byte{1}, PublicInputs: pis.ToPublicInputs()}
	raw, _ := proof.Serialize()
	return raw
}

func (p *simProver) UpdateNoSend(ctx context.Context, prev []byte, state *FullPrivateState, toBlock uint32) ([]byte, error) {
	p.calls = append(p.calls, "update_no_send")
	return p.proofFor(state, toBlock), nil
}

func (p *simProver) ReceiveDeposit(ctx context.Context, prev []byte, state *FullPrivateState, deposit *DepositData, blockNumber uint32) ([]byte, error) {
	p.calls = append(p.calls, "receive_deposit")
	return p.proofFor(state, blockNumber), nil
}

func (p *simProver) ReceiveTransfer(ctx context.Context, prev []byte, state *FullPrivateState, transfer *TransferData, blockNumber uint32) ([]byte, error) {
	p.calls = append(p.calls, "receive_transfer")
	return p.proofFor(state, blockNumber), nil
}

func (p *simProver) UpdateSendBySender(ctx context.Context, prev []byte, state *FullPrivateState, tx *TxData, blockNumber uint32) ([]byte, error) {
	p.calls = append(p.calls, "update_send_by_sender")
	return p.proofFor(state, blockNumber), nil
}

func (p *simProver) UpdateSendByReceiver(ctx context.Context, sender *types.U256, txTreeRoot types.Bytes32, blockNumber uint32) ([]byte, error) {
	p.calls = append(p.calls, "update_send_by_receiver")
	return nil, nil
}

type fakeResolver struct {
	txBlocks      map[types.Bytes32]uint32
	depositBlocks map[uint32]uint32
}

func (f *fakeResolver) BlockNumberByTxTreeRoot(ctx context.Context, root types.Bytes32) (uint32, bool, error) {
	n, ok := f.txBlocks[root]
	return n, ok, nil
}

func (f *fakeResolver) BlockNumberByDepositIndex(ctx context.Context, idx uint32) (uint32, bool, error) {
	n, ok := f.depositBlocks[idx]
	return n, ok, nil
}

func (f *fakeResolver) LastSyncedBlockNumber(ctx context.Context) (uint32, error) {
	return 100, nil
}

type fixture struct {
	syncer   *Syncer
	vault    *vault.MemoryStore
	prover   *simProver
	resolver *fakeResolver
	viewPair *ViewPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := vault.NewMemoryStore()
	prover := &simProver{}
	resolver := &fakeResolver{
		txBlocks:      make(map[types.Bytes32]uint32),
		depositBlocks: make(map[uint32]uint32),
	}
	viewPair := &ViewPair{
		ViewSecret:  types.Bytes32{1, 2, 3},
		SpendPubkey: types.NewU256(42),
	}
	return &fixture{
		syncer:   NewSyncer(store, resolver, prover, nil),
		vault:    store,
		prover:   prover,
		resolver: resolver,
		viewPair: viewPair,
	}
}

func (f *fixture) appendTopic(t *testing.T, topic string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	digest := types.Bytes32(poseidon.Hash(raw))
	auth := f.syncer.auth(f.viewPair)
	if err := f.vault.AppendSequence(context.Background(), auth, topic, f.viewPair.SpendPubkey, digest, raw); err != nil {
		t.Fatalf("append %s: %v", topic, err)
	}
}

func (f *fixture) addDeposit(t *testing.T, index uint32, blockNumber uint32, amount uint64) {
	f.resolver.depositBlocks[index] = blockNumber
	f.appendTopic(t, vault.TopicDeposit, &DepositData{
		Deposit: &types.Deposit{
			Depositor:      common.Address{1},
			PubkeySaltHash: types.Bytes32{byte(index)},
			TokenIndex:     0,
			Amount:         types.NewU256(amount),
		},
		DepositIndex: index,
		DepositSalt:  types.Bytes32{0xd0, byte(index)},
	})
}

func (f *fixture) addTransfer(t *testing.T, salt byte, blockNumber uint32, amount uint64) {
	root := types.Bytes32{0x70, salt}
	f.resolver.txBlocks[root] = blockNumber
	f.appendTopic(t, vault.TopicTransfer, &TransferData{
		Transfer: &types.Transfer{
			Recipient:  types.AddressFromPubkey(f.viewPair.SpendPubkey),
			TokenIndex: 0,
			Amount:     types.NewU256(amount),
			Salt:       types.Bytes32{salt},
		},
		TxTreeRoot: root,
		Sender:     types.NewU256(7),
	})
}

func (f *fixture) addTx(t *testing.T, nonce uint32, blockNumber uint32) {
	root := types.Bytes32{0x7f, byte(nonce)}
	f.resolver.txBlocks[root] = blockNumber
	f.appendTopic(t, vault.TopicTx, &TxData{
		Tx:         &types.Tx{TransferTreeRoot: root, Nonce: nonce},
		TxTreeRoot: root,
	})
}

// ============================================================================
// Tests
// ============================================================================

func TestSyncAppliesDepositsAndBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDeposit(t, 0, 3, 500)
	f.addDeposit(t, 1, 5, 200)

	userData, err := f.syncer.Sync(ctx, f.viewPair)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	balance := userData.PrivateState.AssetLeaves[0]
	if balance == nil || balance.Uint64() != 700 {
		t.Errorf("balance = %v, want 700", balance)
	}
	if len(userData.PrivateState.Nullifiers) != 2 {
		t.Errorf("nullifiers = %d, want 2", len(userData.PrivateState.Nullifiers))
	}
}

func TestCommitmentInvariantAfterSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDeposit(t, 0, 3, 500)
	f.addTransfer(t, 1, 4, 50)

	userData, err := f.syncer.Sync(ctx, f.viewPair)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	parsed, err := circuits.DeserializeProof(userData.BalanceProof)
	if err != nil {
		t.Fatalf("parse proof: %v", err)
	}
	pis, err := circuits.BalancePublicInputsFromProof(parsed)
	if err != nil {
		t.Fatalf("parse pis: %v", err)
	}
	if pis.PrivateCommitment != userData.PrivateState.Commitment() {
		t.Errorf("private commitment mismatch after sync")
	}
}

func TestSyncIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addDeposit(t, 0, 3, 500)

	if _, err := f.syncer.Sync(ctx, f.viewPair); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	// A second pass over the same topics must not double-credit.
	userData, err := f.syncer.Sync(ctx, f.viewPair)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	balance := userData.PrivateState.AssetLeaves[0]
	if balance == nil || balance.Uint64() != 500 {
		t.Errorf("balance after resync = %v, want 500", balance)
	}
}

func TestSendsApplyAfterEarlierReceives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Receive at block 3 and 7, own tx at block 5: replay must be
	// receive(3), send(5), receive(7).
	f.addDeposit(t, 0, 3, 500)
	f.addDeposit(t, 1, 7, 100)
	f.addTx(t, 1, 5)

	if _, err := f.syncer.Sync(ctx, f.viewPair); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var order []string
	for _, call := range f.prover.calls {
		if call == "receive_deposit" || call == "update_send_by_sender" {
			order = append(order, call)
		}
	}
	want := []string{"receive_deposit", "update_send_by_sender", "receive_deposit"}
	if len(order) != len(want) {
		t.Fatalf("call order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("call order %v, want %v", order, want)
		}
	}
}

func TestPendingEntriesStayPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// A transfer whose tx tree root is not yet settled stays pending and
	// credits nothing.
	f.appendTopic(t, vault.TopicTransfer, &TransferData{
		Transfer: &types.Transfer{
			Recipient:  types.AddressFromPubkey(f.viewPair.SpendPubkey),
			TokenIndex: 0,
			Amount:     types.NewU256(50),
			Salt:       types.Bytes32{9},
		},
		TxTreeRoot: types.Bytes32{0xee}, // unresolved
		Sender:     types.NewU256(7),
	})

	userData, err := f.syncer.Sync(ctx, f.viewPair)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if balance := userData.PrivateState.AssetLeaves[0]; balance != nil && !balance.IsZero() {
		t.Errorf("pending transfer credited: %v", balance)
	}

	// Once the root settles, the next sync applies it.
	f.resolver.txBlocks[types.Bytes32{0xee}] = 8
	userData, err = f.syncer.Sync(ctx, f.viewPair)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if balance := userData.PrivateState.AssetLeaves[0]; balance == nil || balance.Uint64() != 50 {
		t.Errorf("settled transfer not credited: %v", balance)
	}
}

func TestUserDataEncryptionRoundTrip(t *testing.T) {
	viewPair := &ViewPair{ViewSecret: types.Bytes32{5}, SpendPubkey: types.NewU256(9)}
	userData := NewUserData(viewPair)
	userData.PrivateState.AddAsset(0, types.NewU256(123))
	userData.PrivateState.Nonce = 4

	blob, err := userData.Encrypt()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	restored, err := DecryptUserData(viewPair.ViewSecret, blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if restored.PrivateState.Commitment() != userData.PrivateState.Commitment() {
		t.Errorf("commitment changed across encryption round trip")
	}

	// The wrong key cannot open the blob.
	if _, err := DecryptUserData(types.Bytes32{6}, blob); err == nil {
		t.Errorf("decryption with the wrong key must fail")
	}
}
