// Copyright 2025 Intmax Protocol
//
// Unit tests for the block builder
// Exercises admission, window close, signature collection and posting

package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/InternetMaximalism/intmax2-core/pkg/bls"
	"github.com/InternetMaximalism/intmax2-core/pkg/prover"
	"github.com/InternetMaximalism/intmax2-core/pkg/rollup"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeRollup struct {
	mu          sync.Mutex
	latestBlock uint32
	posted      []*rollup.RegistrationBlockInput
	postedNon   []*rollup.NonRegistrationBlockInput
}

func (f *fakeRollup) GetLatestBlockNumber(ctx context.Context) (uint32, error) {
	return f.latestBlock, nil
}
func (f *fakeRollup) GetBlockHash(ctx context.Context, n uint32) (types.Bytes32, error) {
	return types.Bytes32{}, nil
}
func (f *fakeRollup) GetNextDepositIndex(ctx context.Context) (uint32, error) { return 0, nil }
func (f *fakeRollup) PostRegistrationBlock(ctx context.Context, in *rollup.RegistrationBlockInput) (types.Bytes32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, in)
	return types.Bytes32{}, nil
}
func (f *fakeRollup) PostNonRegistrationBlock(ctx context.Context, in *rollup.NonRegistrationBlockInput) (types.Bytes32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postedNon = append(f.postedNon, in)
	return types.Bytes32{}, nil
}
func (f *fakeRollup) FilterBlockPosted(ctx context.Context, from, to uint64) ([]*rollup.BlockPostedEvent, error) {
	return nil, nil
}
func (f *fakeRollup) GetFullBlocks(ctx context.Context, from, to uint64) ([]*rollup.FullBlockWithMeta, error) {
	return nil, nil
}
func (f *fakeRollup) FilterDepositLeafInserted(ctx context.Context, from, to uint64) ([]*types.DepositLeafInsertedEvent, error) {
	return nil, nil
}
func (f *fakeRollup) LatestEthBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeRollup) EmitHeartBeat(ctx context.Context, url string) error      { return nil }

type fakeProver struct {
	syncedBlock uint32
	registered  map[string]uint64
}

func (f *fakeProver) GetAccountInfo(ctx context.Context, pubkey *types.U256) (*prover.AccountInfo, error) {
	id, ok := f.registered[pubkey.Hex()]
	return &prover.AccountInfo{
		AccountID:    id,
		IsRegistered: ok,
		BlockNumber:  f.syncedBlock,
	}, nil
}

type fixture struct {
	builder *BlockBuilder
	storage *InMemoryStorage
	nonces  *InMemoryNonceManager
	chain   *fakeRollup
	prover  *fakeProver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NonceWaitingTime = 10 * time.Millisecond
	nonces := NewInMemoryNonceManager(0, 0)
	storage := NewInMemoryStorage(&StorageConfig{
		AcceptingTxInterval:    cfg.AcceptingTxInterval,
		ProposingBlockInterval: cfg.ProposingBlockInterval,
		TxTimeout:              cfg.TxTimeout,
		DepositCheckInterval:   cfg.DepositCheckInterval,
	}, nonces, nil)
	chain := &fakeRollup{}
	proverClient := &fakeProver{registered: map[string]uint64{}}
	return &fixture{
		builder: New(cfg, storage, nonces, chain, proverClient, nil),
		storage: storage,
		nonces:  nonces,
		chain:   chain,
		prover:  proverClient,
	}
}

// ageWindow back-dates a pipeline's window clock so the next
// ProcessRequests pass closes it.
func (f *fixture) ageWindow(isRegistration bool, age time.Duration) {
	f.storage.mu.Lock()
	f.storage.pipelines[isRegistration].lastProcessed = time.Now().Add(-age)
	f.storage.mu.Unlock()
}

// ageMemos back-dates every open memo so ProcessSignatures closes them.
func (f *fixture) ageMemos(age time.Duration) {
	f.storage.mu.Lock()
	for _, memo := range f.storage.memos {
		memo.CreatedAt = time.Now().Add(-age)
	}
	f.storage.mu.Unlock()
}

func request(t *testing.T, id string, pubkey *types.U256) *TxRequest {
	t.Helper()
	return &TxRequest{
		RequestID: id,
		Pubkey:    pubkey,
		Tx:        &types.Tx{TransferTreeRoot: types.Bytes32{1}, Nonce: 1},
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestEmptyWindowCreatesNoMemo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ageWindow(false, 41*time.Second)

	if err := f.storage.ProcessRequests(ctx, false); err != nil {
		t.Fatalf("process: %v", err)
	}
	proposal, err := f.builder.QueryProposal(ctx, "anything")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if proposal != nil {
		t.Errorf("no memo expected for an empty window")
	}
}

func TestSingleRegistrationTx(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	priv, pub, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	pubkey := pub.U256()
	if err := f.builder.SendTxRequest(ctx, true, request(t, "R1", pubkey)); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.ageWindow(true, 41*time.Second)
	if err := f.storage.ProcessRequests(ctx, true); err != nil {
		t.Fatalf("process: %v", err)
	}

	proposal, err := f.builder.QueryProposal(ctx, "R1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if proposal == nil {
		t.Fatal("expected a proposal")
	}
	if len(proposal.Pubkeys) != types.NumSendersInBlock {
		t.Errorf("padded pubkeys length = %d, want %d", len(proposal.Pubkeys), types.NumSendersInBlock)
	}
	if !proposal.Pubkeys[0].Eq(pubkey) {
		t.Errorf("pubkeys[0] is not the sender")
	}
	for _, pk := range proposal.Pubkeys[1:] {
		if !pk.Eq(types.DummyPubkey) {
			t.Errorf("padding slot holds a non-dummy pubkey")
		}
	}
	// The proposal verifies against the sender's tx.
	tx := &types.Tx{TransferTreeRoot: types.Bytes32{1}, Nonce: 1}
	if !proposal.TxMerkleProof.Verify(tx.Hash(), uint64(proposal.TxIndex), proposal.SignPayload.TxTreeRoot) {
		t.Errorf("tx merkle proof does not verify against the proposed root")
	}

	// Sign and post; the memo closes into a high-priority task.
	sig, err := priv.SignBlockPayload(proposal.SignPayload, proposal.PubkeyHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.builder.PostSignature(ctx, "R1", sig); err != nil {
		t.Fatalf("post signature: %v", err)
	}
	f.ageMemos(11 * time.Second)
	if err := f.storage.ProcessSignatures(ctx); err != nil {
		t.Fatalf("process signatures: %v", err)
	}
	posted, err := f.builder.PostNextBlock(ctx)
	if err != nil {
		t.Fatalf("post block: %v", err)
	}
	if !posted {
		t.Fatal("expected a posted block")
	}
	if len(f.chain.posted) != 1 {
		t.Fatalf("posted %d registration blocks, want 1", len(f.chain.posted))
	}
	if f.chain.posted[0].BlockBuilderNonce != 0 {
		t.Errorf("first block nonce = %d, want 0", f.chain.posted[0].BlockBuilderNonce)
	}
}

func TestWindowOverflowDrainsFIFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 129 requests: the window drains exactly 128 in FIFO order.
	for i := 0; i < types.NumSendersInBlock+1; i++ {
		req := request(t, fmt.Sprintf("R%03d", i), types.NewU256(uint64(1000+i)))
		if i < types.NumSendersInBlock {
			if err := f.storage.AddTx(ctx, true, req); err != nil {
				t.Fatalf("add %d: %v", i, err)
			}
		} else {
			// The window is full: admission rejects the 129th.
			if err := f.storage.AddTx(ctx, true, req); !errors.Is(err, ErrBlockIsFull) {
				t.Fatalf("expected ErrBlockIsFull for request %d, got %v", i, err)
			}
		}
	}

	if err := f.storage.ProcessRequests(ctx, true); err != nil {
		t.Fatalf("process: %v", err)
	}
	count, _ := f.storage.CountTxRequests(ctx, true)
	if count != 0 {
		t.Errorf("queue length after drain = %d, want 0", count)
	}
	// FIFO: the first admitted request sits at tx index 0.
	proposal, err := f.builder.QueryProposal(ctx, "R000")
	if err != nil || proposal == nil {
		t.Fatalf("query R000: %v", err)
	}
	if proposal.TxIndex != 0 {
		t.Errorf("R000 tx index = %d, want 0", proposal.TxIndex)
	}
}

func TestDuplicateSenderRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pubkey := types.NewU256(42)

	if err := f.storage.AddTx(ctx, true, request(t, "R1", pubkey)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := f.storage.AddTx(ctx, true, request(t, "R2", pubkey)); !errors.Is(err, ErrOnlyOneSenderAllowed) {
		t.Errorf("expected ErrOnlyOneSenderAllowed, got %v", err)
	}
}

func TestAdmissionChecksProverSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain.latestBlock = 5
	f.prover.syncedBlock = 3 // prover lags the rollup head

	err := f.builder.SendTxRequest(ctx, true, request(t, "R1", types.NewU256(42)))
	var notSynced *ValidityProverNotSyncedError
	if !errors.As(err, &notSynced) {
		t.Fatalf("expected ValidityProverNotSyncedError, got %v", err)
	}
	if notSynced.RollupBlock != 5 || notSynced.ProverBlock != 3 {
		t.Errorf("error carries %+v", notSynced)
	}
}

func TestRegistrationAccountChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pubkey := types.NewU256(42)
	f.prover.registered[pubkey.Hex()] = 7

	// Registration of an existing account is rejected.
	err := f.builder.SendTxRequest(ctx, true, request(t, "R1", pubkey))
	var already *AccountAlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Fatalf("expected AccountAlreadyRegisteredError, got %v", err)
	}

	// Non-registration of a missing account is rejected.
	err = f.builder.SendTxRequest(ctx, false, request(t, "R2", types.NewU256(43)))
	var missing *AccountNotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("expected AccountNotFoundError, got %v", err)
	}

	// Non-registration of an existing account carries its account id.
	req := request(t, "R3", pubkey)
	if err := f.builder.SendTxRequest(ctx, false, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if req.AccountID != 7 {
		t.Errorf("account id = %d, want 7", req.AccountID)
	}
}

func TestNonceOrderingAcrossMemos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	priv1, pub1, _ := bls.GenerateKeyPair()
	priv2, pub2, _ := bls.GenerateKeyPair()

	// Two windows close back to back: nonces 0 and 1.
	for i, pub := range []*bls.PublicKey{pub1, pub2} {
		id := fmt.Sprintf("R%d", i)
		if err := f.storage.AddTx(ctx, true, request(t, id, pub.U256())); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		f.ageWindow(true, 41*time.Second)
		if err := f.storage.ProcessRequests(ctx, true); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	for i, priv := range []*bls.PrivateKey{priv1, priv2} {
		id := fmt.Sprintf("R%d", i)
		proposal, err := f.builder.QueryProposal(ctx, id)
		if err != nil || proposal == nil {
			t.Fatalf("query %s: %v", id, err)
		}
		sig, err := priv.SignBlockPayload(proposal.SignPayload, proposal.PubkeyHash)
		if err != nil {
			t.Fatalf("sign %s: %v", id, err)
		}
		if err := f.builder.PostSignature(ctx, id, sig); err != nil {
			t.Fatalf("post signature %s: %v", id, err)
		}
	}

	f.ageMemos(11 * time.Second)
	if err := f.storage.ProcessSignatures(ctx); err != nil {
		t.Fatalf("process signatures: %v", err)
	}

	// Both tasks drain in nonce order, whatever the queue arrangement.
	var nonces []uint32
	for i := 0; i < 4 && len(nonces) < 2; i++ {
		posted, err := f.builder.PostNextBlock(ctx)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if posted {
			last := f.chain.posted[len(f.chain.posted)-1]
			nonces = append(nonces, last.BlockBuilderNonce)
		}
	}
	if len(nonces) != 2 || nonces[0] != 0 || nonces[1] != 1 {
		t.Errorf("posted nonces = %v, want [0 1]", nonces)
	}
}

func TestUnknownRequestSignatureRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	priv, pub, _ := bls.GenerateKeyPair()

	if err := f.storage.AddTx(ctx, true, request(t, "R1", pub.U256())); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.ageWindow(true, 41*time.Second)
	if err := f.storage.ProcessRequests(ctx, true); err != nil {
		t.Fatalf("process: %v", err)
	}
	proposal, _ := f.builder.QueryProposal(ctx, "R1")
	sig, _ := priv.SignBlockPayload(proposal.SignPayload, proposal.PubkeyHash)

	// A contained request id is accepted; an unknown one is rejected.
	if err := f.builder.PostSignature(ctx, "R1", sig); err != nil {
		t.Errorf("contained request rejected: %v", err)
	}
	if err := f.builder.PostSignature(ctx, "ghost", sig); !errors.Is(err, ErrTxRequestNotFound) {
		t.Errorf("expected ErrTxRequestNotFound, got %v", err)
	}
}

func TestDuplicateSignatureKeepsFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	priv, pub, _ := bls.GenerateKeyPair()

	if err := f.storage.AddTx(ctx, true, request(t, "R1", pub.U256())); err != nil {
		t.Fatalf("add: %v", err)
	}
	f.ageWindow(true, 41*time.Second)
	if err := f.storage.ProcessRequests(ctx, true); err != nil {
		t.Fatalf("process: %v", err)
	}
	proposal, _ := f.builder.QueryProposal(ctx, "R1")
	sig, _ := priv.SignBlockPayload(proposal.SignPayload, proposal.PubkeyHash)

	if err := f.builder.PostSignature(ctx, "R1", sig); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	if err := f.builder.PostSignature(ctx, "R1", sig); err != nil {
		t.Fatalf("duplicate signature should be a no-op, got %v", err)
	}

	f.storage.mu.Lock()
	for _, sigs := range f.storage.signatures {
		if len(sigs) != 1 {
			t.Errorf("stored %d signatures, want 1", len(sigs))
		}
	}
	f.storage.mu.Unlock()
}

func TestPaddedPubkeysIdempotent(t *testing.T) {
	p := types.NewU256(42)
	once := types.PaddedPubkeys([]*types.U256{p})
	twice := types.PaddedPubkeys(once)
	if len(twice) != types.NumSendersInBlock {
		t.Fatalf("length = %d, want %d", len(twice), types.NumSendersInBlock)
	}
	if !twice[0].Eq(p) {
		t.Errorf("index 0 must be the original pubkey")
	}
	for i := 1; i < len(twice); i++ {
		if !twice[i].Eq(types.DummyPubkey) {
			t.Fatalf("index %d is not dummy", i)
		}
	}
}
