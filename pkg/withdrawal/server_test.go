// Copyright 2025 Intmax Protocol
//
// Unit tests for the withdrawal server
// Exercises proof acceptance, block-hash checks, fee replay, and paging

package withdrawal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2-core/pkg/circuits"
	"github.com/InternetMaximalism/intmax2-core/pkg/fee"
	"github.com/InternetMaximalism/intmax2-core/pkg/poseidon"
	"github.com/InternetMaximalism/intmax2-core/pkg/types"
	"github.com/InternetMaximalism/intmax2-core/pkg/vault"
)

type okVerifier struct{}

func (okVerifier) Verify(p *circuits.Proof) error { return nil }

type fakeChain struct {
	hashes map[uint32]types.Bytes32
}

func (f *fakeChain) GetBlockHash(ctx context.Context, n uint32) (types.Bytes32, error) {
	return f.hashes[n], nil
}

type fixture struct {
	server *Server
	store  *MemoryRecordStore
	vault  *vault.MemoryStore
	chain  *fakeChain

	beneficiary *types.U256
	user        *types.U256
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := &circuits.Registry{
		Validity:         okVerifier{},
		Transition:       okVerifier{},
		Balance:          okVerifier{},
		Spent:            okVerifier{},
		SingleWithdrawal: okVerifier{},
		SingleClaim:      okVerifier{},
	}
	chain := &fakeChain{hashes: map[uint32]types.Bytes32{10: {0xaa}}}
	store := NewMemoryRecordStore()
	vaultStore := vault.NewMemoryStore()
	beneficiary := types.NewU256(999)
	server := NewServer(&Config{
		Registry:    registry,
		Chain:       chain,
		Vault:       vaultStore,
		Store:       store,
		Beneficiary: beneficiary,
		Fees: &FeeSchedules{
			DirectWithdrawalFee:    fee.FeeList{{TokenIndex: 0, Amount: types.NewU256(100)}},
			ClaimableWithdrawalFee: fee.FeeList{{TokenIndex: 0, Amount: types.NewU256(200)}},
			ClaimFee:               fee.FeeList{{TokenIndex: 0, Amount: types.NewU256(50)}},
		},
		DirectWithdrawalTokens: []uint32{0},
	})
	return &fixture{
		server:      server,
		store:       store,
		vault:       vaultStore,
		chain:       chain,
		beneficiary: beneficiary,
		user:        types.NewU256(5),
	}
}

// addFeeTransfer stores one fee transfer in the beneficiary's vault topic
// and returns its digest.
func (f *fixture) addFeeTransfer(t *testing.T, amount uint64, salt byte) types.Bytes32 {
	t.Helper()
	witness := &fee.TransferWitness{
		Transfer: &types.Transfer{
			Recipient:  types.AddressFromPubkey(f.beneficiary),
			TokenIndex: 0,
			Amount:     types.NewU256(amount),
			Salt:       types.Bytes32{salt},
		},
		Tx: &types.Tx{Nonce: 1},
	}
	raw, err := json.Marshal(witness)
	if err != nil {
		t.Fatalf("marshal witness: %v", err)
	}
	digest := types.Bytes32(poseidon.Hash(raw))
	if err := f.vault.AppendSequence(context.Background(), nil, vault.TopicTransfer, f.beneficiary, digest, raw); err != nil {
		t.Fatalf("append transfer: %v", err)
	}
	return digest
}

func withdrawalProof(nullifier byte) []byte {
	pis := &circuits.SingleWithdrawalPublicInputs{
		Recipient:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		TokenIndex:  0,
		Amount:      types.NewU256(5000),
		Nullifier:   types.Bytes32{nullifier},
		BlockNumber: 10,
		BlockHash:   types.Bytes32{0xaa},
	}
	p := &circuits.Proof{Blob: []byte{1}, PublicInputs: pis.ToPublicInputs()}
	raw, _ := p.Serialize()
	return raw
}

func TestRequestWithdrawalSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	digest := f.addFeeTransfer(t, 100, 1)

	result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(1), 0, []types.Bytes32{digest})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result != ResultSuccess {
		t.Fatalf("result = %s, want success", result)
	}
	if len(f.store.withdrawals) != 1 {
		t.Errorf("stored %d records, want 1", len(f.store.withdrawals))
	}
	for _, r := range f.store.withdrawals {
		if r.Status != StatusRequested {
			t.Errorf("status = %s, want requested", r.Status)
		}
	}
}

func TestBlockHashMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain.hashes[10] = types.Bytes32{0xbb} // chain disagrees with the proof
	digest := f.addFeeTransfer(t, 100, 1)

	result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(1), 0, []types.Bytes32{digest})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if result != ResultBlockHashMismatch {
		t.Errorf("result = %s, want block_hash_mismatch", result)
	}
	if len(f.store.withdrawals) != 0 {
		t.Errorf("mismatch must write nothing")
	}
}

func TestFeeReplayReturnsInsufficient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	digest := f.addFeeTransfer(t, 100, 1)

	result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(1), 0, []types.Bytes32{digest})
	if err != nil || result != ResultSuccess {
		t.Fatalf("first request: result=%s err=%v", result, err)
	}

	// A different withdrawal exhibiting the same consumed digest fails.
	result, err = f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(2), 0, []types.Bytes32{digest})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if result != ResultInsufficient {
		t.Errorf("result = %s, want insufficient", result)
	}
	if len(f.store.withdrawals) != 1 {
		t.Errorf("replay must write nothing")
	}
}

func TestWithdrawalIdempotentOnHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1 := f.addFeeTransfer(t, 100, 1)
	d2 := f.addFeeTransfer(t, 100, 2)

	if result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(1), 0, []types.Bytes32{d1}); err != nil || result != ResultSuccess {
		t.Fatalf("first: result=%v err=%v", result, err)
	}
	// Same withdrawal again with a fresh fee: no duplicate record.
	if result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(1), 0, []types.Bytes32{d2}); err != nil || result != ResultSuccess {
		t.Fatalf("second: result=%v err=%v", result, err)
	}
	if len(f.store.withdrawals) != 1 {
		t.Errorf("stored %d records, want 1", len(f.store.withdrawals))
	}
}

func TestRequestClaimAlreadyUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d1 := f.addFeeTransfer(t, 50, 1)
	d2 := f.addFeeTransfer(t, 50, 2)

	pis := &circuits.ClaimPublicInputs{
		Recipient:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount:      types.NewU256(1000),
		Nullifier:   types.Bytes32{7},
		BlockNumber: 10,
		BlockHash:   types.Bytes32{0xaa},
	}
	p := &circuits.Proof{Blob: []byte{1}, PublicInputs: pis.ToPublicInputs()}
	proofBytes, _ := p.Serialize()

	result, err := f.server.RequestClaim(ctx, f.user, proofBytes, 0, []types.Bytes32{d1})
	if err != nil || result != ResultSuccess {
		t.Fatalf("first claim: result=%s err=%v", result, err)
	}
	// Same claim nullifier again.
	result, err = f.server.RequestClaim(ctx, f.user, proofBytes, 0, []types.Bytes32{d2})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if result != ResultAlreadyUsed {
		t.Errorf("result = %s, want already_used", result)
	}
}

func TestStatusPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := byte(1); i <= 5; i++ {
		digest := f.addFeeTransfer(t, 100, i)
		if result, err := f.server.RequestWithdrawal(ctx, f.user, withdrawalProof(i), 0, []types.Bytes32{digest}); err != nil || result != ResultSuccess {
			t.Fatalf("request %d: result=%v err=%v", i, result, err)
		}
	}

	page, err := f.server.WithdrawalsByPubkey(ctx, f.user, nil, OrderAsc, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore || page.TotalCount != 5 {
		t.Fatalf("page 1: len=%d hasMore=%v total=%d", len(page.Items), page.HasMore, page.TotalCount)
	}
	page2, err := f.server.WithdrawalsByPubkey(ctx, f.user, page.NextCursor, OrderAsc, 100)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Items) != 3 || page2.HasMore {
		t.Fatalf("page 2: len=%d hasMore=%v", len(page2.Items), page2.HasMore)
	}
	if !page.Items[len(page.Items)-1].CreatedAt.Before(page2.Items[0].CreatedAt) {
		t.Errorf("pages out of order")
	}
}
