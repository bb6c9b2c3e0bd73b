package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/governance"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/market"
	"DualToken-Engine/internal/staking"
)

func newLedger(t *testing.T, store *Store) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(1_000_000),
			ledger.Governance: amount.FromInt(10_000),
		},
		BurnFraction: amount.MustParse("0.01"),
	}, ledger.WithJournal(store))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	return l
}

func TestStoreReplaysJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	l := newLedger(t, store)
	if _, err := l.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(1000)}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := l.Transfer(ctx, ledger.TransferRequest{Kind: ledger.Utility, From: "alice", To: "bob", Amount: amount.FromInt(100)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	stakes := staking.New(l, amount.MustParse("0.08"), staking.WithStore(store))
	pos, err := stakes.Stake(ctx, "alice", amount.FromInt(200), 30)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	proposal := governance.Proposal{ID: "p-1", Proposer: "alice", Title: "raise apy", Status: governance.StatusPending, Escrow: amount.FromInt(10), CreatedAt: now}
	if err := store.SaveProposal(ctx, proposal); err != nil {
		t.Fatalf("save proposal: %v", err)
	}
	vote := governance.Vote{ProposalID: "p-1", Voter: "bob", Support: true, Power: amount.FromInt(5), Balance: amount.FromInt(50), CastAt: now}
	if err := store.SaveVote(ctx, vote); err != nil {
		t.Fatalf("save vote: %v", err)
	}
	if err := store.SaveDelegation(ctx, governance.Delegation{Delegator: "carol", Delegate: "bob", CreatedAt: now}); err != nil {
		t.Fatalf("save delegation: %v", err)
	}
	if err := store.SaveDelegation(ctx, governance.Delegation{Delegator: "dave", Delegate: "bob", CreatedAt: now}); err != nil {
		t.Fatalf("save delegation: %v", err)
	}
	if err := store.DeleteDelegation(ctx, "dave"); err != nil {
		t.Fatalf("delete delegation: %v", err)
	}
	if err := store.SaveCurve(ctx, market.CurveState{Supply: amount.FromInt(7), Reserve: amount.FromInt(9)}); err != nil {
		t.Fatalf("save curve: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	snap, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	restored := newLedger(t, reopened)
	if err := restored.Restore(snap.Ledger); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, account := range []string{"alice", "bob", staking.EscrowAccount} {
		if !restored.Balance(ledger.Utility, account).Equal(l.Balance(ledger.Utility, account)) {
			t.Fatalf("balance of %s differs after replay: %s vs %s", account, restored.Balance(ledger.Utility, account), l.Balance(ledger.Utility, account))
		}
	}
	seq, hash := restored.Head()
	wantSeq, wantHash := l.Head()
	if seq != wantSeq || hash != wantHash {
		t.Fatalf("head mismatch: %d/%s vs %d/%s", seq, hash.Hex(), wantSeq, wantHash.Hex())
	}
	if len(snap.Positions) != 1 || snap.Positions[0].ID != pos.ID || !snap.Positions[0].Amount.Equal(amount.FromInt(200)) {
		t.Fatalf("unexpected positions: %+v", snap.Positions)
	}
	if len(snap.Proposals) != 1 || snap.Proposals[0].Title != "raise apy" {
		t.Fatalf("unexpected proposals: %+v", snap.Proposals)
	}
	if len(snap.Votes) != 1 || !snap.Votes[0].Power.Equal(amount.FromInt(5)) {
		t.Fatalf("unexpected votes: %+v", snap.Votes)
	}
	if len(snap.Delegations) != 1 || snap.Delegations[0].Delegator != "carol" {
		t.Fatalf("unexpected delegations: %+v", snap.Delegations)
	}
	if snap.Curve == nil || !snap.Curve.Reserve.Equal(amount.FromInt(9)) {
		t.Fatalf("unexpected curve: %+v", snap.Curve)
	}

	// 重启后，日志中的历史交易仍能触发重放检测。
	_, err = restored.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(1000), Reference: "genesis"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, err = restored.Mint(ctx, ledger.MintRequest{Kind: ledger.Utility, Account: "alice", Amount: amount.FromInt(1000), Reference: "genesis"})
	if !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestStoreDeletesPosition(t *testing.T) {
	t.Parallel()

	store, err := New("")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	ctx := context.Background()
	if err := store.SavePosition(ctx, staking.Position{ID: "a", Owner: "alice", Amount: amount.One()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.DeletePosition(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Positions) != 0 {
		t.Fatalf("expected no positions, got %+v", snap.Positions)
	}
}

func TestStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "{not json}\n" + `{"type":"delegation","delegation":{"delegator":"x","delegate":"y","created_at":"2026-01-01T00:00:00Z"}}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte(content), 0o644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	store, err := New(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer store.Close()
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Delegations) != 1 || snap.Delegations[0].Delegate != "y" {
		t.Fatalf("unexpected delegations: %+v", snap.Delegations)
	}
}

func TestCommitRejectsKnownPayload(t *testing.T) {
	t.Parallel()

	store, err := New("")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	l := newLedger(t, store)
	tx, err := l.Mint(context.Background(), ledger.MintRequest{Kind: ledger.Governance, Account: "alice", Amount: amount.One()})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := store.Commit(context.Background(), tx, nil); !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}
