package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/staking"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeApplier struct {
	err     error
	block   bool
	applied []string
}

func (f *fakeApplier) Apply(ctx context.Context, proposalID string, _ []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, proposalID)
	return nil
}

type env struct {
	gov     *Module
	ledger  *ledger.Ledger
	clock   *clock
	applier *fakeApplier
}

func testConfig() Config {
	return Config{
		MinProposalStake: amount.FromInt(100),
		Quorum:           amount.MustParse("0.1"),
		ConvictionGrowth: amount.MustParse("0.1"),
		MaxConviction:    amount.FromInt(3),
		EntryDelay:       time.Hour,
		VotingPeriod:     24 * time.Hour,
		ExecutionDelay:   48 * time.Hour,
		ExecutionTimeout: 20 * time.Millisecond,
	}
}

func setup(t *testing.T, cfg Config) *env {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(1_000_000),
			ledger.Governance: amount.FromInt(10_000),
		},
		BurnFraction: amount.Zero(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	for account, balance := range map[string]int64{"alice": 500, "bob": 300, "carol": 200} {
		_, err := l.Mint(ctx, ledger.MintRequest{Kind: ledger.Governance, Account: account, Amount: amount.FromInt(balance)})
		require.NoError(t, err)
	}
	applier := &fakeApplier{}
	locker := staking.New(l, amount.Zero(), staking.WithClock(c.now))
	gov, err := New(cfg, l, locker, WithClock(c.now), WithApplier(applier))
	require.NoError(t, err)
	return &env{gov: gov, ledger: l, clock: c, applier: applier}
}

func (e *env) propose(t *testing.T) Proposal {
	t.Helper()
	p, err := e.gov.CreateProposal(context.Background(), CreateRequest{Proposer: "alice", Title: "raise apy", Payload: []byte(`{"apy":"0.1"}`)})
	require.NoError(t, err)
	return p
}

func (e *env) govBalance(account string) amount.Amount {
	return e.ledger.Balance(ledger.Governance, account)
}

func TestConviction(t *testing.T) {
	growth, max := amount.MustParse("0.1"), amount.FromInt(3)
	require.Equal(t, "0.100000000000000000", Conviction(0, growth, max).String())
	require.Equal(t, "1.600000000000000000", Conviction(6, growth, max).String())
	require.Equal(t, "1.100000000000000000", Conviction(1, growth, max).String())
	for _, n := range []int{20, 21, 1000} {
		require.True(t, Conviction(n, growth, max).Equal(max), "conviction(%d) exceeds max", n)
	}
}

func TestEvaluateQuorumAndMajority(t *testing.T) {
	tally := Tally{For: amount.FromInt(100), Against: amount.FromInt(40), Abstain: amount.FromInt(10)}
	quorum := amount.MustParse("0.1")

	require.Equal(t, StatusPassed, Evaluate(tally, amount.FromInt(1000), quorum))
	require.Equal(t, StatusRejected, Evaluate(tally, amount.FromInt(2000), quorum))

	tie := Tally{For: amount.FromInt(40), Against: amount.FromInt(40), Abstain: amount.Zero()}
	require.Equal(t, StatusRejected, Evaluate(tie, amount.FromInt(100), quorum))
}

func TestProposalLifecycle(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()

	p := e.propose(t)
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(400)))
	require.True(t, e.govBalance(EscrowAccount).Equal(amount.FromInt(100)))
	require.Equal(t, StatusPending, p.StatusAt(e.clock.t))

	_, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 1})
	require.True(t, errors.Is(err, ErrProposalNotActive), "got %v", err)

	e.clock.advance(time.Hour)
	bobVote, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 1})
	require.NoError(t, err)
	require.Equal(t, "330.000000000000000000", bobVote.Power.String())
	require.True(t, e.govBalance("bob").IsZero(), "locked balance must leave the spendable account")

	carolVote, err := e.gov.Vote(ctx, VoteRequest{Voter: "carol", ProposalID: p.ID})
	require.NoError(t, err)
	require.Equal(t, "20.000000000000000000", carolVote.Power.String())

	_, err = e.gov.Vote(ctx, VoteRequest{Voter: "carol", ProposalID: p.ID, Support: true})
	require.True(t, errors.Is(err, ErrAlreadyVoted))

	_, err = e.gov.Finalize(ctx, p.ID)
	require.True(t, errors.Is(err, ErrVotingNotEnded))

	e.clock.advance(24*time.Hour + time.Second)
	_, err = e.gov.Vote(ctx, VoteRequest{Voter: "alice", ProposalID: p.ID, Support: true})
	require.True(t, errors.Is(err, ErrProposalNotActive))

	p, err = e.gov.Finalize(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPassed, p.Status)
	require.Equal(t, e.clock.t.Add(48*time.Hour), p.ExecutionTime)

	_, err = e.gov.Execute(ctx, p.ID)
	require.True(t, errors.Is(err, ErrTimelockNotExpired))

	e.clock.advance(48 * time.Hour)
	e.applier.err = errors.New("collaborator unavailable")
	got, err := e.gov.Execute(ctx, p.ID)
	require.Equal(t, CodeExecutionFailed, xerrors.CodeOf(err))
	require.True(t, xerrors.RetryableError(err))
	require.Equal(t, StatusPassed, got.Status)
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(400)))

	e.applier.err = nil
	p, err = e.gov.Execute(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, p.Status)
	require.Equal(t, []string{p.ID}, e.applier.applied)
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(500)))

	_, err = e.gov.Execute(ctx, p.ID)
	require.True(t, errors.Is(err, ErrProposalNotPassed))
}

func TestExecuteTimeoutIsRecoverable(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)
	_, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 2})
	require.NoError(t, err)
	e.clock.advance(25 * time.Hour)
	_, err = e.gov.Finalize(ctx, p.ID)
	require.NoError(t, err)
	e.clock.advance(48 * time.Hour)

	e.applier.block = true
	got, err := e.gov.Execute(ctx, p.ID)
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	require.Equal(t, StatusPassed, got.Status)
	require.NotEmpty(t, got.LastError)
}

func TestQuorumFailureRejectsAndReleasesEscrow(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)
	// carol's 200 at conviction 0.1 is 20, below 10% of the 1000 supply.
	_, err := e.gov.Vote(ctx, VoteRequest{Voter: "carol", ProposalID: p.ID, Support: true})
	require.NoError(t, err)

	e.clock.advance(25 * time.Hour)
	p, err = e.gov.Finalize(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, p.Status)
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(500)))
	require.True(t, e.govBalance(EscrowAccount).IsZero())
}

func TestRejectedProposalSlashSplit(t *testing.T) {
	cfg := testConfig()
	cfg.SlashFraction = amount.MustParse("0.5")
	cfg.SlashBurnShare = amount.MustParse("0.5")
	cfg.Facilitator = "facilitator"
	e := setup(t, cfg)
	ctx := context.Background()

	p := e.propose(t)
	e.clock.advance(26 * time.Hour)
	p, err := e.gov.Finalize(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, p.Status)
	require.True(t, p.Slashed.Equal(amount.FromInt(50)))
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(450)))
	require.True(t, e.govBalance("facilitator").Equal(amount.FromInt(25)))
	require.True(t, e.ledger.Supply(ledger.Governance).Circulating.Equal(amount.FromInt(975)))
	require.NoError(t, e.ledger.CheckInvariants(ledger.Governance))
}

func TestDelegatedBalanceCountedOnce(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)

	_, err := e.gov.Delegate(ctx, "carol", "bob")
	require.NoError(t, err)
	vote, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true})
	require.NoError(t, err)
	require.True(t, vote.Balance.Equal(amount.FromInt(500)))
	require.Equal(t, []string{"carol"}, vote.Delegators)

	_, err = e.gov.Vote(ctx, VoteRequest{Voter: "carol", ProposalID: p.ID})
	require.True(t, errors.Is(err, ErrAlreadyVoted))
	require.Equal(t, "bob", xerrorsMetadata(t, err)["counted_by"])
}

func TestDelegatorVotingFirstIsExcluded(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)

	_, err := e.gov.Delegate(ctx, "carol", "bob")
	require.NoError(t, err)
	_, err = e.gov.Vote(ctx, VoteRequest{Voter: "carol", ProposalID: p.ID})
	require.NoError(t, err)
	vote, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true})
	require.NoError(t, err)
	require.True(t, vote.Balance.Equal(amount.FromInt(300)))
	require.Empty(t, vote.Delegators)
}

func TestDelegationValidation(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()

	_, err := e.gov.Delegate(ctx, "bob", "bob")
	require.True(t, errors.Is(err, ErrInvalidDelegation))

	_, err = e.gov.Delegate(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = e.gov.Delegate(ctx, "bob", "carol")
	require.NoError(t, err)
	_, err = e.gov.Delegate(ctx, "carol", "alice")
	require.True(t, errors.Is(err, ErrInvalidDelegation), "cycle must be rejected")

	require.NoError(t, e.gov.Undelegate(ctx, "alice"))
	_, ok := e.gov.DelegateOf("alice")
	require.False(t, ok)
	require.True(t, errors.Is(e.gov.Undelegate(ctx, "alice"), ErrInvalidDelegation))
}

func TestCancel(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()

	p := e.propose(t)
	_, err := e.gov.Cancel(ctx, p.ID, "bob")
	require.True(t, errors.Is(err, ErrNotProposer))

	p, err = e.gov.Cancel(ctx, p.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, p.Status)
	require.True(t, e.govBalance("alice").Equal(amount.FromInt(500)))

	voted := e.propose(t)
	e.clock.advance(time.Hour)
	_, err = e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: voted.ID, Abstain: true})
	require.NoError(t, err)
	_, err = e.gov.Cancel(ctx, voted.ID, "alice")
	require.True(t, errors.Is(err, ErrProposalHasVotes))
}

func TestCreateRequiresMinimumStake(t *testing.T) {
	e := setup(t, testConfig())
	_, err := e.gov.CreateProposal(context.Background(), CreateRequest{Proposer: "dave", Title: "x"})
	require.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	_, err = e.gov.Get("missing")
	require.True(t, errors.Is(err, ErrProposalNotFound))
}

func TestFinalizeDueSweep(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	first := e.propose(t)
	e.clock.advance(2 * time.Hour)
	second := e.propose(t)

	finalized, err := e.gov.FinalizeDue(ctx, e.clock.t)
	require.NoError(t, err)
	require.Equal(t, 0, finalized)

	e.clock.advance(24 * time.Hour)
	finalized, err = e.gov.FinalizeDue(ctx, e.clock.t)
	require.NoError(t, err)
	require.Equal(t, 1, finalized)
	got, err := e.gov.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)

	e.clock.advance(2 * time.Hour)
	finalized, err = e.gov.FinalizeDue(ctx, e.clock.t)
	require.NoError(t, err)
	require.Equal(t, 1, finalized)
	got, err = e.gov.Get(second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)
	require.Len(t, e.gov.List(StatusRejected), 2)
}

func xerrorsMetadata(t *testing.T, err error) map[string]string {
	t.Helper()
	e, ok := xerrors.From(err)
	require.True(t, ok)
	return e.Metadata()
}

type flakyStore struct {
	voteErr error
	votes   []Vote
}

func (s *flakyStore) SaveProposal(context.Context, Proposal) error     { return nil }
func (s *flakyStore) SaveDelegation(context.Context, Delegation) error { return nil }
func (s *flakyStore) DeleteDelegation(context.Context, string) error   { return nil }

func (s *flakyStore) SaveVote(_ context.Context, v Vote) error {
	if s.voteErr != nil {
		err := s.voteErr
		s.voteErr = nil
		return err
	}
	s.votes = append(s.votes, v)
	return nil
}

func TestLockPeriodsBeyondCeilingRejected(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)

	// growth 0.1 reaches the 3x ceiling after 20 periods.
	require.Equal(t, 20, SaturationPeriods(amount.MustParse("0.1"), amount.FromInt(3)))
	for _, periods := range []int{21, 213504} {
		_, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: periods})
		require.Equal(t, staking.CodeInvalidLockPeriod, xerrors.CodeOf(err), "periods=%d", periods)
	}
	require.True(t, e.govBalance("bob").Equal(amount.FromInt(300)), "rejected vote must not lock funds")

	vote, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 20})
	require.NoError(t, err)
	require.Equal(t, "900.000000000000000000", vote.Power.String())
}

func TestLockPeriodsBoundedByUnlockTime(t *testing.T) {
	cfg := testConfig()
	cfg.ConvictionGrowth = amount.MustParse("0.000000000000000001")
	cfg.MaxConviction = amount.FromInt(1_000_000)
	e := setup(t, cfg)
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)

	_, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 213504})
	require.Equal(t, staking.CodeInvalidLockPeriod, xerrors.CodeOf(err))
	require.True(t, e.govBalance("bob").Equal(amount.FromInt(300)))
}

func TestDelegatedBalanceGetsNoLockConviction(t *testing.T) {
	e := setup(t, testConfig())
	ctx := context.Background()
	p := e.propose(t)
	e.clock.advance(time.Hour)

	_, err := e.gov.Delegate(ctx, "carol", "bob")
	require.NoError(t, err)
	vote, err := e.gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 20})
	require.NoError(t, err)
	// bob's own 300 at 3x plus carol's unlocked 200 at 0.1x.
	require.Equal(t, "920.000000000000000000", vote.Power.String())
	require.True(t, vote.Balance.Equal(amount.FromInt(500)))
	require.True(t, e.govBalance("carol").Equal(amount.FromInt(200)), "delegated balance stays spendable")
	require.True(t, e.govBalance("bob").IsZero())
}

func TestFailedVotePersistRevertsLock(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(1_000_000),
			ledger.Governance: amount.FromInt(10_000),
		},
		BurnFraction: amount.Zero(),
	})
	require.NoError(t, err)
	ctx := context.Background()
	for account, balance := range map[string]int64{"alice": 500, "bob": 300} {
		_, err := l.Mint(ctx, ledger.MintRequest{Kind: ledger.Governance, Account: account, Amount: amount.FromInt(balance)})
		require.NoError(t, err)
	}
	locker := staking.New(l, amount.Zero(), staking.WithClock(c.now))
	store := &flakyStore{voteErr: errors.New("disk full")}
	gov, err := New(testConfig(), l, locker, WithClock(c.now), WithStore(store))
	require.NoError(t, err)

	p, err := gov.CreateProposal(ctx, CreateRequest{Proposer: "alice", Title: "raise apy"})
	require.NoError(t, err)
	c.advance(time.Hour)

	_, err = gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 2})
	require.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	require.True(t, l.Balance(ledger.Governance, "bob").Equal(amount.FromInt(300)), "lock must be reverted")
	require.Empty(t, locker.Positions("bob"))
	require.Empty(t, gov.Votes(p.ID))

	vote, err := gov.Vote(ctx, VoteRequest{Voter: "bob", ProposalID: p.ID, Support: true, LockPeriods: 2})
	require.NoError(t, err)
	require.Equal(t, "360.000000000000000000", vote.Power.String())
	require.True(t, l.Balance(ledger.Governance, "bob").IsZero())
	require.Len(t, locker.Positions("bob"), 1)
	require.Len(t, store.votes, 1)
	require.NoError(t, l.CheckInvariants(ledger.Governance))
}
