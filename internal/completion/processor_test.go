package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"DualToken-Engine/internal/amount"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/ledger"
	"DualToken-Engine/internal/observability/alerting"
	"DualToken-Engine/internal/rewards"
)

func newRewardEngine(t *testing.T) (*rewards.Engine, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(10_000_000),
			ledger.Governance: amount.FromInt(10_000_000),
		},
	})
	require.NoError(t, err)
	_, err = l.Mint(context.Background(), ledger.MintRequest{Kind: ledger.Utility, Account: rewards.DailyPool, Amount: amount.FromInt(1_000_000)})
	require.NoError(t, err)
	e, err := rewards.New(rewards.Config{
		Weights:     map[string]amount.Amount{"accuracy": amount.One()},
		BaseRewards: map[string]amount.Amount{"analysis": amount.FromInt(100)},
		PayoutCap:   amount.MustParse("0.1"),
	}, l)
	require.NoError(t, err)
	return e, l
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestProcessorSettlesConcurrentReports(t *testing.T) {
	engine, l := newRewardEngine(t)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	svc := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(engine, store, queue, queue, WithWorkerCount(8)))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := svc.Submit(ctx, rewards.Report{
			ReportID: fmt.Sprintf("r-%d", i),
			WorkerID: fmt.Sprintf("w-%d", i%10),
			TaskKind: "analysis",
			Metrics:  map[string]float64{"accuracy": 0.5},
		})
		require.NoError(t, err)
	}
	for i := 0; i < total; i++ {
		entry, err := svc.WaitUntilSettled(ctx, fmt.Sprintf("r-%d", i), 10*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, StatusSettled, entry.Status, "report %s: %s", entry.ID, entry.LastError)
		require.True(t, entry.Receipt.UtilityAmount.Equal(amount.FromInt(50)))
	}
	for w := 0; w < 10; w++ {
		require.True(t, l.Balance(ledger.Utility, fmt.Sprintf("w-%d", w)).Equal(amount.FromInt(500)))
	}
	require.NoError(t, l.CheckInvariants(ledger.Utility))
}

type scriptedSettler struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int32
}

func (s *scriptedSettler) ReportCompletion(_ context.Context, report rewards.Report) (rewards.Receipt, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return rewards.Receipt{}, err
		}
	}
	return rewards.Receipt{ReportID: report.ReportID, WorkerID: report.WorkerID, UtilityAmount: amount.FromInt(7)}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alertRecorder) stages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

func runScripted(t *testing.T, maxRetries int, settler *scriptedSettler, alerts *alertRecorder) *Entry {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, maxRetries)
	stop := startProcessor(t, NewProcessor(settler, store, queue, queue, WithAlertDispatcher(alerts)))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.Submit(ctx, rewards.Report{ReportID: "r-1", WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}})
	require.NoError(t, err)
	entry, err := svc.WaitUntilSettled(ctx, "r-1", 5*time.Millisecond)
	require.NoError(t, err)
	return entry
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	settler := &scriptedSettler{errs: []error{ledger.ErrInsufficientPool, ledger.ErrInsufficientPool}}
	alerts := &alertRecorder{}
	entry := runScripted(t, 3, settler, alerts)

	require.Equal(t, StatusSettled, entry.Status)
	require.Equal(t, 3, entry.Attempts)
	require.Equal(t, int32(3), settler.calls.Load())
	require.True(t, entry.Receipt.UtilityAmount.Equal(amount.FromInt(7)))
	require.Empty(t, alerts.stages(), "insufficient pool does not alert until retries run out")
}

func TestProcessorFailsAfterRetriesExhausted(t *testing.T) {
	settler := &scriptedSettler{errs: []error{ledger.ErrInsufficientPool, ledger.ErrInsufficientPool}}
	alerts := &alertRecorder{}
	entry := runScripted(t, 2, settler, alerts)

	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, string(ledger.CodeInsufficientPool), entry.ErrorCode)
	require.Equal(t, []string{"terminal"}, alerts.stages())
}

func TestProcessorDoesNotRetryValidationErrors(t *testing.T) {
	settler := &scriptedSettler{errs: []error{rewards.ErrUnknownTaskKind}}
	entry := runScripted(t, 3, settler, &alertRecorder{})

	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, string(rewards.CodeUnknownTaskKind), entry.ErrorCode)
}

func TestProcessorTreatsDuplicatePaymentAsSettled(t *testing.T) {
	dup := xerrors.New(ledger.CodeDuplicateTransaction, "", xerrors.WithParams("reference", "report:r-1:utility"))
	alerts := &alertRecorder{}
	entry := runScripted(t, 3, &scriptedSettler{errs: []error{dup}}, alerts)

	require.Equal(t, StatusSettled, entry.Status)
	require.Equal(t, "w1", entry.Receipt.WorkerID)
	require.Equal(t, []string{"already_paid"}, alerts.stages())
}

// flakyJournal rejects the first commit carrying reference.
type flakyJournal struct {
	mu        sync.Mutex
	reference string
}

func (j *flakyJournal) Commit(_ context.Context, tx ledger.Transaction, _ []ledger.BalanceRow) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.reference != "" && tx.Reference == j.reference {
		j.reference = ""
		return errors.New("connection reset")
	}
	return nil
}

func (j *flakyJournal) HasTransaction(context.Context, common.Hash) (bool, error) { return false, nil }

func TestProcessorRetryCompletesPartialSettlement(t *testing.T) {
	journal := &flakyJournal{reference: "report:r-2:utility"}
	l, err := ledger.New(ledger.Config{
		Caps: map[ledger.TokenKind]amount.Amount{
			ledger.Utility:    amount.FromInt(10_000_000),
			ledger.Governance: amount.FromInt(10_000_000),
		},
	}, ledger.WithJournal(journal))
	require.NoError(t, err)
	_, err = l.Mint(context.Background(), ledger.MintRequest{Kind: ledger.Utility, Account: rewards.DailyPool, Amount: amount.FromInt(1_000_000)})
	require.NoError(t, err)
	engine, err := rewards.New(rewards.Config{
		Weights:              map[string]amount.Amount{"accuracy": amount.One()},
		BaseRewards:          map[string]amount.Amount{"analysis": amount.FromInt(100)},
		PayoutCap:            amount.MustParse("0.1"),
		GovernanceMinScore:   amount.MustParse("0.5"),
		GovernanceMinAverage: amount.MustParse("0.5"),
		GovernanceMinRecords: 1,
		GovernanceScale:      amount.FromInt(10),
		GovernanceCeiling:    amount.FromInt(10),
	}, l)
	require.NoError(t, err)

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, 3)
	alerts := &alertRecorder{}
	stop := startProcessor(t, NewProcessor(engine, store, queue, queue, WithAlertDispatcher(alerts)))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{"r-1", "r-2"} {
		_, err := svc.Submit(ctx, rewards.Report{ReportID: id, WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}})
		require.NoError(t, err)
		entry, err := svc.WaitUntilSettled(ctx, id, 5*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, StatusSettled, entry.Status, "report %s: %s", id, entry.LastError)
	}

	entry, err := store.Get(ctx, "r-2")
	require.NoError(t, err)
	require.Equal(t, 2, entry.Attempts)
	require.True(t, entry.Receipt.UtilityAmount.Equal(amount.FromInt(100)), "got %s", entry.Receipt.UtilityAmount)
	require.True(t, entry.Receipt.GovernanceAmount.Equal(amount.FromInt(10)))
	require.True(t, l.Balance(ledger.Utility, "w1").Equal(amount.FromInt(200)))
	require.True(t, l.Balance(ledger.Governance, "w1").Equal(amount.FromInt(10)))
	require.NotContains(t, alerts.stages(), "already_paid")
	require.NoError(t, l.CheckInvariants(ledger.Governance))
}
