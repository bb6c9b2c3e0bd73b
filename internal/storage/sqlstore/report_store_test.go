package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"DualToken-Engine/internal/amount"
	"DualToken-Engine/internal/completion"
	"DualToken-Engine/internal/rewards"
)

func TestSQLiteReportStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openSQLite(t, filepath.Join(t.TempDir(), "reports.db"))
	defer store.Close()
	clock := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return clock }
	reports := store.Reports()

	entry := &completion.Entry{
		ID:         "r-1",
		Report:     rewards.Report{ReportID: "r-1", WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 0.9}, AttributedShare: 0.25},
		Status:     completion.StatusPending,
		MaxRetries: 2,
	}
	if err := reports.Create(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reports.Create(ctx, entry); !errors.Is(err, completion.ErrReportConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := reports.Claim(ctx, "r-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != completion.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed entry: %+v", claimed)
	}
	if claimed.Report.Metrics["accuracy"] != 0.9 || claimed.Report.AttributedShare != 0.25 || claimed.Report.ReportID != "r-1" {
		t.Fatalf("report fields not round-tripped: %+v", claimed.Report)
	}
	if _, err := reports.Claim(ctx, "r-1"); !errors.Is(err, completion.ErrReportConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := reports.MarkFailed(ctx, "r-1", completion.CodeReportProcessing, "pool empty", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := reports.Claim(ctx, "r-1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := reports.MarkFailed(ctx, "r-1", completion.CodeReportProcessing, "pool empty", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := reports.Claim(ctx, "r-1"); !errors.Is(err, completion.ErrReportExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	second := &completion.Entry{
		ID:         "r-2",
		Report:     rewards.Report{ReportID: "r-2", WorkerID: "w2", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}},
		Status:     completion.StatusPending,
		MaxRetries: 3,
	}
	clock = clock.Add(time.Minute)
	if err := reports.Create(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := reports.Claim(ctx, "r-2"); err != nil {
		t.Fatalf("claim second: %v", err)
	}
	receipt := rewards.Receipt{ReportID: "r-2", WorkerID: "w2", UtilityAmount: amount.FromInt(100), GovernanceAmount: amount.Zero()}
	if err := reports.MarkSettled(ctx, "r-2", receipt); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	got, err := reports.Get(ctx, "r-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != completion.StatusSettled || got.Receipt == nil || !got.Receipt.UtilityAmount.Equal(amount.FromInt(100)) {
		t.Fatalf("unexpected settled entry: %+v", got)
	}
	if _, err := reports.Claim(ctx, "r-2"); !errors.Is(err, completion.ErrReportSettled) {
		t.Fatalf("expected settled, got %v", err)
	}

	list, err := reports.List(ctx, completion.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "r-2" {
		t.Fatalf("unexpected list order: %v", ids(list))
	}
	w1, err := reports.List(ctx, completion.BuildListOptions(completion.WithWorker("w1"), completion.WithStatuses(completion.StatusPending)))
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(w1) != 1 || w1[0].ID != "r-1" {
		t.Fatalf("unexpected filtered list: %v", ids(w1))
	}

	stats, err := reports.Stats(ctx, completion.ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := completion.Stats{Total: 2, Pending: 1, Settled: 1, OldestUpdatedAt: 1_700_000_000, NewestUpdatedAt: 1_700_000_060}
	if stats != want {
		t.Fatalf("unexpected stats %+v", stats)
	}

	empty, err := reports.Stats(ctx, completion.BuildListOptions(completion.WithWorker("nobody")))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty != (completion.Stats{}) {
		t.Fatalf("expected zero stats, got %+v", empty)
	}

	if _, err := reports.Get(ctx, "missing"); !errors.Is(err, completion.ErrReportNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := reports.MarkSettled(ctx, "missing", receipt); !errors.Is(err, completion.ErrReportNotFound) {
		t.Fatalf("expected not found on settle, got %v", err)
	}
}

func ids(entries []*completion.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
