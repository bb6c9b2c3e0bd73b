package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/rewards"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitValidatesReport(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 3)
	ctx := context.Background()

	cases := []rewards.Report{
		{TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}},
		{WorkerID: "w1", Metrics: map[string]float64{"accuracy": 1}},
		{WorkerID: "w1", TaskKind: "analysis"},
		{WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}, AttributedShare: 1.5},
	}
	for _, report := range cases {
		_, err := svc.Submit(ctx, report)
		require.True(t, xerrors.HasCode(err, CodeReportValidation), "report %+v got %v", report, err)
	}
}

func TestSubmitIsIdempotentByReportID(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, 0)
	ctx := context.Background()

	report := rewards.Report{ReportID: " r-9 ", WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 0.9}}
	first, err := svc.Submit(ctx, report)
	require.NoError(t, err)
	require.Equal(t, "r-9", first.ID)
	require.Equal(t, 3, first.MaxRetries)

	second, err := svc.Submit(ctx, report)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, queue.items, 1, "a resubmitted report must not be enqueued twice")

	generated, err := svc.Submit(ctx, rewards.Report{WorkerID: "w2", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 0.5}})
	require.NoError(t, err)
	require.NotEmpty(t, generated.ID)
	require.Equal(t, generated.ID, generated.Report.ReportID)
}

func TestSubmitMarksFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, rewards.Report{ReportID: "r-1", WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}})
	require.True(t, xerrors.HasCode(err, CodeReportPublish))

	entry, err := svc.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, string(CodeReportPublish), entry.ErrorCode)
}

func TestServiceRequiresStore(t *testing.T) {
	svc := &Service{}
	_, err := svc.Get(context.Background(), "x")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
	_, err = svc.Submit(context.Background(), rewards.Report{WorkerID: "w", TaskKind: "k", Metrics: map[string]float64{"m": 1}})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

type recordingProducer struct{ ids []string }

func (r *recordingProducer) Publish(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}
func (r *recordingProducer) Close() error { return nil }

func TestResumeRequeuesPendingReports(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"r-1", "r-2", "r-3"} {
		require.NoError(t, store.Create(ctx, &Entry{
			ID:         id,
			Report:     rewards.Report{ReportID: id, WorkerID: "w1", TaskKind: "analysis", Metrics: map[string]float64{"accuracy": 1}},
			Status:     StatusPending,
			MaxRetries: 3,
		}))
	}
	_, err := store.Claim(ctx, "r-2")
	require.NoError(t, err)
	require.NoError(t, store.MarkSettled(ctx, "r-2", rewards.Receipt{ReportID: "r-2"}))

	producer := &recordingProducer{}
	svc := NewService(store, producer, 3)
	n, err := svc.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"r-1", "r-3"}, producer.ids)
}
