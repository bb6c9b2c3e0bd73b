package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "DualToken-Engine/internal/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	ch     Channel
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return r.ch }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeInvariantViolation,
		Message:    "supply mismatch",
		Severity:   xerrors.SeverityCritical,
		Subject:    "utility",
		Metadata:   map[string]string{"stage": "check"},
		OccurredAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestFanoutStampsChannelAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{ch: ChannelLog}
	failing := &recordingNotifier{ch: ChannelWebhook, err: io.ErrUnexpectedEOF}
	d := NewFanout(ok, nil, failing)

	err := d.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel webhook")
	require.Len(t, ok.events, 1)
	require.Equal(t, ChannelLog, ok.events[0].Channel)
	require.Equal(t, ChannelWebhook, failing.events[0].Channel)

	var nilDispatcher *FanoutDispatcher
	require.NoError(t, nilDispatcher.Notify(context.Background(), sampleEvent()))
}

func TestWebhookNotifierPostsEventJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	require.Equal(t, ChannelWebhook, n.Channel())
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Equal(t, xerrors.CodeInvariantViolation, got.Code)
	require.Equal(t, "utility", got.Subject)
}

func TestWebhookNotifierFormatsDingTalk(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Kind: ChannelDingTalk}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Equal(t, "text", body["msgtype"])
	text := body["text"].(map[string]any)["content"].(string)
	require.True(t, strings.HasPrefix(text, "[critical] INVARIANT_VIOLATION subject=utility"))
	require.Contains(t, text, "- stage: check")
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL, Kind: ChannelSlack}).Notify(context.Background(), sampleEvent())
	require.ErrorContains(t, err, "502")

	require.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), sampleEvent()), "unconfigured notifier is a no-op")
	require.NoError(t, LogNotifier{}.Notify(context.Background(), sampleEvent()))
}
