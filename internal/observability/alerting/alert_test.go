package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
)

type countingNotifier struct {
	channel Channel
	calls   int
	err     error
}

func (n *countingNotifier) Channel() Channel { return n.channel }

func (n *countingNotifier) Notify(context.Context, Event) error {
	n.calls++
	return n.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &countingNotifier{channel: ChannelLog}
	bad := &countingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, nil, bad)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)
}

func TestFromError(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodePaymentFailure, errors.New("reverted"), "payment failed")
	ev := FromError("run-1", "run", err)
	assert.Equal(t, xerrors.CodePaymentFailure, ev.Code)
	assert.Equal(t, "payment failed", ev.Message)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Contains(t, ev.Metadata["cause"], "reverted")
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Event{Code: xerrors.CodeAdapterFailure, RunID: "run-1", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "ADAPTER_FAILURE", got["code"])
	assert.Equal(t, "run-1", got["runId"])
	assert.Contains(t, got["text"], "boom")
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), Event{})
	assert.Error(t, err)
}
