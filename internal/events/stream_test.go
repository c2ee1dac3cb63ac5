package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logEvent(runID string, i int) Event {
	return New(KindLog, runID, time.Unix(int64(i), 0), Log{Message: fmt.Sprintf("step %d", i)})
}

func TestStreamDeliversInOrderUnderConcurrency(t *testing.T) {
	stream := NewStream("run-1")
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			assert.NoError(t, stream.Publish(logEvent("run-1", i)))
		}
		assert.NoError(t, stream.Publish(New(KindComplete, "run-1", time.Now(), Completed{})))
	}()

	sub := stream.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	wg.Wait()

	require.Len(t, got, total+1)
	for i := 0; i < total; i++ {
		assert.Equal(t, fmt.Sprintf("step %d", i), got[i].Data.(Log).Message)
	}
	assert.Equal(t, KindComplete, got[total].Kind)
}

func TestStreamRejectsEventsAfterTerminal(t *testing.T) {
	stream := NewStream("run-1")
	require.NoError(t, stream.Publish(New(KindError, "run-1", time.Now(), Failure{Message: "boom"})))
	assert.ErrorIs(t, stream.Publish(logEvent("run-1", 1)), ErrStreamClosed)
	assert.True(t, stream.Closed())
}

func TestResubscribeReplaysAndSupersedes(t *testing.T) {
	stream := NewStream("run-1")
	require.NoError(t, stream.Publish(logEvent("run-1", 0)))
	require.NoError(t, stream.Publish(logEvent("run-1", 1)))

	first := stream.Subscribe()
	ev, err := first.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "step 0", ev.Data.(Log).Message)

	second := stream.Subscribe()
	_, err = first.Next(context.Background())
	assert.ErrorIs(t, err, ErrSuperseded)

	ev, err = second.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "step 0", ev.Data.(Log).Message)
}

func TestSupersedeWakesBlockedSubscriber(t *testing.T) {
	stream := NewStream("run-1")
	first := stream.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := first.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	stream.Subscribe()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked subscriber was not woken")
	}
}

func TestNextHonoursContext(t *testing.T) {
	stream := NewStream("run-1")
	sub := stream.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, stream.Publish(logEvent("run-1", 7)))
	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "step 7", ev.Data.(Log).Message)
}

func TestHubCancelStopsDelivery(t *testing.T) {
	hub := NewHub()
	stream := hub.Open("run-1")
	assert.Same(t, stream, hub.Open("run-1"))

	ctx, cancelRun := context.WithCancel(context.Background())
	require.True(t, hub.BindCancel("run-1", cancelRun))
	assert.False(t, hub.BindCancel("run-1", func() {}), "a run binds one execution")

	require.NoError(t, stream.Publish(logEvent("run-1", 0)))
	sub := stream.Subscribe()

	require.True(t, hub.Cancel("run-1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, stream.Publish(logEvent("run-1", 1)), ErrStreamClosed)

	assert.False(t, hub.Cancel("missing"))
}

func TestHubCancelRequiresBoundExecution(t *testing.T) {
	hub := NewHub()
	stream := hub.Open("elsewhere")

	assert.False(t, hub.Cancel("elsewhere"))
	assert.False(t, stream.Closed(), "streams without a local execution stay open")
}

func TestHubEvictsFinishedStreamsAfterRetention(t *testing.T) {
	hub := NewHub(WithRetention(20 * time.Millisecond))
	stream := hub.Open("run-1")
	hub.Open("run-2")

	require.NoError(t, stream.Publish(New(KindComplete, "run-1", time.Now(), Completed{})))

	require.Eventually(t, func() bool {
		_, ok := hub.Get("run-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := hub.Get("run-2")
	assert.True(t, ok, "running streams must stay registered")
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	ev := New(KindPhaseChanged, "run-1", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), PhaseChanged{Current: "THINK"})
	require.NoError(t, WriteSSE(&buf, ev))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: state_change\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, `"type":"state_change"`)
	assert.Contains(t, out, `"runId":"run-1"`)
	assert.Contains(t, out, `"currentState":"THINK"`)
}
