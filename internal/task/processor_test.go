package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/observability/alerting"
	"LeoPrime-Chain/internal/storage"
)

// fakeRunner 模拟编排器：推进到完成并发布 complete 事件。
type fakeRunner struct {
	store     *storage.MemoryStore
	processed atomic.Int32
	latency   time.Duration
	err       error
}

func (f *fakeRunner) Run(ctx context.Context, runID string, pub events.Publisher) error {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			_ = f.store.UpdateRunStatus(context.Background(), runID, model.RunCancelled, "cancelled")
			return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "cancelled")
		}
	}
	f.processed.Add(1)
	if f.err != nil {
		_ = f.store.UpdateRunStatus(ctx, runID, model.RunFailed, f.err.Error())
		_ = pub.Publish(events.New(events.KindError, runID, time.Now(), events.Failure{Message: f.err.Error()}))
		return f.err
	}
	if err := f.store.UpdateRunStatus(ctx, runID, model.RunCompleted, ""); err != nil {
		return err
	}
	return pub.Publish(events.New(events.KindComplete, runID, time.Now(), events.Completed{}))
}

type recordingAlerter struct {
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, ev alerting.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := storage.NewMemoryStore()
	hub := events.NewHub()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{store: store, latency: 5 * time.Millisecond}

	service := NewService(store, hub, queue)
	processor := NewProcessor(runner, store, hub, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		run, err := service.Submit(ctx, fmt.Sprintf("goal-%d", i))
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	waitFor(t, func() bool { return int(runner.processed.Load()) >= total })
	for _, id := range ids {
		stream, ok := hub.Get(id)
		require.True(t, ok)
		waitFor(t, stream.Closed)
		kinds := make([]events.Kind, 0, 2)
		for _, ev := range stream.Snapshot() {
			kinds = append(kinds, ev.Kind)
		}
		assert.Equal(t, []events.Kind{events.KindRunStarted, events.KindComplete}, kinds)
	}

	stats, err := service.Stats(ctx, total)
	require.NoError(t, err)
	assert.Equal(t, total, stats.Completed)

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestProcessorSkipsClaimedRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	runner := &fakeRunner{store: store}
	p := NewProcessor(runner, store, hub, NewMemoryQueue(1))

	run := &model.Run{ID: "run-1", Status: model.RunCompleted, Goal: "g"}
	require.NoError(t, store.CreateRun(ctx, run))

	require.NoError(t, p.handle(ctx, "run-1"))
	require.NoError(t, p.handle(ctx, "missing"))
	assert.Zero(t, runner.processed.Load())

	stream, ok := hub.Get("run-1")
	require.True(t, ok)
	assert.True(t, stream.Closed())
}

func TestProcessorIgnoresDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	runner := &fakeRunner{store: store}
	p := NewProcessor(runner, store, hub, NewMemoryQueue(1))

	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "run-1", Status: model.RunPending, Goal: "g"}))
	stream := hub.Open("run-1")
	require.True(t, hub.BindCancel("run-1", func() {}))

	require.NoError(t, p.handle(ctx, "run-1"))
	assert.Zero(t, runner.processed.Load())
	assert.False(t, stream.Closed())
}

func TestProcessorAlertsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	runner := &fakeRunner{store: store, err: xerrors.New(xerrors.CodeAdapterFailure, "reasoner down")}
	alerter := &recordingAlerter{}
	p := NewProcessor(runner, store, hub, NewMemoryQueue(1), WithAlertDispatcher(alerter))

	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "run-1", Status: model.RunPending, Goal: "g"}))
	require.NoError(t, p.handle(ctx, "run-1"))

	require.Len(t, alerter.events, 1)
	assert.Equal(t, xerrors.CodeAdapterFailure, alerter.events[0].Code)
	assert.Equal(t, "run-1", alerter.events[0].RunID)

	stream, ok := hub.Get("run-1")
	require.True(t, ok)
	assert.True(t, stream.Closed())
}

func TestCancelRunningRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	hub := events.NewHub()
	queue := NewMemoryQueue(4)
	runner := &fakeRunner{store: store, latency: time.Minute}
	service := NewService(store, hub, queue)
	processor := NewProcessor(runner, store, hub, queue)
	go func() { _ = processor.Start(ctx) }()

	run, err := service.Submit(ctx, "long goal")
	require.NoError(t, err)
	waitFor(t, func() bool {
		got, err := store.GetRun(ctx, run.ID)
		return err == nil && got.Status == model.RunRunning
	})

	_, err = service.Cancel(ctx, run.ID)
	require.NoError(t, err)

	waitFor(t, func() bool {
		got, err := store.GetRun(ctx, run.ID)
		return err == nil && got.Status == model.RunCancelled
	})
	stream, ok := hub.Get(run.ID)
	require.True(t, ok)
	_, err = stream.Subscribe().Next(ctx)
	assert.ErrorIs(t, err, events.ErrCancelled)
}

func TestRemoteExecutionStreamsFromClaimingNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	queue := NewMemoryQueue(4)
	submitHub, workerHub := events.NewHub(), events.NewHub()
	runner := &fakeRunner{store: store, latency: time.Minute}
	submitter := NewService(store, submitHub, queue, WithRemoteExecution(true))
	worker := NewService(store, workerHub, queue, WithRemoteExecution(true))
	go func() { _ = NewProcessor(runner, store, workerHub, queue).Start(ctx) }()

	run, err := submitter.Submit(ctx, "distributed goal")
	require.NoError(t, err)
	_, ok := submitHub.Get(run.ID)
	assert.False(t, ok)

	waitFor(t, func() bool {
		stream, ok := workerHub.Get(run.ID)
		return ok && stream.Len() > 0
	})
	stream, _ := workerHub.Get(run.ID)
	first := stream.Snapshot()[0]
	assert.Equal(t, events.KindRunStarted, first.Kind)
	assert.Equal(t, "distributed goal", first.Data.(events.RunStarted).Goal)

	_, err = submitter.Cancel(ctx, run.ID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = worker.Cancel(ctx, run.ID)
	require.NoError(t, err)
	waitFor(t, func() bool {
		got, err := store.GetRun(ctx, run.ID)
		return err == nil && got.Status == model.RunCancelled
	})
	waitFor(t, stream.Closed)
}
