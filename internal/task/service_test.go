package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/storage"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestSubmitRegistersStreamBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	queue := NewMemoryQueue(1)
	svc := NewService(store, hub, queue)

	run, err := svc.Submit(ctx, "  build a payment demo  ")
	require.NoError(t, err)
	assert.Equal(t, "build a payment demo", run.Goal)
	assert.Equal(t, model.RunPending, run.Status)

	stream, ok := hub.Get(run.ID)
	require.True(t, ok)
	snapshot := stream.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, events.KindRunStarted, snapshot[0].Kind)
	assert.Equal(t, run.ID, <-queue.ch)
}

func TestSubmitValidatesGoal(t *testing.T) {
	svc := NewService(storage.NewMemoryStore(), events.NewHub(), NewMemoryQueue(1))

	_, err := svc.Submit(context.Background(), "   ")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = svc.Submit(context.Background(), strings.Repeat("g", maxGoalLength+1))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestSubmitFailsWhenQueueRejects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	svc := NewService(store, hub, failingProducer{}, WithServiceClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}))

	_, err := svc.Submit(ctx, "goal")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQueueFailure))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	require.Len(t, runs[0].History, 1)
	assert.Equal(t, model.PhaseError, runs[0].History[0].Phase)

	stream, ok := hub.Get(runs[0].ID)
	require.True(t, ok)
	assert.True(t, stream.Closed())
}

func TestCancelPendingRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	svc := NewService(store, hub, NewMemoryQueue(1))

	run, err := svc.Submit(ctx, "goal")
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, got.Status)

	_, err = svc.Cancel(ctx, run.ID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = svc.Cancel(ctx, "missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestCancelRunningElsewhere(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := NewService(store, events.NewHub(), NewMemoryQueue(1))

	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "remote", Status: model.RunPending, Goal: "g"}))
	_, err := store.ClaimRun(ctx, "remote")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "remote")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestCancelOnSubmittingNodeWhileClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	svc := NewService(store, hub, NewMemoryQueue(1))

	run, err := svc.Submit(ctx, "goal")
	require.NoError(t, err)
	_, err = store.ClaimRun(ctx, run.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, run.ID)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.Status)
	stream, ok := hub.Get(run.ID)
	require.True(t, ok)
	assert.False(t, stream.Closed())
}

func TestRemoteSubmitDoesNotRegisterStream(t *testing.T) {
	ctx := context.Background()
	hub := events.NewHub()
	queue := NewMemoryQueue(1)
	svc := NewService(storage.NewMemoryStore(), hub, queue, WithRemoteExecution(true))

	run, err := svc.Submit(ctx, "goal")
	require.NoError(t, err)
	_, ok := hub.Get(run.ID)
	assert.False(t, ok)
	assert.Equal(t, run.ID, <-queue.ch)
}

func TestFailRunAfterCompleteKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "r", Status: model.RunPending, Goal: "g"}))
	_, err := store.ClaimRun(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, store.AppendPhase(ctx, "r", model.PhaseEntry{Phase: model.PhaseComplete}))

	run, err := store.GetRun(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, failRun(ctx, store, run, "interrupted by restart", time.Now()))

	run, err = store.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, model.PhaseComplete, run.CurrentPhase)
}

func TestRecoverRequeuesPendingRuns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := events.NewHub()
	queue := NewMemoryQueue(4)

	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "pending", Status: model.RunPending, Goal: "a"}))
	require.NoError(t, store.CreateRun(ctx, &model.Run{ID: "stuck", Status: model.RunPending, Goal: "b"}))
	_, err := store.ClaimRun(ctx, "stuck")
	require.NoError(t, err)

	report, err := Recover(ctx, store, hub, queue)
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{Requeued: 1, Interrupted: 1}, report)
	assert.Equal(t, "pending", <-queue.ch)

	stuck, err := store.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, stuck.Status)
	assert.Equal(t, model.PhaseError, stuck.CurrentPhase)

	_, ok := hub.Get("pending")
	assert.True(t, ok)
}

func TestComputeStats(t *testing.T) {
	st := ComputeStats([]*model.Run{
		{Status: model.RunCompleted, TotalCost: 0.5},
		{Status: model.RunFailed},
		{Status: model.RunCancelled},
		nil,
	})
	assert.Equal(t, RunStats{Total: 3, Completed: 1, Failed: 1, Cancelled: 1, TotalCost: 0.5}, st)
}
