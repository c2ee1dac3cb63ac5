package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeoPrime-Chain/internal/embedding"
	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/knowledge"
	"LeoPrime-Chain/internal/llm"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/paywall"
	"LeoPrime-Chain/internal/storage"
)

type stubReasoner struct {
	plan     llm.Plan
	decision llm.Decision
	draft    llm.ArtifactDraft
	buildErr error
	onDecide func()
	active   []model.Service
}

func (s *stubReasoner) Think(context.Context, string) (*llm.Plan, error) {
	plan := s.plan
	return &plan, nil
}

func (s *stubReasoner) Decide(_ context.Context, _ string, _ []model.RetrievedMemory, active []model.Service) (*llm.Decision, error) {
	s.active = active
	if s.onDecide != nil {
		s.onDecide()
	}
	decision := s.decision
	return &decision, nil
}

func (s *stubReasoner) Build(context.Context, string, []model.RetrievedMemory) (*llm.ArtifactDraft, error) {
	if s.buildErr != nil {
		return nil, s.buildErr
	}
	draft := s.draft
	return &draft, nil
}

func newStubReasoner() *stubReasoner {
	return &stubReasoner{
		plan:  llm.Plan{Rationale: "plan it", PlannedAction: "build", RequiredServices: []string{}},
		draft: llm.ArtifactDraft{Name: "api", Kind: "code", Description: "demo", Content: strings.Repeat("x", 800)},
	}
}

// recorder 收集编排器发布的全部事件。
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type harness struct {
	store   *storage.MemoryStore
	paywall *paywall.Manager
	memory  *knowledge.Service
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	pw, err := paywall.New(store, payment.NewSimulator(payment.WithDelay(0)), paywall.Config{Secret: "test-secret"})
	require.NoError(t, err)
	return &harness{
		store:   store,
		paywall: pw,
		memory:  knowledge.NewService(embedding.NewHashProvider(64), knowledge.NewMemoryIndex(64)),
		rec:     &recorder{},
	}
}

func (h *harness) orchestrator(t *testing.T, r llm.Reasoner, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithVerify(0, time.Second, 10*time.Millisecond)}, opts...)
	o, err := New(Dependencies{Store: h.store, Reasoner: r, Memory: h.memory, Entitlements: h.paywall}, opts...)
	require.NoError(t, err)
	return o
}

func (h *harness) claimRun(t *testing.T, goal string) string {
	t.Helper()
	ctx := context.Background()
	run := &model.Run{ID: uuid.NewString(), Status: model.RunPending, Goal: goal, CreatedAt: time.Now().UTC()}
	require.NoError(t, h.store.CreateRun(ctx, run))
	_, err := h.store.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	return run.ID
}

// timeline 去掉 log 事件，阶段事件写成 phase:<阶段>。
func timeline(evs []events.Event) []string {
	var out []string
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindLog:
			continue
		case events.KindPhaseChanged:
			out = append(out, "phase:"+string(ev.Data.(events.PhaseChanged).Current))
		default:
			out = append(out, string(ev.Kind))
		}
	}
	return out
}

func eventsOf(evs []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestRunWithoutPayment(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, newStubReasoner())
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	evs := h.rec.Events()
	assert.Equal(t, []string{
		"phase:THINK", "phase:RETRIEVE", "memory_retrieved", "phase:DECIDE",
		"phase:BUILD", "artifact", "phase:COMPLETE", "complete",
	}, timeline(evs))

	retrieved := eventsOf(evs, events.KindMemoryRetrieved)[0].Data.(events.MemoriesRetrieved)
	assert.Equal(t, "X", retrieved.Query)
	assert.NotNil(t, retrieved.Memories)
	assert.Empty(t, retrieved.Memories)

	artifact := eventsOf(evs, events.KindArtifact)[0].Data.(events.ArtifactProduced)
	assert.Len(t, artifact.Preview, 500)
	assert.Equal(t, model.ArtifactCode, artifact.Type)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, model.PhaseComplete, run.CurrentPhase)
	assert.Equal(t, artifact.ProjectID, run.ArtifactID)
	assert.Zero(t, run.TotalCost)
	require.NoError(t, ValidateHistory(run.History))

	done := eventsOf(evs, events.KindComplete)[0].Data.(events.Completed)
	assert.Equal(t, run.ArtifactID, done.ArtifactID)
	assert.Zero(t, done.ServicesUnlocked)

	logs, err := h.store.ListLogs(context.Background(), runID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, model.PhaseThink, logs[0].Phase)
	assert.Len(t, eventsOf(evs, events.KindLog), len(logs))
}

func TestRunWithPayment(t *testing.T) {
	h := newHarness(t)
	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"voyage"}, Rationale: "need embeddings"}
	o := h.orchestrator(t, r)
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	evs := h.rec.Events()
	assert.Equal(t, []string{
		"phase:THINK", "phase:RETRIEVE", "memory_retrieved", "phase:DECIDE",
		"phase:PAY", "payment", "phase:VERIFY", "phase:UNLOCK", "entitlement",
		"phase:BUILD", "artifact", "phase:COMPLETE", "complete",
	}, timeline(evs))

	paid := eventsOf(evs, events.KindPayment)[0].Data.(events.Payment)
	assert.Equal(t, model.ServiceVoyage, paid.Service)
	assert.Equal(t, "Subscribe to voyage", paid.Purpose)
	assert.Equal(t, model.TxConfirmed, paid.Status)
	assert.True(t, paid.Simulated)
	assert.True(t, strings.HasPrefix(paid.TxHash, "0x"))

	unlocked := eventsOf(evs, events.KindEntitlement)[0].Data.(events.EntitlementChanged)
	assert.Equal(t, model.ServiceVoyage, unlocked.Service)
	assert.True(t, unlocked.IsActive)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.InDelta(t, h.paywall.Price(model.ServiceVoyage), run.TotalCost, 1e-9)
	require.NoError(t, ValidateHistory(run.History))

	done := eventsOf(evs, events.KindComplete)[0].Data.(events.Completed)
	assert.InDelta(t, run.TotalCost, done.TotalCost, 1e-9)
	assert.Equal(t, 1, done.ServicesUnlocked)
}

func TestRunSkipsActiveService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.paywall.Subscribe(ctx, paywall.ManualRunID, model.ServiceVoyage)
	require.NoError(t, err)

	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"voyage"}}
	o := h.orchestrator(t, r)
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(ctx, runID, h.rec))

	assert.Equal(t, []model.Service{model.ServiceVoyage}, r.active)
	assert.Empty(t, eventsOf(h.rec.Events(), events.KindPayment))

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Zero(t, run.TotalCost)
	txs, err := h.store.ListTransactions(ctx, runID, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// racingEntitlements 隐藏已有授权，使 PAY 阶段遇到复用结果。
type racingEntitlements struct {
	*paywall.Manager
}

func (racingEntitlements) ActiveServices(context.Context) ([]model.Service, error) {
	return nil, nil
}

func TestReusedEntitlementProducesNoPaymentEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.paywall.Subscribe(ctx, paywall.ManualRunID, model.ServiceVoyage)
	require.NoError(t, err)

	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"voyage"}}
	o, err := New(Dependencies{
		Store:        h.store,
		Reasoner:     r,
		Memory:       h.memory,
		Entitlements: racingEntitlements{h.paywall},
	}, WithVerify(0, time.Second, 10*time.Millisecond))
	require.NoError(t, err)
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(ctx, runID, h.rec))

	assert.Equal(t, []string{
		"phase:THINK", "phase:RETRIEVE", "memory_retrieved", "phase:DECIDE",
		"phase:PAY", "phase:VERIFY", "phase:UNLOCK", "entitlement",
		"phase:BUILD", "artifact", "phase:COMPLETE", "complete",
	}, timeline(h.rec.Events()))
	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Zero(t, run.TotalCost)
}

func TestBuildFailureEndsInError(t *testing.T) {
	h := newHarness(t)
	r := newStubReasoner()
	r.buildErr = errors.New("model unavailable")
	o := h.orchestrator(t, r)
	runID := h.claimRun(t, "X")

	err := o.Run(context.Background(), runID, h.rec)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAdapterFailure))

	evs := h.rec.Events()
	failures := eventsOf(evs, events.KindError)
	require.Len(t, failures, 1)
	assert.Equal(t, events.KindError, evs[len(evs)-1].Kind)
	failure := failures[0].Data.(events.Failure)
	assert.Equal(t, model.PhaseBuild, failure.Phase)
	assert.NotEmpty(t, failure.Message)
	assert.Empty(t, eventsOf(evs, events.KindArtifact))
	assert.Empty(t, eventsOf(evs, events.KindComplete))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Equal(t, model.PhaseError, run.CurrentPhase)
	assert.Equal(t, model.PhaseError, run.History[len(run.History)-1].Phase)
	assert.Equal(t, failure.Message, run.Error)
	require.NoError(t, ValidateHistory(run.History))

	artifacts, err := h.store.ListArtifacts(context.Background(), runID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestUnknownServicesAreDropped(t *testing.T) {
	h := newHarness(t)
	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"pinecone", "mongodb"}}
	o := h.orchestrator(t, r)
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	evs := h.rec.Events()
	payments := eventsOf(evs, events.KindPayment)
	require.Len(t, payments, 1)
	assert.Equal(t, model.ServiceMongoDB, payments[0].Data.(events.Payment).Service)

	var warned bool
	for _, ev := range eventsOf(evs, events.KindLog) {
		entry := ev.Data.(events.Log)
		if entry.Level == model.LogWarn && strings.Contains(entry.Message, "pinecone") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestDemoPolicyForcesPayment(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, newStubReasoner(), WithDemoPolicy(NewDemoPolicy(true)))
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	payments := eventsOf(h.rec.Events(), events.KindPayment)
	require.Len(t, payments, 2)
	assert.Equal(t, model.ServiceVoyage, payments[0].Data.(events.Payment).Service)
	assert.Equal(t, model.ServiceMongoDB, payments[1].Data.(events.Payment).Service)
	assert.Len(t, eventsOf(h.rec.Events(), events.KindEntitlement), 2)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, run.TotalCost, 1e-9)
}

func TestCancelledRunStopsBetweenPhases(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"voyage"}}
	r.onDecide = cancel
	o := h.orchestrator(t, r)
	runID := h.claimRun(t, "X")

	err := o.Run(ctx, runID, h.rec)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCancelled))

	evs := h.rec.Events()
	assert.Equal(t, []string{"phase:THINK", "phase:RETRIEVE", "memory_retrieved", "phase:DECIDE"}, timeline(evs))
	assert.Empty(t, eventsOf(evs, events.KindError))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, run.Status)
	assert.Equal(t, model.PhaseDecide, run.CurrentPhase)
	assert.Zero(t, run.TotalCost)
}

type fixedEntitlements struct {
	result *paywall.SubscribeResult
}

func (fixedEntitlements) ActiveServices(context.Context) ([]model.Service, error) { return nil, nil }

func (f fixedEntitlements) ActiveEntitlement(context.Context, model.Service) (*model.Entitlement, error) {
	return f.result.Entitlement, nil
}

func (f fixedEntitlements) Subscribe(context.Context, string, model.Service) (*paywall.SubscribeResult, error) {
	return f.result, nil
}

type confirmGateway struct {
	*payment.Simulator
	status model.TxStatus
}

func (g confirmGateway) Confirm(context.Context, string) (model.TxStatus, error) {
	return g.status, nil
}

func TestVerifyFailsOnRevertedTransaction(t *testing.T) {
	h := newHarness(t)
	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"cdp"}}
	ents := fixedEntitlements{result: &paywall.SubscribeResult{
		TxHash:      "0xabc",
		Amount:      0.5,
		Currency:    "USDC",
		Entitlement: &model.Entitlement{Service: model.ServiceCDP, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)},
	}}
	o, err := New(Dependencies{
		Store:        h.store,
		Reasoner:     r,
		Memory:       h.memory,
		Entitlements: ents,
		Gateway:      confirmGateway{Simulator: payment.NewSimulator(payment.WithDelay(0)), status: model.TxFailed},
	}, WithVerify(0, time.Second, 10*time.Millisecond))
	require.NoError(t, err)
	runID := h.claimRun(t, "X")

	err = o.Run(context.Background(), runID, h.rec)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodePaymentFailure))

	failures := eventsOf(h.rec.Events(), events.KindError)
	require.Len(t, failures, 1)
	assert.Equal(t, model.PhaseVerify, failures[0].Data.(events.Failure).Phase)
	assert.Empty(t, eventsOf(h.rec.Events(), events.KindEntitlement))
}

func TestVerifyWaitsForConfirmedTransaction(t *testing.T) {
	h := newHarness(t)
	r := newStubReasoner()
	r.decision = llm.Decision{NeedsPayment: true, Services: []string{"cdp"}}
	ents := fixedEntitlements{result: &paywall.SubscribeResult{
		TxHash:      "0xabc",
		Amount:      0.5,
		Currency:    "USDC",
		Entitlement: &model.Entitlement{Service: model.ServiceCDP, IsActive: true, ExpiresAt: time.Now().Add(time.Hour)},
	}}
	o, err := New(Dependencies{
		Store:        h.store,
		Reasoner:     r,
		Memory:       h.memory,
		Entitlements: ents,
		Gateway:      confirmGateway{Simulator: payment.NewSimulator(payment.WithDelay(0)), status: model.TxConfirmed},
	}, WithVerify(0, time.Second, 10*time.Millisecond))
	require.NoError(t, err)
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))
	assert.Len(t, eventsOf(h.rec.Events(), events.KindEntitlement), 1)
	assert.Len(t, eventsOf(h.rec.Events(), events.KindComplete), 1)
}

func TestRunRejectsFinishedRun(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, newStubReasoner())
	runID := h.claimRun(t, "X")
	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	err := o.Run(context.Background(), runID, &recorder{})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestRetrieveUsesMemories(t *testing.T) {
	h := newHarness(t)
	_, err := h.memory.Add(context.Background(), []model.Memory{
		{Text: "payment flows on base sepolia"},
		{Text: "vector search with voyage embeddings"},
	})
	require.NoError(t, err)
	o := h.orchestrator(t, newStubReasoner(), WithTopK(1))
	runID := h.claimRun(t, "voyage embeddings")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	retrieved := eventsOf(h.rec.Events(), events.KindMemoryRetrieved)[0].Data.(events.MemoriesRetrieved)
	require.Len(t, retrieved.Memories, 1)
	done := eventsOf(h.rec.Events(), events.KindComplete)[0].Data.(events.Completed)
	assert.Equal(t, 1, done.MemoriesUsed)
}

type flakyStatusStore struct {
	*storage.MemoryStore
	completedFailures int
}

func (s *flakyStatusStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error {
	if status == model.RunCompleted && s.completedFailures > 0 {
		s.completedFailures--
		return errors.New("write timeout")
	}
	return s.MemoryStore.UpdateRunStatus(ctx, id, status, errMsg)
}

func TestFailureAfterCompleteKeepsCompletedHistory(t *testing.T) {
	h := newHarness(t)
	store := &flakyStatusStore{MemoryStore: h.store, completedFailures: 1}
	o, err := New(Dependencies{Store: store, Reasoner: newStubReasoner(), Memory: h.memory, Entitlements: h.paywall},
		WithVerify(0, time.Second, 10*time.Millisecond))
	require.NoError(t, err)
	runID := h.claimRun(t, "X")

	require.Error(t, o.Run(context.Background(), runID, h.rec))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	require.NotEmpty(t, run.History)
	assert.Equal(t, model.PhaseComplete, run.History[len(run.History)-1].Phase)
	require.NoError(t, ValidateHistory(run.History))
	assert.Len(t, eventsOf(h.rec.Events(), events.KindError), 1)
}

func TestCompleteEntryCarriesSummary(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, newStubReasoner())
	runID := h.claimRun(t, "X")

	require.NoError(t, o.Run(context.Background(), runID, h.rec))

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	last := run.History[len(run.History)-1]
	assert.Equal(t, model.PhaseComplete, last.Phase)
	assert.Contains(t, last.Payload, "memoriesUsed")
	assert.Contains(t, last.Payload, "servicesUnlocked")
}
