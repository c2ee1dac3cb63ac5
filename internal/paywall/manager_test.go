package paywall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/storage"
)

type fakeGateway struct {
	*payment.Simulator
	balances  payment.Balances
	payErr    error
	paid      atomic.Int32
	simulated atomic.Int32
}

func newFakeGateway(balances payment.Balances) *fakeGateway {
	return &fakeGateway{Simulator: payment.NewSimulator(payment.WithDelay(0)), balances: balances}
}

func (g *fakeGateway) Balances(context.Context) (payment.Balances, error) { return g.balances, nil }

func (g *fakeGateway) Pay(_ context.Context, req payment.Request) (payment.Receipt, error) {
	g.paid.Add(1)
	if g.payErr != nil {
		return payment.Receipt{}, g.payErr
	}
	return payment.Receipt{TxHash: "0xreal", Amount: req.Amount, Currency: req.Currency, Recipient: req.Recipient}, nil
}

func (g *fakeGateway) Simulate(ctx context.Context, req payment.Request) (payment.Receipt, error) {
	g.simulated.Add(1)
	return g.Simulator.Simulate(ctx, req)
}

func newTestManager(t *testing.T, gw payment.Gateway, now func() time.Time) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithClock(now))
	m, err := New(store, gw, Config{Secret: "test-secret", Recipient: "0xrecipient"}, WithClock(now))
	require.NoError(t, err)
	return m, store
}

func createRun(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(context.Background(), &model.Run{
		ID: id, Status: model.RunRunning, Goal: "goal", CreatedAt: now, UpdatedAt: now,
	}))
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(storage.NewMemoryStore(), payment.NewSimulator(), Config{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestSubscribeSimulatesWhenUnfunded(t *testing.T) {
	gw := newFakeGateway(payment.Balances{})
	m, store := newTestManager(t, gw, time.Now)
	createRun(t, store, "run-1")

	res, err := m.Subscribe(context.Background(), "run-1", model.ServiceVoyage)
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.False(t, res.Reused)
	assert.Len(t, res.TxHash, 66)
	assert.Equal(t, int32(1), gw.simulated.Load())
	assert.Equal(t, int32(0), gw.paid.Load())

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, run.TotalCost, 1e-9)

	txs, err := store.ListTransactions(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "Subscribe to voyage", txs[0].Purpose)
	assert.Equal(t, model.TxConfirmed, txs[0].Status)
}

func TestSubscribePaysWhenFunded(t *testing.T) {
	gw := newFakeGateway(payment.Balances{Amount: 10, Gas: 0.01})
	m, store := newTestManager(t, gw, time.Now)
	createRun(t, store, "run-1")

	res, err := m.Subscribe(context.Background(), "run-1", model.ServiceMongoDB)
	require.NoError(t, err)
	assert.Equal(t, "0xreal", res.TxHash)
	assert.False(t, res.Simulated)
	assert.Equal(t, int32(1), gw.paid.Load())
}

func TestSubscribePaymentFailureIsNotRetryable(t *testing.T) {
	gw := newFakeGateway(payment.Balances{Amount: 10, Gas: 0.01})
	gw.payErr = errors.New("nonce too low")
	m, store := newTestManager(t, gw, time.Now)
	createRun(t, store, "run-1")

	_, err := m.Subscribe(context.Background(), "run-1", model.ServiceVoyage)
	require.Error(t, err)
	e, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodePaymentFailure, e.Code())
	assert.False(t, e.Retryable())
	assert.Equal(t, "voyage", e.Metadata()["service"])

	_, err = m.ActiveEntitlement(context.Background(), model.ServiceVoyage)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscribeNeedsGasForRealPayment(t *testing.T) {
	gw := newFakeGateway(payment.Balances{Amount: 10, Gas: 0})
	m, store := newTestManager(t, gw, time.Now)
	createRun(t, store, "run-1")

	res, err := m.Subscribe(context.Background(), "run-1", model.ServiceCDP)
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.Equal(t, int32(0), gw.paid.Load())
}

func TestSubscribeReusesActiveEntitlement(t *testing.T) {
	gw := newFakeGateway(payment.Balances{})
	m, store := newTestManager(t, gw, time.Now)
	createRun(t, store, "run-1")
	createRun(t, store, "run-2")

	first, err := m.Subscribe(context.Background(), "run-1", model.ServiceVoyage)
	require.NoError(t, err)

	second, err := m.Subscribe(context.Background(), "run-2", model.ServiceVoyage)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Empty(t, second.TxHash)
	assert.Equal(t, first.Entitlement.ID, second.Entitlement.ID)

	run, err := store.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Zero(t, run.TotalCost)
}

func TestConcurrentSubscribeCreatesSingleEntitlement(t *testing.T) {
	gw := newFakeGateway(payment.Balances{})
	m, store := newTestManager(t, gw, time.Now)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*SubscribeResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Subscribe(context.Background(), ManualRunID, model.ServiceVoyage)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	ents, err := store.ListEntitlements(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, ents, 1)
	assert.Equal(t, int32(1), gw.simulated.Load())

	reused := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, ents[0].ID, res.Entitlement.ID)
		if res.Reused {
			reused++
		}
	}
	assert.Equal(t, workers-1, reused)
}

func TestSubscribeAfterExpiryPaysAgain(t *testing.T) {
	current := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	gw := newFakeGateway(payment.Balances{})
	m, _ := newTestManager(t, gw, clock)

	first, err := m.Subscribe(context.Background(), ManualRunID, model.ServiceVoyage)
	require.NoError(t, err)

	current = current.Add(25 * time.Hour)
	second, err := m.Subscribe(context.Background(), ManualRunID, model.ServiceVoyage)
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.Entitlement.ID, second.Entitlement.ID)
	assert.Equal(t, int32(2), gw.simulated.Load())
}

func TestSubscribeRejectsUnknownService(t *testing.T) {
	m, _ := newTestManager(t, newFakeGateway(payment.Balances{}), time.Now)
	_, err := m.Subscribe(context.Background(), ManualRunID, model.Service("stripe"))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestVerifyToken(t *testing.T) {
	current := time.Now().UTC()
	clock := func() time.Time { return current }
	m, store := newTestManager(t, newFakeGateway(payment.Balances{}), clock)
	createRun(t, store, "run-1")

	res, err := m.Subscribe(context.Background(), "run-1", model.ServiceMongoDB)
	require.NoError(t, err)

	service, runID, err := m.VerifyToken(res.Entitlement.Token)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceMongoDB, service)
	assert.Equal(t, "run-1", runID)

	other, err := New(store, payment.NewSimulator(), Config{Secret: "other-secret"}, WithClock(clock))
	require.NoError(t, err)
	_, _, err = other.VerifyToken(res.Entitlement.Token)
	assert.Error(t, err)

	current = current.Add(25 * time.Hour)
	_, _, err = m.VerifyToken(res.Entitlement.Token)
	assert.Error(t, err)
}

func TestStatusAndReset(t *testing.T) {
	m, _ := newTestManager(t, newFakeGateway(payment.Balances{}), time.Now)
	ctx := context.Background()

	_, err := m.Subscribe(ctx, ManualRunID, model.ServiceCDP)
	require.NoError(t, err)

	active, err := m.ActiveServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Service{model.ServiceCDP}, active)

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		assert.Equal(t, st.Service == model.ServiceCDP, st.Active)
		assert.InDelta(t, 0.5, st.Price, 1e-9)
	}

	views, err := m.ListEntitlements(ctx, "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].IsExpired)
	assert.Positive(t, views[0].TimeRemaining)

	n, err := m.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = m.ActiveServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPricesUseOverrides(t *testing.T) {
	m, err := New(storage.NewMemoryStore(), payment.NewSimulator(), Config{
		Secret: "s",
		Prices: map[model.Service]float64{model.ServiceVoyage: 1.25},
	})
	require.NoError(t, err)

	prices := m.Prices()
	assert.InDelta(t, 1.25, prices[model.ServiceVoyage], 1e-9)
	assert.InDelta(t, 0.5, prices[model.ServiceMongoDB], 1e-9)
}
