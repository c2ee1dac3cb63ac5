package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeoPrime-Chain/internal/model"
)

func TestInstrumentRecordsStatus(t *testing.T) {
	reg := New()
	handler := reg.Instrument("runs.start", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/agent/run", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.httpRequests.WithLabelValues("runs.start", http.MethodPost, "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.httpErrors.WithLabelValues("runs.start", http.MethodPost)))
}

func TestInstrumentKeepsFlusher(t *testing.T) {
	reg := New()
	var flushable bool
	handler := reg.Instrument("stream", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, flushable = w.(http.Flusher)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flushable)
}

func TestDomainCounters(t *testing.T) {
	reg := New()
	reg.ObserveRun(model.RunCompleted)
	reg.ObserveRun(model.RunCompleted)
	reg.ObserveRun(model.RunFailed)
	reg.ObservePayment(model.ServiceVoyage, true)
	reg.ObservePayment(model.ServiceVoyage, false)
	reg.ObservePhase(model.PhaseThink, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.payments.WithLabelValues("voyage", "simulated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.payments.WithLabelValues("voyage", "onchain")))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `leoprime_runs_total{status="failed"} 1`)
	assert.Contains(t, string(body), `leoprime_phase_duration_seconds_count{phase="THINK"} 1`)
}
