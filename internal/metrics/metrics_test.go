package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ reconcile.Observer = (*Metrics)(nil)

func Test_Metrics_ObserveCommand(t *testing.T) {
	m := New()
	m.ObserveCommand("set", nil)
	m.ObserveCommand("set", nil)
	m.ObserveCommand("set", errors.New("exit status 2"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("set", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("set", "error")))
}

func Test_Metrics_GuestsAndBatches(t *testing.T) {
	m := New()
	m.GuestFinished(reconcile.GuestResult{VMID: 100, Outcome: reconcile.OutcomeSucceeded, Duration: 3 * time.Second})
	m.GuestFinished(reconcile.GuestResult{VMID: 101, Outcome: reconcile.OutcomeSkippedNoOp})
	m.GuestFinished(reconcile.GuestResult{VMID: 102, Outcome: reconcile.OutcomeNotProcessed})
	m.ObserveBatch(&reconcile.Result{
		Plan:     reconcile.Plan{Operation: reconcile.Operation{Kind: reconcile.KindCPUHost}},
		Failures: []reconcile.Failure{{VMID: 100, Step: reconcile.StepStart}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.guests.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guests.WithLabelValues("skipped-no-op")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("cpu-host", "failures")))
}

func Test_Metrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCommand("list", nil)
	m.GuestFinished(reconcile.GuestResult{})
	m.ObserveBatch(&reconcile.Result{})
}

func Test_Metrics_Handler(t *testing.T) {
	m := New()
	m.ObserveCommand("start", nil)

	mux := http.NewServeMux()
	m.RegisterHandler(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pvebatch_qm_commands_total{command="start",result="ok"} 1`)
}

func Test_Metrics_RegisterHandler_Wraps(t *testing.T) {
	m := New()
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}

	mux := http.NewServeMux()
	m.RegisterHandler(mux, deny)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
