package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncEnqueued()
	m.ObserveAdmission(true)
	m.IncMaintenanceRun("x", errors.New("boom"))
	if m.Registry() != nil {
		t.Fatal("nil metrics should have nil registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.IncEnqueued()
	m.IncEnqueued()
	m.ObserveAdmission(true)
	m.ObserveAdmission(false)
	m.ObserveAdmission(false)
	m.IncOutcome("delivered")

	if got := testutil.ToFloat64(m.queueEnqueued); got != 2 {
		t.Fatalf("enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.admissions.WithLabelValues("denied")); got != 2 {
		t.Fatalf("denied = %v, want 2", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `courier_processor_outcomes_total{state="delivered"} 1`) {
		t.Fatalf("exposition missing outcome counter:\n%s", body)
	}
}
