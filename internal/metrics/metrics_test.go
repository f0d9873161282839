package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("taken", false, time.Second)
	m.Hit()
	m.Dropped()
	m.SetInFlight(3)
	m.SetPool(1, 2, 1)
	m.Evicted()
	m.Refresh("ok", 3)
	m.Notification("hit", true)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveProbe("inconclusive", true, 200*time.Millisecond)
	m.ObserveProbe("inconclusive", true, 300*time.Millisecond)
	m.Hit()
	m.Refresh("ok", 4)

	if got := testutil.ToFloat64(m.probes.WithLabelValues("inconclusive", "true")); got != 2 {
		t.Errorf("expected 2 faulted probes, got %v", got)
	}
	if got := testutil.ToFloat64(m.hits); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.admitted); got != 4 {
		t.Errorf("expected 4 admitted, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetPool(3, 1, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tokcheck_pool_eligible_proxies 3") {
		t.Errorf("pool gauge missing from output:\n%s", rec.Body.String())
	}
}
