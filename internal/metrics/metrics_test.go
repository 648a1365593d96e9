package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Signal("NIFTY", "LONG")
	m.Decision("processed")
	m.Decision("processed")
	m.Denied("cooldown")
	m.Order("ENTRY", true)
	m.Order("EXIT", false)
	m.Rollover()
	m.Transition(1500 * time.Millisecond)

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("processed")); got != 2 {
		t.Errorf("decisions processed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("EXIT", "failed")); got != 1 {
		t.Errorf("failed exits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RolloversTotal); got != 1 {
		t.Errorf("rollovers = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Signal("NIFTY", "LONG")
	m.Decision("ignored")
	m.Transition(time.Second)
	if m.Handler() == nil {
		t.Error("nil metrics should still serve a handler")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Denied("in_progress")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `autotrader_admissions_denied_total{reason="in_progress"} 1`) {
		t.Errorf("metric not exposed:\n%s", rec.Body.String())
	}
}
