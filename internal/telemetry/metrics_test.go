package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/syncmesh/syncmesh/internal/core"
)

func TestObserveResult(t *testing.T) {
	m := New()
	start := time.Now()

	m.ObserveResult(core.Result{
		Provider:   "aws-production",
		Outcome:    core.OutcomeSuccess,
		StartedAt:  start,
		FinishedAt: start.Add(120 * time.Millisecond),
	})
	m.ObserveResult(core.Result{
		Provider:   "aws-production",
		Outcome:    core.OutcomeFailure,
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Error:      "boom",
	})

	if got := testutil.ToFloat64(m.attempts.WithLabelValues("aws-production", "success")); got != 1 {
		t.Errorf("expected 1 success attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.attempts.WithLabelValues("aws-production", "failure")); got != 1 {
		t.Errorf("expected 1 failure attempt, got %v", got)
	}
}

func TestObserveHealth(t *testing.T) {
	m := New()
	m.ObserveHealth(core.HealthSnapshot{
		Providers: map[string]core.ProviderHealth{
			"db":    {Status: core.HealthUnhealthy, ConsecutiveFailures: 4},
			"cache": {Status: core.HealthHealthy},
		},
	})

	if got := testutil.ToFloat64(m.health.WithLabelValues("db")); got != 2 {
		t.Errorf("expected unhealthy gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("db")); got != 4 {
		t.Errorf("expected 4 consecutive failures, got %v", got)
	}
	if got := testutil.ToFloat64(m.health.WithLabelValues("cache")); got != 0 {
		t.Errorf("expected healthy gauge 0, got %v", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.ObserveEvent(core.EventTriggered)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "syncmesh_webhook_events_total") {
		t.Error("expected events counter in exposition output")
	}
}
