package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealthCheckerWorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
	}{
		{"none", nil, HealthStatusHealthy},
		{"all healthy", []HealthStatus{HealthStatusHealthy, HealthStatusHealthy}, HealthStatusHealthy},
		{"degraded", []HealthStatus{HealthStatusHealthy, HealthStatusDegraded}, HealthStatusDegraded},
		{"unhealthy", []HealthStatus{HealthStatusDegraded, HealthStatusUnhealthy, HealthStatusHealthy}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(time.Second)
			for i, st := range tt.statuses {
				st := st
				h.Register(string(rune('a'+i)), func(context.Context) ComponentHealth {
					return ComponentHealth{Status: st}
				})
			}
			got := h.Check(context.Background())
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if len(got.Components) != len(tt.statuses) {
				t.Fatalf("components = %d", len(got.Components))
			}
			for i := 1; i < len(got.Components); i++ {
				if got.Components[i-1].Name > got.Components[i].Name {
					t.Error("components not sorted by name")
				}
			}
		})
	}
}

func TestHealthCheckerRecoversPanics(t *testing.T) {
	h := NewHealthChecker(time.Second)
	h.Register("broken", func(context.Context) ComponentHealth { panic("nil map") })
	got := h.Check(context.Background())
	if got.Status != HealthStatusUnhealthy || got.Components[0].Name != "broken" {
		t.Errorf("unexpected health %+v", got)
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	ok := DatabaseHealthCheck(func(context.Context) error { return nil })(context.Background())
	if ok.Status != HealthStatusHealthy {
		t.Errorf("status = %s", ok.Status)
	}
	bad := DatabaseHealthCheck(func(context.Context) error { return errors.New("locked") })(context.Background())
	if bad.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s", bad.Status)
	}
}

func TestSessionHealthCheck(t *testing.T) {
	authenticated := false
	check := SessionHealthCheck(func() bool { return authenticated })
	if got := check(context.Background()); got.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s", got.Status)
	}
	authenticated = true
	if got := check(context.Background()); got.Status != HealthStatusHealthy {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCircuitHealthCheck(t *testing.T) {
	now := time.Date(2025, 10, 6, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("kite", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Now:              func() time.Time { return now },
	})
	check := CircuitHealthCheck(cb)
	if got := check(context.Background()); got.Status != HealthStatusHealthy {
		t.Fatalf("closed circuit: %s", got.Status)
	}
	call(cb, context.Background(), func() error { return errBoom })
	if got := check(context.Background()); got.Status != HealthStatusUnhealthy {
		t.Errorf("open circuit: %s", got.Status)
	}
}
