package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/engine"
	"kite-autotrader/internal/metrics"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/resilience"
)

type fakeProcessor struct {
	mu     sync.Mutex
	events []models.SignalEvent
	status engine.Status
}

func (f *fakeProcessor) Process(_ context.Context, ev models.SignalEvent) engine.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	st := f.status
	if st == "" {
		st = engine.StatusProcessed
	}
	return engine.Outcome{Status: st, Symbol: strings.ToUpper(ev.Symbol), Message: "ok"}
}

func (f *fakeProcessor) Snapshot(symbol string) models.SymbolState {
	return models.SymbolState{Symbol: symbol, LastAction: models.DirectionLong}
}

func (f *fakeProcessor) Snapshots() []models.SymbolState {
	return []models.SymbolState{{Symbol: "NIFTY", LastAction: models.DirectionLong}}
}

func (f *fakeProcessor) Timeframes() []string { return []string{"3m", "5m", "10m"} }

func newTestServer(t *testing.T, p Processor, token string) *Server {
	t.Helper()
	s := New(p, Config{Workers: 2, Queue: 8, Token: token, Mode: "paper"}, metrics.New().Handler(), zerolog.Nop())
	s.StartWorkers()
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func post(s *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookProcessesEvent(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestServer(t, p, "")

	rec := post(s, `{"symbol":"nifty","signal":"long","timeframe":"5 minutes","price":25010.5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var out engine.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if out.Status != engine.StatusProcessed || out.Symbol != "NIFTY" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
	if len(p.events) != 1 || p.events[0].Price == nil || *p.events[0].Price != 25010.5 {
		t.Errorf("unexpected events %+v", p.events)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		status engine.Status
		code   int
	}{
		{engine.StatusProcessed, http.StatusOK},
		{engine.StatusIgnored, http.StatusOK},
		{engine.StatusSkipped, http.StatusOK},
		{engine.StatusWarning, http.StatusOK},
		{engine.StatusRejected, http.StatusBadRequest},
		{engine.StatusUnauthenticated, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := newTestServer(t, &fakeProcessor{status: tt.status}, "")
			rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m"}`, nil)
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestServer(t, p, "")
	if rec := post(s, `{"symbol":`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d", rec.Code)
	}
	if len(p.events) != 0 {
		t.Error("bad JSON must not reach the engine")
	}
}

func TestWebhookToken(t *testing.T) {
	p := &fakeProcessor{}
	s := newTestServer(t, p, "s3cret")

	if rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: code = %d", rec.Code)
	}
	if rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m","token":"wrong"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: code = %d", rec.Code)
	}
	if rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m","token":"s3cret"}`, nil); rec.Code != http.StatusOK {
		t.Errorf("body token: code = %d", rec.Code)
	}
	if rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m"}`, map[string]string{TokenHeader: "s3cret"}); rec.Code != http.StatusOK {
		t.Errorf("header token: code = %d", rec.Code)
	}
	if len(p.events) != 2 {
		t.Fatalf("events = %d", len(p.events))
	}
	if p.events[0].Token != "" {
		t.Error("token should be stripped before processing")
	}
}

func TestReadRoutes(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, "")

	for _, path := range []string{"/", "/healthz", "/state", "/state/nifty", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: code = %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/state/nifty", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var st models.SymbolState
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.Symbol != "NIFTY" {
		t.Errorf("state = %+v, err %v", st, err)
	}
}

func TestHealthzReportsUnhealthyComponents(t *testing.T) {
	authenticated := true
	health := resilience.NewHealthChecker(time.Second)
	health.Register("kite_session", resilience.SessionHealthCheck(func() bool { return authenticated }))

	s := New(&fakeProcessor{}, Config{Workers: 1, Queue: 1, Health: health}, nil, zerolog.Nop())
	get := func() (int, resilience.SystemHealth) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var h resilience.SystemHealth
		json.Unmarshal(rec.Body.Bytes(), &h)
		return rec.Code, h
	}

	if code, h := get(); code != http.StatusOK || h.Status != resilience.HealthStatusHealthy {
		t.Errorf("healthy: code %d, %+v", code, h)
	}
	authenticated = false
	code, h := get()
	if code != http.StatusServiceUnavailable || h.Status != resilience.HealthStatusUnhealthy {
		t.Errorf("unhealthy: code %d, %+v", code, h)
	}
	if len(h.Components) != 1 || h.Components[0].Name != "kite_session" {
		t.Errorf("components %+v", h.Components)
	}
}

func TestWebhookAfterShutdown(t *testing.T) {
	s := New(&fakeProcessor{}, Config{Workers: 1, Queue: 1}, nil, zerolog.Nop())
	s.StartWorkers()
	s.Shutdown(context.Background())

	if rec := post(s, `{"symbol":"NIFTY","signal":"LONG","timeframe":"3m"}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
}

type slowProcessor struct {
	*fakeProcessor
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (p *slowProcessor) Process(ctx context.Context, ev models.SignalEvent) engine.Outcome {
	close(p.started)
	<-p.release
	p.ctxErr <- ctx.Err()
	return engine.Outcome{Status: engine.StatusProcessed, Symbol: ev.Symbol}
}

func TestWebhookTransitionOutlivesCaller(t *testing.T) {
	p := &slowProcessor{
		fakeProcessor: &fakeProcessor{},
		started:       make(chan struct{}),
		release:       make(chan struct{}),
		ctxErr:        make(chan error, 1),
	}
	s := newTestServer(t, p, "")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"symbol":"NIFTY","signal":"LONG","timeframe":"3m"}`))
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Handler().ServeHTTP(rec, req)
	}()

	<-p.started
	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the caller went away")
	}
	if rec.Code != http.StatusRequestTimeout {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusRequestTimeout)
	}

	close(p.release)
	select {
	case err := <-p.ctxErr:
		if err != nil {
			t.Errorf("transition context ended with the request: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition did not finish")
	}
}
