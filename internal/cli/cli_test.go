package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-autotrader/internal/engine"
	"kite-autotrader/internal/models"
	"kite-autotrader/internal/notify"
	"kite-autotrader/internal/store"
)

// runCLI executes the root command against a fresh config directory and
// returns stdout.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	for _, key := range []string{"KITE_API_KEY", "KITE_API_SECRET", "KITE_USER_ID", "TRADING_MODE", "PAPER_TRADE", "PORT", "WEBHOOK_TOKEN", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", dir))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestContractCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, dir, "contract", "nifty", "--date", "2025-10-28", "--json")
	if err != nil {
		t.Fatalf("contract: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if got["symbol"] != "NIFTY" || got["active"] != "NIFTY25NOVFUT" {
		t.Errorf("unexpected contract %v", got)
	}
	if got["rollover_due"] != true || got["cutoff"] != "2025-11-23" {
		t.Errorf("unexpected rollover fields %v", got)
	}
}

func TestContractCommandRejectsBadDate(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "contract", "NIFTY", "--date", "28/10/2025"); err == nil {
		t.Fatal("expected an error for a malformed date")
	}
}

func seedStore(t *testing.T, dir string) {
	t.Helper()
	ds, err := store.NewSQLiteStore(filepath.Join(dir, "data", "trader.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer ds.Close()

	ctx := context.Background()
	now := time.Date(2025, 10, 6, 10, 0, 0, 0, time.UTC)
	states := []models.SymbolState{
		{Symbol: "NIFTY", LastAction: models.DirectionLong, LastTransitionAt: now, UpdatedAt: now},
		{Symbol: "BANKNIFTY", LastAction: models.DirectionShort, LastTransitionAt: now, UpdatedAt: now},
	}
	for _, st := range states {
		if err := ds.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}
	trades := []*models.TradeRecord{
		{ID: "1", Timestamp: now, Symbol: "NIFTY", Contract: "NIFTY25OCTFUT", Exchange: models.NFO, Action: models.ActionEntry,
			Direction: models.DirectionLong, Side: models.OrderSideBuy, Quantity: 75, Price: 25210.5, Reason: "signal", IsPaper: true, Success: true},
		{ID: "2", Timestamp: now.Add(time.Minute), Symbol: "BANKNIFTY", Contract: "BANKNIFTY25OCTFUT", Exchange: models.NFO, Action: models.ActionEntry,
			Direction: models.DirectionShort, Side: models.OrderSideSell, Quantity: 35, Price: 56000, Reason: "signal", IsPaper: true, Success: true},
	}
	for _, tr := range trades {
		if err := ds.LogTrade(ctx, tr); err != nil {
			t.Fatalf("LogTrade: %v", err)
		}
	}
}

func TestStateCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	out, err := runCLI(t, dir, "state", "nifty", "--json")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	var states []models.SymbolState
	if err := json.Unmarshal([]byte(out), &states); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(states) != 1 || states[0].Symbol != "NIFTY" || states[0].LastAction != models.DirectionLong {
		t.Errorf("unexpected states %+v", states)
	}
}

func TestTradesCommandFilters(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	out, err := runCLI(t, dir, "trades", "--symbol", "banknifty", "--json")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	var trades []models.TradeRecord
	if err := json.Unmarshal([]byte(out), &trades); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(trades) != 1 || trades[0].Contract != "BANKNIFTY25OCTFUT" {
		t.Errorf("unexpected trades %+v", trades)
	}

	out, err = runCLI(t, dir, "trades", "--live", "--json")
	if err != nil {
		t.Fatalf("trades --live: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &trades); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no live trades, got %d", len(trades))
	}

	out, err = runCLI(t, dir, "trades", "--action", "entry")
	if err != nil {
		t.Fatalf("trades table: %v", err)
	}
	if !strings.Contains(out, "+75") || !strings.Contains(out, "-35") {
		t.Errorf("signed quantities missing from table:\n%s", out)
	}
}

func TestTradesCommandRejectsUnknownAction(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "trades", "--action", "BUY"); err == nil {
		t.Fatal("expected an error for an unknown action")
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	// Load writes the templates first.
	if _, err := runCLI(t, dir, "config", "path"); err != nil {
		t.Fatalf("config path: %v", err)
	}

	t.Setenv("WEBHOOK_TOKEN", "hunter2")
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "show", "--json", "--config", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if bytes.Contains(out.Bytes(), []byte("hunter2")) {
		t.Errorf("token leaked in %s", out.String())
	}
}

func TestLoginRequiresAPIKey(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "login", "--token", "abc"); err == nil {
		t.Fatal("expected login to fail without an api key")
	}
}

func TestExtractRequestToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc123\n", "abc123"},
		{"https://example.com/cb?request_token=tok9&action=login&status=success", "tok9"},
		{"  https://example.com/cb?status=success&request_token=tok7  ", "tok7"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractRequestToken(tt.in); got != tt.want {
			t.Errorf("extractRequestToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type scriptedProcessor struct {
	status engine.Status
}

func (p *scriptedProcessor) Process(_ context.Context, ev models.SignalEvent) engine.Outcome {
	return engine.Outcome{Status: p.status, Symbol: ev.Symbol, Message: "not authenticated"}
}
func (p *scriptedProcessor) Snapshot(symbol string) models.SymbolState { return models.SymbolState{} }
func (p *scriptedProcessor) Snapshots() []models.SymbolState { return nil }
func (p *scriptedProcessor) Timeframes() []string { return nil }

type recordingChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestSessionAlertOncePerLapse(t *testing.T) {
	ch := &recordingChannel{}
	n := notify.NewNotifier(notify.LevelAll, zerolog.Nop())
	n.AddChannel(ch)
	proc := &scriptedProcessor{status: engine.StatusUnauthenticated}
	sa := &sessionAudit{Processor: proc, notifier: n, logger: zerolog.Nop()}

	ev := models.SignalEvent{Symbol: "NIFTY", Signal: "LONG", Timeframe: "5m"}
	for i := 0; i < 3; i++ {
		if out := sa.Process(context.Background(), ev); out.Status != engine.StatusUnauthenticated {
			t.Fatalf("outcome %+v", out)
		}
	}
	if got := ch.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}

	// A handled signal ends the lapse; the next refusal alerts again.
	proc.status = engine.StatusIgnored
	sa.Process(context.Background(), ev)
	proc.status = engine.StatusUnauthenticated
	sa.Process(context.Background(), ev)
	if got := ch.count(); got != 2 {
		t.Errorf("alerts = %d, want 2", got)
	}
}
