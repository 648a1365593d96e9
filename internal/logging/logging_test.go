package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if RequestID(ctx) != "req-1" {
		t.Errorf("RequestID = %q", RequestID(ctx))
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request id")
	}

	var buf bytes.Buffer
	logger := WithOrderID(zerolog.New(&buf), "ORD-7")
	logger.Info().Msg("hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"order_id":"ORD-7"`)) {
		t.Errorf("order id missing from %s", buf.String())
	}
}

func TestEventFields(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(prev)

	var buf bytes.Buffer
	logger := WithSymbol(zerolog.New(&buf), "NIFTY")

	LogOrder(logger, "ORD-1", "NIFTY25OCTFUT", "BUY", "COMPLETE")
	var order map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &order); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if order["symbol"] != "NIFTY" || order["contract"] != "NIFTY25OCTFUT" || order["status"] != "COMPLETE" {
		t.Errorf("unexpected order event %v", order)
	}

	buf.Reset()
	LogAPICall(logger, "kite", "place order", 15*time.Millisecond, errors.New("boom"))
	var call map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &call); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if call["error"] != "boom" || call["endpoint"] != "place order" {
		t.Errorf("unexpected api event %v", call)
	}
}
