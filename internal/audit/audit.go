// Package audit writes an append-only JSON-lines trail of every order the
// engine places and every session change.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session events
	EventLogin          EventType = "LOGIN"
	EventLogout         EventType = "LOGOUT"
	EventSessionExpired EventType = "SESSION_EXPIRED"

	// Position events
	EventEntry      EventType = "ENTRY"
	EventExit       EventType = "EXIT"
	EventHedgeOpen  EventType = "HEDGE_OPEN"
	EventHedgeClose EventType = "HEDGE_CLOSE"
)

// Event is a single audit line.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Contract  string                 `json:"contract,omitempty"`
	Direction models.Direction       `json:"direction,omitempty"`
	Side      models.OrderSide       `json:"side,omitempty"`
	Quantity  int                    `json:"quantity,omitempty"`
	Price     float64                `json:"price,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	IsPaper   bool                   `json:"is_paper"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(home, ".config", "kite-autotrader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// Logger appends audit events as JSON lines.
type Logger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	userID    string
	now       func() time.Time
}

// NewLogger creates an audit logger writing to a rotated trades.jsonl in cfg.LogDir.
func NewLogger(cfg Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return NewLoggerWithWriter(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "trades.jsonl"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// NewLoggerWithWriter creates an audit logger on an arbitrary sink.
func NewLoggerWithWriter(w io.WriteCloser) *Logger {
	return &Logger{
		writer:    w,
		sessionID: uuid.NewString(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetUserID sets the user ID stamped on subsequent events.
func (l *Logger) SetUserID(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = userID
}

// Log writes one event.
func (l *Logger) Log(ctx context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.SessionID = l.sessionID
	if event.UserID == "" {
		event.UserID = l.userID
	}
	if event.RequestID == "" {
		event.RequestID = logging.RequestID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogTrade records an entry, exit or hedge order. Exit lines carry the
// exit price in Details as well.
func (l *Logger) LogTrade(ctx context.Context, rec *models.TradeRecord) error {
	event := Event{
		Timestamp: rec.Timestamp,
		EventType: EventType(rec.Action),
		Symbol:    rec.Symbol,
		Contract:  rec.Contract,
		Direction: rec.Direction,
		Side:      rec.Side,
		Quantity:  rec.Quantity,
		Price:     rec.Price,
		OrderID:   rec.OrderID,
		Reason:    rec.Reason,
		IsPaper:   rec.IsPaper,
		Success:   rec.Success,
		ErrorMsg:  rec.Error,
		Details:   map[string]interface{}{"trade_id": rec.ID, "exchange": rec.Exchange},
	}
	if rec.Action == models.ActionExit || rec.Action == models.ActionHedgeClose {
		event.Details["exit_price"] = rec.Price
	}
	return l.Log(ctx, event)
}

// LogLogin logs a login attempt.
func (l *Logger) LogLogin(ctx context.Context, userID string, success bool, errorMsg string) error {
	return l.Log(ctx, Event{
		EventType: EventLogin,
		UserID:    userID,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogLogout logs a logout.
func (l *Logger) LogLogout(ctx context.Context, userID string) error {
	return l.Log(ctx, Event{
		EventType: EventLogout,
		UserID:    userID,
		Success:   true,
	})
}

// LogSessionExpired logs a request refused for lack of a session.
func (l *Logger) LogSessionExpired(ctx context.Context, symbol string) error {
	return l.Log(ctx, Event{
		EventType: EventSessionExpired,
		Symbol:    symbol,
		ErrorMsg:  "no valid broker session",
	})
}

// Close closes the underlying writer.
func (l *Logger) Close() error {
	return l.writer.Close()
}
