// Package notify pushes trade and failure notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"kite-autotrader/internal/config"
	"kite-autotrader/internal/models"
)

// sendTimeout bounds one delivery across every channel.
const sendTimeout = 10 * time.Second

// Channel is a notification destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade NotificationType = "trade"
	NotificationError NotificationType = "error"
	NotificationInfo  NotificationType = "info"
)

// Level filters which notifications are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// Notifier fans notifications out to its channels. As a trade journal it
// delivers in the background so a slow channel never delays an order
// sequence; Close waits for pending deliveries.
type Notifier struct {
	channels []Channel
	level    Level
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	pending sync.WaitGroup
}

// New creates a notifier with the channels enabled in cfg. It returns nil
// when no channel is enabled.
func New(cfg config.NotifyConfig, logger zerolog.Logger) *Notifier {
	var channels []Channel
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		channels = append(channels, NewWebhookChannel(cfg.Webhook.URL))
	}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		channels = append(channels, NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if len(channels) == 0 {
		return nil
	}
	n := NewNotifier(Level(cfg.Level), logger)
	for _, ch := range channels {
		n.AddChannel(ch)
	}
	return n
}

// NewNotifier creates a notifier without channels.
func NewNotifier(level Level, logger zerolog.Logger) *Notifier {
	if level == "" {
		level = LevelAll
	}
	return &Notifier{
		level:  level,
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// AddChannel adds a notification channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}

func (n *Notifier) shouldSend(t NotificationType) bool {
	switch n.level {
	case LevelTradesOnly:
		return t == NotificationTrade
	case LevelErrorsOnly:
		return t == NotificationError
	default:
		return true
	}
}

// Send delivers to every channel and returns the combined channel errors.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	if !n.shouldSend(msg.Type) {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.now()
	}

	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()

	var err error
	for _, ch := range channels {
		if cerr := ch.Send(ctx, msg); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", ch.Name(), cerr))
		}
	}
	return err
}

// LogTrade queues a notification for an order the engine placed. It never
// returns an error; delivery failures are logged.
func (n *Notifier) LogTrade(ctx context.Context, rec *models.TradeRecord) error {
	msg := TradeNotification(rec)
	if !n.shouldSend(msg.Type) {
		return nil
	}
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := n.Send(sendCtx, msg); err != nil {
			n.logger.Warn().Err(err).Str("symbol", rec.Symbol).Msg("notification failed")
		}
	}()
	return nil
}

// SendError sends an error notification.
func (n *Notifier) SendError(ctx context.Context, err error, errContext string) error {
	return n.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "❌ Error Occurred",
		Message: fmt.Sprintf("Context: %s\nError: %v", errContext, err),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// Close waits for queued deliveries.
func (n *Notifier) Close() error {
	n.pending.Wait()
	return nil
}

// TradeNotification renders a journal record. Failed orders become error
// notifications.
func TradeNotification(rec *models.TradeRecord) Notification {
	mode := ""
	if rec.IsPaper {
		mode = " [paper]"
	}

	msg := Notification{
		Type:      NotificationTrade,
		Title:     fmt.Sprintf("🔔 %s %s%s", rec.Action, rec.Symbol, mode),
		Timestamp: rec.Timestamp,
		Data: map[string]interface{}{
			"symbol":    rec.Symbol,
			"contract":  rec.Contract,
			"exchange":  rec.Exchange,
			"action":    rec.Action,
			"direction": rec.Direction,
			"side":      rec.Side,
			"quantity":  rec.Quantity,
			"price":     rec.Price,
			"order_id":  rec.OrderID,
			"reason":    rec.Reason,
			"paper":     rec.IsPaper,
		},
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Contract: %s (%s)\n", rec.Contract, rec.Exchange)
	fmt.Fprintf(&sb, "Side: %s %d\n", rec.Side, rec.Quantity)
	if rec.Price > 0 {
		fmt.Fprintf(&sb, "Price: %.2f\n", rec.Price)
	}
	fmt.Fprintf(&sb, "Reason: %s", rec.Reason)

	if !rec.Success {
		msg.Type = NotificationError
		msg.Title = fmt.Sprintf("❌ %s %s failed%s", rec.Action, rec.Symbol, mode)
		fmt.Fprintf(&sb, "\nError: %s", rec.Error)
		msg.Data["error"] = rec.Error
	}
	msg.Message = sb.String()
	return msg
}

// WebhookChannel posts notifications as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: sendTimeout},
	}
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends a notification via webhook.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kite-autotrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TelegramChannel sends notifications through a Telegram bot.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// Name returns the name of the channel.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Send sends a notification via Telegram using HTML parse mode.
func (t *TelegramChannel) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL embeds the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
