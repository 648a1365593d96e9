package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	apperrors "kite-autotrader/internal/errors"
	"kite-autotrader/internal/logging"
	"kite-autotrader/internal/models"
	"kite-autotrader/pkg/utils"
)

// Kite Connect allows roughly 10 requests per second per session.
const defaultRequestsPerSecond = 10

// ZerodhaBroker implements Broker for Zerodha Kite Connect.
type ZerodhaBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	limiter       *rate.Limiter
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// ZerodhaConfig holds configuration for Zerodha broker.
type ZerodhaConfig struct {
	APIKey            string
	APISecret         string
	UserID            string
	TokenPath         string
	RequestsPerSecond float64
	Logger            zerolog.Logger
}

// NewZerodhaBroker creates a new Zerodha broker instance.
// It automatically loads any saved session from disk.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)

	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		homeDir, _ := os.UserHomeDir()
		tokenPath = filepath.Join(homeDir, ".config", "kite-autotrader", "session.json")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	zb := &ZerodhaBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: tokenPath,
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)),
		logger:    cfg.Logger,
	}

	_ = zb.loadSession()

	return zb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GetLoginURL returns the Kite login URL for the interactive flow.
func (z *ZerodhaBroker) GetLoginURL() string {
	return z.client.GetLoginURL()
}

// CompleteLogin completes the OAuth flow with the request token.
func (z *ZerodhaBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	session, err := z.client.GenerateSession(requestToken, z.apiSecret)
	if err != nil {
		return apperrors.NewBrokerError("generate session", apperrors.KindSession, err)
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	if session.UserID != "" {
		z.userID = session.UserID
	}
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	if err := z.saveSession(session.AccessToken); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Logout invalidates the session and clears stored credentials.
func (z *ZerodhaBroker) Logout(ctx context.Context) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.authenticated {
		// Local cleanup proceeds even if the server-side invalidation fails.
		_, _ = z.client.InvalidateAccessToken()
	}

	z.accessToken = ""
	z.authenticated = false

	if err := os.Remove(z.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// IsAuthenticated returns whether the broker holds an unexpired session.
func (z *ZerodhaBroker) IsAuthenticated() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.authenticated
}

// Reload re-reads the session file, picking up a login done by another process.
func (z *ZerodhaBroker) Reload() error {
	return z.loadSession()
}

func (z *ZerodhaBroker) loadSession() error {
	data, err := os.ReadFile(z.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	if time.Now().After(session.ExpiresAt) {
		return apperrors.ErrSessionExpired
	}

	z.mu.Lock()
	z.accessToken = session.AccessToken
	z.authenticated = true
	z.client.SetAccessToken(session.AccessToken)
	z.mu.Unlock()

	return nil
}

func (z *ZerodhaBroker) saveSession(accessToken string) error {
	dir := filepath.Dir(z.tokenPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	z.mu.RLock()
	session := sessionData{
		AccessToken: accessToken,
		UserID:      z.userID,
		ExpiresAt:   utils.SessionExpiry(time.Now()),
	}
	z.mu.RUnlock()

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	// Write with restricted permissions
	return os.WriteFile(z.tokenPath, data, 0600)
}

// call gates a Kite request on the session and the rate limiter, and wraps
// any failure in a typed BrokerError.
func (z *ZerodhaBroker) call(ctx context.Context, op string, fn func() error) error {
	if !z.IsAuthenticated() {
		return apperrors.NewBrokerError(op, apperrors.KindSession, apperrors.ErrNotAuthenticated)
	}
	if err := z.limiter.Wait(ctx); err != nil {
		return apperrors.NewBrokerError(op, apperrors.KindTimeout, err)
	}
	started := time.Now()
	err := fn()
	logging.LogAPICall(z.logger, "kite", op, time.Since(started), err)
	if err != nil {
		kind := kindOfKiteError(err)
		if kind == apperrors.KindSession {
			z.mu.Lock()
			z.authenticated = false
			z.mu.Unlock()
		}
		return apperrors.NewBrokerError(op, kind, err)
	}
	return nil
}

func kindOfKiteError(err error) apperrors.Kind {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteconnect.TokenError, kiteconnect.PermissionError, kiteconnect.TwoFAError:
			return apperrors.KindSession
		case kiteconnect.OrderError, kiteconnect.InputError:
			return apperrors.KindRejected
		case kiteconnect.DataError:
			return apperrors.KindNotFound
		}
		return apperrors.KindTransport
	}
	return apperrors.KindOf(err)
}

// GetPositionQuantity returns the signed net quantity for a trading symbol.
func (z *ZerodhaBroker) GetPositionQuantity(ctx context.Context, exchange models.Exchange, symbol string) (int, error) {
	var positions kiteconnect.Positions
	err := z.call(ctx, "get positions", func() (err error) {
		positions, err = z.client.GetPositions()
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, p := range positions.Net {
		if p.Tradingsymbol == symbol && (exchange == "" || p.Exchange == string(exchange)) {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

// ListOpenPositions returns every net position with a non-zero quantity.
func (z *ZerodhaBroker) ListOpenPositions(ctx context.Context) ([]models.Position, error) {
	var positions kiteconnect.Positions
	err := z.call(ctx, "get positions", func() (err error) {
		positions, err = z.client.GetPositions()
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		result = append(result, models.Position{
			Symbol:   p.Tradingsymbol,
			Exchange: models.Exchange(p.Exchange),
			Product:  models.ProductType(p.Product),
			Quantity: p.Quantity,
		})
	}
	return result, nil
}

// PlaceOrder places a regular order.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Validity:        order.Validity,
		Tag:             order.Tag,
	}
	if order.Type == models.OrderTypeLimit {
		params.Price = order.Price
	}
	if params.Validity == "" {
		params.Validity = "DAY"
	}

	var resp kiteconnect.OrderResponse
	err := z.call(ctx, "place order", func() (err error) {
		resp, err = z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &OrderResult{
		OrderID: resp.OrderID,
		Status:  "PLACED",
		Message: "Order placed successfully",
	}, nil
}

// GetOrderStatus returns the latest status from the order's history.
func (z *ZerodhaBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	var history []kiteconnect.Order
	err := z.call(ctx, "get order history", func() (err error) {
		history, err = z.client.GetOrderHistory(orderID)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", apperrors.NewBrokerError("get order history", apperrors.KindNotFound,
			fmt.Errorf("no history for order %s", orderID))
	}
	return strings.ToUpper(history[len(history)-1].Status), nil
}

// CancelOrder cancels an open regular order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) error {
	return z.call(ctx, "cancel order", func() error {
		_, err := z.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
		return err
	})
}

// GetLastPrice returns the last traded price for an instrument.
func (z *ZerodhaBroker) GetLastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	key := instrumentKey(exchange, symbol)

	var ltp kiteconnect.QuoteLTP
	err := z.call(ctx, "get ltp", func() (err error) {
		ltp, err = z.client.GetLTP(key)
		return err
	})
	if err != nil {
		return 0, err
	}

	q, ok := ltp[key]
	if !ok {
		return 0, apperrors.NewBrokerError("get ltp", apperrors.KindNotFound,
			fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, key))
	}
	return q.LastPrice, nil
}

// GetQuote fetches market depth for an instrument.
func (z *ZerodhaBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Depth, error) {
	key := instrumentKey(exchange, symbol)

	var quotes kiteconnect.Quote
	err := z.call(ctx, "get quote", func() (err error) {
		quotes, err = z.client.GetQuote(key)
		return err
	})
	if err != nil {
		return nil, err
	}

	q, ok := quotes[key]
	if !ok {
		return nil, apperrors.NewBrokerError("get quote", apperrors.KindNotFound,
			fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, key))
	}

	depth := &models.Depth{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Timestamp: q.Timestamp.Time,
	}
	for _, l := range q.Depth.Buy {
		depth.Buy = append(depth.Buy, models.DepthLevel{Price: l.Price, Quantity: int(l.Quantity), Orders: int(l.Orders)})
	}
	for _, l := range q.Depth.Sell {
		depth.Sell = append(depth.Sell, models.DepthLevel{Price: l.Price, Quantity: int(l.Quantity), Orders: int(l.Orders)})
	}
	return depth, nil
}

// ListInstruments fetches the instrument master for an exchange.
func (z *ZerodhaBroker) ListInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	var instruments kiteconnect.Instruments
	err := z.call(ctx, "get instruments", func() (err error) {
		instruments, err = z.client.GetInstrumentsByExchange(string(exchange))
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Instrument, len(instruments))
	for i, inst := range instruments {
		result[i] = models.Instrument{
			Token:     uint32(inst.InstrumentToken),
			Symbol:    inst.Tradingsymbol,
			Name:      inst.Name,
			Exchange:  models.Exchange(inst.Exchange),
			Segment:   inst.Segment,
			LotSize:   int(inst.LotSize),
			TickSize:  inst.TickSize,
			Expiry:    inst.Expiry.Time,
			Strike:    inst.StrikePrice,
			InstrType: inst.InstrumentType,
		}
	}
	return result, nil
}
