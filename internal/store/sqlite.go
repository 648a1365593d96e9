package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kite-autotrader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ DataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Webhook workers write concurrently; WAL plus a busy timeout serializes them.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Committed direction, cooldown timestamps and hedge leg per root symbol
	CREATE TABLE IF NOT EXISTS symbol_state (
		symbol TEXT PRIMARY KEY,
		last_action TEXT NOT NULL DEFAULT 'NONE',
		hedge_leg TEXT,
		last_transition_at DATETIME,
		last_exit_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	-- One row per order the engine placed or attempted
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		contract TEXT,
		exchange TEXT NOT NULL,
		action TEXT NOT NULL,
		direction TEXT,
		side TEXT,
		quantity INTEGER NOT NULL DEFAULT 0,
		price REAL NOT NULL DEFAULT 0,
		order_id TEXT,
		reason TEXT,
		is_paper INTEGER DEFAULT 0,
		success INTEGER DEFAULT 0,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Symbol State
// ============================================================================

// SaveState upserts the durable part of a symbol's state. Timeframe slots
// are not persisted.
func (s *SQLiteStore) SaveState(ctx context.Context, st models.SymbolState) error {
	var leg sql.NullString
	if st.HedgeLeg != nil {
		b, err := json.Marshal(st.HedgeLeg)
		if err != nil {
			return fmt.Errorf("failed to encode hedge leg: %w", err)
		}
		leg = sql.NullString{String: string(b), Valid: true}
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_state (symbol, last_action, hedge_leg, last_transition_at, last_exit_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			last_action = excluded.last_action,
			hedge_leg = excluded.hedge_leg,
			last_transition_at = excluded.last_transition_at,
			last_exit_at = excluded.last_exit_at,
			updated_at = excluded.updated_at
	`, st.Symbol, string(st.LastAction), leg, nullTime(st.LastTransitionAt), nullTime(st.LastExitAt), updated)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", st.Symbol, err)
	}
	return nil
}

// LoadStates returns every persisted symbol state.
func (s *SQLiteStore) LoadStates(ctx context.Context) ([]models.SymbolState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, last_action, hedge_leg, last_transition_at, last_exit_at, updated_at
		FROM symbol_state ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var states []models.SymbolState
	for rows.Next() {
		var (
			st             models.SymbolState
			action         string
			leg            sql.NullString
			transition, ex sql.NullTime
		)
		if err := rows.Scan(&st.Symbol, &action, &leg, &transition, &ex, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		st.LastAction = models.Direction(action)
		if leg.Valid && leg.String != "" {
			st.HedgeLeg = &models.HedgeLeg{}
			if err := json.Unmarshal([]byte(leg.String), st.HedgeLeg); err != nil {
				return nil, fmt.Errorf("failed to decode hedge leg for %s: %w", st.Symbol, err)
			}
		}
		if transition.Valid {
			st.LastTransitionAt = transition.Time
		}
		if ex.Valid {
			st.LastExitAt = ex.Time
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// DeleteState forgets a symbol.
func (s *SQLiteStore) DeleteState(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbol_state WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", symbol, err)
	}
	return nil
}

// ============================================================================
// Trades
// ============================================================================

// LogTrade saves a trade record to the database.
func (s *SQLiteStore) LogTrade(ctx context.Context, rec *models.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, timestamp, symbol, contract, exchange, action, direction, side, quantity, price, order_id, reason, is_paper, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp, rec.Symbol, rec.Contract, string(rec.Exchange), string(rec.Action), string(rec.Direction),
		string(rec.Side), rec.Quantity, rec.Price, rec.OrderID, rec.Reason, boolInt(rec.IsPaper), boolInt(rec.Success), rec.Error)
	if err != nil {
		return fmt.Errorf("failed to log trade: %w", err)
	}
	return nil
}

// GetTrades retrieves trades from the database, newest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := "SELECT id, timestamp, symbol, contract, exchange, action, direction, side, quantity, price, order_id, reason, is_paper, success, error FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate)
	}
	if filter.IsPaper != nil {
		query += " AND is_paper = ?"
		args = append(args, boolInt(*filter.IsPaper))
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			t                                 models.TradeRecord
			contract, orderID, reason, errMsg sql.NullString
			exchange, action, dir, side       sql.NullString
			isPaper, success                  int
		)
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.Symbol, &contract, &exchange, &action, &dir, &side,
			&t.Quantity, &t.Price, &orderID, &reason, &isPaper, &success, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Contract = contract.String
		t.Exchange = models.Exchange(exchange.String)
		t.Action = models.TradeAction(action.String)
		t.Direction = models.Direction(dir.String)
		t.Side = models.OrderSide(side.String)
		t.OrderID = orderID.String
		t.Reason = reason.String
		t.Error = errMsg.String
		t.IsPaper = isPaper == 1
		t.Success = success == 1
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
