package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a trade does not exist.
var ErrNotFound = errors.New("record not found")

const tradeColumns = `trade_id, pair, signal_ts, signal_data,
	capital, leverage, tp_pct, sl_pct, timeout_hours,
	entry_order_id, entry_client_id, entry_price, entry_quantity, entry_fill_ts,
	tp_order_id, sl_order_id, tp_trigger_price, sl_trigger_price,
	exit_price, exit_fill_ts, exit_type, pnl_usdt, pnl_pct, fees_usdt,
	status, error_message, created_at, updated_at`

const saveTradeSQL = `
INSERT OR REPLACE INTO trades (` + tradeColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

// CreateTrade inserts the initial signal_received row.
func (s *Store) CreateTrade(ctx context.Context, t Trade) error {
	return s.saveTrade(ctx, t)
}

// UpdateTrade replaces the full row. Applying the same payload twice leaves
// the store unchanged.
func (s *Store) UpdateTrade(ctx context.Context, t Trade) error {
	return s.saveTrade(ctx, t)
}

func (s *Store) saveTrade(ctx context.Context, t Trade) error {
	blob, err := json.Marshal(t.SignalData)
	if err != nil {
		return fmt.Errorf("marshal signal data: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, saveTradeSQL,
		t.ID, t.Pair, t.SignalTS, string(blob),
		t.Capital, t.Leverage, t.TPPct, t.SLPct, t.TimeoutHours,
		t.EntryOrderID, t.EntryClientID, t.EntryPrice, t.EntryQty, timeToStr(t.EntryFillAt),
		t.TPOrderID, t.SLOrderID, t.TPTrigger, t.SLTrigger,
		t.ExitPrice, timeToStr(t.ExitFillAt), string(t.ExitType), t.PnLUSDT, t.PnLPct, t.FeesUSDT,
		string(t.Status), t.ErrorMessage, timeToStr(t.CreatedAt), timeToStr(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTrade returns a trade by ID, or ErrNotFound.
func (s *Store) GetTrade(ctx context.Context, id string) (Trade, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrNotFound
	}
	return t, err
}

// ActiveTrades returns every trade whose status is not terminal, for startup
// reconciliation.
func (s *Store) ActiveTrades(ctx context.Context) ([]Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status NOT IN (?,?,?)`,
		string(StatusClosed), string(StatusNotExecuted), string(StatusError))
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// RecentTrades returns the newest trades first, up to limit.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ClosedPnLTotal sums realized PnL over all closed trades.
func (s *Store) ClosedPnLTotal(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := s.DB.QueryRowContext(ctx,
		`SELECT SUM(pnl_usdt) FROM trades WHERE status = ?`, string(StatusClosed)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum closed pnl: %w", err)
	}
	return total.Float64, nil
}

// AppendEvent inserts an audit record and fills in its assigned event_id.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	blob, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	var tradeID any
	if ev.TradeID != "" {
		tradeID = ev.TradeID
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO events (trade_id, event_type, details, timestamp) VALUES (?,?,?,?)`,
		tradeID, ev.Type, string(blob), timeToStr(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// TradeEvents returns the events of one trade in append order.
func (s *Store) TradeEvents(ctx context.Context, tradeID string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_id, trade_id, event_type, details, timestamp
		 FROM events WHERE trade_id = ? ORDER BY event_id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query trade events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// RecentEvents returns the newest events first, up to limit.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_id, trade_id, event_type, details, timestamp
		 FROM events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ----------------------------------------
// Row scanning
// ----------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (Trade, error) {
	var (
		t                                 Trade
		blob, exitType, status            string
		entryFill, exitFill, created, upd sql.NullString
		clientID, tpID, slID, errMsg      sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Pair, &t.SignalTS, &blob,
		&t.Capital, &t.Leverage, &t.TPPct, &t.SLPct, &t.TimeoutHours,
		&t.EntryOrderID, &clientID, &t.EntryPrice, &t.EntryQty, &entryFill,
		&tpID, &slID, &t.TPTrigger, &t.SLTrigger,
		&t.ExitPrice, &exitFill, &exitType, &t.PnLUSDT, &t.PnLPct, &t.FeesUSDT,
		&status, &errMsg, &created, &upd,
	)
	if err != nil {
		return Trade{}, err
	}
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &t.SignalData); err != nil {
			return Trade{}, fmt.Errorf("unmarshal signal data: %w", err)
		}
	}
	t.EntryClientID = clientID.String
	t.TPOrderID = tpID.String
	t.SLOrderID = slID.String
	t.ErrorMessage = errMsg.String
	t.ExitType = ExitType(exitType)
	t.Status = TradeStatus(status)
	t.EntryFillAt = strToTime(entryFill.String)
	t.ExitFillAt = strToTime(exitFill.String)
	t.CreatedAt = strToTime(created.String)
	t.UpdatedAt = strToTime(upd.String)
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]Trade, error) {
	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			tradeID sql.NullString
			blob    sql.NullString
			ts      string
		)
		if err := rows.Scan(&ev.ID, &tradeID, &ev.Type, &blob, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TradeID = tradeID.String
		ev.Timestamp = strToTime(ts)
		if blob.String != "" {
			if err := json.Unmarshal([]byte(blob.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func timeToStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func strToTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
