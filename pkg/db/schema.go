package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    trade_id          TEXT PRIMARY KEY,
    pair              TEXT NOT NULL,
    signal_ts         TEXT,
    signal_data       TEXT,
    capital           REAL,
    leverage          INTEGER,
    tp_pct            REAL,
    sl_pct            REAL,
    timeout_hours     REAL,
    entry_order_id    INTEGER,
    entry_client_id   TEXT,
    entry_price       REAL,
    entry_quantity    REAL,
    entry_fill_ts     TEXT,
    tp_order_id       TEXT,
    sl_order_id       TEXT,
    tp_trigger_price  REAL,
    sl_trigger_price  REAL,
    exit_price        REAL,
    exit_fill_ts      TEXT,
    exit_type         TEXT,
    pnl_usdt          REAL,
    pnl_pct           REAL,
    fees_usdt         REAL,
    status            TEXT NOT NULL,
    error_message     TEXT,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS events (
    event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    TEXT,
    event_type  TEXT NOT NULL,
    details     TEXT,
    timestamp   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_trade ON events(trade_id);
`

func (s *Store) applySchema() error {
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
