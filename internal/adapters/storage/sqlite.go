// Package storage implements the lab's persisted state (§3, §6) as one
// modernc.org/sqlite database (pure Go, no cgo), following the teacher's
// single-file-schema, prepared-statement convention.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
    ticker     TEXT    NOT NULL,
    timeframe  TEXT    NOT NULL,
    timestamp  INTEGER NOT NULL, -- unix seconds UTC
    open       REAL    NOT NULL,
    high       REAL    NOT NULL,
    low        REAL    NOT NULL,
    close      REAL    NOT NULL,
    volume     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (ticker, timeframe, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_bars_ticker_ts ON bars(ticker, timeframe, timestamp);

CREATE TABLE IF NOT EXISTS agents (
    id                            TEXT PRIMARY KEY,
    name                          TEXT NOT NULL,
    instructions                  TEXT NOT NULL,
    risk_tolerance                TEXT NOT NULL DEFAULT 'moderate',
    trading_style                 TEXT NOT NULL DEFAULT 'intraday',
    status                        TEXT NOT NULL DEFAULT 'learning',
    discovery_mode                INTEGER NOT NULL DEFAULT 0,
    allow_multiple_signals_per_day INTEGER NOT NULL DEFAULT 0,
    created_at                    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scanner_versions (
    id                 TEXT PRIMARY KEY,
    agent_id           TEXT NOT NULL REFERENCES agents(id),
    version_number     INTEGER NOT NULL,
    name               TEXT NOT NULL,
    code               TEXT NOT NULL,
    model_tag          TEXT NOT NULL DEFAULT '',
    generation_prompt  TEXT NOT NULL DEFAULT '',
    created_at         DATETIME NOT NULL,
    UNIQUE (agent_id, version_number)
);

CREATE TABLE IF NOT EXISTS execution_templates (
    id            TEXT PRIMARY KEY,
    code_hash     TEXT NOT NULL UNIQUE,
    template_name TEXT NOT NULL,
    code          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtests (
    id                    TEXT PRIMARY KEY,
    scanner_version_id    TEXT NOT NULL REFERENCES scanner_versions(id),
    start_date            DATETIME NOT NULL,
    end_date              DATETIME NOT NULL,
    tickers               TEXT NOT NULL, -- json array
    execution_template_id TEXT NOT NULL DEFAULT '',
    winner_template       TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'running',
    failure_reason        TEXT NOT NULL DEFAULT '',
    payload               TEXT NOT NULL DEFAULT '{}' -- json: signals, trades, metrics, ticker_outcomes, duplicates_dropped
);

CREATE TABLE IF NOT EXISTS iterations (
    id                 TEXT PRIMARY KEY,
    agent_id           TEXT NOT NULL REFERENCES agents(id),
    iteration_number   INTEGER NOT NULL,
    scanner_version_id TEXT NOT NULL DEFAULT '',
    backtest_id        TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'completed',
    trades_executed    INTEGER NOT NULL DEFAULT 0,
    signals_found      INTEGER NOT NULL DEFAULT 0,
    payload            TEXT NOT NULL DEFAULT '{}', -- json: analysis, refinements, failure_reasons
    created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_knowledge (
    id                    TEXT PRIMARY KEY,
    agent_id              TEXT NOT NULL REFERENCES agents(id),
    knowledge_type        TEXT NOT NULL,
    pattern_type          TEXT NOT NULL DEFAULT '',
    insight_text          TEXT NOT NULL,
    insight_text_norm     TEXT NOT NULL,
    supporting_data       TEXT NOT NULL DEFAULT '{}', -- json map[string]float64
    confidence            REAL NOT NULL,
    learned_from_iteration TEXT NOT NULL DEFAULT '',
    times_validated       INTEGER NOT NULL DEFAULT 1,
    last_validated        DATETIME NOT NULL,
    UNIQUE (agent_id, knowledge_type, pattern_type, insight_text_norm)
);

CREATE TABLE IF NOT EXISTS paper_accounts (
    id                TEXT PRIMARY KEY,
    agent_id          TEXT NOT NULL UNIQUE REFERENCES agents(id),
    initial_balance   TEXT NOT NULL,
    cash              TEXT NOT NULL,
    equity            TEXT NOT NULL,
    buying_power      TEXT NOT NULL,
    realized_pnl      TEXT NOT NULL,
    high_water_equity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_positions (
    account_id        TEXT NOT NULL REFERENCES paper_accounts(id),
    ticker            TEXT NOT NULL,
    quantity          INTEGER NOT NULL,
    avg_entry_price   TEXT NOT NULL,
    current_price     TEXT NOT NULL,
    unrealized_pnl    TEXT NOT NULL,
    stop_loss_price   TEXT NOT NULL DEFAULT '0',
    take_profit_price TEXT NOT NULL DEFAULT '0',
    trailing_stop_pct REAL NOT NULL DEFAULT 0,
    high_water_mark   TEXT NOT NULL DEFAULT '0',
    low_water_mark    TEXT NOT NULL DEFAULT '0',
    opened_at         DATETIME NOT NULL,
    PRIMARY KEY (account_id, ticker)
);

CREATE TABLE IF NOT EXISTS paper_orders (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES paper_accounts(id),
    ticker        TEXT NOT NULL,
    side          TEXT NOT NULL,
    type          TEXT NOT NULL,
    quantity      INTEGER NOT NULL,
    limit_price   TEXT NOT NULL DEFAULT '0',
    stop_price    TEXT NOT NULL DEFAULT '0',
    status        TEXT NOT NULL,
    reject_reason TEXT NOT NULL DEFAULT '',
    placed_at     DATETIME NOT NULL,
    filled_at     DATETIME,
    filled_price  TEXT NOT NULL DEFAULT '0',
    filled_qty    INTEGER NOT NULL DEFAULT 0,
    exit_stop_loss_price   TEXT NOT NULL DEFAULT '0',
    exit_take_profit_price TEXT NOT NULL DEFAULT '0',
    exit_trailing_stop_pct REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_paper_orders_account ON paper_orders(account_id);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    account_id TEXT NOT NULL REFERENCES paper_accounts(id),
    date       DATETIME NOT NULL,
    equity     TEXT NOT NULL,
    cash       TEXT NOT NULL,
    PRIMARY KEY (account_id, date)
);
`

// Store is a modernc.org/sqlite-backed implementation of ports.BarStore,
// ports.KnowledgeStore, and ports.PaperStore. SQLite is single-writer, so
// writes are serialized through mu the way the teacher's SQLiteStorage does.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.ApplySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ApplySchema implements ports.KnowledgeStore / ports.PaperStore.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage.ApplySchema: %w", err)
	}
	return nil
}

// ApplyPaperSchema is an alias kept for ports.PaperStore; the schema is
// applied as a single document so both calls are no-ops after the first.
func (s *Store) ApplyPaperSchema(ctx context.Context) error {
	return s.ApplySchema(ctx)
}

// Close implements ports.KnowledgeStore.
func (s *Store) Close() error {
	return s.db.Close()
}
