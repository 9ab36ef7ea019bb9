package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// SaveBars implements ports.BarStore.
func (s *Store) SaveBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveBars: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (ticker, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, timeframe, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveBars: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Ticker, string(b.Timeframe), b.Timestamp.UTC().Unix(),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("storage.SaveBars: exec %s@%d: %w", b.Ticker, b.Timestamp.Unix(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveBars: commit: %w", err)
	}
	return nil
}

// BarsInRange implements ports.BarStore.
func (s *Store) BarsInRange(ctx context.Context, ticker string, timeframe domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, timeframe, timestamp, open, high, low, close, volume
		FROM bars WHERE ticker = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC
	`, ticker, string(timeframe), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("storage.BarsInRange: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// BarsUpTo implements ports.BarStore: the prefix-only read relied on by the
// backtest and paper engines to avoid look-ahead bias.
func (s *Store) BarsUpTo(ctx context.Context, ticker string, timeframe domain.Timeframe, asOf time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, timeframe, timestamp, open, high, low, close, volume
		FROM bars WHERE ticker = ? AND timeframe = ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, ticker, string(timeframe), asOf.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("storage.BarsUpTo: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// LastBar implements ports.BarStore.
func (s *Store) LastBar(ctx context.Context, ticker string, timeframe domain.Timeframe, asOf time.Time) (domain.Bar, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticker, timeframe, timestamp, open, high, low, close, volume
		FROM bars WHERE ticker = ? AND timeframe = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1
	`, ticker, string(timeframe), asOf.UTC().Unix())

	b, err := scanBarRow(row)
	if err == sql.ErrNoRows {
		return domain.Bar{}, false, nil
	}
	if err != nil {
		return domain.Bar{}, false, fmt.Errorf("storage.LastBar: %w", err)
	}
	return b, true, nil
}

// TradingDays implements ports.BarStore.
func (s *Store) TradingDays(ctx context.Context, ticker string, from, to time.Time) ([]time.Time, error) {
	bars, err := s.BarsInRange(ctx, ticker, domain.Timeframe5Min, from, to)
	if err != nil {
		return nil, fmt.Errorf("storage.TradingDays: %w", err)
	}
	seen := make(map[string]time.Time)
	var order []string
	for _, b := range bars {
		if !b.InRegularHours() {
			continue
		}
		d := b.ExchangeDate()
		key := d.Format("2006-01-02")
		if _, ok := seen[key]; !ok {
			order = append(order, key)
		}
		seen[key] = d
	}
	days := make([]time.Time, 0, len(order))
	for _, k := range order {
		days = append(days, seen[k])
	}
	return days, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar
	for rows.Next() {
		b, err := scanBarRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanBarRow(r rowScanner) (domain.Bar, error) {
	var (
		ticker, timeframe     string
		ts                    int64
		open, high, low, clos float64
		volume                int64
	)
	if err := r.Scan(&ticker, &timeframe, &ts, &open, &high, &low, &clos, &volume); err != nil {
		return domain.Bar{}, err
	}
	return domain.Bar{
		Ticker:    ticker,
		Timeframe: domain.Timeframe(timeframe),
		Timestamp: time.Unix(ts, 0).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     clos,
		Volume:    volume,
	}, nil
}
