package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// BarStore persists and serves OHLCV bars (C1). Implementations must return
// bars in ascending timestamp order and must never return a bar whose
// timestamp is at or after any "as of" cutoff passed to a prefix query, since
// every caller upstream (backtest and paper engines alike) relies on that to
// avoid look-ahead bias.
type BarStore interface {
	// SaveBars upserts a batch of bars, keyed by (ticker, timeframe, timestamp).
	SaveBars(ctx context.Context, bars []domain.Bar) error

	// BarsInRange returns all bars for ticker/timeframe with timestamp in
	// [from, to], ascending.
	BarsInRange(ctx context.Context, ticker string, timeframe domain.Timeframe, from, to time.Time) ([]domain.Bar, error)

	// BarsUpTo returns all bars for ticker/timeframe with timestamp <= asOf,
	// ascending. This is the prefix-only read used by both engines.
	BarsUpTo(ctx context.Context, ticker string, timeframe domain.Timeframe, asOf time.Time) ([]domain.Bar, error)

	// LastBar returns the most recent bar at or before asOf, or false if none.
	LastBar(ctx context.Context, ticker string, timeframe domain.Timeframe, asOf time.Time) (domain.Bar, bool, error)

	// TradingDays returns the distinct exchange-calendar dates (America/New_York)
	// with at least one regular-hours bar for ticker in [from, to].
	TradingDays(ctx context.Context, ticker string, from, to time.Time) ([]time.Time, error)
}
