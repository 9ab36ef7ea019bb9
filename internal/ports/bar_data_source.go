package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// BarDataSource ingests historical bars from an external vendor into the
// BarStore. Kept separate from BarStore so the ingestion adapter (vendor API
// client, CSV loader, whatever) never needs the query surface.
type BarDataSource interface {
	// FetchBars returns bars for ticker/timeframe in [from, to] from the
	// upstream vendor, ascending.
	FetchBars(ctx context.Context, ticker string, timeframe domain.Timeframe, from, to time.Time) ([]domain.Bar, error)
}

// LiveBarFeed streams bars as they close during market hours (C8). Subscribe
// returns a channel the caller must drain until it's closed or ctx is
// cancelled.
type LiveBarFeed interface {
	// Subscribe begins streaming closed bars for the given tickers/timeframe.
	Subscribe(ctx context.Context, tickers []string, timeframe domain.Timeframe) (<-chan domain.Bar, error)

	// Close releases the underlying connection.
	Close() error
}
