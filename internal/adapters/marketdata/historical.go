// Package marketdata implements the historical and live bar-data adapters
// (ports.BarDataSource, ports.LiveBarFeed) against a generic OHLCV vendor
// API, following the rate-limited, retrying HTTP client shape the teacher
// uses for its own venue client.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

const (
	defaultBaseURL = "https://data.example-vendor.test"

	// Rate limit held at 60% of the documented vendor ceiling, the same
	// safety margin the teacher's client applies to its own venue's limits.
	barsRatePerSec = 12

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// HistoricalClient implements ports.BarDataSource against a REST vendor
// serving OHLCV history.
type HistoricalClient struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewHistoricalClient builds a HistoricalClient. An empty baseURL falls back
// to the production default.
func NewHistoricalClient(baseURL string) *HistoricalClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &HistoricalClient{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		limiter: rate.NewLimiter(barsRatePerSec, 5),
	}
}

type vendorBar struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// FetchBars implements ports.BarDataSource. It rejects any request whose
// `to` bound is in the future (§9: ingest must never backfill a day that
// hasn't closed yet, the same no-look-ahead spirit C3 enforces bar-by-bar).
func (c *HistoricalClient) FetchBars(ctx context.Context, ticker string, timeframe domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	if to.After(time.Now().UTC()) {
		return nil, fmt.Errorf("marketdata.FetchBars: requested range end %s is in the future", to.Format(time.RFC3339))
	}

	url := fmt.Sprintf("%s/bars?ticker=%s&timeframe=%s&from=%d&to=%d",
		c.baseURL, ticker, timeframe, from.Unix(), to.Unix())

	var raw []vendorBar
	if err := c.get(ctx, url, &raw); err != nil {
		return nil, fmt.Errorf("marketdata.FetchBars: %w", err)
	}

	bars := make([]domain.Bar, len(raw))
	for i, v := range raw {
		bars[i] = domain.Bar{
			Ticker:    ticker,
			Timeframe: timeframe,
			Timestamp: time.Unix(v.Timestamp, 0).UTC(),
			Open:      v.Open,
			High:      v.High,
			Low:       v.Low,
			Close:     v.Close,
			Volume:    v.Volume,
		}
	}
	return bars, nil
}

// get performs a rate-limited GET with exponential backoff on transient
// failure, following the teacher's doWithRetry shape.
func (c *HistoricalClient) get(ctx context.Context, url string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := c.doRequest(ctx, url)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("marketdata: rate limited by vendor", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *HistoricalClient) doRequest(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func (c *HistoricalClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
