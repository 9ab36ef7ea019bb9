package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// LiveFeed implements ports.LiveBarFeed over a vendor websocket that
// streams one JSON tick per closed bar. It does not reconnect: Subscribe
// closes its channel when the connection drops and the caller reconnects
// (§4.8 failure semantics). Per-ticker timestamps are required to be
// monotonically increasing, and any regression or duplicate is dropped with
// a logged warning rather than surfaced to subscribers as a malformed bar.
type LiveFeed struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	lastSeen map[string]time.Time
}

// NewLiveFeed builds a LiveFeed dialing url (a ws:// or wss:// endpoint).
func NewLiveFeed(url string) *LiveFeed {
	return &LiveFeed{url: url, lastSeen: make(map[string]time.Time)}
}

type tickMessage struct {
	Ticker    string  `json:"ticker"`
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

type subscribeMessage struct {
	Action    string   `json:"action"`
	Tickers   []string `json:"tickers"`
	Timeframe string   `json:"timeframe"`
}

// Subscribe dials the feed, sends a subscribe frame for tickers/timeframe,
// and streams decoded bars on the returned channel until ctx is cancelled or
// the connection drops. The channel is closed on either condition; the
// caller (the Paper-Trading Orchestrator) is responsible for reconnecting.
func (f *LiveFeed) Subscribe(ctx context.Context, tickers []string, timeframe domain.Timeframe) (<-chan domain.Bar, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata.Subscribe: dial: %w", err)
	}

	sub := subscribeMessage{Action: "subscribe", Tickers: tickers, Timeframe: string(timeframe)}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("marketdata.Subscribe: send subscribe frame: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	out := make(chan domain.Bar, 256)
	go f.readLoop(ctx, conn, out)
	return out, nil
}

// readLoop decodes tick frames until the connection closes or ctx is done.
func (f *LiveFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.Bar) {
	defer close(out)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var msg tickMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("marketdata: live feed read error", "error", err)
			}
			return
		}

		bar := domain.Bar{
			Ticker:    normalizeTicker(msg.Ticker),
			Timestamp: time.Unix(msg.Timestamp, 0).UTC(),
			Open:      msg.Open,
			High:      msg.High,
			Low:       msg.Low,
			Close:     msg.Close,
			Volume:    msg.Volume,
		}

		if !f.monotonic(bar) {
			slog.Warn("marketdata: dropping out-of-order or duplicate tick", "ticker", bar.Ticker, "timestamp", bar.Timestamp)
			continue
		}

		select {
		case out <- bar:
		case <-ctx.Done():
			return
		}
	}
}

// monotonic reports whether bar's timestamp strictly advances that ticker's
// last-seen timestamp, updating the tracked watermark when it does.
func (f *LiveFeed) monotonic(bar domain.Bar) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.lastSeen[bar.Ticker]
	if ok && !bar.Timestamp.After(last) {
		return false
	}
	f.lastSeen[bar.Ticker] = bar.Timestamp
	return true
}

// Close releases the underlying websocket connection, if any.
func (f *LiveFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// normalizeTicker upper-cases and trims a ticker symbol as received from the
// feed, guarding against vendors that send lower-case or padded symbols.
func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
