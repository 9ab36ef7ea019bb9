package domain

import "time"

// Timeframe is the bar aggregation window, e.g. "1min", "5min".
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1min"
	Timeframe5Min  Timeframe = "5min"
	Timeframe15Min Timeframe = "15min"
)

// Bar is a single OHLCV observation for a ticker over a fixed window.
// Bars are immutable once written and keyed uniquely by (Ticker, Timeframe, Timestamp).
type Bar struct {
	Ticker    string
	Timeframe Timeframe
	Timestamp time.Time // always UTC
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Key returns the unique identity of this bar.
func (b Bar) Key() BarKey {
	return BarKey{Ticker: b.Ticker, Timeframe: b.Timeframe, Timestamp: b.Timestamp.UTC()}
}

// BarKey is the unique identity of a Bar.
type BarKey struct {
	Ticker    string
	Timeframe Timeframe
	Timestamp time.Time
}

// regularHoursLocation is the exchange calendar used for session filtering.
var regularHoursLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RegularHoursStart and RegularHoursEnd bound the 09:30-16:00 ET session.
var (
	RegularHoursStart = 9*time.Hour + 30*time.Minute
	RegularHoursEnd   = 16 * time.Hour
)

// InRegularHours reports whether the bar's timestamp, converted to exchange
// local time, falls within the 09:30-16:00 ET session. Time-of-day is
// derived from the bar's timestamp; the Bar Store itself never filters —
// this is applied at query callers' discretion.
func (b Bar) InRegularHours() bool {
	local := b.Timestamp.In(regularHoursLocation)
	tod := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	return tod >= RegularHoursStart && tod <= RegularHoursEnd
}

// ExchangeTimeOfDay returns "HH:MM:SS" in exchange local time.
func (b Bar) ExchangeTimeOfDay() string {
	return b.Timestamp.In(regularHoursLocation).Format("15:04:05")
}

// ExchangeDate returns the calendar date of this bar in exchange local time,
// as midnight America/New_York, for grouping purposes.
func (b Bar) ExchangeDate() time.Time {
	local := b.Timestamp.In(regularHoursLocation)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, regularHoursLocation)
}
