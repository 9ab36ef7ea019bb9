// Package backtest implements the Real-Time Backtest Engine (C3): for each
// (ticker, day) it feeds bars to a Scanner Worker strictly in timestamp
// order, collecting at most one Signal per day, and never exposing a bar
// whose timestamp is ahead of the worker's current position (§4.3).
package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/tradelab/internal/adapters/storage"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/errs"
	"github.com/alejandrodnm/tradelab/internal/ports"
	"github.com/alejandrodnm/tradelab/internal/worker"
)

// DefaultWarmupBars and DefaultTimeframe are the §4.3 defaults.
const (
	DefaultWarmupBars = 30
)

// DefaultTimeframe is the engine's default bar aggregation window.
var DefaultTimeframe = domain.Timeframe5Min

// Engine runs the bar-by-bar, prefix-only scan loop over a fixed historical
// range: for each (ticker, day) it owns a private, on-disk bar store so the
// Scanner Worker subprocess can only ever open a database containing bars
// up to its current position. The paper-trading orchestrator (internal/
// application/paper) enforces the same no-look-ahead discipline against a
// live, reconnecting feed rather than importing Engine directly — the two
// are architecturally parallel, not one shared type.
type Engine struct {
	Bars       ports.BarStore
	Pool       *worker.Pool
	TempDir    string
	WarmupBars int
	Timeframe  domain.Timeframe
}

// New builds an Engine with spec defaults applied.
func New(bars ports.BarStore, pool *worker.Pool, tempDir string) *Engine {
	return &Engine{
		Bars:       bars,
		Pool:       pool,
		TempDir:    tempDir,
		WarmupBars: DefaultWarmupBars,
		Timeframe:  DefaultTimeframe,
	}
}

// Request describes one backtest invocation (§4.3).
type Request struct {
	AgentID                    string
	ScannerCode                string
	Tickers                    []string
	Start, End                 time.Time
	AllowMultipleSignalsPerDay bool
}

// Result is the raw per-ticker output of RunTickers, before execution
// template scoring (C4) is applied.
type Result struct {
	Signals           []domain.Signal
	TickerOutcomes    []domain.TickerOutcome
	DuplicatesDropped []domain.DuplicateSignalFlag
}

// RunTickers executes the scan loop for every requested ticker in parallel
// (§5: "across tickers there is no ordering guarantee"), aggregating
// signals and per-ticker outcome counters.
func (e *Engine) RunTickers(ctx context.Context, req Request) (Result, error) {
	e.Pool.Register(req.AgentID, req.ScannerCode)

	var mu sync.Mutex
	result := Result{}

	g, gctx := errgroup.WithContext(ctx)
	for _, ticker := range req.Tickers {
		ticker := ticker
		g.Go(func() error {
			signals, outcome, dups, err := e.runTicker(gctx, req.AgentID, ticker, req.Start, req.End, req.AllowMultipleSignalsPerDay)
			if err != nil {
				return fmt.Errorf("backtest.RunTickers: ticker %s: %w", ticker, err)
			}
			mu.Lock()
			result.Signals = append(result.Signals, signals...)
			result.TickerOutcomes = append(result.TickerOutcomes, outcome)
			result.DuplicatesDropped = append(result.DuplicatesDropped, dups...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return result, nil
}

// runTicker implements §4.3's per-ticker algorithm.
func (e *Engine) runTicker(ctx context.Context, agentID, ticker string, start, end time.Time, allowMultiple bool) ([]domain.Signal, domain.TickerOutcome, []domain.DuplicateSignalFlag, error) {
	outcome := domain.TickerOutcome{Ticker: ticker}

	days, err := e.Bars.TradingDays(ctx, ticker, start, end)
	if err != nil {
		return nil, outcome, nil, fmt.Errorf("backtest.runTicker: trading days: %w", err)
	}
	if len(days) == 0 {
		return nil, outcome, nil, nil // ticker with zero bars in range: skipped silently
	}

	var signals []domain.Signal
	var duplicates []domain.DuplicateSignalFlag

	for _, day := range days {
		daySignals, crashed, err := e.scanDay(ctx, agentID, ticker, day, allowMultiple)
		if err != nil {
			return nil, outcome, nil, err
		}
		if crashed {
			outcome.DaysFailedWorker++
			continue // discard this day's results, keep going
		}
		outcome.DaysProcessed++
		if len(daySignals) == 0 {
			continue
		}
		kept, dropped := resolveDaySignals(daySignals, allowMultiple)
		signals = append(signals, kept...)
		for range dropped {
			duplicates = append(duplicates, domain.DuplicateSignalFlag{Ticker: ticker, Date: daySignals[0].SignalDate})
		}
	}

	return signals, outcome, duplicates, nil
}

// scanDay runs the warm-up + incremental scan loop for a single trading day.
// A worker crash is retried once (§4.3 failure semantics); persistent
// failure marks the day as worker-failed and crashed=true so the caller
// discards it instead of aborting the whole backtest.
func (e *Engine) scanDay(ctx context.Context, agentID, ticker string, day time.Time, allowMultiple bool) (signals []domain.Signal, crashed bool, err error) {
	dayBars, err := e.Bars.BarsInRange(ctx, ticker, e.Timeframe, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, false, fmt.Errorf("backtest.scanDay: %w", err)
	}
	if len(dayBars) < e.WarmupBars {
		return nil, false, nil // insufficient warm-up: skip day, not a failure
	}

	privatePath := filepath.Join(e.TempDir, fmt.Sprintf("%s-%s-%s.db", agentID, ticker, day.Format("20060102")))
	private, err := storage.Open(ctx, privatePath)
	if err != nil {
		return nil, false, fmt.Errorf("backtest.scanDay: open private store: %w", err)
	}
	defer func() {
		_ = private.Close()
		_ = os.Remove(privatePath)
	}()

	if err := private.SaveBars(ctx, dayBars[:e.WarmupBars]); err != nil {
		return nil, false, fmt.Errorf("backtest.scanDay: seed warm-up: %w", err)
	}

	attempts := 0
	for i := e.WarmupBars; i < len(dayBars); i++ {
		bar := dayBars[i]
		if err := private.SaveBars(ctx, []domain.Bar{bar}); err != nil {
			return nil, false, fmt.Errorf("backtest.scanDay: append bar: %w", err)
		}

		req := ports.ScanRequest{
			RequestID:           uuid.NewString(),
			DatabasePath:        privatePath,
			Tickers:             []string{ticker},
			CurrentBarTimestamp: bar.Timestamp.Unix(),
		}

		resp, scanErr := e.Pool.Scan(ctx, agentID, ticker, req)
		if scanErr != nil {
			if errs.Is(scanErr, errs.KindWorkerCrash) {
				attempts++
				if attempts > 1 {
					return nil, true, nil // persistent failure: discard day
				}
				continue // transient: retry once on the next bar
			}
			return nil, false, scanErr
		}
		if !resp.Success || resp.Data == nil {
			continue
		}

		candidate := *resp.Data
		if !bar.InRegularHours() {
			continue // signal outside regular trading hours: rejected
		}

		signals = append(signals, candidate)
		if !allowMultiple {
			break // at most one signal per (ticker, day) unless overridden
		}
	}

	return signals, false, nil
}

// resolveDaySignals applies the duplicate/conflict rule (§4.3 edge cases).
// In default mode scanDay already stops after the first signal, so this is
// a no-op there. Under AllowMultipleSignalsPerDay every signal that agrees
// with the first one's direction is kept; a later signal with a conflicting
// direction is dropped and flagged, since a scanner that reverses its own
// call mid-day is misbehaving, not genuinely signaling twice.
func resolveDaySignals(signals []domain.Signal, allowMultiple bool) (kept []domain.Signal, dropped []domain.Signal) {
	if len(signals) <= 1 || !allowMultiple {
		if len(signals) <= 1 {
			return signals, nil
		}
		return signals[:1], signals[1:]
	}
	kept = append(kept, signals[0])
	for _, s := range signals[1:] {
		if s.Direction == signals[0].Direction {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	return kept, dropped
}
