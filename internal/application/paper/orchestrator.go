// Package paper implements the Paper-Trading Orchestrator (C8): on start, it
// loads every agent in paper_trading status, spawns one Scanner Worker and
// one bar-ring-buffer per agent, and fans out the live bar feed to each
// agent's supervisor goroutine. Per §4.8, scanner calls are serialized
// within an agent but run concurrently across agents, and a crashed worker
// or a disconnected feed isolates to the affected agent/session rather than
// aborting the whole orchestrator.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/tradelab/internal/adapters/storage"
	"github.com/alejandrodnm/tradelab/internal/application/execution"
	"github.com/alejandrodnm/tradelab/internal/application/virtualexec"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
	"github.com/alejandrodnm/tradelab/internal/scanrule"
	"github.com/alejandrodnm/tradelab/internal/worker"
)

// ringSize is the number of trailing bars kept per ticker (§4.8).
const ringSize = 100

// positionSizePct is the default fraction of account equity committed to a
// new signal-driven position (§4.8 step 2).
const positionSizePct = 0.10

// defaultExecutionTemplateName is the exit plan used when an agent has no
// completed backtest yet to name a winning template (§4.4, §4.8 step 4).
const defaultExecutionTemplateName = "Conservative Scalper"

// Orchestrator supervises every paper_trading agent's live scan-and-trade
// loop over one shared bar feed.
type Orchestrator struct {
	Agents  ports.KnowledgeStore
	Paper   ports.PaperStore
	Bars    ports.BarStore
	Feed    ports.LiveBarFeed
	Factory ports.WorkerFactory
	Exec    *virtualexec.Executor
	TempDir string

	Timeframe domain.Timeframe

	mu          sync.Mutex
	supervisors map[string]*agentSupervisor
}

// New builds an Orchestrator. Timeframe defaults to domain.Timeframe5Min
// when zero.
func New(agents ports.KnowledgeStore, paper ports.PaperStore, bars ports.BarStore, feed ports.LiveBarFeed, factory ports.WorkerFactory, tempDir string) *Orchestrator {
	return &Orchestrator{
		Agents:      agents,
		Paper:       paper,
		Bars:        bars,
		Feed:        feed,
		Factory:     factory,
		Exec:        virtualexec.New(paper),
		TempDir:     tempDir,
		Timeframe:   domain.Timeframe5Min,
		supervisors: make(map[string]*agentSupervisor),
	}
}

// agentSupervisor holds one agent's private worker pool, ring buffers, and
// watched ticker universe. Its scanRequest channel serializes scan calls.
type agentSupervisor struct {
	agent    domain.Agent
	pool     *worker.Pool
	tickers  map[string]bool
	ring     map[string][]domain.Bar
	ringMu   sync.Mutex
	inbox    chan domain.Bar

	// template is the exit-strategy parameterization applied to every
	// signal-driven position this agent opens: the winning template from
	// its latest completed backtest, or defaultExecutionTemplateName when
	// none is on record yet.
	template execution.Template
}

// Run loads the paper_trading roster, spawns one supervisor per agent, and
// pumps the shared live feed into each watching supervisor until ctx is
// cancelled. It returns only on a fatal setup error or context cancellation;
// per-agent and per-connection failures are recovered internally and logged.
func (o *Orchestrator) Run(ctx context.Context) error {
	agents, err := o.Agents.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("paper.Run: %w", err)
	}

	universe := map[string]bool{}
	for _, a := range agents {
		if a.Status != domain.AgentPaperTrading {
			continue
		}
		sup, err := o.startSupervisor(ctx, a)
		if err != nil {
			slog.Error("paper: failed to start agent supervisor, skipping agent", "agent", a.ID, "error", err)
			continue
		}
		for t := range sup.tickers {
			universe[t] = true
		}
	}

	if len(universe) == 0 {
		slog.Warn("paper: no paper_trading agents with a watchable ticker universe")
		return nil
	}

	tickers := make([]string, 0, len(universe))
	for t := range universe {
		tickers = append(tickers, t)
	}

	return o.pumpFeed(ctx, tickers)
}

// startSupervisor spawns the agent's worker pool, derives its ticker
// universe from its latest scanner version, and starts its dispatch loop.
func (o *Orchestrator) startSupervisor(ctx context.Context, agent domain.Agent) (*agentSupervisor, error) {
	version, ok, err := o.Agents.LatestScannerVersion(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("startSupervisor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("startSupervisor: agent %s has no scanner version", agent.ID)
	}

	rule, err := scanrule.Parse(version.Code)
	if err != nil {
		return nil, fmt.Errorf("startSupervisor: parse scanner: %w", err)
	}
	tickers := rule.IntendedUniverse()
	if len(tickers) == 0 {
		return nil, fmt.Errorf("startSupervisor: agent %s scanner declares no ticker universe", agent.ID)
	}

	pool := worker.NewPool(o.Factory)
	pool.Register(agent.ID, version.Code)

	tickerSet := make(map[string]bool, len(tickers))
	ring := make(map[string][]domain.Bar, len(tickers))
	for _, t := range tickers {
		tickerSet[t] = true
		ring[t] = nil
	}

	sup := &agentSupervisor{
		agent:    agent,
		pool:     pool,
		tickers:  tickerSet,
		ring:     ring,
		inbox:    make(chan domain.Bar, 256),
		template: o.resolveExecutionTemplate(ctx, agent.ID),
	}

	o.mu.Lock()
	o.supervisors[agent.ID] = sup
	o.mu.Unlock()

	go o.dispatchLoop(ctx, sup)
	return sup, nil
}

// resolveExecutionTemplate looks up the winning execution template from the
// agent's most recent completed backtest and falls back to
// defaultExecutionTemplateName when the agent has none on record, or the
// lookup fails for any reason: every paper position still needs an exit plan
// (§4.8 step 4, §4.4).
func (o *Orchestrator) resolveExecutionTemplate(ctx context.Context, agentID string) execution.Template {
	fallback, _ := execution.ByName(defaultExecutionTemplateName)

	iterations, err := o.Agents.IterationsForAgent(ctx, agentID)
	if err != nil {
		return fallback
	}
	var latest domain.Iteration
	var haveLatest bool
	for _, it := range iterations {
		if it.BacktestID == "" {
			continue
		}
		if !haveLatest || it.CreatedAt.After(latest.CreatedAt) {
			latest, haveLatest = it, true
		}
	}
	if !haveLatest {
		return fallback
	}

	bt, err := o.Agents.GetBacktest(ctx, latest.BacktestID)
	if err != nil || bt.WinnerTemplate == "" {
		return fallback
	}
	tpl, ok := execution.ByName(bt.WinnerTemplate)
	if !ok {
		return fallback
	}
	return tpl
}

// exitPlanFor derives the stop-loss, take-profit, and trailing-stop levels
// for a new position from tpl, anchored on entryPrice and oriented by
// direction. ATR-sized templates have no fixed percentages to anchor a
// pre-fill exit plan to (their stop/target track realized bar volatility
// during monitoring instead), so they fall back to the Conservative
// Scalper's fixed percentages for the initial plan.
func exitPlanFor(tpl execution.Template, entryPrice decimal.Decimal, direction domain.Direction) virtualexec.ExitPlan {
	stopPct, targetPct := tpl.StopLossPct, tpl.TakeProfitPct
	if tpl.UseATR || (stopPct == 0 && targetPct == 0) {
		stopPct, targetPct = 0.010, 0.015
	}

	sign := decimal.NewFromInt(1)
	if direction == domain.DirectionShort {
		sign = decimal.NewFromInt(-1)
	}
	stop := entryPrice.Sub(entryPrice.Mul(decimal.NewFromFloat(stopPct)).Mul(sign))
	target := entryPrice.Add(entryPrice.Mul(decimal.NewFromFloat(targetPct)).Mul(sign))

	return virtualexec.ExitPlan{
		StopLossPrice:   stop,
		TakeProfitPrice: target,
		TrailingStopPct: tpl.TrailingStopPct,
	}
}

// dispatchLoop drains one agent's inbox strictly in arrival order, so
// scanner calls for that agent are serialized (§4.8 concurrency rule) even
// though multiple agents' loops run concurrently.
func (o *Orchestrator) dispatchLoop(ctx context.Context, sup *agentSupervisor) {
	for {
		select {
		case <-ctx.Done():
			sup.pool.CloseAll()
			return
		case bar, ok := <-sup.inbox:
			if !ok {
				sup.pool.CloseAll()
				return
			}
			if err := o.handleBar(ctx, sup, bar); err != nil {
				slog.Error("paper: handling bar failed", "agent", sup.agent.ID, "ticker", bar.Ticker, "error", err)
			}
		}
	}
}

// handleBar implements §4.8's on-bar procedure for one agent/ticker.
func (o *Orchestrator) handleBar(ctx context.Context, sup *agentSupervisor, bar domain.Bar) error {
	sup.ringMu.Lock()
	buf := append(sup.ring[bar.Ticker], bar)
	if len(buf) > ringSize {
		buf = buf[len(buf)-ringSize:]
	}
	sup.ring[bar.Ticker] = buf
	sup.ringMu.Unlock()

	account, found, err := o.Paper.GetPaperAccountByAgent(ctx, sup.agent.ID)
	if err != nil {
		return fmt.Errorf("handleBar: %w", err)
	}
	if !found {
		return fmt.Errorf("handleBar: agent %s has no paper account", sup.agent.ID)
	}

	if err := o.scanAndSignal(ctx, sup, account, bar); err != nil {
		slog.Error("paper: scan failed, continuing without a signal this bar", "agent", sup.agent.ID, "ticker", bar.Ticker, "error", err)
	}

	if err := o.Exec.ProcessBar(ctx, account.ID, bar); err != nil {
		return fmt.Errorf("handleBar: fill pass: %w", err)
	}

	sessionClose := sessionCloseFor(bar)
	if err := o.Exec.MonitorPositions(ctx, account.ID, bar, sessionClose); err != nil {
		return fmt.Errorf("handleBar: monitor pass: %w", err)
	}
	return nil
}

// scanAndSignal builds a private, bar-prefix-only store scoped to this bar's
// timestamp — identical in architecture to the backtest engine — issues one
// scan request, and places a market order sized at positionSizePct of
// current equity on a signal.
func (o *Orchestrator) scanAndSignal(ctx context.Context, sup *agentSupervisor, account domain.PaperAccount, bar domain.Bar) error {
	sup.ringMu.Lock()
	history := append([]domain.Bar(nil), sup.ring[bar.Ticker]...)
	sup.ringMu.Unlock()
	if len(history) == 0 {
		return nil
	}

	privatePath := filepath.Join(o.TempDir, fmt.Sprintf("live-%s-%s-%d.db", sup.agent.ID, bar.Ticker, bar.Timestamp.Unix()))
	private, err := storage.Open(ctx, privatePath)
	if err != nil {
		return fmt.Errorf("scanAndSignal: open private store: %w", err)
	}
	defer func() {
		_ = private.Close()
		_ = os.Remove(privatePath)
	}()
	if err := private.SaveBars(ctx, history); err != nil {
		return fmt.Errorf("scanAndSignal: seed private store: %w", err)
	}

	req := ports.ScanRequest{
		RequestID:           uuid.NewString(),
		DatabasePath:        privatePath,
		Tickers:             []string{bar.Ticker},
		CurrentBarTimestamp: bar.Timestamp.Unix(),
	}
	resp, err := sup.pool.Scan(ctx, sup.agent.ID, bar.Ticker, req)
	if err != nil {
		return err
	}
	if !resp.Success || resp.Data == nil {
		return nil
	}
	signal := *resp.Data
	if !signal.Valid() || !bar.InRegularHours() {
		return nil
	}

	side := domain.OrderBuy
	if signal.Direction == domain.DirectionShort {
		side = domain.OrderSell
	}
	notional := account.Equity.Mul(decimal.NewFromFloat(positionSizePct))
	price := decimal.NewFromFloat(bar.Close)
	if price.IsZero() {
		return nil
	}
	qty := notional.Div(price).IntPart()
	if qty < 1 {
		return nil
	}

	exit := exitPlanFor(sup.template, price, signal.Direction)
	_, err = o.Exec.PlaceOrder(ctx, account.ID, bar.Ticker, side, domain.OrderMarket, qty, decimal.Zero, decimal.Zero, price, exit)
	return err
}

// sessionCloseFor returns the 16:00 ET session close for bar's exchange
// calendar date, expressed in bar's own timestamp timezone (UTC), so
// MonitorPositions' subtraction of 5 minutes compares like timestamps.
func sessionCloseFor(bar domain.Bar) time.Time {
	day := bar.ExchangeDate()
	return day.Add(domain.RegularHoursEnd).UTC()
}

// pumpFeed subscribes to the live feed for the combined ticker universe and
// fans each bar out to every supervisor watching it, reconnecting with
// exponential backoff on disconnect (§4.8 failure semantics).
func (o *Orchestrator) pumpFeed(ctx context.Context, tickers []string) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		bars, err := o.Feed.Subscribe(ctx, tickers, o.Timeframe)
		if err != nil {
			wait := b.NextBackOff()
			slog.Warn("paper: feed subscribe failed, backing off", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		b.Reset()

		for bar := range bars {
			o.fanOut(bar)
		}

		// Channel closed: feed disconnected. During the gap no new signals
		// and no fills are processed (§4.8), since supervisors simply stop
		// receiving bars until resubscription succeeds.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		slog.Warn("paper: live feed disconnected, reconnecting", "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// fanOut delivers bar to every supervisor watching its ticker. When an
// agent's inbox is full (a slow scanner), the oldest queued bar is dropped
// to make room: live freshness is preferred over exact delivery (§4.8).
func (o *Orchestrator) fanOut(bar domain.Bar) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sup := range o.supervisors {
		if !sup.tickers[bar.Ticker] {
			continue
		}
		for {
			select {
			case sup.inbox <- bar:
			default:
				select {
				case dropped := <-sup.inbox:
					slog.Warn("paper: agent inbox full, dropping oldest bar", "agent", sup.agent.ID, "ticker", dropped.Ticker)
					continue
				default:
				}
			}
			break
		}
	}
}

// Close terminates every agent supervisor's worker pool and the feed
// connection. Call when the orchestrator's context is done and cleanup is
// wanted before process exit.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sup := range o.supervisors {
		close(sup.inbox)
	}
	return o.Feed.Close()
}
