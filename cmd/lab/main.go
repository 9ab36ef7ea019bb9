// Command lab is the control surface (§6): a subcommand dispatcher over
// agents, iterations, backtests, and walk-forward runs, following the
// teacher's flag-based cmd/scanner structure with one added level of verb
// routing since this interface exposes more than one operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/tradelab/config"
	"github.com/alejandrodnm/tradelab/internal/adapters/llm"
	"github.com/alejandrodnm/tradelab/internal/adapters/marketdata"
	"github.com/alejandrodnm/tradelab/internal/adapters/notify"
	"github.com/alejandrodnm/tradelab/internal/adapters/storage"
	"github.com/alejandrodnm/tradelab/internal/application/backtest"
	"github.com/alejandrodnm/tradelab/internal/application/execution"
	"github.com/alejandrodnm/tradelab/internal/application/learning"
	"github.com/alejandrodnm/tradelab/internal/application/lifecycle"
	"github.com/alejandrodnm/tradelab/internal/application/walkforward"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/errs"
	"github.com/alejandrodnm/tradelab/internal/worker"
)

// Exit codes are the closed set from §6.
const (
	exitOK                = 0
	exitGeneric           = 1
	exitValidationError   = 2
	exitTimeout           = 3
	exitDataGap           = 4
	exitWorkerCrash       = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	workerBinary := flag.String("worker-binary", "scanner-worker", "path to the scanner-worker executable")
	if len(args) == 0 {
		usage()
		return exitGeneric
	}

	verb := args[0]
	rest := args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Config is not worth a full flag parse failure; fall back to defaults
		// so `lab agents list` works against a freshly cloned repo.
		cfg = &config.Config{}
		cfgDefaults(cfg)
	}
	setupLogger(cfg.Log)

	store, err := storage.Open(context.Background(), cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return exitGeneric
	}
	defer store.Close()

	factory := worker.NewSubprocessFactory(*workerBinary)
	console := notify.NewConsole()
	collaborator := llm.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch verb {
	case "agents":
		return cmdAgents(ctx, rest, store, console)
	case "iterations":
		return cmdIterations(ctx, rest, store, factory, collaborator, console, cfg)
	case "backtests":
		return cmdBacktests(ctx, rest, store, factory, console, cfg)
	case "walk-forward":
		return cmdWalkForward(ctx, rest, store, factory, console, cfg)
	case "ingest":
		return cmdIngest(ctx, rest, store, cfg)
	default:
		usage()
		return exitGeneric
	}
}

// cmdIngest fetches historical bars from the vendor adapter and persists
// them to the bar store, the one write path that populates C1 for every
// other command to read from.
func cmdIngest(ctx context.Context, args []string, store *storage.Store, cfg *config.Config) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	tickers := fs.String("tickers", "", "comma-separated ticker universe")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return exitValidationError
	}
	universe := splitTickers(*tickers)
	if len(universe) == 0 {
		fmt.Fprintln(os.Stderr, "ingest: --tickers is required")
		return exitValidationError
	}
	startDate, endDate, ok := parseDateRange(*start, *end)
	if !ok {
		fmt.Fprintln(os.Stderr, "ingest: --start/--end must be YYYY-MM-DD")
		return exitValidationError
	}

	client := marketdata.NewHistoricalClient(cfg.Live.VendorBaseURL)
	timeframe := domain.Timeframe(cfg.Engine.Timeframe)
	for _, ticker := range universe {
		bars, err := client.FetchBars(ctx, ticker, timeframe, startDate, endDate)
		if err != nil {
			slog.Error("ingest: fetch failed", "ticker", ticker, "err", err)
			return exitDataGap
		}
		if err := store.SaveBars(ctx, bars); err != nil {
			slog.Error("ingest: save failed", "ticker", ticker, "err", err)
			return exitGeneric
		}
		slog.Info("ingest: saved bars", "ticker", ticker, "count", len(bars))
	}
	return exitOK
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: lab <command> [flags]

commands:
  agents create --instructions <text> [--style s] [--risk r] [--discovery] [--allow-multiple]
  agents list
  agents graduate <id> [--force]
  iterations start <agent_id> [--guidance <text>] --start <date> --end <date> --tickers t1,t2 [--template name] [--custom-code code]
  backtests run --scanner <version_id> --start <date> --end <date> --tickers t1,t2 [--template name]
  walk-forward <agent_id> --scanner <version_id> --start <date> --end <date> --tickers t1,t2 --train-months N --test-months M [--overlap-months K]
  ingest --tickers t1,t2 --start <date> --end <date>`)
}

func cfgDefaults(cfg *config.Config) {
	cfg.Storage.DSN = "tradelab.db"
	cfg.Storage.TempDir = os.TempDir()
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Engine.WarmupBars = 30
	cfg.Engine.Timeframe = "5min"
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// --- agents ---

func cmdAgents(ctx context.Context, args []string, store *storage.Store, console *notify.Console) int {
	if len(args) == 0 {
		usage()
		return exitGeneric
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("agents create", flag.ContinueOnError)
		instructions := fs.String("instructions", "", "natural-language trading instructions")
		style := fs.String("style", "momentum", "trading style")
		risk := fs.String("risk", "balanced", "risk tolerance")
		discovery := fs.Bool("discovery", false, "run in discovery mode")
		allowMultiple := fs.Bool("allow-multiple", false, "allow multiple signals per day")
		if err := fs.Parse(args[1:]); err != nil {
			return exitValidationError
		}
		if *instructions == "" {
			fmt.Fprintln(os.Stderr, "agents create: --instructions is required")
			return exitValidationError
		}
		agent := domain.Agent{
			ID:                         uuid.NewString(),
			Name:                       deriveAgentName(*instructions),
			Instructions:               *instructions,
			Personality:                domain.Personality{RiskTolerance: *risk, TradingStyle: *style},
			Status:                     domain.AgentLearning,
			CreatedAt:                  time.Now().UTC(),
			AllowMultipleSignalsPerDay: *allowMultiple,
			DiscoveryMode:              *discovery,
		}
		if err := store.SaveAgent(ctx, agent); err != nil {
			slog.Error("agents create failed", "err", err)
			return exitGeneric
		}
		fmt.Println(agent.ID)
		return exitOK

	case "list":
		agents, err := store.ListAgents(ctx)
		if err != nil {
			slog.Error("agents list failed", "err", err)
			return exitGeneric
		}
		if err := console.NotifyAgents(ctx, agents); err != nil {
			slog.Warn("notifier error", "err", err)
		}
		return exitOK

	case "graduate":
		fs := flag.NewFlagSet("agents graduate", flag.ContinueOnError)
		force := fs.Bool("force", false, "bypass graduation thresholds")
		if err := fs.Parse(args[1:]); err != nil {
			return exitValidationError
		}
		rem := fs.Args()
		if len(rem) >= 1 {
			// Flags may also follow the id; parse what comes after it.
			if err := fs.Parse(rem[1:]); err != nil {
				return exitValidationError
			}
			rem = append([]string{rem[0]}, fs.Args()...)
		}
		if len(rem) != 1 {
			fmt.Fprintln(os.Stderr, "agents graduate: requires exactly one agent id")
			return exitValidationError
		}
		agentID := rem[0]

		iterations, err := store.IterationsForAgent(ctx, agentID)
		if err != nil {
			slog.Error("agents graduate failed", "err", err)
			return exitGeneric
		}
		metrics := metricsFromIterations(ctx, store, iterations)

		mgr := lifecycle.New(store, store)
		agent, err := mgr.Graduate(ctx, agentID, metrics, *force)
		if err != nil {
			slog.Error("agents graduate failed", "err", err)
			return exitGeneric
		}
		fmt.Printf("%s -> %s\n", agent.ID, agent.Status)
		return exitOK

	default:
		usage()
		return exitGeneric
	}
}

func deriveAgentName(instructions string) string {
	words := strings.Fields(instructions)
	if len(words) > 4 {
		words = words[:4]
	}
	if len(words) == 0 {
		return "Unnamed Agent"
	}
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// metricsFromIterations derives lifecycle.IterationMetrics from each
// iteration's persisted Backtest, oldest first, skipping iterations that
// never reached a scored backtest.
func metricsFromIterations(ctx context.Context, store *storage.Store, iterations []domain.Iteration) []lifecycle.IterationMetrics {
	metrics := make([]lifecycle.IterationMetrics, 0, len(iterations))
	for _, it := range iterations {
		if it.BacktestID == "" {
			continue
		}
		bt, err := store.GetBacktest(ctx, it.BacktestID)
		if err != nil {
			continue
		}
		var sc domain.TemplateScorecard
		if bt.WinnerTemplate != "" {
			sc = bt.Metrics[bt.WinnerTemplate]
		}
		metrics = append(metrics, lifecycle.IterationMetrics{
			WinRate:      sc.WinRate,
			Sharpe:       sc.SharpeRatio,
			TotalReturn:  sc.TotalReturn,
			SignalsFound: it.SignalsFound,
		})
	}
	return metrics
}

// --- iterations ---

func cmdIterations(ctx context.Context, args []string, store *storage.Store, factory *worker.SubprocessFactory, collaborator *llm.Stub, console *notify.Console, cfg *config.Config) int {
	if len(args) == 0 || args[0] != "start" {
		usage()
		return exitGeneric
	}
	fs := flag.NewFlagSet("iterations start", flag.ContinueOnError)
	guidance := fs.String("guidance", "", "manual guidance text")
	start := fs.String("start", "", "backtest start date YYYY-MM-DD")
	end := fs.String("end", "", "backtest end date YYYY-MM-DD")
	tickers := fs.String("tickers", "", "comma-separated ticker universe")
	templateName := fs.String("template", "", "named execution template")
	customCode := fs.String("custom-code", "", "custom execution policy code")
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidationError
	}
	rem := fs.Args()
	if len(rem) >= 1 {
		// Flags may also follow the id; parse what comes after it.
		if err := fs.Parse(rem[1:]); err != nil {
			return exitValidationError
		}
		rem = append([]string{rem[0]}, fs.Args()...)
	}
	if len(rem) != 1 {
		fmt.Fprintln(os.Stderr, "iterations start: requires exactly one agent id")
		return exitValidationError
	}
	agentID := rem[0]

	startDate, endDate, ok := parseDateRange(*start, *end)
	if !ok {
		fmt.Fprintln(os.Stderr, "iterations start: --start/--end must be YYYY-MM-DD")
		return exitValidationError
	}
	universe := splitTickers(*tickers)
	if len(universe) == 0 {
		fmt.Fprintln(os.Stderr, "iterations start: --tickers is required")
		return exitValidationError
	}

	pool := worker.NewPool(factory)
	engine := backtest.New(store, pool, cfg.Storage.TempDir)
	engine.WarmupBars = cfg.Engine.WarmupBars
	engine.Timeframe = domain.Timeframe(cfg.Engine.Timeframe)
	pipeline := learning.New(store, store, engine, collaborator)

	it, err := pipeline.Run(ctx, learning.Request{
		AgentID:        agentID,
		ManualGuidance: *guidance,
		ExecutionChoice: learning.ExecutionChoice{
			TemplateName: *templateName,
			CustomCode:   *customCode,
		},
		Start:   startDate,
		End:     endDate,
		Tickers: universe,
	})
	if err != nil {
		return exitCodeFor(err)
	}
	if err := console.NotifyIteration(ctx, it); err != nil {
		slog.Warn("notifier error", "err", err)
	}
	if it.Status == domain.IterationFailed {
		return exitValidationError
	}
	return exitOK
}

// --- backtests ---

func cmdBacktests(ctx context.Context, args []string, store *storage.Store, factory *worker.SubprocessFactory, console *notify.Console, cfg *config.Config) int {
	if len(args) == 0 || args[0] != "run" {
		usage()
		return exitGeneric
	}
	fs := flag.NewFlagSet("backtests run", flag.ContinueOnError)
	scannerVersionID := fs.String("scanner", "", "scanner version id")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	tickers := fs.String("tickers", "", "comma-separated ticker universe")
	templateName := fs.String("template", "", "named execution template (default: score full catalogue)")
	allowMultiple := fs.Bool("allow-multiple", false, "allow multiple signals per day")
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidationError
	}
	if *scannerVersionID == "" {
		fmt.Fprintln(os.Stderr, "backtests run: --scanner is required")
		return exitValidationError
	}
	startDate, endDate, ok := parseDateRange(*start, *end)
	if !ok {
		fmt.Fprintln(os.Stderr, "backtests run: --start/--end must be YYYY-MM-DD")
		return exitValidationError
	}
	universe := splitTickers(*tickers)
	if len(universe) == 0 {
		fmt.Fprintln(os.Stderr, "backtests run: --tickers is required")
		return exitValidationError
	}

	sv, err := store.GetScannerVersion(ctx, *scannerVersionID)
	if err != nil {
		slog.Error("backtests run: scanner version not found", "err", err)
		return exitGeneric
	}

	templates := execution.Catalogue
	if *templateName != "" {
		tpl, found := execution.ByName(*templateName)
		if !found {
			fmt.Fprintf(os.Stderr, "backtests run: unknown template %q\n", *templateName)
			return exitValidationError
		}
		templates = []execution.Template{tpl}
	}

	pool := worker.NewPool(factory)
	engine := backtest.New(store, pool, cfg.Storage.TempDir)
	engine.WarmupBars = cfg.Engine.WarmupBars
	engine.Timeframe = domain.Timeframe(cfg.Engine.Timeframe)

	result, err := engine.RunTickers(ctx, backtest.Request{
		AgentID:                    sv.AgentID,
		ScannerCode:                sv.Code,
		Tickers:                    universe,
		Start:                      startDate,
		End:                        endDate,
		AllowMultipleSignalsPerDay: *allowMultiple,
	})
	if err != nil {
		return exitCodeFor(err)
	}

	bars := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		day, perr := time.Parse("2006-01-02", signalDate)
		if perr != nil {
			return nil, perr
		}
		return store.BarsInRange(ctx, ticker, engine.Timeframe, day, day.Add(24*time.Hour))
	})
	scorecards, winner, err := execution.ScoreAll(templates, result.Signals, bars)
	if err != nil {
		slog.Error("backtests run: scoring failed", "err", err)
		return exitGeneric
	}

	bt := domain.Backtest{
		ID:                uuid.NewString(),
		ScannerVersionID:  sv.ID,
		StartDate:         startDate,
		EndDate:           endDate,
		Tickers:           universe,
		Signals:           result.Signals,
		Metrics:           scorecards,
		WinnerTemplate:    winner,
		Status:            domain.BacktestCompleted,
		TickerOutcomes:    result.TickerOutcomes,
		DuplicatesDropped: result.DuplicatesDropped,
	}
	if winner != "" {
		bt.Trades = scorecards[winner].Trades
	}
	if err := store.SaveBacktest(ctx, bt); err != nil {
		slog.Error("backtests run: persist failed", "err", err)
		return exitGeneric
	}
	if err := console.NotifyBacktest(ctx, bt); err != nil {
		slog.Warn("notifier error", "err", err)
	}
	return exitOK
}

// --- walk-forward ---

func cmdWalkForward(ctx context.Context, args []string, store *storage.Store, factory *worker.SubprocessFactory, console *notify.Console, cfg *config.Config) int {
	if len(args) == 0 {
		usage()
		return exitGeneric
	}
	fs := flag.NewFlagSet("walk-forward", flag.ContinueOnError)
	scannerVersionID := fs.String("scanner", "", "scanner version id")
	start := fs.String("start", "", "start date YYYY-MM-DD")
	end := fs.String("end", "", "end date YYYY-MM-DD")
	tickers := fs.String("tickers", "", "comma-separated ticker universe")
	trainMonths := fs.Int("train-months", 3, "training window size in months")
	testMonths := fs.Int("test-months", 1, "test window size in months")
	overlapMonths := fs.Int("overlap-months", 0, "rolling-window overlap in months (0 = expanding)")
	allowMultiple := fs.Bool("allow-multiple", false, "allow multiple signals per day")
	agentID := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return exitValidationError
	}
	if fs.NArg() != 0 || strings.HasPrefix(agentID, "-") {
		fmt.Fprintln(os.Stderr, "walk-forward: requires exactly one agent id")
		return exitValidationError
	}
	if *scannerVersionID == "" {
		fmt.Fprintln(os.Stderr, "walk-forward: --scanner is required")
		return exitValidationError
	}
	startDate, endDate, ok := parseDateRange(*start, *end)
	if !ok {
		fmt.Fprintln(os.Stderr, "walk-forward: --start/--end must be YYYY-MM-DD")
		return exitValidationError
	}
	universe := splitTickers(*tickers)
	if len(universe) == 0 {
		fmt.Fprintln(os.Stderr, "walk-forward: --tickers is required")
		return exitValidationError
	}

	sv, err := store.GetScannerVersion(ctx, *scannerVersionID)
	if err != nil {
		slog.Error("walk-forward: scanner version not found", "err", err)
		return exitGeneric
	}

	pool := worker.NewPool(factory)
	engine := backtest.New(store, pool, cfg.Storage.TempDir)
	engine.WarmupBars = cfg.Engine.WarmupBars
	engine.Timeframe = domain.Timeframe(cfg.Engine.Timeframe)
	coordinator := walkforward.New(engine, store)

	summary, err := coordinator.Run(ctx, walkforward.Request{
		AgentID:       agentID,
		ScannerCode:   sv.Code,
		Tickers:       universe,
		Start:         startDate,
		End:           endDate,
		TrainMonths:   *trainMonths,
		TestMonths:    *testMonths,
		OverlapMonths: *overlapMonths,
		AllowMultiple: *allowMultiple,
	})
	if err != nil {
		return exitCodeFor(err)
	}
	if err := console.NotifyWalkForward(ctx, summary); err != nil {
		slog.Warn("notifier error", "err", err)
	}
	return exitOK
}

// --- shared helpers ---

// exitCodeFor maps a returned error to §6's closed exit-code set by
// unwrapping the typed errs.Kind when present.
func exitCodeFor(err error) int {
	switch {
	case errs.Is(err, errs.KindTimeout):
		return exitTimeout
	case errs.Is(err, errs.KindDataGap):
		return exitDataGap
	case errs.Is(err, errs.KindWorkerCrash):
		return exitWorkerCrash
	case errs.Is(err, errs.KindValidationFailure):
		return exitValidationError
	default:
		slog.Error("command failed", "err", err)
		return exitGeneric
	}
}

func parseDateRange(start, end string) (time.Time, time.Time, bool) {
	startDate, err := time.Parse("2006-01-02", start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	endDate, err := time.Parse("2006-01-02", end)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return startDate, endDate, true
}

func splitTickers(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tickers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			tickers = append(tickers, p)
		}
	}
	return tickers
}
