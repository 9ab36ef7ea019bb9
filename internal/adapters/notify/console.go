// Package notify implements ports.Notifier as tablewriter-rendered console
// reports, following the teacher's console reporter shape (compact header
// line, tabular detail, honest summary totals).
package notify

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// Console implements ports.Notifier, writing to out.
type Console struct {
	out io.Writer
}

// NewConsole builds a Console writing to stdout.
func NewConsole() *Console { return &Console{out: os.Stdout} }

// NewConsoleWriter builds a Console writing to w, for tests.
func NewConsoleWriter(w io.Writer) *Console { return &Console{out: w} }

// NotifyAgents prints the agents list report.
func (c *Console) NotifyAgents(_ context.Context, agents []domain.Agent) error {
	if len(agents) == 0 {
		fmt.Fprintf(c.out, "[%s] no agents registered\n", now())
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Name", "Status", "Style", "Risk", "Multi-signal", "Discovery")
	for _, a := range agents {
		table.Append(
			shortID(a.ID),
			a.Name,
			string(a.Status),
			a.Personality.TradingStyle,
			a.Personality.RiskTolerance,
			yesNo(a.AllowMultipleSignalsPerDay),
			yesNo(a.DiscoveryMode),
		)
	}
	table.Render()
	return nil
}

// NotifyBacktest prints a completed backtest's per-template scorecards.
func (c *Console) NotifyBacktest(_ context.Context, b domain.Backtest) error {
	fmt.Fprintf(c.out, "\n[%s] backtest %s — %d tickers, %s to %s\n",
		now(), shortID(b.ID), len(b.Tickers), b.StartDate.Format("2006-01-02"), b.EndDate.Format("2006-01-02"))

	if b.Status == domain.BacktestFailed {
		fmt.Fprintf(c.out, "  FAILED: %s\n", b.FailureReason)
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Template", "Trades", "Win Rate", "Total Return", "Profit Factor", "Sharpe")
	for _, sc := range b.Metrics {
		mark := ""
		if sc.TemplateName == b.WinnerTemplate {
			mark = "*"
		}
		table.Append(
			mark+sc.TemplateName,
			fmt.Sprintf("%d", sc.TradeCount),
			fmt.Sprintf("%.1f%%", sc.WinRate*100),
			fmt.Sprintf("%.2f%%", sc.TotalReturn*100),
			formatProfitFactor(sc.ProfitFactor),
			fmt.Sprintf("%.2f", sc.SharpeRatio),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  signals=%d duplicates_dropped=%d\n", len(b.Signals), len(b.DuplicatesDropped))
	for _, outcome := range b.TickerOutcomes {
		fmt.Fprintf(c.out, "  %s: processed=%d gap=%d worker_failed=%d\n",
			outcome.Ticker, outcome.DaysProcessed, outcome.DaysSkippedGap, outcome.DaysFailedWorker)
	}
	if b.WinnerTemplate == "" {
		fmt.Fprintln(c.out, "  no template produced a trade; winner: none")
	} else {
		fmt.Fprintf(c.out, "  winner: %s\n", b.WinnerTemplate)
	}
	return nil
}

// NotifyIteration prints an iteration's result summary.
func (c *Console) NotifyIteration(_ context.Context, it domain.Iteration) error {
	fmt.Fprintf(c.out, "\n[%s] iteration %s (#%d) — status=%s signals=%d trades=%d\n",
		now(), shortID(it.ID), it.IterationNumber, it.Status, it.SignalsFound, it.TradesExecuted)

	if len(it.FailureReasons) > 0 {
		fmt.Fprintln(c.out, "  failure reasons:")
		for _, r := range it.FailureReasons {
			fmt.Fprintf(c.out, "    - %s\n", r)
		}
	}
	if it.Analysis != nil {
		fmt.Fprintf(c.out, "  analysis: %s\n", it.Analysis.Summary)
		for _, rec := range it.Analysis.ParameterRecommendations {
			fmt.Fprintf(c.out, "    param: %s -> %s (%s)\n", rec.Parameter, rec.Value, rec.Rationale)
		}
	}
	if it.Refinements != nil {
		fmt.Fprintf(c.out, "  refinements approved: %s\n", it.Refinements.Notes)
	}
	return nil
}

// NotifyWalkForward prints the aggregated walk-forward statistics.
func (c *Console) NotifyWalkForward(_ context.Context, summary domain.WalkForwardSummary) error {
	fmt.Fprintf(c.out, "\n[%s] walk-forward %s for agent %s — %d periods\n",
		now(), summary.Mode, shortID(summary.AgentID), len(summary.Periods))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Train", "Test", "Trades", "Return")
	for _, p := range summary.Periods {
		table.Append(
			fmt.Sprintf("%d", p.Index),
			fmt.Sprintf("%s..%s", p.TrainStart.Format("2006-01-02"), p.TrainEnd.Format("2006-01-02")),
			fmt.Sprintf("%s..%s", p.TestStart.Format("2006-01-02"), p.TestEnd.Format("2006-01-02")),
			fmt.Sprintf("%d", p.TradeCount),
			fmt.Sprintf("%.2f%%", p.TotalReturn*100),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  mean_return=%.2f%%  stddev=%.2f%%  p_value=%.4f  CI95=[%.2f%%, %.2f%%]  consistency=%.0f%%\n",
		summary.MeanReturn*100, summary.StdDevReturn*100, summary.PValue,
		summary.CI95Low*100, summary.CI95High*100, summary.ConsistencyPct)
	return nil
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "INF"
	}
	return fmt.Sprintf("%.2f", pf)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func now() string {
	return time.Now().Format("15:04:05")
}
