package ports

import (
	"context"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// Notifier renders CLI-facing reports. The console implementation prints
// tabwriter/tablewriter-formatted tables; a future implementation could push
// the same reports to a dashboard or chat channel.
type Notifier interface {
	// NotifyAgents prints the agents list report (§6: tsv of id/name/status).
	NotifyAgents(ctx context.Context, agents []domain.Agent) error

	// NotifyBacktest prints a completed backtest's per-template scorecards
	// and the winner.
	NotifyBacktest(ctx context.Context, b domain.Backtest) error

	// NotifyIteration prints an iteration's result summary (signals found,
	// trades executed, status, failure reasons).
	NotifyIteration(ctx context.Context, it domain.Iteration) error

	// NotifyWalkForward prints the aggregated walk-forward statistics for a
	// coordinator run.
	NotifyWalkForward(ctx context.Context, summary domain.WalkForwardSummary) error
}
