package ports

import (
	"context"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// KnowledgeStore persists the agent-facing entities accumulated by the
// learning loop (C5): scanner versions, execution templates (content
// addressed), backtests, iterations, and agent knowledge rows.
type KnowledgeStore interface {
	ApplySchema(ctx context.Context) error
	Close() error

	// Scanner versions
	NextScannerVersionNumber(ctx context.Context, agentID string) (int, error)
	SaveScannerVersion(ctx context.Context, v domain.ScannerVersion) error
	GetScannerVersion(ctx context.Context, id string) (domain.ScannerVersion, error)
	LatestScannerVersion(ctx context.Context, agentID string) (domain.ScannerVersion, bool, error)

	// Execution templates, deduplicated by code hash.
	GetExecutionTemplateByHash(ctx context.Context, hash string) (domain.ExecutionTemplate, bool, error)
	SaveExecutionTemplate(ctx context.Context, t domain.ExecutionTemplate) error
	GetExecutionTemplate(ctx context.Context, id string) (domain.ExecutionTemplate, error)

	// Backtests
	SaveBacktest(ctx context.Context, b domain.Backtest) error
	GetBacktest(ctx context.Context, id string) (domain.Backtest, error)

	// Iterations
	SaveIteration(ctx context.Context, it domain.Iteration) error
	GetIteration(ctx context.Context, id string) (domain.Iteration, error)
	IterationsForAgent(ctx context.Context, agentID string) ([]domain.Iteration, error)

	// Agent knowledge, upserted by domain.KnowledgeIdentity.
	UpsertKnowledge(ctx context.Context, k domain.AgentKnowledge) error
	KnowledgeForAgent(ctx context.Context, agentID string) ([]domain.AgentKnowledge, error)
	DeleteKnowledge(ctx context.Context, id string) error

	// Agents
	SaveAgent(ctx context.Context, a domain.Agent) error
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
}
