// Package lifecycle implements the Agent Lifecycle Manager (C10):
// graduation and downgrade across {learning, paper_trading, live_trading}.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
)

// DefaultInitialBalance is the funding amount for a newly promoted Paper
// Account (§4.10).
var DefaultInitialBalance = decimal.NewFromInt(100_000)

// Thresholds is one graduation bar (§4.10). A metric set meets it when
// every field is satisfied; RecentWinRateBar applies to the trailing
// RecentIterations iterations.
type Thresholds struct {
	MinIterations     int
	MinMeanWinRate    float64
	MinMeanSharpe     float64
	MinMeanReturn     float64
	MinTotalSignals   int
	RecentIterations  int
	RecentWinRateBar  float64
}

// ToPaperTrading and ToLiveTrading are the default graduation bars (§4.10).
var (
	ToPaperTrading = Thresholds{
		MinIterations:    20,
		MinMeanWinRate:   0.60,
		MinMeanSharpe:    2.0,
		MinMeanReturn:    0.05,
		MinTotalSignals:  50,
		RecentIterations: 5,
		RecentWinRateBar: 0.55,
	}
	ToLiveTrading = Thresholds{
		MinIterations:    50,
		MinMeanSharpe:    2.5,
		MinMeanReturn:    0.10,
		MinTotalSignals:  200,
		RecentIterations: 10,
		RecentWinRateBar: 0.60,
	}
)

// IterationMetrics is the subset of an Iteration's backtest outcome needed
// to evaluate graduation (win rate, Sharpe, return, signal count), derived
// by the caller from the Iteration's persisted Backtest.
type IterationMetrics struct {
	WinRate      float64
	Sharpe       float64
	TotalReturn  float64
	SignalsFound int
}

// Manager evaluates and applies agent status transitions.
type Manager struct {
	Agents ports.KnowledgeStore
	Paper  ports.PaperStore
}

// New builds a Manager over the given stores.
func New(agents ports.KnowledgeStore, paper ports.PaperStore) *Manager {
	return &Manager{Agents: agents, Paper: paper}
}

// Eligible reports whether metrics (most-recent-last) meet thresholds for
// the next-step graduation (§4.10).
func Eligible(metrics []IterationMetrics, t Thresholds) bool {
	if len(metrics) < t.MinIterations {
		return false
	}

	var sumWinRate, sumSharpe, sumReturn float64
	totalSignals := 0
	for _, m := range metrics {
		sumWinRate += m.WinRate
		sumSharpe += m.Sharpe
		sumReturn += m.TotalReturn
		totalSignals += m.SignalsFound
	}
	n := float64(len(metrics))
	if sumWinRate/n < t.MinMeanWinRate {
		return false
	}
	if sumSharpe/n < t.MinMeanSharpe {
		return false
	}
	if sumReturn/n < t.MinMeanReturn {
		return false
	}
	if totalSignals < t.MinTotalSignals {
		return false
	}

	recent := t.RecentIterations
	if recent > len(metrics) {
		recent = len(metrics)
	}
	for _, m := range metrics[len(metrics)-recent:] {
		if m.WinRate <= t.RecentWinRateBar {
			return false
		}
	}
	return true
}

// Graduate moves agent forward one lifecycle step. force bypasses the
// Eligible check (§4.10: "overridable with explicit force"). Promotion to
// paper_trading atomically creates a funded Paper Account.
func (m *Manager) Graduate(ctx context.Context, agentID string, metrics []IterationMetrics, force bool) (domain.Agent, error) {
	agent, err := m.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: %w", err)
	}

	var next domain.AgentStatus
	var bar Thresholds
	switch agent.Status {
	case domain.AgentLearning:
		next, bar = domain.AgentPaperTrading, ToPaperTrading
	case domain.AgentPaperTrading:
		next, bar = domain.AgentLiveTrading, ToLiveTrading
	default:
		return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: agent %s has no further graduation step from %s", agentID, agent.Status)
	}

	if !force && !Eligible(metrics, bar) {
		return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: agent %s does not meet %s graduation thresholds", agentID, next)
	}

	agent.Status = next
	if err := m.Agents.SaveAgent(ctx, agent); err != nil {
		return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: %w", err)
	}

	if next == domain.AgentPaperTrading {
		if _, exists, err := m.Paper.GetPaperAccountByAgent(ctx, agentID); err != nil {
			return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: %w", err)
		} else if !exists {
			account := domain.PaperAccount{
				ID:              uuid.NewString(),
				AgentID:         agentID,
				InitialBalance:  DefaultInitialBalance,
				Cash:            DefaultInitialBalance,
				Equity:          DefaultInitialBalance,
				BuyingPower:     DefaultInitialBalance,
				HighWaterEquity: DefaultInitialBalance,
			}
			if err := m.Paper.SavePaperAccount(ctx, account); err != nil {
				return domain.Agent{}, fmt.Errorf("lifecycle.Graduate: create paper account: %w", err)
			}
		}
	}

	return agent, nil
}

// Downgrade moves agent backward one lifecycle step as a risk-management
// action (§3: "downgrade allowed by manager").
func (m *Manager) Downgrade(ctx context.Context, agentID string) (domain.Agent, error) {
	agent, err := m.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("lifecycle.Downgrade: %w", err)
	}
	switch agent.Status {
	case domain.AgentLiveTrading:
		agent.Status = domain.AgentPaperTrading
	case domain.AgentPaperTrading:
		agent.Status = domain.AgentLearning
	default:
		return domain.Agent{}, fmt.Errorf("lifecycle.Downgrade: agent %s is already at the lowest status", agentID)
	}
	if err := m.Agents.SaveAgent(ctx, agent); err != nil {
		return domain.Agent{}, fmt.Errorf("lifecycle.Downgrade: %w", err)
	}
	return agent, nil
}
