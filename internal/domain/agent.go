package domain

import "time"

// AgentStatus is the lifecycle stage of an Agent.
type AgentStatus string

const (
	AgentLearning     AgentStatus = "learning"
	AgentPaperTrading AgentStatus = "paper_trading"
	AgentLiveTrading  AgentStatus = "live_trading"
)

// Personality captures the qualitative risk profile an agent was created with.
// It has no effect on the mechanical risk limits in the Virtual Executor —
// those are hard-coded guardrails (§4.9) that no personality can loosen.
type Personality struct {
	RiskTolerance string // e.g. "conservative", "balanced", "aggressive"
	TradingStyle  string // e.g. "momentum", "mean_reversion", "breakout"
}

// Agent is a named strategy context with persistent knowledge and a lifecycle status.
type Agent struct {
	ID           string
	Name         string
	Instructions string
	Personality  Personality
	Status       AgentStatus
	CreatedAt    time.Time

	// AllowMultipleSignalsPerDay overrides the real-time backtester's
	// default at-most-one-signal-per-(ticker,day) rule. Off by default;
	// this is the explicit per-agent override the spec requires for an
	// otherwise closed invariant (spec §9 Open Questions).
	AllowMultipleSignalsPerDay bool

	// DiscoveryMode skips analysis/knowledge-extraction (§4.6) and runs
	// only the Conservative execution template, trading iteration depth
	// for iteration speed while searching for a signal-producing scanner.
	DiscoveryMode bool
}

// rank orders statuses along the graduation path (learning, paper_trading,
// live_trading); an unknown status ranks -1.
func (s AgentStatus) rank() int {
	switch s {
	case AgentLearning:
		return 0
	case AgentPaperTrading:
		return 1
	case AgentLiveTrading:
		return 2
	default:
		return -1
	}
}

// IsUpgrade reports whether moving from `s` to `next` is a forward graduation.
func (s AgentStatus) IsUpgrade(next AgentStatus) bool {
	return next.rank() > s.rank()
}
