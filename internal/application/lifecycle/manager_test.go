package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/application/lifecycle"
	"github.com/alejandrodnm/tradelab/internal/domain"
)

// fakeKnowledgeStore is an in-memory ports.KnowledgeStore covering only the
// agent bookkeeping the Manager exercises; the rest satisfy the interface
// with no-ops so the fake can stand in for the full store in these tests.
type fakeKnowledgeStore struct {
	agents map[string]domain.Agent
}

func newFakeKnowledgeStore() *fakeKnowledgeStore {
	return &fakeKnowledgeStore{agents: map[string]domain.Agent{}}
}

func (s *fakeKnowledgeStore) ApplySchema(ctx context.Context) error { return nil }
func (s *fakeKnowledgeStore) Close() error                          { return nil }

func (s *fakeKnowledgeStore) NextScannerVersionNumber(ctx context.Context, agentID string) (int, error) {
	return 1, nil
}
func (s *fakeKnowledgeStore) SaveScannerVersion(ctx context.Context, v domain.ScannerVersion) error {
	return nil
}
func (s *fakeKnowledgeStore) GetScannerVersion(ctx context.Context, id string) (domain.ScannerVersion, error) {
	return domain.ScannerVersion{}, nil
}
func (s *fakeKnowledgeStore) LatestScannerVersion(ctx context.Context, agentID string) (domain.ScannerVersion, bool, error) {
	return domain.ScannerVersion{}, false, nil
}

func (s *fakeKnowledgeStore) GetExecutionTemplateByHash(ctx context.Context, hash string) (domain.ExecutionTemplate, bool, error) {
	return domain.ExecutionTemplate{}, false, nil
}
func (s *fakeKnowledgeStore) SaveExecutionTemplate(ctx context.Context, t domain.ExecutionTemplate) error {
	return nil
}
func (s *fakeKnowledgeStore) GetExecutionTemplate(ctx context.Context, id string) (domain.ExecutionTemplate, error) {
	return domain.ExecutionTemplate{}, nil
}

func (s *fakeKnowledgeStore) SaveBacktest(ctx context.Context, b domain.Backtest) error { return nil }
func (s *fakeKnowledgeStore) GetBacktest(ctx context.Context, id string) (domain.Backtest, error) {
	return domain.Backtest{}, nil
}

func (s *fakeKnowledgeStore) SaveIteration(ctx context.Context, it domain.Iteration) error { return nil }
func (s *fakeKnowledgeStore) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return domain.Iteration{}, nil
}
func (s *fakeKnowledgeStore) IterationsForAgent(ctx context.Context, agentID string) ([]domain.Iteration, error) {
	return nil, nil
}

func (s *fakeKnowledgeStore) UpsertKnowledge(ctx context.Context, k domain.AgentKnowledge) error {
	return nil
}
func (s *fakeKnowledgeStore) KnowledgeForAgent(ctx context.Context, agentID string) ([]domain.AgentKnowledge, error) {
	return nil, nil
}
func (s *fakeKnowledgeStore) DeleteKnowledge(ctx context.Context, id string) error { return nil }

func (s *fakeKnowledgeStore) SaveAgent(ctx context.Context, a domain.Agent) error {
	s.agents[a.ID] = a
	return nil
}
func (s *fakeKnowledgeStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, assertAgentNotFound(id)
	}
	return a, nil
}
func (s *fakeKnowledgeStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

type agentNotFoundError string

func (e agentNotFoundError) Error() string { return string(e) + ": agent not found" }
func assertAgentNotFound(id string) error  { return agentNotFoundError(id) }

// fakePaperStore2 covers only the account methods the Manager touches.
type fakePaperStore2 struct {
	accounts map[string]domain.PaperAccount
	byAgent  map[string]string
}

func newFakePaperStore2() *fakePaperStore2 {
	return &fakePaperStore2{accounts: map[string]domain.PaperAccount{}, byAgent: map[string]string{}}
}

func (s *fakePaperStore2) ApplyPaperSchema(ctx context.Context) error { return nil }
func (s *fakePaperStore2) SavePaperAccount(ctx context.Context, a domain.PaperAccount) error {
	s.accounts[a.ID] = a
	s.byAgent[a.AgentID] = a.ID
	return nil
}
func (s *fakePaperStore2) GetPaperAccountByAgent(ctx context.Context, agentID string) (domain.PaperAccount, bool, error) {
	id, ok := s.byAgent[agentID]
	if !ok {
		return domain.PaperAccount{}, false, nil
	}
	return s.accounts[id], true, nil
}
func (s *fakePaperStore2) GetPaperAccount(ctx context.Context, id string) (domain.PaperAccount, error) {
	return s.accounts[id], nil
}
func (s *fakePaperStore2) SavePosition(ctx context.Context, p domain.PaperPosition) error { return nil }
func (s *fakePaperStore2) DeletePosition(ctx context.Context, accountID, ticker string) error {
	return nil
}
func (s *fakePaperStore2) GetPosition(ctx context.Context, accountID, ticker string) (domain.PaperPosition, bool, error) {
	return domain.PaperPosition{}, false, nil
}
func (s *fakePaperStore2) PositionsForAccount(ctx context.Context, accountID string) ([]domain.PaperPosition, error) {
	return nil, nil
}
func (s *fakePaperStore2) SaveOrder(ctx context.Context, o domain.PaperOrder) error { return nil }
func (s *fakePaperStore2) GetOrder(ctx context.Context, id string) (domain.PaperOrder, error) {
	return domain.PaperOrder{}, nil
}
func (s *fakePaperStore2) OpenOrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	return nil, nil
}
func (s *fakePaperStore2) OrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	return nil, nil
}
func (s *fakePaperStore2) SaveEquitySnapshot(ctx context.Context, snap domain.EquitySnapshot) error {
	return nil
}
func (s *fakePaperStore2) EquityHistory(ctx context.Context, accountID string, from, to time.Time) ([]domain.EquitySnapshot, error) {
	return nil, nil
}

func goodMetrics(n int) []lifecycle.IterationMetrics {
	out := make([]lifecycle.IterationMetrics, n)
	for i := range out {
		out[i] = lifecycle.IterationMetrics{WinRate: 0.65, Sharpe: 2.5, TotalReturn: 0.06, SignalsFound: 5}
	}
	return out
}

func TestEligible_RequiresAllThresholdsTogether(t *testing.T) {
	assert.True(t, lifecycle.Eligible(goodMetrics(20), lifecycle.ToPaperTrading))
	assert.False(t, lifecycle.Eligible(goodMetrics(19), lifecycle.ToPaperTrading), "too few iterations must fail regardless of quality")

	weak := goodMetrics(20)
	weak[0].WinRate = 0.1
	assert.True(t, lifecycle.Eligible(weak, lifecycle.ToPaperTrading), "mean win rate must still clear the bar with one weak iteration")

	allWeak := goodMetrics(20)
	for i := range allWeak {
		allWeak[i].WinRate = 0.1
	}
	assert.False(t, lifecycle.Eligible(allWeak, lifecycle.ToPaperTrading))
}

func TestEligible_RecentWinRateBarAppliesToTrailingWindow(t *testing.T) {
	metrics := goodMetrics(20)
	// Tank the most recent RecentIterations entries only.
	for i := len(metrics) - lifecycle.ToPaperTrading.RecentIterations; i < len(metrics); i++ {
		metrics[i].WinRate = 0.01
	}
	assert.False(t, lifecycle.Eligible(metrics, lifecycle.ToPaperTrading), "a poor recent streak must block graduation even with good aggregate stats")
}

func TestManager_Graduate_PromotesAndFundsPaperAccount(t *testing.T) {
	ctx := context.Background()
	agents := newFakeKnowledgeStore()
	paper := newFakePaperStore2()
	require.NoError(t, agents.SaveAgent(ctx, domain.Agent{ID: "agent-1", Status: domain.AgentLearning}))

	mgr := lifecycle.New(agents, paper)
	got, err := mgr.Graduate(ctx, "agent-1", goodMetrics(20), false)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaperTrading, got.Status)

	account, found, err := paper.GetPaperAccountByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, found, "graduating to paper_trading must atomically create a funded Paper Account")
	assert.True(t, account.Cash.Equal(lifecycle.DefaultInitialBalance))
}

func TestManager_Graduate_RejectsIneligibleWithoutForce(t *testing.T) {
	ctx := context.Background()
	agents := newFakeKnowledgeStore()
	paper := newFakePaperStore2()
	require.NoError(t, agents.SaveAgent(ctx, domain.Agent{ID: "agent-1", Status: domain.AgentLearning}))

	mgr := lifecycle.New(agents, paper)
	_, err := mgr.Graduate(ctx, "agent-1", nil, false)
	assert.Error(t, err)

	_, err = mgr.Graduate(ctx, "agent-1", nil, true)
	assert.NoError(t, err, "force must bypass the eligibility check")
}

func TestManager_Downgrade_StepsBackOneLevel(t *testing.T) {
	ctx := context.Background()
	agents := newFakeKnowledgeStore()
	paper := newFakePaperStore2()
	require.NoError(t, agents.SaveAgent(ctx, domain.Agent{ID: "agent-1", Status: domain.AgentLiveTrading}))

	mgr := lifecycle.New(agents, paper)
	got, err := mgr.Downgrade(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaperTrading, got.Status)

	got, err = mgr.Downgrade(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentLearning, got.Status)

	_, err = mgr.Downgrade(ctx, "agent-1")
	assert.Error(t, err, "an agent already at the lowest status cannot downgrade further")
}
