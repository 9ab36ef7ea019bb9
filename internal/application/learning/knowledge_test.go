package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// decayStep mirrors the fixed confidence decrement in domain.AgentKnowledge.Decay.
const decayStep = 0.1

// miniKnowledgeStore implements only enough of ports.KnowledgeStore to drive
// extractKnowledge/reencounterKnowledge directly, without the rest of the
// pipeline (scanner generation, backtesting) in the loop.
type miniKnowledgeStore struct {
	knowledge map[string]domain.AgentKnowledge
	deleted   []string
}

func newMiniKnowledgeStore() *miniKnowledgeStore {
	return &miniKnowledgeStore{knowledge: map[string]domain.AgentKnowledge{}}
}

func (s *miniKnowledgeStore) ApplySchema(ctx context.Context) error { return nil }
func (s *miniKnowledgeStore) Close() error                          { return nil }

func (s *miniKnowledgeStore) NextScannerVersionNumber(ctx context.Context, agentID string) (int, error) {
	return 1, nil
}
func (s *miniKnowledgeStore) SaveScannerVersion(ctx context.Context, v domain.ScannerVersion) error {
	return nil
}
func (s *miniKnowledgeStore) GetScannerVersion(ctx context.Context, id string) (domain.ScannerVersion, error) {
	return domain.ScannerVersion{}, nil
}
func (s *miniKnowledgeStore) LatestScannerVersion(ctx context.Context, agentID string) (domain.ScannerVersion, bool, error) {
	return domain.ScannerVersion{}, false, nil
}

func (s *miniKnowledgeStore) GetExecutionTemplateByHash(ctx context.Context, hash string) (domain.ExecutionTemplate, bool, error) {
	return domain.ExecutionTemplate{}, false, nil
}
func (s *miniKnowledgeStore) SaveExecutionTemplate(ctx context.Context, t domain.ExecutionTemplate) error {
	return nil
}
func (s *miniKnowledgeStore) GetExecutionTemplate(ctx context.Context, id string) (domain.ExecutionTemplate, error) {
	return domain.ExecutionTemplate{}, nil
}

func (s *miniKnowledgeStore) SaveBacktest(ctx context.Context, b domain.Backtest) error { return nil }
func (s *miniKnowledgeStore) GetBacktest(ctx context.Context, id string) (domain.Backtest, error) {
	return domain.Backtest{}, nil
}

func (s *miniKnowledgeStore) SaveIteration(ctx context.Context, it domain.Iteration) error { return nil }
func (s *miniKnowledgeStore) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return domain.Iteration{}, nil
}
func (s *miniKnowledgeStore) IterationsForAgent(ctx context.Context, agentID string) ([]domain.Iteration, error) {
	return nil, nil
}

func (s *miniKnowledgeStore) UpsertKnowledge(ctx context.Context, k domain.AgentKnowledge) error {
	s.knowledge[k.ID] = k
	return nil
}
func (s *miniKnowledgeStore) KnowledgeForAgent(ctx context.Context, agentID string) ([]domain.AgentKnowledge, error) {
	var out []domain.AgentKnowledge
	for _, k := range s.knowledge {
		if k.AgentID == agentID {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *miniKnowledgeStore) DeleteKnowledge(ctx context.Context, id string) error {
	delete(s.knowledge, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *miniKnowledgeStore) SaveAgent(ctx context.Context, a domain.Agent) error { return nil }
func (s *miniKnowledgeStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return domain.Agent{}, nil
}
func (s *miniKnowledgeStore) ListAgents(ctx context.Context) ([]domain.Agent, error) { return nil, nil }

func (s *miniKnowledgeStore) only(t *testing.T, agentID string) domain.AgentKnowledge {
	t.Helper()
	rows, err := s.KnowledgeForAgent(context.Background(), agentID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func analysisWithParamRec(expectedWinRate, expectedSharpe float64) domain.ExpertAnalysis {
	return domain.ExpertAnalysis{
		ParameterRecommendations: []domain.ParameterRecommendation{
			{Parameter: "stop_loss_pct", Value: "0.01", Rationale: "tighter stop reduced drawdown"},
		},
		ProjectedPerformance: domain.ProjectedPerformance{
			ExpectedWinRate: expectedWinRate,
			ExpectedSharpe:  expectedSharpe,
			Confidence:      0.8,
		},
	}
}

func TestExtractKnowledge_FirstEncounterCreatesRowWithForecast(t *testing.T) {
	store := newMiniKnowledgeStore()
	p := &Pipeline{Knowledge: store}

	analysis := analysisWithParamRec(0.6, 1.8)
	err := p.extractKnowledge(context.Background(), "agent-1", "iter-1", analysis, domain.TemplateScorecard{})
	require.NoError(t, err)

	row := store.only(t, "agent-1")
	assert.Equal(t, domain.KnowledgeParameterPref, row.KnowledgeType)
	assert.Equal(t, 0.8, row.Confidence)
	assert.Equal(t, 1, row.TimesValidated)
	assert.Equal(t, 0.6, row.SupportingData[expectedWinRateKey])
	assert.Equal(t, 1.8, row.SupportingData[expectedSharpeKey])
}

func TestExtractKnowledge_ReencounterDecaysWhenForecastUnderDelivers(t *testing.T) {
	store := newMiniKnowledgeStore()
	p := &Pipeline{Knowledge: store}
	ctx := context.Background()

	analysis := analysisWithParamRec(0.6, 1.8)
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-1", analysis, domain.TemplateScorecard{}))
	before := store.only(t, "agent-1")

	// Second iteration re-derives the same recommendation, but the actual
	// winning template undershoots both the win rate and Sharpe forecast.
	actual := domain.TemplateScorecard{WinRate: 0.4, SharpeRatio: 1.0}
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-2", analysis, actual))

	after := store.only(t, "agent-1")
	assert.InDelta(t, before.Confidence-decayStep, after.Confidence, 1e-9)
	assert.Equal(t, before.ID, after.ID, "decay updates the existing row, it does not create a new one")
}

func TestExtractKnowledge_ReencounterDeletesRowOnceConfidenceFloorCrossed(t *testing.T) {
	store := newMiniKnowledgeStore()
	p := &Pipeline{Knowledge: store}
	ctx := context.Background()

	analysis := analysisWithParamRec(0.6, 1.8)
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-1", analysis, domain.TemplateScorecard{}))
	row := store.only(t, "agent-1")
	row.Confidence = 0.15
	store.knowledge[row.ID] = row

	actual := domain.TemplateScorecard{WinRate: 0.4, SharpeRatio: 1.0}
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-2", analysis, actual))

	rows, err := store.KnowledgeForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "confidence below the floor must delete the row")
	assert.Contains(t, store.deleted, row.ID)
}

func TestExtractKnowledge_ReencounterReinforcesWhenForecastMet(t *testing.T) {
	store := newMiniKnowledgeStore()
	p := &Pipeline{Knowledge: store}
	ctx := context.Background()

	analysis := analysisWithParamRec(0.5, 1.2)
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-1", analysis, domain.TemplateScorecard{}))
	before := store.only(t, "agent-1")

	actual := domain.TemplateScorecard{WinRate: 0.7, SharpeRatio: 2.0}
	require.NoError(t, p.extractKnowledge(ctx, "agent-1", "iter-2", analysis, actual))

	after := store.only(t, "agent-1")
	assert.Equal(t, before.Confidence, after.Confidence, "a forecast that held up must not decay")
	assert.Equal(t, 2, after.TimesValidated)
	assert.True(t, after.LastValidated.After(before.LastValidated) || after.LastValidated.Equal(before.LastValidated))
}

func TestExtractKnowledge_PatternAndInsightRowsAlwaysReinforce(t *testing.T) {
	store := newMiniKnowledgeStore()
	p := &Pipeline{Knowledge: store}
	ctx := context.Background()

	analysis := domain.ExpertAnalysis{
		WorkingElements: []domain.AnalysisElement{{Description: "volume filter cut false positives", Confidence: 0.9}},
		MissingContext:  []string{"no sector data available"},
	}
	require.NoError(t, p.extractKnowledge(ctx, "agent-2", "iter-1", analysis, domain.TemplateScorecard{}))
	require.NoError(t, p.extractKnowledge(ctx, "agent-2", "iter-2", analysis, domain.TemplateScorecard{WinRate: 0, SharpeRatio: 0}))

	rows, err := store.KnowledgeForAgent(ctx, "agent-2")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 2, r.TimesValidated, "non-parameter knowledge has no numeric forecast to fail, so it always reinforces")
	}
}
