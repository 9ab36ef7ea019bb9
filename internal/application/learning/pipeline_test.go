package learning_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/adapters/storage"
	"github.com/alejandrodnm/tradelab/internal/application/backtest"
	"github.com/alejandrodnm/tradelab/internal/application/learning"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
	"github.com/alejandrodnm/tradelab/internal/worker"
)

const cleanScannerCode = `
for i := warmup; i < len(bars); i++ {
    if bars[i].Close > bars[i-1].Close {
        emit("LONG")
    }
}
`

// fakeKnowledgeStore is a full in-memory ports.KnowledgeStore: the learning
// pipeline exercises scanner-version numbering, execution-template dedup,
// and knowledge upsert, so the fake has to actually implement them rather
// than stub them out.
type fakeKnowledgeStore struct {
	agents     map[string]domain.Agent
	versions   map[string]domain.ScannerVersion
	versionNum map[string]int // agentID -> next number
	templates  map[string]domain.ExecutionTemplate
	backtests  map[string]domain.Backtest
	iterations map[string]domain.Iteration
	knowledge  map[string]domain.AgentKnowledge
}

func newFakeKnowledgeStore() *fakeKnowledgeStore {
	return &fakeKnowledgeStore{
		agents:     map[string]domain.Agent{},
		versions:   map[string]domain.ScannerVersion{},
		versionNum: map[string]int{},
		templates:  map[string]domain.ExecutionTemplate{},
		backtests:  map[string]domain.Backtest{},
		iterations: map[string]domain.Iteration{},
		knowledge:  map[string]domain.AgentKnowledge{},
	}
}

func (s *fakeKnowledgeStore) ApplySchema(ctx context.Context) error { return nil }
func (s *fakeKnowledgeStore) Close() error                          { return nil }

func (s *fakeKnowledgeStore) NextScannerVersionNumber(ctx context.Context, agentID string) (int, error) {
	s.versionNum[agentID]++
	return s.versionNum[agentID], nil
}
func (s *fakeKnowledgeStore) SaveScannerVersion(ctx context.Context, v domain.ScannerVersion) error {
	s.versions[v.ID] = v
	return nil
}
func (s *fakeKnowledgeStore) GetScannerVersion(ctx context.Context, id string) (domain.ScannerVersion, error) {
	return s.versions[id], nil
}
func (s *fakeKnowledgeStore) LatestScannerVersion(ctx context.Context, agentID string) (domain.ScannerVersion, bool, error) {
	var latest domain.ScannerVersion
	found := false
	for _, v := range s.versions {
		if v.AgentID == agentID && (!found || v.VersionNumber > latest.VersionNumber) {
			latest, found = v, true
		}
	}
	return latest, found, nil
}

func (s *fakeKnowledgeStore) GetExecutionTemplateByHash(ctx context.Context, hash string) (domain.ExecutionTemplate, bool, error) {
	t, ok := s.templates[hash]
	return t, ok, nil
}
func (s *fakeKnowledgeStore) SaveExecutionTemplate(ctx context.Context, t domain.ExecutionTemplate) error {
	s.templates[t.ID] = t
	return nil
}
func (s *fakeKnowledgeStore) GetExecutionTemplate(ctx context.Context, id string) (domain.ExecutionTemplate, error) {
	return s.templates[id], nil
}

func (s *fakeKnowledgeStore) SaveBacktest(ctx context.Context, b domain.Backtest) error {
	s.backtests[b.ID] = b
	return nil
}
func (s *fakeKnowledgeStore) GetBacktest(ctx context.Context, id string) (domain.Backtest, error) {
	return s.backtests[id], nil
}

func (s *fakeKnowledgeStore) SaveIteration(ctx context.Context, it domain.Iteration) error {
	s.iterations[it.ID] = it
	return nil
}
func (s *fakeKnowledgeStore) GetIteration(ctx context.Context, id string) (domain.Iteration, error) {
	return s.iterations[id], nil
}
func (s *fakeKnowledgeStore) IterationsForAgent(ctx context.Context, agentID string) ([]domain.Iteration, error) {
	var out []domain.Iteration
	for _, it := range s.iterations {
		if it.AgentID == agentID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *fakeKnowledgeStore) UpsertKnowledge(ctx context.Context, k domain.AgentKnowledge) error {
	s.knowledge[k.ID] = k
	return nil
}
func (s *fakeKnowledgeStore) KnowledgeForAgent(ctx context.Context, agentID string) ([]domain.AgentKnowledge, error) {
	var out []domain.AgentKnowledge
	for _, k := range s.knowledge {
		if k.AgentID == agentID {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *fakeKnowledgeStore) DeleteKnowledge(ctx context.Context, id string) error {
	delete(s.knowledge, id)
	return nil
}

func (s *fakeKnowledgeStore) SaveAgent(ctx context.Context, a domain.Agent) error {
	s.agents[a.ID] = a
	return nil
}
func (s *fakeKnowledgeStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent %s not found", id)
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

// fakeLLM is a scriptable ports.LLMCollaborator.
type fakeLLM struct {
	scannerCode    string
	scannerErr     error
	analyzeCalls   int
	analysis       domain.ExpertAnalysis
}

func (f *fakeLLM) GenerateScanner(ctx context.Context, req ports.ScannerGenerationRequest) (string, error) {
	return f.scannerCode, f.scannerErr
}
func (f *fakeLLM) AnalyzeResults(ctx context.Context, req ports.ResultsForAnalysis) (domain.ExpertAnalysis, error) {
	f.analyzeCalls++
	return f.analysis, nil
}
func (f *fakeLLM) ExtractDates(ctx context.Context, text string) (string, string, error) {
	return "", "", nil
}
func (f *fakeLLM) GenerateCustomExecution(ctx context.Context, description string) (string, error) {
	return "", nil
}

// stubWorker always reports one LONG signal on its first call of a scan.
type stubWorker struct{ calls int }

func (w *stubWorker) Scan(ctx context.Context, req ports.ScanRequest) (ports.ScanResponse, error) {
	w.calls++
	return ports.ScanResponse{
		RequestID: req.RequestID,
		Success:   true,
		Data: &domain.Signal{
			Ticker:          req.Tickers[0],
			SignalDate:      time.Unix(req.CurrentBarTimestamp, 0).UTC().Format("2006-01-02"),
			SignalTime:      "10:00:00",
			Direction:       domain.DirectionLong,
			PatternStrength: 80,
		},
	}, nil
}
func (w *stubWorker) Alive() bool  { return true }
func (w *stubWorker) Close() error { return nil }

type stubFactory struct{ w *stubWorker }

func (f *stubFactory) Spawn(ctx context.Context, code string) (ports.ScannerWorker, error) {
	return f.w, nil
}

func tradingDayBars(ticker, date string, n int) []domain.Bar {
	d, _ := time.Parse("2006-01-02", date)
	loc, _ := time.LoadLocation("America/New_York")
	start := time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, loc)
	bars := make([]domain.Bar, n)
	for i := 0; i < n; i++ {
		px := 100.0 + float64(i)*0.1
		bars[i] = domain.Bar{
			Ticker:    ticker,
			Timeframe: domain.Timeframe5Min,
			Timestamp: start.Add(time.Duration(i) * 5 * time.Minute).UTC(),
			Open:      px,
			High:      px + 0.3,
			Low:       px - 0.3,
			Close:     px,
			Volume:    1000,
		}
	}
	return bars
}

func newPipeline(t *testing.T, knowledge *fakeKnowledgeStore, llm *fakeLLM, w *stubWorker) *learning.Pipeline {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()

	store, err := storage.Open(ctx, fmt.Sprintf("%s/bars.db", tmp))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveBars(ctx, tradingDayBars("AAPL", "2024-07-15", 35)))

	pool := worker.NewPool(&stubFactory{w: w})
	engine := backtest.New(store, pool, tmp)
	return learning.New(knowledge, store, engine, llm)
}

func TestPipeline_Run_CompletesIterationOnValidScanner(t *testing.T) {
	ctx := context.Background()
	knowledge := newFakeKnowledgeStore()
	require.NoError(t, knowledge.SaveAgent(ctx, domain.Agent{
		ID:           "agent-1",
		Instructions: "buy breakouts on volume surges",
		Status:       domain.AgentLearning,
	}))

	llm := &fakeLLM{
		scannerCode: cleanScannerCode,
		analysis:    domain.ExpertAnalysis{Summary: "solid start"},
	}
	pipeline := newPipeline(t, knowledge, llm, &stubWorker{})

	it, err := pipeline.Run(ctx, learning.Request{
		AgentID: "agent-1",
		Start:   time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 7, 16, 0, 0, 0, 0, time.UTC),
		Tickers: []string{"AAPL"},
	})
	require.NoError(t, err)

	assert.NotEqual(t, domain.IterationFailed, it.Status)
	assert.NotEmpty(t, it.ScannerVersionID)
	assert.NotEmpty(t, it.BacktestID)
	assert.Equal(t, 1, it.SignalsFound)
	assert.Equal(t, 1, llm.analyzeCalls, "a non-discovery agent must get an analysis call")
	assert.NotNil(t, it.Analysis)

	_, persisted := knowledge.iterations[it.ID]
	assert.True(t, persisted)
}

func TestPipeline_Run_FailsAfterExhaustingGenerationRetries(t *testing.T) {
	ctx := context.Background()
	knowledge := newFakeKnowledgeStore()
	require.NoError(t, knowledge.SaveAgent(ctx, domain.Agent{
		ID:           "agent-2",
		Instructions: "buy breakouts",
		Status:       domain.AgentLearning,
	}))

	llm := &fakeLLM{scannerCode: `if price > highOfDay { emit("SHORT") }`} // trips whole_array_extremum every attempt
	pipeline := newPipeline(t, knowledge, llm, &stubWorker{})

	it, err := pipeline.Run(ctx, learning.Request{
		AgentID: "agent-2",
		Start:   time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 7, 16, 0, 0, 0, 0, time.UTC),
		Tickers: []string{"AAPL"},
	})
	require.NoError(t, err, "a rejected scanner is a normal outcome, not a Go error")

	assert.Equal(t, domain.IterationFailed, it.Status)
	assert.NotEmpty(t, it.FailureReasons)
	assert.Empty(t, it.ScannerVersionID, "no scanner version should be persisted for a failed generation")
}

func TestPipeline_Run_DiscoveryModeSkipsAnalysisAndUsesConservativeOnly(t *testing.T) {
	ctx := context.Background()
	knowledge := newFakeKnowledgeStore()
	require.NoError(t, knowledge.SaveAgent(ctx, domain.Agent{
		ID:            "agent-3",
		Instructions:  "find anything that works",
		Status:        domain.AgentLearning,
		DiscoveryMode: true,
	}))

	llm := &fakeLLM{scannerCode: cleanScannerCode}
	pipeline := newPipeline(t, knowledge, llm, &stubWorker{})

	it, err := pipeline.Run(ctx, learning.Request{
		AgentID: "agent-3",
		Start:   time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 7, 16, 0, 0, 0, 0, time.UTC),
		Tickers: []string{"AAPL"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.IterationCompleted, it.Status)
	assert.Nil(t, it.Analysis)
	assert.Equal(t, 0, llm.analyzeCalls, "discovery mode must skip the analysis step entirely")

	foundConservative := false
	for _, tpl := range knowledge.templates {
		if tpl.TemplateName == "Conservative Scalper" {
			foundConservative = true
		}
	}
	assert.True(t, foundConservative, "discovery mode must persist only the Conservative Scalper template hash")
	assert.Len(t, knowledge.templates, 1)
}
