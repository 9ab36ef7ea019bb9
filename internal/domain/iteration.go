package domain

import "time"

// IterationStatus is the outcome state of one learning iteration.
type IterationStatus string

const (
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
	IterationApproved  IterationStatus = "approved"
	IterationRejected  IterationStatus = "rejected"
)

// ExpertAnalysis is the structured output of the LLM Collaborator's
// analyzeResults capability (§6).
type ExpertAnalysis struct {
	Summary                 string
	WorkingElements         []AnalysisElement
	FailurePoints           []AnalysisElement
	MissingContext          []string
	ParameterRecommendations []ParameterRecommendation
	ProjectedPerformance    ProjectedPerformance
}

// AnalysisElement is one named observation with an associated confidence,
// used for both working_elements and failure_points.
type AnalysisElement struct {
	Description string
	Confidence  float64
}

// ParameterRecommendation is one suggested parameter change with a rationale.
type ParameterRecommendation struct {
	Parameter string
	Value     string
	Rationale string
}

// ProjectedPerformance is the LLM Collaborator's forecast for the next
// iteration, used to seed PARAMETER_PREF knowledge confidence.
type ProjectedPerformance struct {
	ExpectedWinRate float64
	ExpectedSharpe  float64
	Confidence      float64
}

// Refinements is the set of parameter/strategy changes carried forward into
// a new version of record when an iteration auto-approves.
type Refinements struct {
	ParameterChanges map[string]string
	Notes            string
}

// Iteration is one closed round of (generate scanner -> backtest -> score ->
// analyze -> learn) for an agent.
type Iteration struct {
	ID               string
	AgentID          string
	IterationNumber  int
	ScannerVersionID string
	BacktestID       string
	Analysis         *ExpertAnalysis
	Refinements      *Refinements
	Status           IterationStatus
	CreatedAt        time.Time

	// User-visible result summary (§7).
	TradesExecuted  int
	SignalsFound    int
	FailureReasons  []string
}
