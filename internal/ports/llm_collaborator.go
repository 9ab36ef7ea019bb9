package ports

import (
	"context"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// ScannerGenerationRequest carries everything the collaborator needs to
// produce a new scanner version (§6, §4.6 step 1).
type ScannerGenerationRequest struct {
	AgentInstructions string
	KnowledgeSummary  string
	ManualGuidance    string
}

// ResultsForAnalysis is the backtest/template output handed to the
// collaborator's analyzeResults capability (§4.6 step 7).
type ResultsForAnalysis struct {
	Backtest       domain.Backtest
	WinnerTemplate domain.TemplateScorecard
	ZeroSignal     bool // true when the backtest produced zero trades
}

// LLMCollaborator models the external NL<->code collaborator (§6). The
// shipped adapter is a deterministic local stub; a real implementation
// would call out to a hosted model.
type LLMCollaborator interface {
	// GenerateScanner produces new scanner source code from instructions,
	// accumulated knowledge, and optional manual guidance.
	GenerateScanner(ctx context.Context, req ScannerGenerationRequest) (code string, err error)

	// AnalyzeResults produces a structured expert analysis of a completed
	// backtest. When req.ZeroSignal is true, the analysis is constrained to
	// explaining the absence of signals and suggesting looser filters.
	AnalyzeResults(ctx context.Context, req ResultsForAnalysis) (domain.ExpertAnalysis, error)

	// ExtractDates parses a free-text date range out of manual guidance, used
	// by the CLI when a user supplies natural-language date phrases.
	ExtractDates(ctx context.Context, text string) (start, end string, err error)

	// GenerateCustomExecution produces custom execution-template code from a
	// free-text description, for the user-supplied-code path of §4.6 step 4.
	GenerateCustomExecution(ctx context.Context, description string) (code string, err error)
}
