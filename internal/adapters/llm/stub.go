// Package llm provides the shipped stand-in for the external NL<->code
// collaborator (§6). Natural-language-to-code generation and LLM prompt
// engineering are explicitly out of scope (spec §1 Non-goals); this adapter
// is a deterministic, local, no-network implementation that fabricates
// plausible structured responses from its inputs, so the Learning Iteration
// Pipeline (C6) is fully exercisable without a hosted model.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
)

// Stub implements ports.LLMCollaborator without any network call.
type Stub struct{}

// New builds a Stub collaborator.
func New() *Stub { return &Stub{} }

// GenerateScanner emits a deterministic scan-rule (§ internal/scanrule)
// derived from the instructions' keywords, so repeated calls with the same
// instructions are idempotent and testable.
func (s *Stub) GenerateScanner(ctx context.Context, req ports.ScannerGenerationRequest) (string, error) {
	direction := "LONG"
	lower := strings.ToLower(req.AgentInstructions + " " + req.ManualGuidance)
	if strings.Contains(lower, "short") || strings.Contains(lower, "breakdown") {
		direction = "SHORT"
	}

	op := "gt"
	compare := "sma20"
	if strings.Contains(lower, "short") {
		op = "lt"
	}
	if strings.Contains(lower, "volume") {
		compare = "avg_volume20"
	}

	name := req.AgentInstructions
	if name == "" {
		name = "Generated Scanner"
	}

	code := fmt.Sprintf(`name: %q
direction: %s
pattern_strength: 65
rules:
  - metric: close
    op: %s
    compare: %s
`, name, direction, op, compare)
	return code, nil
}

// AnalyzeResults fabricates an ExpertAnalysis from the backtest's own
// scorecard numbers: no external judgement is invented, only reworded.
func (s *Stub) AnalyzeResults(ctx context.Context, req ports.ResultsForAnalysis) (domain.ExpertAnalysis, error) {
	if req.ZeroSignal {
		return domain.ExpertAnalysis{
			Summary: "Scanner produced zero signals over the backtest window.",
			MissingContext: []string{
				"Entry conditions may be too restrictive for the selected tickers/date range.",
			},
			ParameterRecommendations: []domain.ParameterRecommendation{
				{Parameter: "pattern_strength", Value: "50", Rationale: "Loosen the minimum pattern strength to surface borderline setups."},
			},
			ProjectedPerformance: domain.ProjectedPerformance{Confidence: 0.4},
		}, nil
	}

	wc := req.WinnerTemplate
	summary := fmt.Sprintf("Winning template %q produced %d trades, win rate %.2f, profit factor %.2f.",
		wc.TemplateName, wc.TradeCount, wc.WinRate, wc.ProfitFactor)

	analysis := domain.ExpertAnalysis{
		Summary: summary,
		ProjectedPerformance: domain.ProjectedPerformance{
			ExpectedWinRate: wc.WinRate,
			ExpectedSharpe:  wc.SharpeRatio,
			Confidence:      confidenceFromSampleSize(wc.TradeCount),
		},
	}
	if wc.WinRate >= 0.5 {
		analysis.WorkingElements = append(analysis.WorkingElements, domain.AnalysisElement{
			Description: fmt.Sprintf("Entry filter held up across %d trades with a %.0f%% win rate.", wc.TradeCount, wc.WinRate*100),
			Confidence:  confidenceFromSampleSize(wc.TradeCount),
		})
	} else {
		analysis.FailurePoints = append(analysis.FailurePoints, domain.AnalysisElement{
			Description: fmt.Sprintf("Win rate of %.0f%% suggests the entry filter is not selective enough.", wc.WinRate*100),
			Confidence:  0.8,
		})
	}
	if wc.AvgLossPct != 0 && wc.AvgWinPct != 0 && -wc.AvgLossPct > wc.AvgWinPct {
		analysis.FailurePoints = append(analysis.FailurePoints, domain.AnalysisElement{
			Description: "Average loss exceeds average win; exit template's stop is wider than its target.",
			Confidence:  0.8,
		})
	}
	analysis.MissingContext = append(analysis.MissingContext,
		"Backtest covers a single ticker/date window; broader validation would need more history.")
	analysis.ParameterRecommendations = append(analysis.ParameterRecommendations, domain.ParameterRecommendation{
		Parameter: "pattern_strength",
		Value:     "70",
		Rationale: "Raise the minimum pattern strength to trade only the highest-conviction setups.",
	})
	return analysis, nil
}

func confidenceFromSampleSize(trades int) float64 {
	switch {
	case trades >= 30:
		return 0.9
	case trades >= 10:
		return 0.7
	case trades >= 1:
		return 0.5
	default:
		return 0.3
	}
}

// ExtractDates parses a handful of common natural-language date phrases.
// Anything else falls back to the last 30 days ending today, where today is
// the current UTC date from time.Now.
func (s *Stub) ExtractDates(ctx context.Context, text string) (start, end string, err error) {
	lower := strings.ToLower(text)
	now := time.Now().UTC()
	switch {
	case strings.Contains(lower, "last week"):
		return now.AddDate(0, 0, -7).Format("2006-01-02"), now.Format("2006-01-02"), nil
	case strings.Contains(lower, "last month"):
		return now.AddDate(0, -1, 0).Format("2006-01-02"), now.Format("2006-01-02"), nil
	case strings.Contains(lower, "last year"):
		return now.AddDate(-1, 0, 0).Format("2006-01-02"), now.Format("2006-01-02"), nil
	default:
		return now.AddDate(0, 0, -30).Format("2006-01-02"), now.Format("2006-01-02"), nil
	}
}

// GenerateCustomExecution emits a placeholder custom execution template
// description as code comments; the actual exit logic is still provided by
// the caller choosing a catalogue entry, since executing arbitrary
// generated exit code is out of scope here.
func (s *Stub) GenerateCustomExecution(ctx context.Context, description string) (string, error) {
	return fmt.Sprintf("# custom execution template\n# description: %s\n", description), nil
}
