// Package learning implements the Learning Iteration Pipeline (C6): one
// closed round of scanner generation, validation, backtesting, template
// scoring, expert analysis, and knowledge extraction for a single agent.
package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/tradelab/internal/application/backtest"
	"github.com/alejandrodnm/tradelab/internal/application/execution"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
	"github.com/alejandrodnm/tradelab/internal/validator"
)

// maxGenerationAttempts bounds scanner-regeneration retries on validator
// failure (§4.6 step 2: "max 3 attempts").
const maxGenerationAttempts = 3

// Auto-approval thresholds for promoting refinements into a new version of
// record (§4.6 step 10).
const (
	autoApproveMinWinRate     = 0.55
	autoApproveMinSharpe      = 1.5
	autoApproveMinTotalReturn = 0.02
	autoApproveMinTrades      = 10
)

// Request describes one iteration invocation (§4.6).
type Request struct {
	AgentID         string
	ManualGuidance  string
	ExecutionChoice ExecutionChoice
	Start, End      time.Time
	Tickers         []string
}

// ExecutionChoice selects step 4's resolution path: either a named catalogue
// template, or user-supplied custom code (§4.6 step 4).
type ExecutionChoice struct {
	TemplateName string // set for the named-template path
	CustomCode   string // set for the custom-code path
}

// Pipeline wires together the stores and engines a learning iteration needs.
type Pipeline struct {
	Knowledge ports.KnowledgeStore
	Bars      ports.BarStore
	Engine    *backtest.Engine
	LLM       ports.LLMCollaborator
}

// New builds a Pipeline.
func New(knowledge ports.KnowledgeStore, bars ports.BarStore, engine *backtest.Engine, llm ports.LLMCollaborator) *Pipeline {
	return &Pipeline{Knowledge: knowledge, Bars: bars, Engine: engine, LLM: llm}
}

// Run executes one iteration end-to-end per §4.6's 10 steps, returning the
// persisted Iteration. A validator-rejected scanner after the retry cap
// produces an Iteration with Status "failed" rather than a Go error, since a
// failed iteration is a normal, user-visible outcome (§7). Errors from the
// store and from the later steps (backtest, scoring, analysis) are returned
// as Go errors, which the CLI maps to an exit code by their errs.Kind.
func (p *Pipeline) Run(ctx context.Context, req Request) (domain.Iteration, error) {
	agent, err := p.Knowledge.GetAgent(ctx, req.AgentID)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}

	it := domain.Iteration{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		CreatedAt: time.Now().UTC(),
	}

	// Step 1-2: generate and validate, retrying on rejection.
	code, violations, failed := p.generateValid(ctx, agent, req.ManualGuidance)
	if failed {
		it.Status = domain.IterationFailed
		it.FailureReasons = violationMessages(violations)
		if err := p.Knowledge.SaveIteration(ctx, it); err != nil {
			return domain.Iteration{}, fmt.Errorf("learning.Run: persist failed iteration: %w", err)
		}
		return it, nil
	}

	// Step 3: persist scanner version.
	versionNum, err := p.Knowledge.NextScannerVersionNumber(ctx, req.AgentID)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}
	sv := domain.ScannerVersion{
		ID:               uuid.NewString(),
		AgentID:          req.AgentID,
		VersionNumber:    versionNum,
		Name:             domain.DeriveScannerName(agent.Instructions, versionNum),
		Code:             code,
		ModelTag:         "local-stub",
		GenerationPrompt: agent.Instructions,
		CreatedAt:        it.CreatedAt,
	}
	if err := p.Knowledge.SaveScannerVersion(ctx, sv); err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}
	it.ScannerVersionID = sv.ID

	// Step 4: resolve execution code, content-addressed dedup.
	templates, err := p.resolveExecutionTemplates(ctx, req.ExecutionChoice, agent.DiscoveryMode)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}

	// Step 5: run backtest.
	result, err := p.Engine.RunTickers(ctx, backtest.Request{
		AgentID:                    req.AgentID,
		ScannerCode:                code,
		Tickers:                    req.Tickers,
		Start:                      req.Start,
		End:                        req.End,
		AllowMultipleSignalsPerDay: agent.AllowMultipleSignalsPerDay,
	})
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}

	// Step 6: score templates, select winner.
	bars := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		day, perr := time.Parse("2006-01-02", signalDate)
		if perr != nil {
			return nil, perr
		}
		return p.Bars.BarsInRange(ctx, ticker, p.Engine.Timeframe, day, day.Add(24*time.Hour))
	})
	scorecards, winner, err := execution.ScoreAll(templates, result.Signals, bars)
	if err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}

	bt := domain.Backtest{
		ID:                uuid.NewString(),
		ScannerVersionID:  sv.ID,
		StartDate:         req.Start,
		EndDate:           req.End,
		Tickers:           req.Tickers,
		Signals:           result.Signals,
		Metrics:           scorecards,
		WinnerTemplate:    winner,
		Status:            domain.BacktestCompleted,
		TickerOutcomes:    result.TickerOutcomes,
		DuplicatesDropped: result.DuplicatesDropped,
	}
	if winner != "" {
		bt.Trades = scorecards[winner].Trades
	}
	if err := p.Knowledge.SaveBacktest(ctx, bt); err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}
	it.BacktestID = bt.ID
	it.SignalsFound = len(result.Signals)
	if winner != "" {
		it.TradesExecuted = scorecards[winner].TradeCount
	}

	zeroSignal := len(result.Signals) == 0

	// Steps 7-8: analyze + extract knowledge, skipped in discovery mode.
	if !agent.DiscoveryMode {
		var winnerCard domain.TemplateScorecard
		if winner != "" {
			winnerCard = scorecards[winner]
		}
		analysis, err := p.LLM.AnalyzeResults(ctx, ports.ResultsForAnalysis{
			Backtest:       bt,
			WinnerTemplate: winnerCard,
			ZeroSignal:     zeroSignal,
		})
		if err != nil {
			return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
		}
		it.Analysis = &analysis

		if err := p.extractKnowledge(ctx, req.AgentID, it.ID, analysis, winnerCard); err != nil {
			return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
		}

		// Step 10: auto-approval of refinements.
		if winner != "" && meetsAutoApproval(scorecards[winner]) {
			it.Refinements = refinementsFromAnalysis(analysis)
			it.Status = domain.IterationApproved
		} else {
			it.Status = domain.IterationCompleted
		}
	} else {
		it.Status = domain.IterationCompleted
	}

	if err := p.Knowledge.SaveIteration(ctx, it); err != nil {
		return domain.Iteration{}, fmt.Errorf("learning.Run: %w", err)
	}
	return it, nil
}

// generateValid drives steps 1-2: generate, validate, and regenerate on
// rejection up to maxGenerationAttempts. failed is true when every attempt
// was rejected, in which case violations holds the final attempt's findings.
func (p *Pipeline) generateValid(ctx context.Context, agent domain.Agent, manualGuidance string) (code string, violations []validator.Violation, failed bool) {
	knowledge, _ := p.Knowledge.KnowledgeForAgent(ctx, agent.ID)
	summary := summarizeKnowledge(knowledge)

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		candidate, err := p.LLM.GenerateScanner(ctx, ports.ScannerGenerationRequest{
			AgentInstructions: agent.Instructions,
			KnowledgeSummary:  summary,
			ManualGuidance:    manualGuidance,
		})
		if err != nil {
			return "", nil, true
		}
		result := validator.Validate(candidate)
		if result.IsValid {
			return candidate, nil, false
		}
		violations = result.Violations
	}
	return "", violations, true
}

func violationMessages(violations []validator.Violation) []string {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Rule + ": " + v.Message
	}
	return msgs
}

// summarizeKnowledge renders accumulated knowledge rows into the free-text
// summary the collaborator uses to avoid repeating known-bad parameters.
func summarizeKnowledge(rows []domain.AgentKnowledge) string {
	summary := ""
	for _, r := range rows {
		summary += fmt.Sprintf("[%s, confidence=%.2f] %s\n", r.KnowledgeType, r.Confidence, r.InsightText)
	}
	return summary
}

// resolveExecutionTemplates implements step 4. Discovery mode restricts
// scoring to the Conservative catalogue entry for iteration speed (§4.6).
func (p *Pipeline) resolveExecutionTemplates(ctx context.Context, choice ExecutionChoice, discoveryMode bool) ([]execution.Template, error) {
	if discoveryMode {
		tpl, ok := execution.ByName("Conservative Scalper")
		if !ok {
			return nil, fmt.Errorf("resolveExecutionTemplates: Conservative Scalper template missing from catalogue")
		}
		if err := p.persistTemplateHash(ctx, tpl.Name, renderTemplateCode(tpl)); err != nil {
			return nil, err
		}
		return []execution.Template{tpl}, nil
	}

	if choice.TemplateName != "" {
		tpl, ok := execution.ByName(choice.TemplateName)
		if !ok {
			return nil, fmt.Errorf("resolveExecutionTemplates: unknown template %q", choice.TemplateName)
		}
		if err := p.persistTemplateHash(ctx, tpl.Name, renderTemplateCode(tpl)); err != nil {
			return nil, err
		}
		return []execution.Template{tpl}, nil
	}
	if choice.CustomCode != "" {
		if err := p.persistTemplateHash(ctx, "Custom", choice.CustomCode); err != nil {
			return nil, err
		}
		// Custom execution code describes an exit policy outside the fixed
		// catalogue; scoring still runs the full catalogue alongside it so
		// the winner selection in step 6 has a baseline to beat.
		return execution.Catalogue, nil
	}
	return execution.Catalogue, nil
}

// persistTemplateHash implements the content-addressed dedup of step 4:
// identical code never creates a second row.
func (p *Pipeline) persistTemplateHash(ctx context.Context, name, code string) error {
	hash := domain.HashCode(code)
	if _, exists, err := p.Knowledge.GetExecutionTemplateByHash(ctx, hash); err != nil {
		return err
	} else if exists {
		return nil
	}
	return p.Knowledge.SaveExecutionTemplate(ctx, domain.NewExecutionTemplate(name, code))
}

func renderTemplateCode(tpl execution.Template) string {
	return fmt.Sprintf("template=%s stop=%.4f target=%.4f trail=%.4f time_exit_bars=%d pre_close_minutes=%d use_atr=%v",
		tpl.Name, tpl.StopLossPct, tpl.TakeProfitPct, tpl.TrailingStopPct, tpl.TimeExitBars, tpl.PreCloseMinutes, tpl.UseATR)
}

func meetsAutoApproval(sc domain.TemplateScorecard) bool {
	metricsImproved := 0
	if sc.WinRate >= autoApproveMinWinRate {
		metricsImproved++
	}
	if sc.SharpeRatio >= autoApproveMinSharpe {
		metricsImproved++
	}
	if sc.TotalReturn >= autoApproveMinTotalReturn {
		metricsImproved++
	}
	return sc.TradeCount >= autoApproveMinTrades && metricsImproved >= 2
}

func refinementsFromAnalysis(analysis domain.ExpertAnalysis) *domain.Refinements {
	changes := make(map[string]string, len(analysis.ParameterRecommendations))
	for _, rec := range analysis.ParameterRecommendations {
		changes[rec.Parameter] = rec.Value
	}
	return &domain.Refinements{ParameterChanges: changes, Notes: analysis.Summary}
}
