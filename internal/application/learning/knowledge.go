package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// expectedWinRateKey and expectedSharpeKey stash the ProjectedPerformance a
// PARAMETER_PREF knowledge row was learned with, so a later iteration that
// re-encounters the same identity can check whether its forecast panned out.
const (
	expectedWinRateKey = "expected_win_rate"
	expectedSharpeKey  = "expected_sharpe"
)

// extractKnowledge implements step 8: map an ExpertAnalysis into upserted
// AgentKnowledge rows, applying the decay policy (spec §9) to rows the
// agent has already learned once: a PARAMETER_PREF row whose projected win
// rate and Sharpe ratio the actual winning template failed to reach this
// iteration decays by a fixed step and is deleted once confidence drops
// below the floor; every other re-encounter reinforces instead.
func (p *Pipeline) extractKnowledge(ctx context.Context, agentID, iterationID string, analysis domain.ExpertAnalysis, actual domain.TemplateScorecard) error {
	now := time.Now().UTC()

	existing, err := p.Knowledge.KnowledgeForAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("extractKnowledge: %w", err)
	}
	byIdentity := make(map[domain.KnowledgeIdentity]domain.AgentKnowledge, len(existing))
	for _, k := range existing {
		byIdentity[k.Identity()] = k
	}

	upsert := func(knowledgeType domain.KnowledgeType, patternType, text string, confidence, expectedWinRate, expectedSharpe float64) error {
		identity := domain.AgentKnowledge{AgentID: agentID, KnowledgeType: knowledgeType, PatternType: patternType, InsightText: text}.Identity()
		if prior, ok := byIdentity[identity]; ok {
			return p.reencounterKnowledge(ctx, prior, actual, now)
		}

		k := domain.AgentKnowledge{
			ID:                   uuid.NewString(),
			AgentID:              agentID,
			KnowledgeType:        knowledgeType,
			PatternType:          patternType,
			InsightText:          text,
			Confidence:           confidence,
			LearnedFromIteration: iterationID,
			TimesValidated:       1,
			LastValidated:        now,
		}
		if expectedWinRate != 0 || expectedSharpe != 0 {
			k.SupportingData = map[string]float64{
				expectedWinRateKey: expectedWinRate,
				expectedSharpeKey:  expectedSharpe,
			}
		}
		return p.Knowledge.UpsertKnowledge(ctx, k)
	}

	for _, rec := range analysis.ParameterRecommendations {
		text := fmt.Sprintf("%s -> %s (%s)", rec.Parameter, rec.Value, rec.Rationale)
		if err := upsert(domain.KnowledgeParameterPref, rec.Parameter, text, analysis.ProjectedPerformance.Confidence,
			analysis.ProjectedPerformance.ExpectedWinRate, analysis.ProjectedPerformance.ExpectedSharpe); err != nil {
			return err
		}
	}
	for _, el := range analysis.WorkingElements {
		if err := upsert(domain.KnowledgePatternRule, "positive", el.Description, el.Confidence, 0, 0); err != nil {
			return err
		}
	}
	for _, el := range analysis.FailurePoints {
		conf := el.Confidence
		if conf == 0 {
			conf = 0.8
		}
		if err := upsert(domain.KnowledgePatternRule, "negative", el.Description, conf, 0, 0); err != nil {
			return err
		}
	}
	for _, note := range analysis.MissingContext {
		if err := upsert(domain.KnowledgeInsight, "", note, 0.7, 0, 0); err != nil {
			return err
		}
	}
	return nil
}

// reencounterKnowledge applies the decay-or-reinforce policy to a knowledge
// row whose identity was already learned in a prior iteration.
func (p *Pipeline) reencounterKnowledge(ctx context.Context, prior domain.AgentKnowledge, actual domain.TemplateScorecard, now time.Time) error {
	underDelivered := false
	if prior.KnowledgeType == domain.KnowledgeParameterPref && prior.SupportingData != nil {
		expectedWinRate := prior.SupportingData[expectedWinRateKey]
		expectedSharpe := prior.SupportingData[expectedSharpeKey]
		if expectedWinRate > 0 && actual.WinRate < expectedWinRate && actual.SharpeRatio < expectedSharpe {
			underDelivered = true
		}
	}

	if underDelivered {
		if shouldDelete := prior.Decay(); shouldDelete {
			return p.Knowledge.DeleteKnowledge(ctx, prior.ID)
		}
		return p.Knowledge.UpsertKnowledge(ctx, prior)
	}

	prior.Reinforce(now)
	return p.Knowledge.UpsertKnowledge(ctx, prior)
}
