package domain

import "time"

// KnowledgeType classifies an AgentKnowledge row.
type KnowledgeType string

const (
	KnowledgeInsight       KnowledgeType = "INSIGHT"
	KnowledgeParameterPref KnowledgeType = "PARAMETER_PREF"
	KnowledgePatternRule   KnowledgeType = "PATTERN_RULE"
)

// AgentKnowledge is one piece of accumulated, upsert-by-identity learning for
// an agent. Identity is (AgentID, KnowledgeType, PatternType, normalized
// InsightText); re-encountering the same identity increments TimesValidated
// and refreshes LastValidated instead of inserting a duplicate row.
type AgentKnowledge struct {
	ID                  string
	AgentID             string
	KnowledgeType       KnowledgeType
	PatternType         string // optional sub-classification, e.g. "breakout", "volume_filter"
	InsightText         string
	SupportingData      map[string]float64
	Confidence          float64 // 0-1
	LearnedFromIteration string
	TimesValidated      int
	LastValidated       time.Time
}

// knowledgeConfidenceDecayStep is the fixed step subtracted from a knowledge
// row's confidence each time its projected improvement under-delivers in a
// subsequent iteration (spec §9 decay policy; design knob, default 0.1).
const knowledgeConfidenceDecayStep = 0.1

// minKnowledgeConfidence is the threshold below which a row is deleted.
const minKnowledgeConfidence = 0.1

// Decay reduces confidence by the fixed step and reports whether the row
// should now be deleted.
func (k *AgentKnowledge) Decay() (shouldDelete bool) {
	k.Confidence -= knowledgeConfidenceDecayStep
	return k.Confidence < minKnowledgeConfidence
}

// Reinforce bumps TimesValidated and LastValidated on re-encounter of the
// same (agent, type, pattern_type, insight) identity.
func (k *AgentKnowledge) Reinforce(now time.Time) {
	k.TimesValidated++
	k.LastValidated = now
}

// Identity returns the upsert key for this knowledge row.
func (k AgentKnowledge) Identity() KnowledgeIdentity {
	return KnowledgeIdentity{
		AgentID:       k.AgentID,
		KnowledgeType: k.KnowledgeType,
		PatternType:   k.PatternType,
		InsightText:   normalizeInsight(k.InsightText),
	}
}

// KnowledgeIdentity is the natural (non-surrogate) key used for upsert.
type KnowledgeIdentity struct {
	AgentID       string
	KnowledgeType KnowledgeType
	PatternType   string
	InsightText   string
}

func normalizeInsight(s string) string {
	return normalizeWhitespace(lower(s))
}
