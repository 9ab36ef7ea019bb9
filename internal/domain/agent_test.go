package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentStatus_IsUpgrade(t *testing.T) {
	assert.True(t, AgentLearning.IsUpgrade(AgentPaperTrading))
	assert.True(t, AgentPaperTrading.IsUpgrade(AgentLiveTrading))
	assert.True(t, AgentLearning.IsUpgrade(AgentLiveTrading))
	assert.False(t, AgentPaperTrading.IsUpgrade(AgentLearning))
	assert.False(t, AgentLiveTrading.IsUpgrade(AgentLiveTrading))
}

func TestSignal_Valid(t *testing.T) {
	assert.True(t, Signal{Direction: DirectionLong, PatternStrength: 50}.Valid())
	assert.False(t, Signal{Direction: "SIDEWAYS", PatternStrength: 50}.Valid())
	assert.False(t, Signal{Direction: DirectionLong, PatternStrength: 101}.Valid())
	assert.False(t, Signal{Direction: DirectionLong, PatternStrength: -1}.Valid())
}
