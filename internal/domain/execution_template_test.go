package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashCode_IdenticalCodeSameHash(t *testing.T) {
	a := HashCode("stop=0.01\ntarget=0.02\n")
	b := HashCode("stop=0.01\ntarget=0.02\n")
	assert.Equal(t, a, b)
}

func TestHashCode_IgnoresCosmeticDifferences(t *testing.T) {
	a := HashCode("stop=0.01\ntarget=0.02")
	b := HashCode("stop=0.01\r\ntarget=0.02\n\n")
	assert.Equal(t, a, b, "trailing whitespace and CRLF must not change the content hash")
}

func TestHashCode_DifferentCodeDifferentHash(t *testing.T) {
	a := HashCode("stop=0.01")
	b := HashCode("stop=0.02")
	assert.NotEqual(t, a, b)
}

func TestNewExecutionTemplate_IDIsContentHash(t *testing.T) {
	tpl := NewExecutionTemplate("Custom", "stop=0.01")
	assert.Equal(t, HashCode("stop=0.01"), tpl.ID)
	assert.Equal(t, tpl.ID, tpl.CodeHash)
}
