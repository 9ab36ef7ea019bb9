package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/tradelab/internal/validator"
)

func TestValidate_AcceptsCleanScanner(t *testing.T) {
	code := `
for i := warmup; i < len(bars); i++ {
    if bars[i].Close > bars[i-1].Close {
        emit("LONG")
    }
}
`
	result := validator.Validate(code)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Violations)
}

func TestValidate_RejectsHighOfDay(t *testing.T) {
	result := validator.Validate(`if price > highOfDay { emit("SHORT") }`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "whole_array_extremum")
}

func TestValidate_RejectsFutureIndexSlice(t *testing.T) {
	result := validator.Validate(`future := bars[i+5]`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "future_index_slice")
}

func TestValidate_RejectsPeakLookahead(t *testing.T) {
	result := validator.Validate(`target := bars[peak_index + 3].Close`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "peak_index_lookahead")
}

func TestValidate_RejectsFullArrayAggregate(t *testing.T) {
	result := validator.Validate(`avg := average(bars)`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "full_array_aggregate")
}

func TestValidate_RejectsUnbalancedBraces(t *testing.T) {
	result := validator.Validate(`if bars[i].Close > 0 {`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "truncated_output")
}

func TestValidate_RejectsUnterminatedString(t *testing.T) {
	result := validator.Validate(`emit("LONG`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "truncated_output")
}

func TestValidate_RejectsDanglingOperator(t *testing.T) {
	result := validator.Validate(`x := bars[i].Close +`)
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "truncated_output")
}

func TestValidate_RejectsEmptySource(t *testing.T) {
	result := validator.Validate("   \n  ")
	assert.False(t, result.IsValid)
	assertHasRule(t, result, "truncated_output")
}

func assertHasRule(t *testing.T, result validator.Result, rule string) {
	t.Helper()
	for _, v := range result.Violations {
		if v.Rule == rule {
			return
		}
	}
	t.Fatalf("expected a violation with rule %q, got %+v", rule, result.Violations)
}
