package scanrule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/scanrule"
)

func TestParse_AppliesDirectionAndPatternStrengthDefaults(t *testing.T) {
	r, err := scanrule.Parse(`
name: breakout
tickers: [AAPL, MSFT]
rules:
  - metric: close
    op: gt
    compare: sma20
`)
	require.NoError(t, err)
	assert.Equal(t, "breakout", r.Name)
	assert.Equal(t, string(domain.DirectionLong), r.Direction)
	assert.Equal(t, 60.0, r.PatternStrength)
	assert.Equal(t, []string{"AAPL", "MSFT"}, r.IntendedUniverse())
}

func TestParse_RespectsExplicitDirectionAndStrength(t *testing.T) {
	r, err := scanrule.Parse(`
name: breakdown
direction: SHORT
pattern_strength: 85
rules: []
`)
	require.NoError(t, err)
	assert.Equal(t, "SHORT", r.Direction)
	assert.Equal(t, 85.0, r.PatternStrength)
}

func barsAt(closes []float64) []domain.Bar {
	base := time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Ticker:    "AAPL",
			Timeframe: domain.Timeframe5Min,
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      c,
			High:      c + 0.1,
			Low:       c - 0.1,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func TestEvaluate_GreaterThanFixedValueFires(t *testing.T) {
	rule, err := scanrule.Parse(`
name: high-close
rules:
  - metric: close
    op: gt
    value: 100
`)
	require.NoError(t, err)

	sig, fired, err := scanrule.Evaluate(rule, barsAt([]float64{99, 101}))
	require.NoError(t, err)
	require.True(t, fired)
	assert.Equal(t, domain.DirectionLong, sig.Direction)
	assert.True(t, sig.Valid())
}

func TestEvaluate_DoesNotFireWhenConditionUnmet(t *testing.T) {
	rule, err := scanrule.Parse(`
name: high-close
rules:
  - metric: close
    op: gt
    value: 500
`)
	require.NoError(t, err)

	_, fired, err := scanrule.Evaluate(rule, barsAt([]float64{99, 101}))
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestEvaluate_CrossesUpRequiresPriorBarBelowTarget(t *testing.T) {
	rule, err := scanrule.Parse(`
name: crosses-sma
rules:
  - metric: close
    op: crosses_up
    compare: sma20
`)
	require.NoError(t, err)

	// SMA20 averages over the whole available prefix. A flat run puts the
	// prior bar's close exactly at its own trailing average; a sharp jump on
	// the final bar pushes the current close above its (barely moved) average.
	closes := []float64{90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 90, 120}
	_, fired, err := scanrule.Evaluate(rule, barsAt(closes))
	require.NoError(t, err)
	assert.True(t, fired, "a close jumping well above its trailing SMA20 should cross up")
}

func TestEvaluate_EmptyBarsNeverFires(t *testing.T) {
	rule, err := scanrule.Parse("name: x\nrules: []")
	require.NoError(t, err)
	_, fired, err := scanrule.Evaluate(rule, nil)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestEvaluate_UnknownMetricIsAnError(t *testing.T) {
	rule, err := scanrule.Parse(`
name: bad
rules:
  - metric: not_a_real_metric
    op: gt
    value: 1
`)
	require.NoError(t, err)
	_, _, err = scanrule.Evaluate(rule, barsAt([]float64{100}))
	assert.Error(t, err)
}
