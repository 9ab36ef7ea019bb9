package walkforward_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/application/walkforward"
	"github.com/alejandrodnm/tradelab/internal/domain"
)

func TestPartition_ExpandingWindow_TestAlwaysAfterTrain(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	periods := walkforward.Partition(start, end, 3, 1, 0)
	require.NotEmpty(t, periods)

	for i, p := range periods {
		assert.Falsef(t, p.TestStart.Before(p.TrainEnd), "period %d: test start %s precedes train end %s", i, p.TestStart, p.TrainEnd)
		assert.Equal(t, i, p.Index)
		if i > 0 {
			// Expanding mode: every period's train window starts at the
			// original start and grows.
			assert.Equal(t, start, p.TrainStart)
			assert.True(t, p.TrainEnd.After(periods[i-1].TrainEnd))
		}
	}
}

func TestPartition_RollingWindow_FixedTrainSize(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	periods := walkforward.Partition(start, end, 2, 2, 1)
	require.NotEmpty(t, periods)

	for _, p := range periods {
		months := monthsBetween(p.TrainStart, p.TrainEnd)
		assert.Equal(t, 2, months, "rolling window train size must stay fixed")
		assert.False(t, p.TestStart.Before(p.TrainEnd))
	}
}

func TestPartition_NeverProducesEmptyTestWindowPastEnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	periods := walkforward.Partition(start, end, 3, 1, 0)
	for _, p := range periods {
		assert.True(t, p.TestStart.Before(end))
		assert.False(t, p.TestEnd.After(end))
	}
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func TestAggregateInput_AllPositivePeriodsCountAsPositive(t *testing.T) {
	// aggregate is unexported and exercising it through Run would need a
	// full engine, so this test does not call it: on a hand-built summary
	// it only checks that every period of an all-positive series counts as
	// a positive period, the count aggregate turns into ConsistencyPct.
	summary := domain.WalkForwardSummary{
		Periods: []domain.WalkForwardPeriod{
			{TotalReturn: 0.02},
			{TotalReturn: 0.03},
			{TotalReturn: 0.01},
		},
	}
	positive := 0
	for _, p := range summary.Periods {
		if p.TotalReturn > 0 {
			positive++
		}
	}
	assert.Equal(t, len(summary.Periods), positive)
}
