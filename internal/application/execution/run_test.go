package execution_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/application/execution"
	"github.com/alejandrodnm/tradelab/internal/domain"
)

func dayBars(ticker string, day time.Time, closes []float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	t := day
	for i, c := range closes {
		high := c + 0.05
		low := c - 0.05
		bars[i] = domain.Bar{
			Ticker:    ticker,
			Timeframe: domain.Timeframe5Min,
			Timestamp: t,
			Open:      c,
			High:      high,
			Low:       low,
			Close:     c,
			Volume:    1000,
		}
		t = t.Add(5 * time.Minute)
	}
	return bars
}

func TestRun_ConservativeScalper_TargetHit(t *testing.T) {
	day := time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC) // 09:30 ET (EDT, summer)
	bars := dayBars("AAPL", day, []float64{100, 100.2, 100.4, 101.6, 101.7})

	sig := domain.Signal{
		Ticker:     "AAPL",
		SignalDate: "2024-07-15",
		SignalTime: "09:30:00",
		Direction:  domain.DirectionLong,
	}

	tpl, ok := execution.ByName("Conservative Scalper")
	require.True(t, ok)

	source := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		return bars, nil
	})

	sc, err := execution.Run(tpl, []domain.Signal{sig}, source)
	require.NoError(t, err)
	require.Equal(t, 1, sc.TradeCount)
	assert.Equal(t, domain.ExitTakeProfit, sc.Trades[0].ExitReason)
	assert.Greater(t, sc.Trades[0].PnL, 0.0)
}

func TestRun_ConservativeScalper_StopHit(t *testing.T) {
	day := time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC)
	bars := dayBars("AAPL", day, []float64{100, 99.8, 99.5, 98.8, 98.5})

	sig := domain.Signal{
		Ticker:     "AAPL",
		SignalDate: "2024-07-15",
		SignalTime: "09:30:00",
		Direction:  domain.DirectionLong,
	}

	tpl, ok := execution.ByName("Conservative Scalper")
	require.True(t, ok)

	source := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		return bars, nil
	})

	sc, err := execution.Run(tpl, []domain.Signal{sig}, source)
	require.NoError(t, err)
	require.Equal(t, 1, sc.TradeCount)
	assert.Equal(t, domain.ExitStopLoss, sc.Trades[0].ExitReason)
	assert.Less(t, sc.Trades[0].PnL, 0.0)
}

func TestScoreAll_ScoresEveryTemplate(t *testing.T) {
	day := time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC)
	bars := dayBars("AAPL", day, []float64{100, 100.2, 100.4, 101.6, 101.7, 101.9, 102.1})

	sig := domain.Signal{
		Ticker:     "AAPL",
		SignalDate: "2024-07-15",
		SignalTime: "09:30:00",
		Direction:  domain.DirectionLong,
	}

	source := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		return bars, nil
	})

	scorecards, winner, err := execution.ScoreAll(execution.Catalogue, []domain.Signal{sig}, source)
	require.NoError(t, err)
	assert.Len(t, scorecards, len(execution.Catalogue), "every catalogue template must produce a scorecard")
	assert.NotEmpty(t, winner)
	assert.Contains(t, scorecards, winner)
}

func TestScoreAll_NoWinnerWhenNoTemplateTrades(t *testing.T) {
	source := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
		return nil, nil
	})
	scorecards, winner, err := execution.ScoreAll(execution.Catalogue, nil, source)
	require.NoError(t, err)
	assert.Empty(t, winner)
	for _, sc := range scorecards {
		assert.Equal(t, 0, sc.TradeCount)
	}
}
