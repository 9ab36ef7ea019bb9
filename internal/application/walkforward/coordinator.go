// Package walkforward implements the Walk-Forward Coordinator (C7):
// partitions a date range into disjoint train/test windows, runs one
// scanner (generated once against the first training window, per §4.7's
// hybrid walk-forward rule) against every test window, and aggregates the
// test-period returns with standard statistical tests.
package walkforward

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alejandrodnm/tradelab/internal/application/backtest"
	"github.com/alejandrodnm/tradelab/internal/application/execution"
	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/ports"
)

// Request describes one coordinator run (§4.7).
type Request struct {
	AgentID       string
	ScannerCode   string
	Tickers       []string
	Start, End    time.Time
	TrainMonths   int
	TestMonths    int
	OverlapMonths int
	AllowMultiple bool
}

// Coordinator runs C3/C4 over successive walk-forward periods.
type Coordinator struct {
	Engine *backtest.Engine
	Bars   ports.BarStore
}

// New builds a Coordinator over the given backtest engine and bar store.
func New(engine *backtest.Engine, bars ports.BarStore) *Coordinator {
	return &Coordinator{Engine: engine, Bars: bars}
}

// Partition splits [start, end] into train/test period pairs (§4.7).
// OverlapMonths == 0 produces an expanding window (train grows from the
// fixed start, test slides forward); OverlapMonths > 0 produces a rolling
// window of fixed size trainMonths that advances by (testMonths -
// overlapMonths) each period, or by testMonths when that difference is not
// positive. Every period's test range starts where its train range ends,
// never before it (§8 property 7).
func Partition(start, end time.Time, trainMonths, testMonths, overlapMonths int) []domain.WalkForwardPeriod {
	mode := domain.WalkForwardRolling
	if overlapMonths == 0 {
		mode = domain.WalkForwardExpanding
	}

	var periods []domain.WalkForwardPeriod
	trainStart := start
	idx := 0

	for {
		trainEnd := addMonths(trainStart, trainMonths)
		if mode == domain.WalkForwardExpanding {
			trainEnd = addMonths(start, trainMonths*(idx+1))
		}
		testStart := trainEnd
		testEnd := addMonths(testStart, testMonths)
		if testEnd.After(end) {
			testEnd = end
		}
		if !testStart.Before(end) {
			break
		}

		periods = append(periods, domain.WalkForwardPeriod{
			Index:      idx,
			TrainStart: trainStart,
			TrainEnd:   trainEnd,
			TestStart:  testStart,
			TestEnd:    testEnd,
		})

		idx++
		if mode == domain.WalkForwardRolling {
			advance := testMonths - overlapMonths
			if advance <= 0 {
				advance = testMonths
			}
			trainStart = addMonths(trainStart, advance)
		}
		if testEnd.Equal(end) || testEnd.After(end) {
			break
		}
	}
	return periods
}

func addMonths(t time.Time, months int) time.Time {
	return t.AddDate(0, months, 0)
}

// Run executes the coordinator procedure (§4.7):
//  1. Generate/accept one scanner (the caller supplies req.ScannerCode,
//     already generated from the first period's training data).
//  2. For each period, run C3/C4 on the test range with that scanner.
//  3. Aggregate test-period returns: mean, std dev, one-sample t-test
//     against zero, 95% CI, and consistency (% positive periods).
func (c *Coordinator) Run(ctx context.Context, req Request) (domain.WalkForwardSummary, error) {
	mode := domain.WalkForwardExpanding
	if req.OverlapMonths > 0 {
		mode = domain.WalkForwardRolling
	}
	periods := Partition(req.Start, req.End, req.TrainMonths, req.TestMonths, req.OverlapMonths)

	summary := domain.WalkForwardSummary{
		AgentID: req.AgentID,
		Mode:    mode,
	}

	for _, p := range periods {
		result, err := c.Engine.RunTickers(ctx, backtest.Request{
			AgentID:                    req.AgentID,
			ScannerCode:                req.ScannerCode,
			Tickers:                    req.Tickers,
			Start:                      p.TestStart,
			End:                        p.TestEnd,
			AllowMultipleSignalsPerDay: req.AllowMultiple,
		})
		if err != nil {
			return domain.WalkForwardSummary{}, fmt.Errorf("walkforward.Run: period %d: %w", p.Index, err)
		}

		bars := execution.BarSource(func(ticker, signalDate string) ([]domain.Bar, error) {
			day, err := time.Parse("2006-01-02", signalDate)
			if err != nil {
				return nil, err
			}
			return c.Bars.BarsInRange(ctx, ticker, c.Engine.Timeframe, day, day.Add(24*time.Hour))
		})
		scorecards, winner, err := execution.ScoreAll(execution.Catalogue, result.Signals, bars)
		if err != nil {
			return domain.WalkForwardSummary{}, fmt.Errorf("walkforward.Run: period %d scoring: %w", p.Index, err)
		}

		p.TotalReturn = 0
		p.TradeCount = 0
		if winner != "" {
			p.TotalReturn = scorecards[winner].TotalReturn
			p.TradeCount = scorecards[winner].TradeCount
		}
		summary.Periods = append(summary.Periods, p)
	}

	aggregate(&summary)
	return summary, nil
}

// aggregate fills in the summary's statistical fields from per-period
// returns, using gonum/stat for mean/stddev and a one-sample t-test against
// zero (§4.7 step 3, §8 scenario S6).
func aggregate(summary *domain.WalkForwardSummary) {
	n := len(summary.Periods)
	if n == 0 {
		return
	}

	returns := make([]float64, n)
	positive := 0
	for i, p := range summary.Periods {
		returns[i] = p.TotalReturn
		if p.TotalReturn > 0 {
			positive++
		}
	}

	summary.MeanReturn = stat.Mean(returns, nil)
	summary.StdDevReturn = stat.StdDev(returns, nil)
	summary.ConsistencyPct = float64(positive) / float64(n) * 100

	if n < 2 || summary.StdDevReturn == 0 {
		return
	}
	stderr := summary.StdDevReturn / math.Sqrt(float64(n))
	tStat := summary.MeanReturn / stderr

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	pValue := 2 * (1 - dist.CDF(math.Abs(tStat)))
	_ = pValue // surfaced via summary.PValue below; kept separate for clarity

	// 95% CI uses the t-distribution's two-tailed critical value at n-1 dof.
	tCrit := dist.Quantile(0.975)
	margin := tCrit * stderr
	summary.CI95Low = summary.MeanReturn - margin
	summary.CI95High = summary.MeanReturn + margin
	summary.PValue = pValue
}
