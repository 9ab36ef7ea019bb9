package execution

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"
	"gonum.org/v1/gonum/stat"
)

// notionalPerTrade is the fixed dollar exposure used to size a backtest
// trade's Quantity. Execution templates score percentage returns, not
// dollar P&L, but Trade.Quantity/PnL still need concrete numbers for
// persistence and for the paper-account accounting identity checks in §8.
const notionalPerTrade = 10_000.0

// tradingSessionEnd is the exchange-local session close (§3: 09:30-16:00 ET).
var tradingSessionEnd = domain.RegularHoursEnd

// BarSource loads bars for (ticker, signalDate) at the engine's timeframe,
// ascending, for exactly the trading day the signal fired on.
type BarSource func(ticker, signalDate string) ([]domain.Bar, error)

// Run applies one execution Template to every Signal, producing a scorecard
// (§4.4). Each signal is handled independently; a signal that can't be
// executed (no bar data, past the exit cutoff) is silently skipped, not an
// error, since a mis-timed or data-starved signal is a normal occurrence.
func Run(tpl Template, signals []domain.Signal, bars BarSource) (domain.TemplateScorecard, error) {
	var trades []domain.Trade

	for _, sig := range signals {
		dayBars, err := bars(sig.Ticker, sig.SignalDate)
		if err != nil {
			return domain.TemplateScorecard{}, fmt.Errorf("execution.Run: load bars for %s %s: %w", sig.Ticker, sig.SignalDate, err)
		}
		trade, ok := simulateOne(tpl, sig, dayBars)
		if ok {
			trades = append(trades, trade)
		}
	}

	return score(tpl.Name, trades), nil
}

// simulateOne walks one signal's trade to its exit per §4.4 steps 2-4.
func simulateOne(tpl Template, sig domain.Signal, dayBars []domain.Bar) (domain.Trade, bool) {
	signalTOD, err := time.Parse("15:04:05", sig.SignalTime)
	if err != nil {
		return domain.Trade{}, false
	}

	entryIdx := -1
	for i, b := range dayBars {
		if timeOfDay(b) > timeOfDayDuration(signalTOD) {
			entryIdx = i
			break
		}
	}
	if entryIdx == -1 {
		return domain.Trade{}, false // no bar after the signal today
	}
	entryBar := dayBars[entryIdx]
	if timeOfDay(entryBar) >= tradingSessionEnd {
		return domain.Trade{}, false // nothing left to trade today
	}

	side := domain.SideLong
	if sig.Direction == domain.DirectionShort {
		side = domain.SideShort
	}

	entryPrice := entryBar.Open
	atr := 0.0
	if tpl.UseATR {
		atr = averageTrueRange(dayBars[:entryIdx+1], 14)
	}

	stopPrice, targetPrice := initialStopTarget(tpl, side, entryPrice, atr)
	trailPct := tpl.TrailingStopPct
	trailArmed := tpl.TrailingActivatePct == 0 // unconditional templates arm immediately
	highWater := entryPrice
	lowWater := entryPrice
	profitableBars := 0

	preCloseCutoff := tradingSessionEnd
	if tpl.PreCloseMinutes > 0 {
		preCloseCutoff = tradingSessionEnd - time.Duration(tpl.PreCloseMinutes)*time.Minute
	}

	for i := entryIdx + 1; i < len(dayBars); i++ {
		bar := dayBars[i]
		barsHeld := i - entryIdx

		if side == domain.SideLong {
			if bar.High > highWater {
				highWater = bar.High
			}
			if bar.Close > entryPrice {
				profitableBars++
			}
		} else {
			if bar.Low < lowWater {
				lowWater = bar.Low
			}
			if bar.Close < entryPrice {
				profitableBars++
			}
		}

		if !trailArmed && armsTrailing(tpl, side, entryPrice, bar) {
			trailArmed = true
		}
		if trailArmed {
			stopPrice = applyTrailingStop(tpl, side, entryPrice, stopPrice, highWater, lowWater, trailPct, atr)
		}
		if tpl.PriceActionTrail && profitableBars >= tpl.ProfitableBarsForTrail && i > 0 {
			stopPrice = priceActionTrailStop(side, stopPrice, dayBars[i-1])
		}

		// §4.4 step 3: detection uses high/low, execution price is the
		// stop/target level itself, never bar.close. Stop wins ties.
		stopHit := touchesStop(side, bar, stopPrice)
		targetHit := touchesTarget(side, bar, targetPrice)

		switch {
		case stopHit:
			return closeTrade(sig, side, entryBar, entryPrice, bar, stopPrice, domain.ExitStopLoss), true
		case targetHit:
			return closeTrade(sig, side, entryBar, entryPrice, bar, targetPrice, domain.ExitTakeProfit), true
		}

		if tpl.TimeExitBars > 0 && barsHeld >= tpl.TimeExitBars {
			return closeTrade(sig, side, entryBar, entryPrice, bar, bar.Close, domain.ExitTimeExit), true
		}
		if timeOfDay(bar) >= preCloseCutoff {
			reason := domain.ExitEndOfDay
			if tpl.PreCloseMinutes > 0 {
				reason = domain.ExitTimeExit
			}
			return closeTrade(sig, side, entryBar, entryPrice, bar, bar.Close, reason), true
		}
	}

	// Ran out of bars without triggering any rule: force end-of-day at the
	// last available bar.
	last := dayBars[len(dayBars)-1]
	return closeTrade(sig, side, entryBar, entryPrice, last, last.Close, domain.ExitEndOfDay), true
}

func initialStopTarget(tpl Template, side domain.Side, entry, atr float64) (stop, target float64) {
	if tpl.UseATR {
		if side == domain.SideLong {
			return entry - atr*tpl.ATRStopMult, entry + atr*tpl.ATRTargetMult
		}
		return entry + atr*tpl.ATRStopMult, entry - atr*tpl.ATRTargetMult
	}
	if side == domain.SideLong {
		return entry * (1 - tpl.StopLossPct), entry * (1 + tpl.TakeProfitPct)
	}
	return entry * (1 + tpl.StopLossPct), entry * (1 - tpl.TakeProfitPct)
}

func armsTrailing(tpl Template, side domain.Side, entry float64, bar domain.Bar) bool {
	if tpl.TrailingActivatePct == 0 {
		return true
	}
	if side == domain.SideLong {
		return bar.High >= entry*(1+tpl.TrailingActivatePct)
	}
	return bar.Low <= entry*(1-tpl.TrailingActivatePct)
}

func applyTrailingStop(tpl Template, side domain.Side, entry, current, highWater, lowWater, trailPct, atr float64) float64 {
	trailDistance := entry * trailPct
	if tpl.UseATR {
		trailDistance = atr * tpl.ATRTrailMult
	}
	if trailDistance == 0 {
		return current
	}
	if side == domain.SideLong {
		candidate := highWater - trailDistance
		if candidate > current {
			return candidate
		}
		return current
	}
	candidate := lowWater + trailDistance
	if candidate < current {
		return candidate
	}
	return current
}

func priceActionTrailStop(side domain.Side, current float64, priorBar domain.Bar) float64 {
	if side == domain.SideLong {
		if priorBar.Low > current {
			return priorBar.Low
		}
		return current
	}
	if priorBar.High < current {
		return priorBar.High
	}
	return current
}

func touchesStop(side domain.Side, bar domain.Bar, stop float64) bool {
	if side == domain.SideLong {
		return bar.Low <= stop
	}
	return bar.High >= stop
}

func touchesTarget(side domain.Side, bar domain.Bar, target float64) bool {
	if side == domain.SideLong {
		return bar.High >= target
	}
	return bar.Low <= target
}

func closeTrade(sig domain.Signal, side domain.Side, entryBar domain.Bar, entryPrice float64, exitBar domain.Bar, exitPrice float64, reason domain.ExitReason) domain.Trade {
	qty := int64(notionalPerTrade / entryPrice)
	if qty < 1 {
		qty = 1
	}

	var pnlPerShare float64
	if side == domain.SideLong {
		pnlPerShare = exitPrice - entryPrice
	} else {
		pnlPerShare = entryPrice - exitPrice
	}

	return domain.Trade{
		SignalRef:  sig,
		EntryTime:  entryBar.Timestamp,
		EntryPrice: entryPrice,
		ExitTime:   exitBar.Timestamp,
		ExitPrice:  exitPrice,
		Quantity:   qty,
		Side:       side,
		PnL:        pnlPerShare * float64(qty),
		PnLPct:     pnlPerShare / entryPrice,
		ExitReason: reason,
	}
}

// score aggregates a closed trade list into a scorecard (§4.4).
func score(name string, trades []domain.Trade) domain.TemplateScorecard {
	sc := domain.TemplateScorecard{TemplateName: name, Trades: trades, TradeCount: len(trades)}
	if len(trades) == 0 {
		return sc
	}

	var wins, losses int
	var grossWin, grossLoss, totalReturn, sumWinPct, sumLossPct float64
	dailyReturns := map[string]float64{}

	for _, t := range trades {
		totalReturn += t.PnLPct
		dailyReturns[t.SignalRef.SignalDate] += t.PnLPct
		if t.Won() {
			wins++
			grossWin += t.PnL
			sumWinPct += t.PnLPct
		} else {
			losses++
			grossLoss += -t.PnL
			sumLossPct += t.PnLPct
		}
	}

	sc.WinRate = float64(wins) / float64(len(trades))
	sc.TotalReturn = totalReturn
	if wins > 0 {
		sc.AvgWinPct = sumWinPct / float64(wins)
	}
	if losses > 0 {
		sc.AvgLossPct = sumLossPct / float64(losses)
	}
	sc.ProfitFactor = profitFactor(grossWin, grossLoss)
	sc.SharpeRatio = annualizedSharpe(dailyReturns)
	return sc
}

func profitFactor(grossWin, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossWin > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossWin / grossLoss
}

// annualizedSharpe computes the Sharpe ratio from one return per trading
// day, annualized over 252 trading days (§4.4).
func annualizedSharpe(dailyReturns map[string]float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(dailyReturns))
	for _, r := range dailyReturns {
		returns = append(returns, r)
	}
	sort.Float64s(returns)

	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return (mean / std) * math.Sqrt(252)
}

// ScoreAll runs every catalogue template against the same signal set and
// picks the winner by max profit factor among templates with >= 1 trade;
// ties broken by win rate then total return (§4.4, §8 property 6).
func ScoreAll(templates []Template, signals []domain.Signal, bars BarSource) (map[string]domain.TemplateScorecard, string, error) {
	results := make(map[string]domain.TemplateScorecard, len(templates))
	for _, tpl := range templates {
		sc, err := Run(tpl, signals, bars)
		if err != nil {
			return nil, "", err
		}
		results[tpl.Name] = sc
	}

	var winner string
	for name, sc := range results {
		if sc.TradeCount == 0 {
			continue
		}
		if winner == "" || better(sc, results[winner]) {
			winner = name
		}
	}
	return results, winner, nil
}

func better(a, b domain.TemplateScorecard) bool {
	if a.ProfitFactor != b.ProfitFactor {
		return a.ProfitFactor > b.ProfitFactor
	}
	if a.WinRate != b.WinRate {
		return a.WinRate > b.WinRate
	}
	return a.TotalReturn > b.TotalReturn
}

// averageTrueRange computes ATR(window) over bars using techan, for the ATR
// Adaptive template's stop/target/trail distances (§4.4).
func averageTrueRange(bars []domain.Bar, window int) float64 {
	if len(bars) == 0 {
		return 0
	}
	series := techan.NewTimeSeries()
	for _, b := range bars {
		period := techan.NewTimePeriod(b.Timestamp, 5*time.Minute)
		candle := techan.NewCandle(period)
		candle.OpenPrice = big.NewDecimal(b.Open)
		candle.ClosePrice = big.NewDecimal(b.Close)
		candle.MaxPrice = big.NewDecimal(b.High)
		candle.MinPrice = big.NewDecimal(b.Low)
		candle.Volume = big.NewDecimal(float64(b.Volume))
		series.AddCandle(candle)
	}
	atr := techan.NewAverageTrueRangeIndicator(series, window)
	return atr.Calculate(series.LastIndex()).Float()
}

func timeOfDay(b domain.Bar) time.Duration {
	s := b.ExchangeTimeOfDay()
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0
	}
	return timeOfDayDuration(t)
}

func timeOfDayDuration(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}
