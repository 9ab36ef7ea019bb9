// Package virtualexec implements the Virtual Executor & Paper Account
// (C9): order fill simulation against incoming bars, pre-trade risk
// checks, and the equity/P&L accounting identity that §8 property 5 tests.
package virtualexec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/alejandrodnm/tradelab/internal/errs"
	"github.com/alejandrodnm/tradelab/internal/ports"
)

// Default commission and slippage (§4.9).
var (
	Commission     = decimal.NewFromFloat(0.50)
	SlippagePct    = decimal.NewFromFloat(0.0001) // 0.01%
	MaxPositionPct = decimal.NewFromFloat(0.20)    // 20% of equity
	MaxOpenOrders  = 10
	MinCashPct     = decimal.NewFromFloat(0.05) // 5% of equity
)

// Executor mutates exactly one Paper Account's orders, positions, and
// balances (§5: "each account is mutated by exactly one supervisor").
type Executor struct {
	Store ports.PaperStore
}

// ExitPlan carries the stop-loss, take-profit, and trailing-stop levels a
// position should open with. Zero value means no exit plan (used when an
// order reduces or closes a position rather than opening one).
type ExitPlan struct {
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TrailingStopPct float64
}

// New builds an Executor over store.
func New(store ports.PaperStore) *Executor {
	return &Executor{Store: store}
}

// PlaceOrder runs the §4.9 pre-fill risk checks and, if they pass, persists
// a PENDING order. A risk violation is not a process error: the order is
// persisted REJECTED with a human-readable reason (§7 RiskRejected).
func (e *Executor) PlaceOrder(ctx context.Context, accountID, ticker string, side domain.OrderSide, typ domain.OrderType, qty int64, limitPrice, stopPrice, marketPrice decimal.Decimal, exit ExitPlan) (domain.PaperOrder, error) {
	account, err := e.Store.GetPaperAccount(ctx, accountID)
	if err != nil {
		return domain.PaperOrder{}, fmt.Errorf("virtualexec.PlaceOrder: %w", err)
	}
	positions, err := e.Store.PositionsForAccount(ctx, accountID)
	if err != nil {
		return domain.PaperOrder{}, fmt.Errorf("virtualexec.PlaceOrder: %w", err)
	}
	open, err := e.Store.OpenOrdersForAccount(ctx, accountID)
	if err != nil {
		return domain.PaperOrder{}, fmt.Errorf("virtualexec.PlaceOrder: %w", err)
	}

	order := domain.PaperOrder{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Ticker:    ticker,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		Status:    domain.OrderPending,
		PlacedAt:  time.Now().UTC(),

		ExitStopLossPrice:   exit.StopLossPrice,
		ExitTakeProfitPrice: exit.TakeProfitPrice,
		ExitTrailingStopPct: exit.TrailingStopPct,
	}

	if reason, ok := checkRisk(account, positions, open, order, marketPrice); !ok {
		order.Status = domain.OrderRejected
		order.RejectReason = reason
		if err := e.Store.SaveOrder(ctx, order); err != nil {
			return domain.PaperOrder{}, fmt.Errorf("virtualexec.PlaceOrder: %w", err)
		}
		return order, errs.RiskRejected("virtualexec.PlaceOrder", fmt.Errorf("%s", reason))
	}

	if err := e.Store.SaveOrder(ctx, order); err != nil {
		return domain.PaperOrder{}, fmt.Errorf("virtualexec.PlaceOrder: %w", err)
	}
	return order, nil
}

// checkRisk applies the four pre-fill checks in §4.9, in the order listed
// there. marketPrice is the caller's best estimate of the ticker's current
// price, used to value MARKET orders that carry no limit/stop trigger.
func checkRisk(account domain.PaperAccount, positions []domain.PaperPosition, open []domain.PaperOrder, order domain.PaperOrder, marketPrice decimal.Decimal) (reason string, ok bool) {
	notional := decimal.NewFromInt(order.Quantity).Mul(referencePrice(order, marketPrice))

	if order.Side == domain.OrderBuy && account.BuyingPower.LessThan(notional) {
		return "insufficient buying power", false
	}
	if order.Quantity > 0 {
		projectedNotional := notional
		maxAllowed := account.Equity.Mul(MaxPositionPct)
		if projectedNotional.GreaterThan(maxAllowed) {
			return "position notional would exceed 20% of equity", false
		}
	}
	if len(open) >= MaxOpenOrders {
		return "too many open orders (limit 10)", false
	}
	projectedCash := account.Cash.Sub(notional)
	if order.Side == domain.OrderSell {
		projectedCash = account.Cash.Add(notional)
	}
	minCash := account.Equity.Mul(MinCashPct)
	if projectedCash.LessThan(minCash) {
		return "post-fill cash would drop below 5% of equity", false
	}
	return "", true
}

// referencePrice estimates notional for risk checks before a fill price is
// known: limit/stop orders use their trigger price, market orders use the
// caller-supplied marketPrice (best-effort pre-check; the fill itself
// re-derives the true notional from the bar).
func referencePrice(order domain.PaperOrder, marketPrice decimal.Decimal) decimal.Decimal {
	if !order.LimitPrice.IsZero() {
		return order.LimitPrice
	}
	if !order.StopPrice.IsZero() {
		return order.StopPrice
	}
	return marketPrice
}

// ProcessBar runs the fill pass for every PENDING order against an incoming
// bar, then re-marks the account (§4.8 step 3, §4.9).
func (e *Executor) ProcessBar(ctx context.Context, accountID string, bar domain.Bar) error {
	account, err := e.Store.GetPaperAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("virtualexec.ProcessBar: %w", err)
	}
	open, err := e.Store.OpenOrdersForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("virtualexec.ProcessBar: %w", err)
	}

	for _, order := range open {
		if order.Ticker != bar.Ticker {
			continue
		}
		filled, fillPrice, ok := tryFill(order, bar)
		if !ok {
			continue
		}
		if err := e.applyFill(ctx, &account, order, filled, fillPrice, bar.Timestamp); err != nil {
			return err
		}
	}

	if err := e.markToMarket(ctx, &account, bar); err != nil {
		return err
	}
	return nil
}

// tryFill applies the §4.9 fill rules against the bar following order
// placement. Partial fills on limit orders are not modeled (spec §9 Open
// Questions: all-or-nothing, following the source).
func tryFill(order domain.PaperOrder, bar domain.Bar) (fillQty int64, fillPrice decimal.Decimal, ok bool) {
	price := decimal.NewFromFloat(bar.Open)
	switch order.Type {
	case domain.OrderMarket:
		slip := price.Mul(SlippagePct)
		if order.Side == domain.OrderBuy {
			return order.Quantity, price.Add(slip), true
		}
		return order.Quantity, price.Sub(slip), true

	case domain.OrderLimit:
		if order.Side == domain.OrderBuy {
			low := decimal.NewFromFloat(bar.Low)
			if low.LessThanOrEqual(order.LimitPrice) {
				fill := decimal.Min(order.LimitPrice, price)
				return order.Quantity, fill, true
			}
			return 0, decimal.Zero, false
		}
		high := decimal.NewFromFloat(bar.High)
		if high.GreaterThanOrEqual(order.LimitPrice) {
			fill := decimal.Max(order.LimitPrice, price)
			return order.Quantity, fill, true
		}
		return 0, decimal.Zero, false

	case domain.OrderStop:
		if order.Side == domain.OrderBuy {
			high := decimal.NewFromFloat(bar.High)
			if high.GreaterThanOrEqual(order.StopPrice) {
				return order.Quantity, order.StopPrice, true // conservative: fill at stop price
			}
			return 0, decimal.Zero, false
		}
		low := decimal.NewFromFloat(bar.Low)
		if low.LessThanOrEqual(order.StopPrice) {
			return order.Quantity, order.StopPrice, true
		}
		return 0, decimal.Zero, false

	case domain.OrderStopLimit:
		// Stop triggers as above; on a bar that touches the stop, limit
		// logic is then applied against that same bar. The trigger is not
		// remembered: on a later bar the stop must be touched again before
		// the order can fill as a limit.
		triggered := false
		if order.Side == domain.OrderBuy {
			triggered = decimal.NewFromFloat(bar.High).GreaterThanOrEqual(order.StopPrice)
		} else {
			triggered = decimal.NewFromFloat(bar.Low).LessThanOrEqual(order.StopPrice)
		}
		if !triggered {
			return 0, decimal.Zero, false
		}
		asLimit := order
		asLimit.Type = domain.OrderLimit
		return tryFill(asLimit, bar)
	}
	return 0, decimal.Zero, false
}

// applyFill updates the order, position, and cash for one fill, including
// commission (§4.9: both commission and slippage hit P&L).
func (e *Executor) applyFill(ctx context.Context, account *domain.PaperAccount, order domain.PaperOrder, qty int64, price decimal.Decimal, at time.Time) error {
	notional := decimal.NewFromInt(qty).Mul(price)

	order.Status = domain.OrderFilled
	order.FilledQty = qty
	order.FilledPrice = price
	filledAt := at
	order.FilledAt = &filledAt

	pos, found, err := e.Store.GetPosition(ctx, order.AccountID, order.Ticker)
	if err != nil {
		return fmt.Errorf("virtualexec.applyFill: %w", err)
	}

	signedQty := qty
	if order.Side == domain.OrderSell {
		signedQty = -qty
	}

	if !found {
		pos = domain.PaperPosition{
			AccountID:       order.AccountID,
			Ticker:          order.Ticker,
			Quantity:        signedQty,
			AvgEntryPrice:   price,
			CurrentPrice:    price,
			StopLossPrice:   order.ExitStopLossPrice,
			TakeProfitPrice: order.ExitTakeProfitPrice,
			TrailingStopPct: order.ExitTrailingStopPct,
			OpenedAt:        at,
		}
	} else {
		newQty := pos.Quantity + signedQty
		if sameSign(pos.Quantity, signedQty) || pos.Quantity == 0 {
			// Averaging in.
			totalCost := pos.AvgEntryPrice.Mul(decimal.NewFromInt(abs(pos.Quantity))).Add(notional)
			if newQty != 0 {
				pos.AvgEntryPrice = totalCost.Div(decimal.NewFromInt(abs(newQty)))
			}
		} else {
			// Reducing or closing: realize P&L on the portion closed.
			closedQty := minInt(abs(signedQty), abs(pos.Quantity))
			var realized decimal.Decimal
			if pos.Quantity > 0 {
				realized = price.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(closedQty))
			} else {
				realized = pos.AvgEntryPrice.Sub(price).Mul(decimal.NewFromInt(closedQty))
			}
			account.RealizedPnL = account.RealizedPnL.Add(realized)
		}
		pos.Quantity = newQty
		pos.CurrentPrice = price
	}

	account.Cash = account.Cash.Sub(Commission)
	if order.Side == domain.OrderBuy {
		account.Cash = account.Cash.Sub(notional)
	} else {
		account.Cash = account.Cash.Add(notional)
	}

	if err := e.Store.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("virtualexec.applyFill: %w", err)
	}
	if pos.Quantity == 0 {
		if err := e.Store.DeletePosition(ctx, order.AccountID, order.Ticker); err != nil {
			return fmt.Errorf("virtualexec.applyFill: %w", err)
		}
	} else {
		if err := e.Store.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("virtualexec.applyFill: %w", err)
		}
	}
	return nil
}

// markToMarket recomputes equity/buying power from current positions and
// persists both the account and the mutated position's mark (§3 invariant:
// equity = cash + sum(position.quantity * current_price)).
func (e *Executor) markToMarket(ctx context.Context, account *domain.PaperAccount, bar domain.Bar) error {
	positions, err := e.Store.PositionsForAccount(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("virtualexec.markToMarket: %w", err)
	}
	for i := range positions {
		if positions[i].Ticker == bar.Ticker {
			positions[i].CurrentPrice = decimal.NewFromFloat(bar.Close)
			positions[i].UnrealizedPnL = positions[i].CurrentPrice.Sub(positions[i].AvgEntryPrice).
				Mul(decimal.NewFromInt(positions[i].Quantity))
			if err := e.Store.SavePosition(ctx, positions[i]); err != nil {
				return fmt.Errorf("virtualexec.markToMarket: %w", err)
			}
		}
	}
	account.Recalculate(positions)
	if err := e.Store.SavePaperAccount(ctx, *account); err != nil {
		return fmt.Errorf("virtualexec.markToMarket: %w", err)
	}
	return nil
}

// MonitorPositions implements §4.8 step 4's position-monitor pass: for
// every open position in ticker, update its trailing-stop water marks
// against the new bar and close it with a market order when a stop,
// take-profit, trailing-stop, or time-exit condition triggers. sessionClose
// is the exchange-local session close for bar's trading day; intraday
// positions are force-closed 5 minutes before it.
func (e *Executor) MonitorPositions(ctx context.Context, accountID string, bar domain.Bar, sessionClose time.Time) error {
	pos, found, err := e.Store.GetPosition(ctx, accountID, bar.Ticker)
	if err != nil {
		return fmt.Errorf("virtualexec.MonitorPositions: %w", err)
	}
	if !found {
		return nil
	}

	long := pos.Quantity > 0
	if long {
		if bar.High > 0 && decimal.NewFromFloat(bar.High).GreaterThan(pos.HighWaterMark) {
			pos.HighWaterMark = decimal.NewFromFloat(bar.High)
		}
	} else {
		if pos.LowWaterMark.IsZero() || decimal.NewFromFloat(bar.Low).LessThan(pos.LowWaterMark) {
			pos.LowWaterMark = decimal.NewFromFloat(bar.Low)
		}
	}
	if pos.TrailingStopPct > 0 {
		trail := decimal.NewFromFloat(pos.TrailingStopPct)
		if long {
			candidate := pos.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(trail))
			if candidate.GreaterThan(pos.StopLossPrice) {
				pos.StopLossPrice = candidate
			}
		} else {
			candidate := pos.LowWaterMark.Mul(decimal.NewFromInt(1).Add(trail))
			if pos.StopLossPrice.IsZero() || candidate.LessThan(pos.StopLossPrice) {
				pos.StopLossPrice = candidate
			}
		}
	}
	if err := e.Store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("virtualexec.MonitorPositions: %w", err)
	}

	exitReason, shouldExit := positionExitCheck(pos, bar, sessionClose)
	if !shouldExit {
		return nil
	}

	side := domain.OrderSell
	if !long {
		side = domain.OrderBuy
	}
	_, err = e.PlaceOrder(ctx, accountID, bar.Ticker, side, domain.OrderMarket, abs(pos.Quantity),
		decimal.Zero, decimal.Zero, decimal.NewFromFloat(bar.Close), ExitPlan{})
	if err != nil {
		return nil // a failed close attempt (e.g. risk-rejected) is not fatal: the error is dropped and the position stays open
	}
	_ = exitReason // exit reason classification belongs to the Trade the orchestrator records
	return e.ProcessBar(ctx, accountID, bar)
}

// positionExitCheck evaluates stop-loss, take-profit, and time-exit rules
// against the current bar (§4.8 step 4, §3 ExitReason).
func positionExitCheck(pos domain.PaperPosition, bar domain.Bar, sessionClose time.Time) (domain.ExitReason, bool) {
	long := pos.Quantity > 0
	if !pos.StopLossPrice.IsZero() {
		if long && bar.Low <= mustFloat(pos.StopLossPrice) {
			return domain.ExitStopLoss, true
		}
		if !long && bar.High >= mustFloat(pos.StopLossPrice) {
			return domain.ExitStopLoss, true
		}
	}
	if !pos.TakeProfitPrice.IsZero() {
		if long && bar.High >= mustFloat(pos.TakeProfitPrice) {
			return domain.ExitTakeProfit, true
		}
		if !long && bar.Low <= mustFloat(pos.TakeProfitPrice) {
			return domain.ExitTakeProfit, true
		}
	}
	cutoff := sessionClose.Add(-5 * time.Minute)
	if bar.Timestamp.In(bar.Timestamp.Location()).After(cutoff) || bar.Timestamp.Equal(cutoff) {
		if exchangeTimeOfDay(bar) >= exchangeTimeOfDay(barAt(cutoff)) {
			return domain.ExitEndOfDay, true
		}
	}
	return "", false
}

func exchangeTimeOfDay(b domain.Bar) string {
	return b.ExchangeTimeOfDay()
}

func barAt(t time.Time) domain.Bar {
	return domain.Bar{Timestamp: t}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// SnapshotEquity records the daily close-of-session mark used for drawdown
// and Sharpe tracking (§4.9).
func (e *Executor) SnapshotEquity(ctx context.Context, account domain.PaperAccount, date time.Time) error {
	return e.Store.SaveEquitySnapshot(ctx, domain.EquitySnapshot{
		AccountID: account.ID,
		Date:      date,
		Equity:    account.Equity,
		Cash:      account.Cash,
	})
}

func sameSign(a, b int64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

func abs(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

func minInt(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
