package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the buy/sell direction of a Paper Order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType is the matching rule applied to a Paper Order.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus is the lifecycle of a Paper Order. PENDING is the only status
// from which a fill can occur; all others are terminal for that order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PaperOrder is a simulated order against a Paper Account.
type PaperOrder struct {
	ID          string
	AccountID   string
	Ticker      string
	Side        OrderSide
	Type        OrderType
	Quantity    int64
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	Status      OrderStatus
	RejectReason string
	PlacedAt    time.Time
	FilledAt    *time.Time
	FilledPrice decimal.Decimal
	FilledQty   int64

	// ExitStopLossPrice, ExitTakeProfitPrice and ExitTrailingStopPct carry
	// the exit plan for the position this order opens. Zero on orders that
	// close or reduce an existing position.
	ExitStopLossPrice   decimal.Decimal
	ExitTakeProfitPrice decimal.Decimal
	ExitTrailingStopPct float64
}

// PaperPosition is the current state of a simulated position in a ticker.
// Quantity is signed: positive for long, negative for short.
type PaperPosition struct {
	AccountID      string
	Ticker         string
	Quantity       int64
	AvgEntryPrice  decimal.Decimal
	CurrentPrice   decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	StopLossPrice  decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TrailingStopPct float64
	HighWaterMark  decimal.Decimal // for trailing-stop tracking on longs
	LowWaterMark   decimal.Decimal // for trailing-stop tracking on shorts
	OpenedAt       time.Time
}

// MarketValue returns quantity * current price (signed).
func (p PaperPosition) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// PaperAccount is the virtual, per-agent portfolio used for simulated
// paper trading. Equity = cash + sum(position.quantity * current_price)
// must hold after every fill or mark-to-market (spec invariant).
type PaperAccount struct {
	ID              string
	AgentID         string
	InitialBalance  decimal.Decimal
	Cash            decimal.Decimal
	Equity          decimal.Decimal
	BuyingPower     decimal.Decimal
	RealizedPnL     decimal.Decimal
	HighWaterEquity decimal.Decimal
}

// Recalculate recomputes Equity and BuyingPower from Cash and the given
// open positions, enforcing the accounting identity (spec §3, §8 property 5).
func (a *PaperAccount) Recalculate(positions []PaperPosition) {
	total := a.Cash
	for _, p := range positions {
		total = total.Add(p.MarketValue())
	}
	a.Equity = total
	a.BuyingPower = a.Cash
	if a.Equity.GreaterThan(a.HighWaterEquity) {
		a.HighWaterEquity = a.Equity
	}
}

// DrawdownPct returns the current drawdown from the high-water equity mark,
// as a percentage (0 when at or above the high-water mark).
func (a PaperAccount) DrawdownPct() float64 {
	if a.HighWaterEquity.IsZero() || a.HighWaterEquity.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd := a.HighWaterEquity.Sub(a.Equity)
	if dd.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	ratio, _ := dd.Div(a.HighWaterEquity).Float64()
	return ratio * 100
}

// EquitySnapshot is a daily mark-to-market snapshot used for drawdown and
// Sharpe tracking (§4.9).
type EquitySnapshot struct {
	AccountID string
	Date      time.Time
	Equity    decimal.Decimal
	Cash      decimal.Decimal
}
