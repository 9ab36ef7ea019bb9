package virtualexec_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/tradelab/internal/application/virtualexec"
	"github.com/alejandrodnm/tradelab/internal/domain"
)

// fakePaperStore is an in-memory ports.PaperStore for exercising the
// Executor's fill and mark-to-market logic without SQLite.
type fakePaperStore struct {
	accounts  map[string]domain.PaperAccount
	positions map[string]domain.PaperPosition // key: accountID+"/"+ticker
	orders    map[string]domain.PaperOrder
	snapshots []domain.EquitySnapshot
}

func newFakePaperStore() *fakePaperStore {
	return &fakePaperStore{
		accounts:  map[string]domain.PaperAccount{},
		positions: map[string]domain.PaperPosition{},
		orders:    map[string]domain.PaperOrder{},
	}
}

func posKey(accountID, ticker string) string { return accountID + "/" + ticker }

func (s *fakePaperStore) ApplyPaperSchema(ctx context.Context) error { return nil }

func (s *fakePaperStore) SavePaperAccount(ctx context.Context, a domain.PaperAccount) error {
	s.accounts[a.ID] = a
	return nil
}

func (s *fakePaperStore) GetPaperAccountByAgent(ctx context.Context, agentID string) (domain.PaperAccount, bool, error) {
	for _, a := range s.accounts {
		if a.AgentID == agentID {
			return a, true, nil
		}
	}
	return domain.PaperAccount{}, false, nil
}

func (s *fakePaperStore) GetPaperAccount(ctx context.Context, id string) (domain.PaperAccount, error) {
	a, ok := s.accounts[id]
	if !ok {
		return domain.PaperAccount{}, assertNotFound(id)
	}
	return a, nil
}

func (s *fakePaperStore) SavePosition(ctx context.Context, p domain.PaperPosition) error {
	s.positions[posKey(p.AccountID, p.Ticker)] = p
	return nil
}

func (s *fakePaperStore) DeletePosition(ctx context.Context, accountID, ticker string) error {
	delete(s.positions, posKey(accountID, ticker))
	return nil
}

func (s *fakePaperStore) GetPosition(ctx context.Context, accountID, ticker string) (domain.PaperPosition, bool, error) {
	p, ok := s.positions[posKey(accountID, ticker)]
	return p, ok, nil
}

func (s *fakePaperStore) PositionsForAccount(ctx context.Context, accountID string) ([]domain.PaperPosition, error) {
	var out []domain.PaperPosition
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePaperStore) SaveOrder(ctx context.Context, o domain.PaperOrder) error {
	s.orders[o.ID] = o
	return nil
}

func (s *fakePaperStore) GetOrder(ctx context.Context, id string) (domain.PaperOrder, error) {
	return s.orders[id], nil
}

func (s *fakePaperStore) OpenOrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	var out []domain.PaperOrder
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status == domain.OrderPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakePaperStore) OrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	var out []domain.PaperOrder
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakePaperStore) SaveEquitySnapshot(ctx context.Context, snap domain.EquitySnapshot) error {
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakePaperStore) EquityHistory(ctx context.Context, accountID string, from, to time.Time) ([]domain.EquitySnapshot, error) {
	var out []domain.EquitySnapshot
	for _, snap := range s.snapshots {
		if snap.AccountID == accountID {
			out = append(out, snap)
		}
	}
	return out, nil
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) + ": not found" }

func assertNotFound(id string) error { return notFoundError(id) }

func TestExecutor_AccountingIdentity_HoldsAfterFillAndMark(t *testing.T) {
	ctx := context.Background()
	store := newFakePaperStore()

	account := domain.PaperAccount{
		ID:              "acct-1",
		AgentID:         "agent-1",
		InitialBalance:  decimal.NewFromInt(100_000),
		Cash:            decimal.NewFromInt(100_000),
		Equity:          decimal.NewFromInt(100_000),
		BuyingPower:     decimal.NewFromInt(100_000),
		HighWaterEquity: decimal.NewFromInt(100_000),
	}
	require.NoError(t, store.SavePaperAccount(ctx, account))

	exec := virtualexec.New(store)

	order, err := exec.PlaceOrder(ctx, account.ID, "AAPL", domain.OrderBuy, domain.OrderMarket, 10,
		decimal.Zero, decimal.Zero, decimal.NewFromInt(100), virtualexec.ExitPlan{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)

	bar := domain.Bar{
		Ticker:    "AAPL",
		Timeframe: domain.Timeframe5Min,
		Timestamp: time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC),
		Open:      100,
		High:      100.5,
		Low:       99.5,
		Close:     100.5,
		Volume:    1000,
	}
	require.NoError(t, exec.ProcessBar(ctx, account.ID, bar))

	got, err := store.GetPaperAccount(ctx, account.ID)
	require.NoError(t, err)

	positions, err := store.PositionsForAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	var marketValue decimal.Decimal
	for _, p := range positions {
		marketValue = marketValue.Add(p.MarketValue())
	}

	assert.True(t, got.Equity.Equal(got.Cash.Add(marketValue)),
		"equity (%s) must equal cash (%s) + position market value (%s)", got.Equity, got.Cash, marketValue)
	assert.True(t, got.Cash.LessThan(decimal.NewFromInt(100_000)), "cash must drop by notional + commission after a buy fill")
}

func TestExecutor_ProcessBar_ClosingFillRealizesPnL(t *testing.T) {
	ctx := context.Background()
	store := newFakePaperStore()

	account := domain.PaperAccount{
		ID:              "acct-1",
		AgentID:         "agent-1",
		Cash:            decimal.NewFromInt(100_000),
		Equity:          decimal.NewFromInt(100_000),
		BuyingPower:     decimal.NewFromInt(100_000),
		HighWaterEquity: decimal.NewFromInt(100_000),
	}
	require.NoError(t, store.SavePaperAccount(ctx, account))
	require.NoError(t, store.SavePosition(ctx, domain.PaperPosition{
		AccountID:     account.ID,
		Ticker:        "AAPL",
		Quantity:      10,
		AvgEntryPrice: decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromInt(100),
	}))

	exec := virtualexec.New(store)
	_, err := exec.PlaceOrder(ctx, account.ID, "AAPL", domain.OrderSell, domain.OrderMarket, 10,
		decimal.Zero, decimal.Zero, decimal.NewFromInt(105), virtualexec.ExitPlan{})
	require.NoError(t, err)

	bar := domain.Bar{
		Ticker:    "AAPL",
		Timeframe: domain.Timeframe5Min,
		Timestamp: time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC),
		Open:      105,
		High:      105.5,
		Low:       104.5,
		Close:     105,
		Volume:    1000,
	}
	require.NoError(t, exec.ProcessBar(ctx, account.ID, bar))

	got, err := store.GetPaperAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.RealizedPnL.GreaterThan(decimal.Zero), "closing a long at a higher price must realize positive P&L")

	_, found, err := store.GetPosition(ctx, account.ID, "AAPL")
	require.NoError(t, err)
	assert.False(t, found, "a fully closed position must be deleted")
}

func TestExecutor_MonitorPositions_ClosesOnStopLossBreach(t *testing.T) {
	ctx := context.Background()
	store := newFakePaperStore()

	account := domain.PaperAccount{
		ID:              "acct-1",
		AgentID:         "agent-1",
		Cash:            decimal.NewFromInt(100_000),
		Equity:          decimal.NewFromInt(100_000),
		BuyingPower:     decimal.NewFromInt(100_000),
		HighWaterEquity: decimal.NewFromInt(100_000),
	}
	require.NoError(t, store.SavePaperAccount(ctx, account))

	exec := virtualexec.New(store)

	// Open a long with an exit plan: opening a position with zero stop/target
	// would make positionExitCheck a permanent no-op, which is exactly the
	// bug this test guards against.
	exit := virtualexec.ExitPlan{
		StopLossPrice:   decimal.NewFromInt(99),
		TakeProfitPrice: decimal.NewFromInt(110),
	}
	_, err := exec.PlaceOrder(ctx, account.ID, "AAPL", domain.OrderBuy, domain.OrderMarket, 10,
		decimal.Zero, decimal.Zero, decimal.NewFromInt(100), exit)
	require.NoError(t, err)

	entryBar := domain.Bar{
		Ticker:    "AAPL",
		Timeframe: domain.Timeframe5Min,
		Timestamp: time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC),
		Open:      100,
		High:      100.5,
		Low:       99.5,
		Close:     100,
		Volume:    1000,
	}
	require.NoError(t, exec.ProcessBar(ctx, account.ID, entryBar))

	pos, found, err := store.GetPosition(ctx, account.ID, "AAPL")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, pos.StopLossPrice.Equal(decimal.NewFromInt(99)), "the fill must carry the order's exit plan onto the new position")
	assert.True(t, pos.TakeProfitPrice.Equal(decimal.NewFromInt(110)))

	sessionClose := time.Date(2024, 7, 15, 20, 0, 0, 0, time.UTC) // well after this bar, so no time-exit interference
	breachBar := domain.Bar{
		Ticker:    "AAPL",
		Timeframe: domain.Timeframe5Min,
		Timestamp: time.Date(2024, 7, 15, 13, 35, 0, 0, time.UTC),
		Open:      99,
		High:      99.2,
		Low:       98.5,
		Close:     98.8,
		Volume:    1000,
	}
	require.NoError(t, exec.MonitorPositions(ctx, account.ID, breachBar, sessionClose))

	_, found, err = store.GetPosition(ctx, account.ID, "AAPL")
	require.NoError(t, err)
	assert.False(t, found, "a bar whose low breaches the stop must close the position")

	got, err := store.GetPaperAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, got.RealizedPnL.LessThan(decimal.Zero), "closing a long below entry on a stop must realize a loss")
}
