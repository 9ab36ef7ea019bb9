package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
	"github.com/shopspring/decimal"
)

// SavePaperAccount implements ports.PaperStore.
func (s *Store) SavePaperAccount(ctx context.Context, a domain.PaperAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_accounts (id, agent_id, initial_balance, cash, equity, buying_power, realized_pnl, high_water_equity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cash = excluded.cash, equity = excluded.equity, buying_power = excluded.buying_power,
			realized_pnl = excluded.realized_pnl, high_water_equity = excluded.high_water_equity
	`, a.ID, a.AgentID, a.InitialBalance.String(), a.Cash.String(), a.Equity.String(),
		a.BuyingPower.String(), a.RealizedPnL.String(), a.HighWaterEquity.String())
	if err != nil {
		return fmt.Errorf("storage.SavePaperAccount: %w", err)
	}
	return nil
}

// GetPaperAccountByAgent implements ports.PaperStore.
func (s *Store) GetPaperAccountByAgent(ctx context.Context, agentID string) (domain.PaperAccount, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, initial_balance, cash, equity, buying_power, realized_pnl, high_water_equity
		FROM paper_accounts WHERE agent_id = ?
	`, agentID)
	a, err := scanPaperAccount(row)
	if err == sql.ErrNoRows {
		return domain.PaperAccount{}, false, nil
	}
	if err != nil {
		return domain.PaperAccount{}, false, fmt.Errorf("storage.GetPaperAccountByAgent: %w", err)
	}
	return a, true, nil
}

// GetPaperAccount implements ports.PaperStore.
func (s *Store) GetPaperAccount(ctx context.Context, id string) (domain.PaperAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, initial_balance, cash, equity, buying_power, realized_pnl, high_water_equity
		FROM paper_accounts WHERE id = ?
	`, id)
	a, err := scanPaperAccount(row)
	if err != nil {
		return domain.PaperAccount{}, fmt.Errorf("storage.GetPaperAccount: %w", err)
	}
	return a, nil
}

func scanPaperAccount(r rowScanner) (domain.PaperAccount, error) {
	var (
		a                                                                        domain.PaperAccount
		initialBalance, cash, equity, buyingPower, realizedPnL, highWaterEquity string
	)
	if err := r.Scan(&a.ID, &a.AgentID, &initialBalance, &cash, &equity, &buyingPower, &realizedPnL, &highWaterEquity); err != nil {
		return domain.PaperAccount{}, err
	}
	var err error
	if a.InitialBalance, err = decimal.NewFromString(initialBalance); err != nil {
		return domain.PaperAccount{}, err
	}
	if a.Cash, err = decimal.NewFromString(cash); err != nil {
		return domain.PaperAccount{}, err
	}
	if a.Equity, err = decimal.NewFromString(equity); err != nil {
		return domain.PaperAccount{}, err
	}
	if a.BuyingPower, err = decimal.NewFromString(buyingPower); err != nil {
		return domain.PaperAccount{}, err
	}
	if a.RealizedPnL, err = decimal.NewFromString(realizedPnL); err != nil {
		return domain.PaperAccount{}, err
	}
	if a.HighWaterEquity, err = decimal.NewFromString(highWaterEquity); err != nil {
		return domain.PaperAccount{}, err
	}
	return a, nil
}

// SavePosition implements ports.PaperStore.
func (s *Store) SavePosition(ctx context.Context, p domain.PaperPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_positions (account_id, ticker, quantity, avg_entry_price, current_price, unrealized_pnl, stop_loss_price, take_profit_price, trailing_stop_pct, high_water_mark, low_water_mark, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, ticker) DO UPDATE SET
			quantity = excluded.quantity, avg_entry_price = excluded.avg_entry_price,
			current_price = excluded.current_price, unrealized_pnl = excluded.unrealized_pnl,
			stop_loss_price = excluded.stop_loss_price, take_profit_price = excluded.take_profit_price,
			trailing_stop_pct = excluded.trailing_stop_pct, high_water_mark = excluded.high_water_mark,
			low_water_mark = excluded.low_water_mark
	`, p.AccountID, p.Ticker, p.Quantity, p.AvgEntryPrice.String(), p.CurrentPrice.String(), p.UnrealizedPnL.String(),
		p.StopLossPrice.String(), p.TakeProfitPrice.String(), p.TrailingStopPct,
		p.HighWaterMark.String(), p.LowWaterMark.String(), p.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SavePosition: %w", err)
	}
	return nil
}

// DeletePosition implements ports.PaperStore: called when a position is
// fully closed.
func (s *Store) DeletePosition(ctx context.Context, accountID, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM paper_positions WHERE account_id = ? AND ticker = ?`, accountID, ticker)
	if err != nil {
		return fmt.Errorf("storage.DeletePosition: %w", err)
	}
	return nil
}

// GetPosition implements ports.PaperStore.
func (s *Store) GetPosition(ctx context.Context, accountID, ticker string) (domain.PaperPosition, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, ticker, quantity, avg_entry_price, current_price, unrealized_pnl, stop_loss_price, take_profit_price, trailing_stop_pct, high_water_mark, low_water_mark, opened_at
		FROM paper_positions WHERE account_id = ? AND ticker = ?
	`, accountID, ticker)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return domain.PaperPosition{}, false, nil
	}
	if err != nil {
		return domain.PaperPosition{}, false, fmt.Errorf("storage.GetPosition: %w", err)
	}
	return p, true, nil
}

// PositionsForAccount implements ports.PaperStore.
func (s *Store) PositionsForAccount(ctx context.Context, accountID string) ([]domain.PaperPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, ticker, quantity, avg_entry_price, current_price, unrealized_pnl, stop_loss_price, take_profit_price, trailing_stop_pct, high_water_mark, low_water_mark, opened_at
		FROM paper_positions WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage.PositionsForAccount: %w", err)
	}
	defer rows.Close()

	var out []domain.PaperPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.PositionsForAccount: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(r rowScanner) (domain.PaperPosition, error) {
	var (
		p                                                                                      domain.PaperPosition
		avgEntry, current, unrealized, stopLoss, takeProfit, highWaterMark, lowWaterMark string
	)
	if err := r.Scan(&p.AccountID, &p.Ticker, &p.Quantity, &avgEntry, &current, &unrealized,
		&stopLoss, &takeProfit, &p.TrailingStopPct, &highWaterMark, &lowWaterMark, &p.OpenedAt); err != nil {
		return domain.PaperPosition{}, err
	}
	var err error
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.AvgEntryPrice, avgEntry}, {&p.CurrentPrice, current}, {&p.UnrealizedPnL, unrealized},
		{&p.StopLossPrice, stopLoss}, {&p.TakeProfitPrice, takeProfit},
		{&p.HighWaterMark, highWaterMark}, {&p.LowWaterMark, lowWaterMark},
	} {
		if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
			return domain.PaperPosition{}, err
		}
	}
	p.OpenedAt = p.OpenedAt.UTC()
	return p, nil
}

// SaveOrder implements ports.PaperStore.
func (s *Store) SaveOrder(ctx context.Context, o domain.PaperOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filledAt any
	if o.FilledAt != nil {
		filledAt = o.FilledAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_orders (id, account_id, ticker, side, type, quantity, limit_price, stop_price, status, reject_reason, placed_at, filled_at, filled_price, filled_qty, exit_stop_loss_price, exit_take_profit_price, exit_trailing_stop_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, reject_reason = excluded.reject_reason,
			filled_at = excluded.filled_at, filled_price = excluded.filled_price, filled_qty = excluded.filled_qty
	`, o.ID, o.AccountID, o.Ticker, string(o.Side), string(o.Type), o.Quantity,
		o.LimitPrice.String(), o.StopPrice.String(), string(o.Status), o.RejectReason,
		o.PlacedAt.UTC(), filledAt, o.FilledPrice.String(), o.FilledQty,
		o.ExitStopLossPrice.String(), o.ExitTakeProfitPrice.String(), o.ExitTrailingStopPct)
	if err != nil {
		return fmt.Errorf("storage.SaveOrder: %w", err)
	}
	return nil
}

// GetOrder implements ports.PaperStore.
func (s *Store) GetOrder(ctx context.Context, id string) (domain.PaperOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, ticker, side, type, quantity, limit_price, stop_price, status, reject_reason, placed_at, filled_at, filled_price, filled_qty, exit_stop_loss_price, exit_take_profit_price, exit_trailing_stop_pct
		FROM paper_orders WHERE id = ?
	`, id)
	o, err := scanOrder(row)
	if err != nil {
		return domain.PaperOrder{}, fmt.Errorf("storage.GetOrder: %w", err)
	}
	return o, nil
}

// OpenOrdersForAccount implements ports.PaperStore.
func (s *Store) OpenOrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, ticker, side, type, quantity, limit_price, stop_price, status, reject_reason, placed_at, filled_at, filled_price, filled_qty, exit_stop_loss_price, exit_take_profit_price, exit_trailing_stop_pct
		FROM paper_orders WHERE account_id = ? AND status IN ('PENDING', 'PARTIAL')
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenOrdersForAccount: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OrdersForAccount implements ports.PaperStore.
func (s *Store) OrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, ticker, side, type, quantity, limit_price, stop_price, status, reject_reason, placed_at, filled_at, filled_price, filled_qty, exit_stop_loss_price, exit_take_profit_price, exit_trailing_stop_pct
		FROM paper_orders WHERE account_id = ? ORDER BY placed_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage.OrdersForAccount: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]domain.PaperOrder, error) {
	var out []domain.PaperOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(r rowScanner) (domain.PaperOrder, error) {
	var (
		o                      domain.PaperOrder
		side, typ, status      string
		limitPrice, stopPrice  string
		filledPrice            string
		filledAt               sql.NullTime
		exitStopLossPrice      string
		exitTakeProfitPrice    string
	)
	if err := r.Scan(&o.ID, &o.AccountID, &o.Ticker, &side, &typ, &o.Quantity, &limitPrice, &stopPrice,
		&status, &o.RejectReason, &o.PlacedAt, &filledAt, &filledPrice, &o.FilledQty,
		&exitStopLossPrice, &exitTakeProfitPrice, &o.ExitTrailingStopPct); err != nil {
		return domain.PaperOrder{}, err
	}
	o.Side, o.Type, o.Status = domain.OrderSide(side), domain.OrderType(typ), domain.OrderStatus(status)
	o.PlacedAt = o.PlacedAt.UTC()
	if filledAt.Valid {
		t := filledAt.Time.UTC()
		o.FilledAt = &t
	}
	var err error
	if o.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return domain.PaperOrder{}, err
	}
	if o.StopPrice, err = decimal.NewFromString(stopPrice); err != nil {
		return domain.PaperOrder{}, err
	}
	if o.FilledPrice, err = decimal.NewFromString(filledPrice); err != nil {
		return domain.PaperOrder{}, err
	}
	if o.ExitStopLossPrice, err = decimal.NewFromString(exitStopLossPrice); err != nil {
		return domain.PaperOrder{}, err
	}
	if o.ExitTakeProfitPrice, err = decimal.NewFromString(exitTakeProfitPrice); err != nil {
		return domain.PaperOrder{}, err
	}
	return o, nil
}

// SaveEquitySnapshot implements ports.PaperStore.
func (s *Store) SaveEquitySnapshot(ctx context.Context, snap domain.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (account_id, date, equity, cash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, date) DO UPDATE SET equity = excluded.equity, cash = excluded.cash
	`, snap.AccountID, snap.Date.UTC(), snap.Equity.String(), snap.Cash.String())
	if err != nil {
		return fmt.Errorf("storage.SaveEquitySnapshot: %w", err)
	}
	return nil
}

// EquityHistory implements ports.PaperStore.
func (s *Store) EquityHistory(ctx context.Context, accountID string, from, to time.Time) ([]domain.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, date, equity, cash FROM equity_snapshots
		WHERE account_id = ? AND date BETWEEN ? AND ? ORDER BY date ASC
	`, accountID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage.EquityHistory: %w", err)
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var (
			snap          domain.EquitySnapshot
			equity, cash string
		)
		if err := rows.Scan(&snap.AccountID, &snap.Date, &equity, &cash); err != nil {
			return nil, fmt.Errorf("storage.EquityHistory: %w", err)
		}
		snap.Date = snap.Date.UTC()
		if snap.Equity, err = decimal.NewFromString(equity); err != nil {
			return nil, err
		}
		if snap.Cash, err = decimal.NewFromString(cash); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
