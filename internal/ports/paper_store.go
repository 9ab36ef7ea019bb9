package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/tradelab/internal/domain"
)

// PaperStore persists simulated paper-trading state (C9): one account per
// agent, its open positions, and its order history.
type PaperStore interface {
	ApplyPaperSchema(ctx context.Context) error

	SavePaperAccount(ctx context.Context, a domain.PaperAccount) error
	GetPaperAccountByAgent(ctx context.Context, agentID string) (domain.PaperAccount, bool, error)
	GetPaperAccount(ctx context.Context, id string) (domain.PaperAccount, error)

	SavePosition(ctx context.Context, p domain.PaperPosition) error
	DeletePosition(ctx context.Context, accountID, ticker string) error
	GetPosition(ctx context.Context, accountID, ticker string) (domain.PaperPosition, bool, error)
	PositionsForAccount(ctx context.Context, accountID string) ([]domain.PaperPosition, error)

	SaveOrder(ctx context.Context, o domain.PaperOrder) error
	GetOrder(ctx context.Context, id string) (domain.PaperOrder, error)
	OpenOrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error)
	OrdersForAccount(ctx context.Context, accountID string) ([]domain.PaperOrder, error)

	SaveEquitySnapshot(ctx context.Context, s domain.EquitySnapshot) error
	EquityHistory(ctx context.Context, accountID string, from, to time.Time) ([]domain.EquitySnapshot, error)
}
