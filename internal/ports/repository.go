package ports

import (
	"context"

	"breakoutBot/internal/domain"
)

// PositionRepository stores open positions and their per-tick state
// transitions. The exit engine is the only writer once a position is open;
// all of its state changes go through these calls, so an in-memory fake can
// stand in for tests.
type PositionRepository interface {
	// Create saves a newly opened position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update persists the current state of an open position.
	Update(ctx context.Context, pos *domain.Position) error
	// MarkClosed records the terminal transition. It must succeed in-memory
	// before any durable closed-trade write is attempted.
	MarkClosed(ctx context.Context, pos *domain.Position) error
	// OpenPositions returns all currently open positions.
	OpenPositions(ctx context.Context) ([]*domain.Position, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if
	// not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
}

// TradeRepository stores the append-only closed-trade log.
type TradeRepository interface {
	// AppendClosed saves a closed-trade record and returns its assigned ID.
	// Must be idempotent under retry: a second append for the same position
	// is not an error and must not duplicate the record.
	AppendClosed(ctx context.Context, trade *domain.ClosedTrade) (int64, error)
	// FindBySymbol retrieves the most recent closed trades for a symbol.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.ClosedTrade, error)
	// FindByPositionID retrieves the closed trade for a position, if any.
	FindByPositionID(ctx context.Context, positionID int64) (*domain.ClosedTrade, error)
	// TotalProfit sums realized PNL across all closed trades.
	TotalProfit(ctx context.Context) (float64, error)
}

// PlanRepository stores allocation plans for audit.
type PlanRepository interface {
	// SavePlan persists a plan snapshot. Audit-only; never read back by the
	// trading path.
	SavePlan(ctx context.Context, plan *domain.AllocationPlan) error
}
