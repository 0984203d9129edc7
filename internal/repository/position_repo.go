package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/domain"
)

// PositionRepository handles all database operations for Positions.
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository creates a new PositionRepository.
func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position row. The (id, match_id) primary key makes the
// client-supplied id an idempotency key scoped to the match.
func (r *PositionRepository) Create(ctx context.Context, p *domain.Position) error {
	query := `
		INSERT INTO positions
			(id, match_id, player, asset, is_long, entry_price, size, leverage,
			 stop_loss, take_profit, opened_at)
		VALUES
			(:id, :match_id, :player, :asset, :is_long, :entry_price, :size, :leverage,
			 :stop_loss, :take_profit, :opened_at)
		ON CONFLICT (id, match_id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("position_repo.Create: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionExists
	}
	return nil
}

// GetByID fetches a position by (match, id).
func (r *PositionRepository) GetByID(ctx context.Context, matchID uuid.UUID, id string) (*domain.Position, error) {
	var p domain.Position
	err := r.db.GetContext(ctx, &p,
		`SELECT * FROM positions WHERE match_id = $1 AND id = $2`, matchID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetByID: %w", err)
	}
	return &p, nil
}

// Close finalizes a position. The closed_at IS NULL guard is the single
// winner rule: out of any number of concurrent closers exactly one statement
// affects a row; the rest get ErrPositionClosed.
func (r *PositionRepository) Close(ctx context.Context, matchID uuid.UUID, id string, exitPrice, pnl decimal.Decimal, reason domain.CloseReason, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET exit_price = $1, pnl = $2, close_reason = $3, closed_at = $4
		WHERE match_id = $5 AND id = $6 AND closed_at IS NULL`,
		exitPrice, pnl, reason, at, matchID, id)
	if err != nil {
		return fmt.Errorf("position_repo.Close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionClosed
	}
	return nil
}

// SplitClose records a partial close in one transaction: the closed slice is
// inserted as its own position row and the original shrinks by the slice
// size. The size guard rejects a shrink below the closed fraction, which can
// only happen if two partials raced past the keyed guard.
func (r *PositionRepository) SplitClose(ctx context.Context, origID string, slice *domain.Position, closedSize decimal.Decimal) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("position_repo.SplitClose: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET size = size - $1
		WHERE match_id = $2 AND id = $3 AND closed_at IS NULL AND size > $1`,
		closedSize, slice.MatchID, origID)
	if err != nil {
		return fmt.Errorf("position_repo.SplitClose: shrink: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = domain.ErrPositionClosed
		return err
	}

	if _, err = tx.NamedExecContext(ctx, `
		INSERT INTO positions
			(id, match_id, player, asset, is_long, entry_price, size, leverage,
			 opened_at, exit_price, pnl, closed_at, close_reason)
		VALUES
			(:id, :match_id, :player, :asset, :is_long, :entry_price, :size, :leverage,
			 :opened_at, :exit_price, :pnl, :closed_at, :close_reason)`,
		slice); err != nil {
		return fmt.Errorf("position_repo.SplitClose: insert slice: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("position_repo.SplitClose: commit: %w", err)
	}
	return nil
}

// ListOpenByMatch returns all open positions in a match, oldest first.
func (r *PositionRepository) ListOpenByMatch(ctx context.Context, matchID uuid.UUID) ([]*domain.Position, error) {
	var ps []*domain.Position
	err := r.db.SelectContext(ctx, &ps, `
		SELECT * FROM positions
		WHERE match_id = $1 AND closed_at IS NULL
		ORDER BY opened_at`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListOpenByMatch: %w", err)
	}
	return ps, nil
}

// ListByMatch returns every position in a match, open and closed.
func (r *PositionRepository) ListByMatch(ctx context.Context, matchID uuid.UUID) ([]*domain.Position, error) {
	var ps []*domain.Position
	err := r.db.SelectContext(ctx, &ps, `
		SELECT * FROM positions
		WHERE match_id = $1
		ORDER BY opened_at`,
		matchID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListByMatch: %w", err)
	}
	return ps, nil
}

// SumOpenSize returns a player's total open position size in a match, used
// for the margin check when opening.
func (r *PositionRepository) SumOpenSize(ctx context.Context, matchID uuid.UUID, player string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(size), 0)
		FROM positions
		WHERE match_id = $1 AND player = $2 AND closed_at IS NULL`,
		matchID, player)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position_repo.SumOpenSize: %w", err)
	}
	return total, nil
}

// SumRealizedPnl returns a player's realized pnl in a match: closed position
// pnl plus realized slices of partial closes on still-open positions.
func (r *PositionRepository) SumRealizedPnl(ctx context.Context, matchID uuid.UUID, player string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(COALESCE(pnl, 0) + realized_pnl), 0)
		FROM positions
		WHERE match_id = $1 AND player = $2`,
		matchID, player)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position_repo.SumRealizedPnl: %w", err)
	}
	return total, nil
}
