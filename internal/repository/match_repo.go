package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tradeduel/arena/internal/domain"
)

// MatchRepository handles all database operations for Matches.
type MatchRepository struct {
	db *sqlx.DB
}

// NewMatchRepository creates a new MatchRepository.
func NewMatchRepository(db *sqlx.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

// Create inserts a new match row inside a transaction. Pairing and freezing
// the bets happen in the same tx so a crash cannot leave frozen funds without
// a match.
func (r *MatchRepository) Create(ctx context.Context, tx *sqlx.Tx, m *domain.Match) error {
	query := `
		INSERT INTO matches
			(id, player1, player2, duration_seconds, bet_amount, status,
			 start_time, end_time, deposit_deadline, on_chain_game_id,
			 created_at, updated_at)
		VALUES
			(:id, :player1, :player2, :duration_seconds, :bet_amount, :status,
			 :start_time, :end_time, :deposit_deadline, :on_chain_game_id,
			 :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, m); err != nil {
		return fmt.Errorf("match_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a match by primary key.
func (r *MatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Match, error) {
	var m domain.Match
	err := r.db.GetContext(ctx, &m, `SELECT * FROM matches WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("match_repo.GetByID: %w", err)
	}
	return &m, nil
}

// GetByIDForUpdate fetches a match with a row lock, inside a transaction.
// Settlement takes this lock so concurrent triggers serialize.
func (r *MatchRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Match, error) {
	var m domain.Match
	err := tx.GetContext(ctx, &m, `SELECT * FROM matches WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("match_repo.GetByIDForUpdate: %w", err)
	}
	return &m, nil
}

// Activate flips an awaiting match to active and stamps the clock. Zero rows
// affected means the match was no longer awaiting deposits.
func (r *MatchRepository) Activate(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE matches
		SET status = $1, start_time = $2, end_time = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		domain.MatchActive, start, end, id, domain.MatchAwaitingDeposits)
	if err != nil {
		return fmt.Errorf("match_repo.Activate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMatchNotActive
	}
	return nil
}

// Settle writes the terminal outcome inside a transaction. The status guard
// makes settlement idempotent: a second settle affects zero rows.
func (r *MatchRepository) Settle(ctx context.Context, tx *sqlx.Tx, m *domain.Match) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE matches
		SET status      = $1,
		    winner      = $2,
		    player1_roi = $3,
		    player2_roi = $4,
		    settled_at  = now(),
		    updated_at  = now()
		WHERE id = $5 AND status IN ($6, $7)`,
		m.Status, m.Winner, m.Player1Roi, m.Player2Roi,
		m.ID, domain.MatchActive, domain.MatchAwaitingDeposits)
	if err != nil {
		return fmt.Errorf("match_repo.Settle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMatchSettled
	}
	return nil
}

// Cancel voids a match that never started (deposit timeout or admin action).
func (r *MatchRepository) Cancel(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE matches
		SET status = $1, settled_at = now(), updated_at = now()
		WHERE id = $2 AND status = $3`,
		domain.MatchCancelled, id, domain.MatchAwaitingDeposits)
	if err != nil {
		return fmt.Errorf("match_repo.Cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMatchSettled
	}
	return nil
}

// MarkOnChainSettled records that the escrow payout transaction landed.
func (r *MatchRepository) MarkOnChainSettled(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE matches SET on_chain_settled = true, updated_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("match_repo.MarkOnChainSettled: %w", err)
	}
	return nil
}

// IncrementRetries bumps the on-chain settlement retry counter and returns
// the new value.
func (r *MatchRepository) IncrementRetries(ctx context.Context, id uuid.UUID) (int, error) {
	var retries int
	err := r.db.GetContext(ctx, &retries, `
		UPDATE matches
		SET on_chain_retries = on_chain_retries + 1, updated_at = now()
		WHERE id = $1
		RETURNING on_chain_retries`,
		id)
	if err != nil {
		return 0, fmt.Errorf("match_repo.IncrementRetries: %w", err)
	}
	return retries, nil
}

// ListActive returns all matches currently in play, used to rebuild runtimes
// after a restart.
func (r *MatchRepository) ListActive(ctx context.Context) ([]*domain.Match, error) {
	var ms []*domain.Match
	err := r.db.SelectContext(ctx, &ms, `
		SELECT * FROM matches
		WHERE status IN ($1, $2)
		ORDER BY created_at`,
		domain.MatchActive, domain.MatchAwaitingDeposits)
	if err != nil {
		return nil, fmt.Errorf("match_repo.ListActive: %w", err)
	}
	return ms, nil
}

// ListExpiredAwaiting returns awaiting matches whose deposit deadline passed.
func (r *MatchRepository) ListExpiredAwaiting(ctx context.Context) ([]*domain.Match, error) {
	var ms []*domain.Match
	err := r.db.SelectContext(ctx, &ms, `
		SELECT * FROM matches
		WHERE status = $1 AND deposit_deadline IS NOT NULL AND deposit_deadline < now()`,
		domain.MatchAwaitingDeposits)
	if err != nil {
		return nil, fmt.Errorf("match_repo.ListExpiredAwaiting: %w", err)
	}
	return ms, nil
}

// ListUnsettledOnChain returns completed matches whose escrow payout has not
// landed and that still have retries left.
func (r *MatchRepository) ListUnsettledOnChain(ctx context.Context, maxRetries int) ([]*domain.Match, error) {
	var ms []*domain.Match
	err := r.db.SelectContext(ctx, &ms, `
		SELECT * FROM matches
		WHERE status IN ($1, $2, $3)
		  AND on_chain_game_id IS NOT NULL
		  AND on_chain_settled = false
		  AND on_chain_retries < $4
		ORDER BY settled_at
		LIMIT 50`,
		domain.MatchCompleted, domain.MatchTied, domain.MatchForfeited, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("match_repo.ListUnsettledOnChain: %w", err)
	}
	return ms, nil
}

// ListByPlayer returns a player's match history, newest first.
func (r *MatchRepository) ListByPlayer(ctx context.Context, address string, limit, offset int) ([]*domain.Match, error) {
	var ms []*domain.Match
	err := r.db.SelectContext(ctx, &ms, `
		SELECT * FROM matches
		WHERE player1 = $1 OR player2 = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("match_repo.ListByPlayer: %w", err)
	}
	return ms, nil
}

// ActiveMatchFor returns the match a player is currently in, or
// ErrMatchNotFound when they are free. Rows past the staleness windows are
// excluded: an active match whose end time lapsed more than activeStale ago,
// or an awaiting match whose deposit deadline lapsed more than depositStale
// ago, is a zombie waiting for the sweep loop and must not pin the player.
func (r *MatchRepository) ActiveMatchFor(ctx context.Context, address string, activeStale, depositStale time.Duration) (*domain.Match, error) {
	now := time.Now().UTC()
	var m domain.Match
	err := r.db.GetContext(ctx, &m, `
		SELECT * FROM matches
		WHERE (player1 = $1 OR player2 = $1)
		  AND ((status = $2 AND end_time > $4)
		    OR (status = $3 AND (deposit_deadline IS NULL OR deposit_deadline > $5)))
		LIMIT 1`,
		address, domain.MatchActive, domain.MatchAwaitingDeposits,
		now.Add(-activeStale), now.Add(-depositStale))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("match_repo.ActiveMatchFor: %w", err)
	}
	return &m, nil
}
