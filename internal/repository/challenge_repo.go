package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tradeduel/arena/internal/domain"
)

// ChallengeRepository handles direct challenge rows.
type ChallengeRepository struct {
	db *sqlx.DB
}

// NewChallengeRepository creates a new ChallengeRepository.
func NewChallengeRepository(db *sqlx.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

// Create inserts a new challenge inside a transaction (same tx as the
// challenger's bet freeze).
func (r *ChallengeRepository) Create(ctx context.Context, tx *sqlx.Tx, c *domain.Challenge) error {
	query := `
		INSERT INTO challenges
			(id, from_address, to_address, duration_seconds, bet_amount, status,
			 created_at, expires_at)
		VALUES
			(:id, :from_address, :to_address, :duration_seconds, :bet_amount, :status,
			 :created_at, :expires_at)`
	if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("challenge_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a challenge by primary key.
func (r *ChallengeRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Challenge, error) {
	var c domain.Challenge
	err := r.db.GetContext(ctx, &c, `SELECT * FROM challenges WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("challenge_repo.GetByID: %w", err)
	}
	return &c, nil
}

// Resolve transitions a pending challenge to a terminal status inside a
// transaction. The pending guard makes accept/decline/expire race-safe:
// whoever resolves first wins, the rest get ErrChallengeNotPending.
func (r *ChallengeRepository) Resolve(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status domain.ChallengeStatus, matchID *uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE challenges
		SET status = $1, match_id = $2
		WHERE id = $3 AND status = $4`,
		status, matchID, id, domain.ChallengePending)
	if err != nil {
		return fmt.Errorf("challenge_repo.Resolve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrChallengeNotPending
	}
	return nil
}

// ListExpired returns pending challenges whose deadline has passed, for the
// expiry sweep.
func (r *ChallengeRepository) ListExpired(ctx context.Context) ([]*domain.Challenge, error) {
	var cs []*domain.Challenge
	err := r.db.SelectContext(ctx, &cs, `
		SELECT * FROM challenges
		WHERE status = $1 AND expires_at < now()`,
		domain.ChallengePending)
	if err != nil {
		return nil, fmt.Errorf("challenge_repo.ListExpired: %w", err)
	}
	return cs, nil
}

// ListForPlayer returns pending challenges involving the player, newest first.
func (r *ChallengeRepository) ListForPlayer(ctx context.Context, address string) ([]*domain.Challenge, error) {
	var cs []*domain.Challenge
	err := r.db.SelectContext(ctx, &cs, `
		SELECT * FROM challenges
		WHERE (from_address = $1 OR to_address = $1) AND status = $2
		ORDER BY created_at DESC`,
		address, domain.ChallengePending)
	if err != nil {
		return nil, fmt.Errorf("challenge_repo.ListForPlayer: %w", err)
	}
	return cs, nil
}
