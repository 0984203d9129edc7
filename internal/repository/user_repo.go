package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/domain"
)

// UserRepository handles all database operations for Users.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert inserts a user row keyed by wallet address, or returns the existing
// one. First login creates the account; the default gamer tag is the first
// eight characters of the address.
func (r *UserRepository) Upsert(ctx context.Context, address string) (*domain.User, error) {
	tag := address
	if len(tag) > 8 {
		tag = tag[:8]
	}
	var u domain.User
	err := r.db.GetContext(ctx, &u, `
		INSERT INTO users (address, gamer_tag, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (address) DO UPDATE SET updated_at = now()
		RETURNING *`,
		address, tag)
	if err != nil {
		return nil, fmt.Errorf("user_repo.Upsert: %w", err)
	}
	return &u, nil
}

// GetByAddress fetches a user by wallet address.
func (r *UserRepository) GetByAddress(ctx context.Context, address string) (*domain.User, error) {
	var u domain.User
	err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE address = $1`, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("user_repo.GetByAddress: %w", err)
	}
	return &u, nil
}

// UpdateTag sets the user's display tag. The caller sanitises and validates.
func (r *UserRepository) UpdateTag(ctx context.Context, address, tag string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET gamer_tag = $1, updated_at = now() WHERE address = $2`,
		tag, address)
	if err != nil {
		return fmt.Errorf("user_repo.UpdateTag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// RecordWin applies one win to a player's lifetime stats inside a transaction.
// The streak resets to 1 when the previous streak was negative.
func (r *UserRepository) RecordWin(ctx context.Context, tx *sqlx.Tx, address string, pnl decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET
			wins           = wins + 1,
			games_played   = games_played + 1,
			total_pnl      = total_pnl + $1,
			current_streak = CASE WHEN current_streak < 0 THEN 1 ELSE current_streak + 1 END,
			best_streak    = GREATEST(best_streak, CASE WHEN current_streak < 0 THEN 1 ELSE current_streak + 1 END),
			updated_at     = now()
		WHERE address = $2`,
		pnl, address)
	if err != nil {
		return fmt.Errorf("user_repo.RecordWin: %w", err)
	}
	return nil
}

// RecordLoss applies one loss to a player's lifetime stats inside a transaction.
func (r *UserRepository) RecordLoss(ctx context.Context, tx *sqlx.Tx, address string, pnl decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET
			losses         = losses + 1,
			games_played   = games_played + 1,
			total_pnl      = total_pnl + $1,
			current_streak = CASE WHEN current_streak > 0 THEN -1 ELSE current_streak - 1 END,
			updated_at     = now()
		WHERE address = $2`,
		pnl, address)
	if err != nil {
		return fmt.Errorf("user_repo.RecordLoss: %w", err)
	}
	return nil
}

// RecordTie applies one tie to a player's lifetime stats inside a transaction.
// Ties do not touch the streak.
func (r *UserRepository) RecordTie(ctx context.Context, tx *sqlx.Tx, address string, pnl decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET
			ties         = ties + 1,
			games_played = games_played + 1,
			total_pnl    = total_pnl + $1,
			updated_at   = now()
		WHERE address = $2`,
		pnl, address)
	if err != nil {
		return fmt.Errorf("user_repo.RecordTie: %w", err)
	}
	return nil
}

// Leaderboard returns the top players ordered by wins, then total pnl.
func (r *UserRepository) Leaderboard(ctx context.Context, limit int) ([]*domain.User, error) {
	var users []*domain.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT * FROM users
		WHERE games_played > 0
		ORDER BY wins DESC, total_pnl DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("user_repo.Leaderboard: %w", err)
	}
	return users, nil
}
