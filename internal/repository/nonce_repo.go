package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tradeduel/arena/internal/domain"
)

// NonceRepository handles single-use login nonces.
type NonceRepository struct {
	db *sqlx.DB
}

// NewNonceRepository creates a new NonceRepository.
func NewNonceRepository(db *sqlx.DB) *NonceRepository {
	return &NonceRepository{db: db}
}

// Create stores a fresh nonce for an address. An address may hold several
// outstanding nonces (multiple tabs), each single-use.
func (r *NonceRepository) Create(ctx context.Context, address, nonce string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nonces (nonce, address, expires_at, created_at)
		VALUES ($1, $2, $3, now())`,
		nonce, address, expiresAt)
	if err != nil {
		return fmt.Errorf("nonce_repo.Create: %w", err)
	}
	return nil
}

// Consume atomically deletes the nonce and returns whether it was valid.
// DELETE RETURNING makes replay impossible: the second consumer finds no row.
func (r *NonceRepository) Consume(ctx context.Context, address, nonce string) error {
	var expiresAt time.Time
	err := r.db.GetContext(ctx, &expiresAt, `
		DELETE FROM nonces
		WHERE nonce = $1 AND address = $2
		RETURNING expires_at`,
		nonce, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNonceInvalid
		}
		return fmt.Errorf("nonce_repo.Consume: %w", err)
	}
	if time.Now().After(expiresAt) {
		return domain.ErrNonceInvalid
	}
	return nil
}

// PurgeExpired removes dead nonces; called periodically by the scheduler.
func (r *NonceRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("nonce_repo.PurgeExpired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
