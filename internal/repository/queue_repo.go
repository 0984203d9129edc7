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

// QueueRepository handles the matchmaking queue rows.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue inserts a waiting entry inside a transaction. The unique index on
// (player, duration_seconds, bet_amount) rejects double entry into the same
// queue.
func (r *QueueRepository) Enqueue(ctx context.Context, tx *sqlx.Tx, e *domain.QueueEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (player, duration_seconds, bet_amount, elo_rating, enqueued_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (player, duration_seconds, bet_amount) DO NOTHING`,
		e.Player, e.DurationSeconds, e.BetAmount, e.EloRating)
	if err != nil {
		return fmt.Errorf("queue_repo.Enqueue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyQueued
	}
	return nil
}

// Remove deletes a player's entry from one queue inside a transaction and
// returns the removed entry so the caller can release the frozen bet.
func (r *QueueRepository) Remove(ctx context.Context, tx *sqlx.Tx, player string, durationSeconds int64, bet decimal.Decimal) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := tx.GetContext(ctx, &e, `
		DELETE FROM queue_entries
		WHERE player = $1 AND duration_seconds = $2 AND bet_amount = $3
		RETURNING *`,
		player, durationSeconds, bet)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("queue_repo.Remove: %w", err)
	}
	return &e, nil
}

// RemoveAll deletes every queue entry for a player inside a transaction and
// returns the removed entries (one frozen bet each to release).
func (r *QueueRepository) RemoveAll(ctx context.Context, tx *sqlx.Tx, player string) ([]*domain.QueueEntry, error) {
	var es []*domain.QueueEntry
	err := tx.SelectContext(ctx, &es,
		`DELETE FROM queue_entries WHERE player = $1 RETURNING *`, player)
	if err != nil {
		return nil, fmt.Errorf("queue_repo.RemoveAll: %w", err)
	}
	return es, nil
}

// PopPair claims the two longest-waiting entries in a (duration, bet) queue,
// excluding the given player's own entry from the opponent slot. SKIP LOCKED
// lets concurrent pairers work different rows instead of blocking; the two
// DELETEs and the match insert share one transaction.
func (r *QueueRepository) PopPair(ctx context.Context, tx *sqlx.Tx, durationSeconds int64, bet decimal.Decimal) ([]*domain.QueueEntry, error) {
	var es []*domain.QueueEntry
	err := tx.SelectContext(ctx, &es, `
		DELETE FROM queue_entries
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE duration_seconds = $1 AND bet_amount = $2
			ORDER BY enqueued_at
			LIMIT 2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		durationSeconds, bet)
	if err != nil {
		return nil, fmt.Errorf("queue_repo.PopPair: %w", err)
	}
	return es, nil
}

// Requeue reinserts an entry that was popped but could not be paired,
// preserving its original wait-order timestamp.
func (r *QueueRepository) Requeue(ctx context.Context, tx *sqlx.Tx, e *domain.QueueEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (player, duration_seconds, bet_amount, elo_rating, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (player, duration_seconds, bet_amount) DO NOTHING`,
		e.Player, e.DurationSeconds, e.BetAmount, e.EloRating, e.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("queue_repo.Requeue: %w", err)
	}
	return nil
}

// ListByPlayer returns every queue the player currently waits in.
func (r *QueueRepository) ListByPlayer(ctx context.Context, player string) ([]*domain.QueueEntry, error) {
	var es []*domain.QueueEntry
	err := r.db.SelectContext(ctx, &es,
		`SELECT * FROM queue_entries WHERE player = $1 ORDER BY enqueued_at`, player)
	if err != nil {
		return nil, fmt.Errorf("queue_repo.ListByPlayer: %w", err)
	}
	return es, nil
}

// Stats returns the waiting count per duration for the lobby display.
func (r *QueueRepository) Stats(ctx context.Context) ([]*domain.QueueStat, error) {
	var stats []*domain.QueueStat
	err := r.db.SelectContext(ctx, &stats, `
		SELECT duration_seconds, COUNT(*) AS waiting
		FROM queue_entries
		GROUP BY duration_seconds
		ORDER BY duration_seconds`)
	if err != nil {
		return nil, fmt.Errorf("queue_repo.Stats: %w", err)
	}
	return stats, nil
}
