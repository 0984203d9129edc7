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

// BalanceRepository handles the platform USDC ledger and its audit trail.
type BalanceRepository struct {
	db *sqlx.DB
}

// NewBalanceRepository creates a new BalanceRepository.
func NewBalanceRepository(db *sqlx.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Get fetches the ledger entry for an address, creating a zero row when
// none exists yet.
func (r *BalanceRepository) Get(ctx context.Context, address string) (*domain.Balance, error) {
	var b domain.Balance
	err := r.db.GetContext(ctx, &b, `
		INSERT INTO balances (address, total, frozen, created_at, updated_at)
		VALUES ($1, 0, 0, now(), now())
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING *`,
		address)
	if err != nil {
		return nil, fmt.Errorf("balance_repo.Get: %w", err)
	}
	return &b, nil
}

// Freeze reserves amount of the available balance in one guarded statement.
// The WHERE clause is the invariant check: zero rows affected means the
// available balance (total - frozen) was too low.
func (r *BalanceRepository) Freeze(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET frozen = frozen + $1, updated_at = now()
		WHERE address = $2 AND total - frozen >= $1`,
		amount, address)
	if err != nil {
		return fmt.Errorf("balance_repo.Freeze: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

// Unfreeze releases a reservation. GREATEST clamps at zero so a double
// release can never drive frozen negative.
func (r *BalanceRepository) Unfreeze(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET frozen = GREATEST(frozen - $1, 0), updated_at = now()
		WHERE address = $2`,
		amount, address)
	if err != nil {
		return fmt.Errorf("balance_repo.Unfreeze: %w", err)
	}
	return nil
}

// Credit adds amount to the total balance inside a transaction.
func (r *BalanceRepository) Credit(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (address, total, frozen, created_at, updated_at)
		VALUES ($1, $2, 0, now(), now())
		ON CONFLICT (address) DO UPDATE
		SET total = balances.total + $2, updated_at = now()`,
		address, amount)
	if err != nil {
		return fmt.Errorf("balance_repo.Credit: %w", err)
	}
	return nil
}

// Debit removes amount from the total balance. Locks the row and checks the
// available balance atomically; a wager debit that consumes its own frozen
// reservation should call DebitFrozen instead.
func (r *BalanceRepository) Debit(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal) error {
	var available decimal.Decimal
	err := tx.GetContext(ctx, &available,
		`SELECT (total - frozen) FROM balances WHERE address = $1 FOR UPDATE`,
		address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBalanceNotFound
		}
		return fmt.Errorf("balance_repo.Debit lock: %w", err)
	}
	if available.LessThan(amount) {
		return domain.ErrInsufficientBalance
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE balances SET total = total - $1, updated_at = now() WHERE address = $2`,
		amount, address)
	if err != nil {
		return fmt.Errorf("balance_repo.Debit update: %w", err)
	}
	return nil
}

// DebitFrozen consumes a wager reservation: both total and frozen drop by
// amount in one statement. Used when settling a lost bet.
func (r *BalanceRepository) DebitFrozen(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET total  = total - $1,
		    frozen = GREATEST(frozen - $1, 0),
		    updated_at = now()
		WHERE address = $2 AND total >= $1`,
		amount, address)
	if err != nil {
		return fmt.Errorf("balance_repo.DebitFrozen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInsufficientBalance
	}
	return nil
}

// ClaimDepositSignature records a deposit transaction signature as consumed.
// The primary key on signature makes this the idempotency gate: a second
// claim of the same signature affects zero rows and returns ErrSignatureUsed.
func (r *BalanceRepository) ClaimDepositSignature(ctx context.Context, tx *sqlx.Tx, signature, address string, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO deposit_signatures (signature, address, amount, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (signature) DO NOTHING`,
		signature, address, amount)
	if err != nil {
		return fmt.Errorf("balance_repo.ClaimDepositSignature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSignatureUsed
	}
	return nil
}

// LogEvent inserts an immutable audit record inside a transaction.
func (r *BalanceRepository) LogEvent(ctx context.Context, tx *sqlx.Tx, ev *domain.BalanceEvent) error {
	query := `
		INSERT INTO balance_events
			(id, address, type, amount, tx_signature, ref_id, description, created_at)
		VALUES
			(:id, :address, :type, :amount, :tx_signature, :ref_id, :description, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("balance_repo.LogEvent: %w", err)
	}
	return nil
}

// GetEvents returns paginated ledger history for an address, newest first.
func (r *BalanceRepository) GetEvents(ctx context.Context, address string, limit, offset int) ([]*domain.BalanceEvent, error) {
	var evs []*domain.BalanceEvent
	err := r.db.SelectContext(ctx, &evs, `
		SELECT * FROM balance_events
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("balance_repo.GetEvents: %w", err)
	}
	return evs, nil
}

// SumFrozen returns the total frozen amount across all ledger rows, used by
// the reconciliation sweep to compare against outstanding wagers.
func (r *BalanceRepository) SumFrozen(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(frozen), 0) FROM balances`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance_repo.SumFrozen: %w", err)
	}
	return total, nil
}

// SetFrozen overwrites the frozen amount for an address. Admin repair only.
func (r *BalanceRepository) SetFrozen(ctx context.Context, address string, frozen decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE balances
		SET frozen = $1, updated_at = now()
		WHERE address = $2 AND total >= $1`,
		frozen, address)
	if err != nil {
		return fmt.Errorf("balance_repo.SetFrozen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBalanceNotFound
	}
	return nil
}
