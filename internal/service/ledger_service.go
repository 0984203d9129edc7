package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/repository"
)

// ──────────────────────────────────────────────────────────────────────────────
// LedgerService
// ──────────────────────────────────────────────────────────────────────────────

// LedgerService owns the platform USDC ledger: deposits verified against the
// chain, withdrawals paid from the vault, and the freeze/release cycle that
// backs wagers. All money movement happens inside a single PostgreSQL
// transaction; the chain call for withdrawals happens only after the debit
// commits.
type LedgerService struct {
	db          *sqlx.DB
	balanceRepo *repository.BalanceRepository
	chainClient chain.Client
	cfg         *config.Config
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(
	db *sqlx.DB,
	balanceRepo *repository.BalanceRepository,
	chainClient chain.Client,
	cfg *config.Config,
) *LedgerService {
	return &LedgerService{
		db:          db,
		balanceRepo: balanceRepo,
		chainClient: chainClient,
		cfg:         cfg,
	}
}

// GetBalance returns the ledger entry for an address.
func (s *LedgerService) GetBalance(ctx context.Context, address string) (*domain.Balance, error) {
	return s.balanceRepo.Get(ctx, address)
}

// GetEvents returns paginated ledger history for an address.
func (s *LedgerService) GetEvents(ctx context.Context, address string, limit, offset int) ([]*domain.BalanceEvent, error) {
	return s.balanceRepo.GetEvents(ctx, address, limit, offset)
}

// ──────────────────────────────────────────────────────────────────────────────
// Deposits
// ──────────────────────────────────────────────────────────────────────────────

// ConfirmDeposit verifies a vault transfer on-chain and credits the platform
// balance exactly once. The signature claim inside the transaction is the
// idempotency gate: replaying the same signature returns ErrSignatureUsed
// and credits nothing.
func (s *LedgerService) ConfirmDeposit(ctx context.Context, address, signature string) (*domain.Balance, error) {
	info, err := s.chainClient.VerifyDeposit(ctx, signature, address)
	if err != nil {
		return nil, fmt.Errorf("ledger_service.ConfirmDeposit: verify: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger_service.ConfirmDeposit: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.balanceRepo.ClaimDepositSignature(ctx, tx, signature, address, info.Amount); err != nil {
		return nil, err
	}
	if err = s.balanceRepo.Credit(ctx, tx, address, info.Amount); err != nil {
		return nil, fmt.Errorf("ledger_service.ConfirmDeposit: credit: %w", err)
	}

	sigCopy := signature
	if err = s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID:          uuid.New(),
		Address:     address,
		Type:        domain.EventDeposit,
		Amount:      info.Amount,
		TxSignature: &sigCopy,
		Description: "USDC deposit",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("ledger_service.ConfirmDeposit: log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger_service.ConfirmDeposit: commit: %w", err)
	}

	return s.balanceRepo.Get(ctx, address)
}

// ──────────────────────────────────────────────────────────────────────────────
// Withdrawals
// ──────────────────────────────────────────────────────────────────────────────

// Withdraw debits the available balance and pays out from the vault. The
// debit commits before the chain transfer; if the transfer then fails the
// amount is credited back in a compensating transaction.
func (s *LedgerService) Withdraw(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	if amount.LessThan(decimal.NewFromFloat(s.cfg.Chain.MinWithdraw)) {
		return "", domain.ErrInsufficientBalance
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("ledger_service.Withdraw: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.balanceRepo.Debit(ctx, tx, address, amount); err != nil {
		return "", err
	}
	if err = s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID:          uuid.New(),
		Address:     address,
		Type:        domain.EventWithdraw,
		Amount:      amount.Neg(),
		Description: "USDC withdrawal",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("ledger_service.Withdraw: log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("ledger_service.Withdraw: commit: %w", err)
	}

	sig, chainErr := s.chainClient.TransferUSDC(ctx, address, amount)
	if chainErr != nil {
		s.refundFailedWithdrawal(address, amount)
		return "", fmt.Errorf("ledger_service.Withdraw: transfer: %w", chainErr)
	}
	return sig, nil
}

// refundFailedWithdrawal credits back a debit whose chain transfer failed.
// Uses a background context: the refund must not die with the request.
func (s *LedgerService) refundFailedWithdrawal(address string, amount decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("withdrawal refund failed", "address", address, "amount", amount, "error", err)
		return
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.balanceRepo.Credit(ctx, tx, address, amount); err == nil {
		err = s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
			ID:          uuid.New(),
			Address:     address,
			Type:        domain.EventDeposit,
			Amount:      amount,
			Description: "withdrawal refund (chain transfer failed)",
			CreatedAt:   time.Now().UTC(),
		})
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		slog.Error("withdrawal refund failed", "address", address, "amount", amount, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Wager freeze / release (called inside other services' transactions)
// ──────────────────────────────────────────────────────────────────────────────

// FreezeWager reserves a bet inside the caller's transaction and writes the
// audit event.
func (s *LedgerService) FreezeWager(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal, refID uuid.UUID, what string) error {
	if err := s.balanceRepo.Freeze(ctx, tx, address, amount); err != nil {
		return err
	}
	ref := refID
	return s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID:          uuid.New(),
		Address:     address,
		Type:        domain.EventWagerFreeze,
		Amount:      amount,
		RefID:       &ref,
		Description: what,
		CreatedAt:   time.Now().UTC(),
	})
}

// ReleaseWager undoes a reservation inside the caller's transaction.
func (s *LedgerService) ReleaseWager(ctx context.Context, tx *sqlx.Tx, address string, amount decimal.Decimal, refID uuid.UUID, what string) error {
	if err := s.balanceRepo.Unfreeze(ctx, tx, address, amount); err != nil {
		return err
	}
	ref := refID
	return s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID:          uuid.New(),
		Address:     address,
		Type:        domain.EventWagerRelease,
		Amount:      amount,
		RefID:       &ref,
		Description: what,
		CreatedAt:   time.Now().UTC(),
	})
}

// settleAmounts splits the loser's bet into the winner's take and the
// platform rake. The two always sum back to the bet, so the net ledger
// movement across both players is exactly minus the rake.
func settleAmounts(bet decimal.Decimal, rakeRate float64) (winnings, rake decimal.Decimal) {
	rake = bet.Mul(decimal.NewFromFloat(rakeRate))
	winnings = bet.Sub(rake)
	return winnings, rake
}

// SettleWager moves the pot at match end inside the caller's transaction:
// the loser's frozen bet is consumed, the winner's reservation is released
// and credited with the loser's bet minus rake.
func (s *LedgerService) SettleWager(ctx context.Context, tx *sqlx.Tx, winner, loser string, bet decimal.Decimal, matchID uuid.UUID) error {
	winnings, rake := settleAmounts(bet, s.cfg.Match.RakeRate)
	ref := matchID

	if err := s.balanceRepo.DebitFrozen(ctx, tx, loser, bet); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: loser debit: %w", err)
	}
	if err := s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID: uuid.New(), Address: loser, Type: domain.EventWagerLost,
		Amount: bet.Neg(), RefID: &ref, Description: "match lost", CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: loser log: %w", err)
	}

	if err := s.balanceRepo.Unfreeze(ctx, tx, winner, bet); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: winner unfreeze: %w", err)
	}
	if err := s.balanceRepo.Credit(ctx, tx, winner, winnings); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: winner credit: %w", err)
	}
	if err := s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID: uuid.New(), Address: winner, Type: domain.EventWagerWon,
		Amount: winnings, RefID: &ref, Description: "match won", CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: winner log: %w", err)
	}
	if err := s.balanceRepo.LogEvent(ctx, tx, &domain.BalanceEvent{
		ID: uuid.New(), Address: winner, Type: domain.EventRake,
		Amount: rake.Neg(), RefID: &ref, Description: "platform rake", CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("ledger_service.SettleWager: rake log: %w", err)
	}
	return nil
}

// RefundWager releases both players' reservations on a tie or cancellation.
func (s *LedgerService) RefundWager(ctx context.Context, tx *sqlx.Tx, player1, player2 string, bet decimal.Decimal, matchID uuid.UUID, what string) error {
	if err := s.ReleaseWager(ctx, tx, player1, bet, matchID, what); err != nil {
		return fmt.Errorf("ledger_service.RefundWager: %w", err)
	}
	if err := s.ReleaseWager(ctx, tx, player2, bet, matchID, what); err != nil {
		return fmt.Errorf("ledger_service.RefundWager: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────────────────────────────────

// reconcileQuery recomputes the frozen amount from its sources of truth:
// live match bets, queue reservations, and pending outbound challenges.
const reconcileQuery = `
	WITH expected AS (
		SELECT
			COALESCE((SELECT SUM(bet_amount) FROM matches
				WHERE (player1 = $1 OR player2 = $1)
				  AND status IN ('active', 'awaiting_deposits')), 0)
			+ COALESCE((SELECT SUM(bet_amount) FROM queue_entries
				WHERE player = $1), 0)
			+ COALESCE((SELECT SUM(bet_amount) FROM challenges
				WHERE from_address = $1 AND status = 'pending'), 0) AS amount
	)
	UPDATE balances
	SET frozen = LEAST(total, (SELECT amount FROM expected)), updated_at = NOW()
	WHERE address = $1`

// ReconcileFrozen rewrites the frozen amount from live reservations and
// returns the fresh balance. Run on every websocket auth so a reservation
// orphaned by a crash heals the next time the player connects.
func (s *LedgerService) ReconcileFrozen(ctx context.Context, address string) (*domain.Balance, error) {
	if _, err := s.db.ExecContext(ctx, reconcileQuery, address); err != nil {
		return nil, fmt.Errorf("ledger_service.ReconcileFrozen: %w", err)
	}
	return s.balanceRepo.Get(ctx, address)
}

// ──────────────────────────────────────────────────────────────────────────────
// Admin
// ──────────────────────────────────────────────────────────────────────────────

// SetFrozen overwrites a user's frozen amount. Admin repair for a reservation
// orphaned by a crash mid-settlement.
func (s *LedgerService) SetFrozen(ctx context.Context, address string, frozen decimal.Decimal) error {
	if frozen.IsNegative() {
		return domain.ErrInsufficientBalance
	}
	return s.balanceRepo.SetFrozen(ctx, address, frozen)
}
