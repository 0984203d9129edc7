package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/repository"
)

// MatchStarter is the minimal interface MatchmakingService needs from the
// match runtime manager. Injected post-construction to avoid import cycles.
type MatchStarter interface {
	StartMatch(m *domain.Match)
}

// ──────────────────────────────────────────────────────────────────────────────
// MatchmakingService
// ──────────────────────────────────────────────────────────────────────────────

// MatchmakingService pairs players waiting in (duration, bet) queues. A
// player's bet is frozen the moment they enqueue, so a successful pairing
// never fails on funds. Pairing is FIFO per queue.
type MatchmakingService struct {
	db        *sqlx.DB
	queueRepo *repository.QueueRepository
	matchRepo *repository.MatchRepository
	ledger    *LedgerService
	cfg       *config.Config
	starter   MatchStarter // injected after the match service is built
}

// NewMatchmakingService creates a MatchmakingService.
func NewMatchmakingService(
	db *sqlx.DB,
	queueRepo *repository.QueueRepository,
	matchRepo *repository.MatchRepository,
	ledger *LedgerService,
	cfg *config.Config,
) *MatchmakingService {
	return &MatchmakingService{
		db:        db,
		queueRepo: queueRepo,
		matchRepo: matchRepo,
		ledger:    ledger,
		cfg:       cfg,
	}
}

// SetMatchStarter injects the match runtime dependency post-construction.
func (s *MatchmakingService) SetMatchStarter(st MatchStarter) { s.starter = st }

// ──────────────────────────────────────────────────────────────────────────────
// JoinQueue
// ──────────────────────────────────────────────────────────────────────────────

// JoinQueue freezes the bet and enqueues the player atomically, then attempts
// a pairing. Returns the match when one formed immediately, nil when the
// player is waiting.
func (s *MatchmakingService) JoinQueue(ctx context.Context, player, durationLabel string, bet decimal.Decimal) (*domain.Match, error) {
	durationSeconds, err := domain.ParseMatchDuration(durationLabel)
	if err != nil {
		return nil, err
	}
	if !domain.ValidBet(bet) {
		return nil, domain.ErrInvalidBet
	}
	// One match at a time per player
	if _, err := s.matchRepo.ActiveMatchFor(ctx, player, s.cfg.Match.ActiveStale, s.cfg.Match.DepositStale); err == nil {
		return nil, domain.ErrAlreadyQueued
	} else if !domain.IsNotFound(err) {
		return nil, fmt.Errorf("matchmaking_service.JoinQueue: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("matchmaking_service.JoinQueue: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	entry := &domain.QueueEntry{
		Player:          player,
		DurationSeconds: durationSeconds,
		BetAmount:       bet,
	}
	if err = s.queueRepo.Enqueue(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err = s.ledger.FreezeWager(ctx, tx, player, bet, uuid.New(),
		fmt.Sprintf("queue %s / %s USDC", durationLabel, bet)); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("matchmaking_service.JoinQueue: commit: %w", err)
	}

	return s.TryPair(ctx, durationSeconds, bet)
}

// LeaveQueue removes the player from one queue and releases the frozen bet.
func (s *MatchmakingService) LeaveQueue(ctx context.Context, player, durationLabel string, bet decimal.Decimal) error {
	durationSeconds, err := domain.ParseMatchDuration(durationLabel)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("matchmaking_service.LeaveQueue: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	entry, err := s.queueRepo.Remove(ctx, tx, player, durationSeconds, bet)
	if err != nil {
		return err
	}
	if err = s.ledger.ReleaseWager(ctx, tx, player, entry.BetAmount, uuid.New(), "left queue"); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("matchmaking_service.LeaveQueue: commit: %w", err)
	}
	return nil
}

// LeaveAllQueues drops every queue entry for a player and releases each
// frozen bet. Used by the admin repair path.
func (s *MatchmakingService) LeaveAllQueues(ctx context.Context, player string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("matchmaking_service.LeaveAllQueues: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	entries, err := s.queueRepo.RemoveAll(ctx, tx, player)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err = s.ledger.ReleaseWager(ctx, tx, player, e.BetAmount, uuid.New(), "left all queues"); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("matchmaking_service.LeaveAllQueues: commit: %w", err)
	}
	return len(entries), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pairing
// ──────────────────────────────────────────────────────────────────────────────

// TryPair claims the two longest-waiting entries of a queue and creates an
// active match from them. Both bets are already frozen, so the pairing
// transaction only moves queue rows and inserts the match. A single popped
// entry is requeued untouched.
func (s *MatchmakingService) TryPair(ctx context.Context, durationSeconds int64, bet decimal.Decimal) (*domain.Match, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("matchmaking_service.TryPair: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	entries, err := s.queueRepo.PopPair(ctx, tx, durationSeconds, bet)
	if err != nil {
		return nil, err
	}
	if len(entries) < 2 {
		// Nothing to pair; put the lone entry back
		for _, e := range entries {
			if err = s.queueRepo.Requeue(ctx, tx, e); err != nil {
				return nil, err
			}
		}
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("matchmaking_service.TryPair: commit: %w", err)
		}
		return nil, nil
	}

	now := time.Now().UTC()
	end := now.Add(time.Duration(durationSeconds) * time.Second)
	match := &domain.Match{
		ID:              uuid.New(),
		Player1:         entries[0].Player,
		Player2:         entries[1].Player,
		DurationSeconds: durationSeconds,
		BetAmount:       bet,
		Status:          domain.MatchActive,
		StartTime:       now,
		EndTime:         end,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err = s.matchRepo.Create(ctx, tx, match); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("matchmaking_service.TryPair: commit: %w", err)
	}

	slog.Info("match paired",
		"match_id", match.ID,
		"player1", match.Player1,
		"player2", match.Player2,
		"duration", durationSeconds,
		"bet", bet)

	if s.starter != nil {
		s.starter.StartMatch(match)
	}
	return match, nil
}

// QueueStats returns the per-duration waiting counts for the lobby.
func (s *MatchmakingService) QueueStats(ctx context.Context) ([]*domain.QueueStat, error) {
	return s.queueRepo.Stats(ctx)
}

// MyQueues returns the queues the player currently waits in.
func (s *MatchmakingService) MyQueues(ctx context.Context, player string) ([]*domain.QueueEntry, error) {
	return s.queueRepo.ListByPlayer(ctx, player)
}
