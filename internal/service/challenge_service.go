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

// ──────────────────────────────────────────────────────────────────────────────
// ChallengeService
// ──────────────────────────────────────────────────────────────────────────────

// ChallengeService handles direct player-to-player invitations. The
// challenger's bet is frozen when the challenge is created; the recipient's
// bet is frozen on accept, in the same transaction that creates the match.
type ChallengeService struct {
	db            *sqlx.DB
	challengeRepo *repository.ChallengeRepository
	matchRepo     *repository.MatchRepository
	userRepo      *repository.UserRepository
	ledger        *LedgerService
	cfg           *config.Config
	starter       MatchStarter
}

// NewChallengeService creates a ChallengeService.
func NewChallengeService(
	db *sqlx.DB,
	challengeRepo *repository.ChallengeRepository,
	matchRepo *repository.MatchRepository,
	userRepo *repository.UserRepository,
	ledger *LedgerService,
	cfg *config.Config,
) *ChallengeService {
	return &ChallengeService{
		db:            db,
		challengeRepo: challengeRepo,
		matchRepo:     matchRepo,
		userRepo:      userRepo,
		ledger:        ledger,
		cfg:           cfg,
	}
}

// SetMatchStarter injects the match runtime dependency post-construction.
func (s *ChallengeService) SetMatchStarter(st MatchStarter) { s.starter = st }

// ──────────────────────────────────────────────────────────────────────────────
// Create
// ──────────────────────────────────────────────────────────────────────────────

// Create issues a challenge and freezes the challenger's bet.
func (s *ChallengeService) Create(ctx context.Context, from, to, durationLabel string, bet decimal.Decimal) (*domain.Challenge, error) {
	if from == to {
		return nil, domain.ErrSelfChallenge
	}
	durationSeconds, err := domain.ParseMatchDuration(durationLabel)
	if err != nil {
		return nil, err
	}
	if !domain.ValidBet(bet) {
		return nil, domain.ErrInvalidBet
	}
	// Recipient must exist
	if _, err := s.userRepo.GetByAddress(ctx, to); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ch := &domain.Challenge{
		ID:              uuid.New(),
		FromAddress:     from,
		ToAddress:       to,
		DurationSeconds: durationSeconds,
		BetAmount:       bet,
		Status:          domain.ChallengePending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(domain.ChallengeTTL),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("challenge_service.Create: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.ledger.FreezeWager(ctx, tx, from, bet, ch.ID, "challenge issued"); err != nil {
		return nil, err
	}
	if err = s.challengeRepo.Create(ctx, tx, ch); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("challenge_service.Create: commit: %w", err)
	}
	return ch, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Accept / Decline
// ──────────────────────────────────────────────────────────────────────────────

// Accept freezes the recipient's bet, resolves the challenge, and creates the
// match in one transaction. Only the recipient may accept.
func (s *ChallengeService) Accept(ctx context.Context, challengeID uuid.UUID, caller string) (*domain.Match, error) {
	ch, err := s.challengeRepo.GetByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if ch.ToAddress != caller {
		return nil, domain.ErrNotChallengeRecipient
	}
	if !ch.IsPending() {
		return nil, domain.ErrChallengeNotPending
	}

	now := time.Now().UTC()
	end := now.Add(time.Duration(ch.DurationSeconds) * time.Second)
	match := &domain.Match{
		ID:              uuid.New(),
		Player1:         ch.FromAddress,
		Player2:         ch.ToAddress,
		DurationSeconds: ch.DurationSeconds,
		BetAmount:       ch.BetAmount,
		Status:          domain.MatchActive,
		StartTime:       now,
		EndTime:         end,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("challenge_service.Accept: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.ledger.FreezeWager(ctx, tx, caller, ch.BetAmount, ch.ID, "challenge accepted"); err != nil {
		return nil, err
	}
	matchID := match.ID
	if err = s.challengeRepo.Resolve(ctx, tx, ch.ID, domain.ChallengeMatched, &matchID); err != nil {
		return nil, err
	}
	if err = s.matchRepo.Create(ctx, tx, match); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("challenge_service.Accept: commit: %w", err)
	}

	slog.Info("challenge accepted", "challenge_id", ch.ID, "match_id", match.ID)

	if s.starter != nil {
		s.starter.StartMatch(match)
	}
	return match, nil
}

// Decline voids the challenge and releases the challenger's bet. Only the
// recipient may decline.
func (s *ChallengeService) Decline(ctx context.Context, challengeID uuid.UUID, caller string) error {
	ch, err := s.challengeRepo.GetByID(ctx, challengeID)
	if err != nil {
		return err
	}
	if ch.ToAddress != caller {
		return domain.ErrNotChallengeRecipient
	}
	return s.void(ctx, ch, domain.ChallengeDeclined, "challenge declined")
}

// ExpireStale voids every pending challenge past its deadline and releases
// the frozen bets. Called by the scheduler.
func (s *ChallengeService) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.challengeRepo.ListExpired(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, ch := range expired {
		if err := s.void(ctx, ch, domain.ChallengeExpired, "challenge expired"); err != nil {
			slog.Error("challenge expiry failed", "challenge_id", ch.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// void resolves a pending challenge to a terminal status and releases the
// challenger's frozen bet atomically.
func (s *ChallengeService) void(ctx context.Context, ch *domain.Challenge, status domain.ChallengeStatus, what string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("challenge_service.void: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.challengeRepo.Resolve(ctx, tx, ch.ID, status, nil); err != nil {
		return err
	}
	if err = s.ledger.ReleaseWager(ctx, tx, ch.FromAddress, ch.BetAmount, ch.ID, what); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("challenge_service.void: commit: %w", err)
	}
	return nil
}

// ListForPlayer returns the player's pending challenges.
func (s *ChallengeService) ListForPlayer(ctx context.Context, address string) ([]*domain.Challenge, error) {
	return s.challengeRepo.ListForPlayer(ctx, address)
}
