// Package scheduler runs the background loops that keep the arena healthy:
//  1. priceRefreshLoop     – refreshes the weighted price snapshot every second.
//  2. depositLoop          – activates escrow matches once both deposits land.
//  3. expiryLoop           – cancels escrow matches whose deposits never arrived
//     and voids challenges past their deadline.
//  4. chainSettlementLoop  – retries on-chain settlement of finished matches.
//  5. nonceLoop            – purges expired sign-in nonces.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/service"
)

const (
	depositCheckEvery = 5 * time.Second
	expiryCheckEvery  = 30 * time.Second
	noncePurgeEvery   = 5 * time.Minute
)

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler wires the services into periodic loops. Call Start(ctx) once from
// main(); cancel the context to shut it down gracefully.
type Scheduler struct {
	priceSvc     *service.PriceService
	matchSvc     *service.MatchService
	challengeSvc *service.ChallengeService
	authSvc      *service.AuthService
	cfg          *config.Config
	logger       *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	priceSvc *service.PriceService,
	matchSvc *service.MatchService,
	challengeSvc *service.ChallengeService,
	authSvc *service.AuthService,
	cfg *config.Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		priceSvc:     priceSvc,
		matchSvc:     matchSvc,
		challengeSvc: challengeSvc,
		authSvc:      authSvc,
		cfg:          cfg,
		logger:       logger,
	}
}

// Start launches the background loops. It returns immediately; all loops run
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.priceRefreshLoop(ctx)
	go s.depositLoop(ctx)
	go s.expiryLoop(ctx)
	go s.chainSettlementLoop(ctx)
	go s.nonceLoop(ctx)
	s.logger.Info("scheduler started")
}

// ──────────────────────────────────────────────────────────────────────────────
// priceRefreshLoop
// ──────────────────────────────────────────────────────────────────────────────

// priceRefreshLoop keeps the shared price snapshot fresh. A failed refresh is
// logged and retried on the next tick; the match engine rejects orders on a
// stale snapshot, so no action is needed here.
func (s *Scheduler) priceRefreshLoop(ctx context.Context) {
	defer s.recoverAndLog("priceRefreshLoop")

	// Prime the snapshot before the first tick so matches starting at boot
	// have prices immediately.
	if err := s.priceSvc.Refresh(ctx); err != nil {
		s.logger.Warn("priceRefreshLoop: initial refresh failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.Price.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("priceRefreshLoop: shutting down")
			return
		case <-ticker.C:
			if err := s.priceSvc.Refresh(ctx); err != nil {
				s.logger.Warn("priceRefreshLoop: refresh failed", "err", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// depositLoop
// ──────────────────────────────────────────────────────────────────────────────

// depositLoop polls escrow matches awaiting deposits and activates them once
// both sides have funded the game account.
func (s *Scheduler) depositLoop(ctx context.Context) {
	defer s.recoverAndLog("depositLoop")

	ticker := time.NewTicker(depositCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("depositLoop: shutting down")
			return
		case <-ticker.C:
			if err := s.matchSvc.CheckPendingDeposits(ctx); err != nil {
				s.logger.Error("depositLoop: CheckPendingDeposits", "err", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// expiryLoop
// ──────────────────────────────────────────────────────────────────────────────

// expiryLoop cancels escrow matches whose deposit window closed and voids
// challenges nobody answered, releasing the frozen bets in both cases.
func (s *Scheduler) expiryLoop(ctx context.Context) {
	defer s.recoverAndLog("expiryLoop")

	ticker := time.NewTicker(expiryCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiryLoop: shutting down")
			return
		case <-ticker.C:
			if n, err := s.matchSvc.CancelExpiredAwaiting(ctx); err != nil {
				s.logger.Error("expiryLoop: CancelExpiredAwaiting", "err", err)
			} else if n > 0 {
				s.logger.Info("cancelled unfunded matches", "count", n)
			}

			if n, err := s.challengeSvc.ExpireStale(ctx); err != nil {
				s.logger.Error("expiryLoop: ExpireStale", "err", err)
			} else if n > 0 {
				s.logger.Info("expired stale challenges", "count", n)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// chainSettlementLoop
// ──────────────────────────────────────────────────────────────────────────────

// chainSettlementLoop retries on-chain settlement for completed escrow matches
// whose transactions did not confirm on the first attempt.
func (s *Scheduler) chainSettlementLoop(ctx context.Context) {
	defer s.recoverAndLog("chainSettlementLoop")

	ticker := time.NewTicker(s.cfg.Match.SettleRetryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("chainSettlementLoop: shutting down")
			return
		case <-ticker.C:
			if err := s.matchSvc.RetryOnChainSettlements(ctx); err != nil {
				s.logger.Error("chainSettlementLoop: RetryOnChainSettlements", "err", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// nonceLoop
// ──────────────────────────────────────────────────────────────────────────────

// nonceLoop purges expired sign-in nonces.
func (s *Scheduler) nonceLoop(ctx context.Context) {
	defer s.recoverAndLog("nonceLoop")

	ticker := time.NewTicker(noncePurgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("nonceLoop: shutting down")
			return
		case <-ticker.C:
			if n, err := s.authSvc.PurgeExpiredNonces(ctx); err != nil {
				s.logger.Error("nonceLoop: PurgeExpiredNonces", "err", err)
			} else if n > 0 {
				s.logger.Debug("purged expired nonces", "count", n)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred inside each goroutine to catch unexpected panics,
// log them, and allow the process to continue running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}
