// Package main is the entry point for the TradeDuel Arena API server. It
// wires together the repositories, services, websocket hub, and background
// scheduler, then serves HTTP until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/tradeduel/arena/internal/api"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/repository"
	"github.com/tradeduel/arena/internal/scheduler"
	"github.com/tradeduel/arena/internal/service"
	"github.com/tradeduel/arena/internal/ws"
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting tradeduel arena server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	balanceRepo := repository.NewBalanceRepository(db)
	matchRepo := repository.NewMatchRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	challengeRepo := repository.NewChallengeRepository(db)
	nonceRepo := repository.NewNonceRepository(db)

	// ── 5. Chain client ───────────────────────────────────────────────────────
	chainClient, err := chain.NewRPCClient(cfg)
	if err != nil {
		logger.Error("chain client init failed", "err", err)
		os.Exit(1)
	}

	// ── 6. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 7. Services (order matters for injection) ─────────────────────────────
	priceSvc := service.NewPriceService(cfg)

	authSvc := service.NewAuthService(userRepo, nonceRepo, cfg)

	ledgerSvc := service.NewLedgerService(db, balanceRepo, chainClient, cfg)

	matchSvc := service.NewMatchService(ctx, db, matchRepo, positionRepo, userRepo,
		ledgerSvc, priceSvc, chainClient, cfg)

	matchmakingSvc := service.NewMatchmakingService(db, queueRepo, matchRepo, ledgerSvc, cfg)

	challengeSvc := service.NewChallengeService(db, challengeRepo, matchRepo, userRepo, ledgerSvc, cfg)

	// Wire circular dependencies via interfaces
	matchmakingSvc.SetMatchStarter(matchSvc)
	challengeSvc.SetMatchStarter(matchSvc)

	// ── 8. WebSocket hub ──────────────────────────────────────────────────────
	hub := ws.NewHub(cfg, authSvc, matchSvc, matchmakingSvc, ledgerSvc, userRepo)
	matchSvc.SetNotifier(hub)
	logger.Info("websocket hub ready")

	// ── 9. Resume matches that were live before the restart ───────────────────
	if err = matchSvc.ResumeActive(ctx); err != nil {
		logger.Error("match resume failed", "err", err)
		os.Exit(1)
	}

	// ── 10. Scheduler ─────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(priceSvc, matchSvc, challengeSvc, authSvc, cfg, logger)
	sched.Start(ctx)

	// ── 11. HTTP router ───────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		AuthSvc:      authSvc,
		MatchSvc:     matchSvc,
		Matchmaking:  matchmakingSvc,
		ChallengeSvc: challengeSvc,
		LedgerSvc:    ledgerSvc,
		PriceSvc:     priceSvc,
		UserRepo:     userRepo,
		BalanceRepo:  balanceRepo,
		MatchRepo:    matchRepo,
		ChainClient:  chainClient,
		Hub:          hub,
		Cfg:          cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 12. Start server ──────────────────────────────────────────────────────
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 13. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially. Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
