package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
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
// Injected interfaces
// ──────────────────────────────────────────────────────────────────────────────

// MatchNotifier is the minimal interface MatchService needs from the WS hub.
// Injected post-construction to avoid import cycles.
type MatchNotifier interface {
	// NotifyMatch fans an event out to the players in the match room.
	NotifyMatch(matchID uuid.UUID, event string, payload interface{})
	// NotifySpectators fans an event out to the match's spectator room.
	NotifySpectators(matchID uuid.UUID, event string, payload interface{})
	// NotifyMatchAndSpectators fans an event out to both rooms.
	NotifyMatchAndSpectators(matchID uuid.UUID, event string, payload interface{})
	// NotifyUser sends an event to every connection of one user.
	NotifyUser(address string, event string, payload interface{})
	// IsConnected reports whether the user holds at least one live connection.
	IsConnected(address string) bool
}

// ──────────────────────────────────────────────────────────────────────────────
// Requests & read models
// ──────────────────────────────────────────────────────────────────────────────

// OpenPositionRequest carries a position open command.
type OpenPositionRequest struct {
	PositionID string             `json:"positionId"` // optional client idempotency key
	Asset      domain.AssetSymbol `json:"asset"`
	IsLong     bool               `json:"isLong"`
	Size       decimal.Decimal    `json:"size"`
	Leverage   decimal.Decimal    `json:"leverage"`
	StopLoss   *decimal.Decimal   `json:"stopLoss"`
	TakeProfit *decimal.Decimal   `json:"takeProfit"`
}

// ensureID fills in a server-generated id when the client supplied none.
func (r *OpenPositionRequest) ensureID() {
	if r.PositionID == "" {
		r.PositionID = uuid.NewString()
	}
}

// MatchState is the full view of one match. It is never sent as-is: players
// receive PlayerView (own positions only) and everyone else SpectatorView,
// because stop levels are private to their owner.
type MatchState struct {
	Match      *domain.Match           `json:"match"`
	Positions  []*domain.Position      `json:"positions"`
	Player1    domain.PlayerAggregates `json:"player1"`
	Player2    domain.PlayerAggregates `json:"player2"`
	Prices     *domain.PriceSnapshot   `json:"prices"`
	TimeLeft   int64                   `json:"time_left_seconds"`
	ServerTime time.Time               `json:"server_time"`
}

// PlayerView returns the state one player may see: their own positions in
// full, the opponent reduced to aggregates.
func (st *MatchState) PlayerView(player string) *MatchState {
	view := *st
	view.Positions = make([]*domain.Position, 0, len(st.Positions))
	for _, p := range st.Positions {
		if p.Player == player {
			view.Positions = append(view.Positions, p)
		}
	}
	return &view
}

// SpectatorPosition is the open-position summary disclosed outside the match:
// no stop loss, no take profit.
type SpectatorPosition struct {
	Player     string             `json:"player"`
	Asset      domain.AssetSymbol `json:"asset"`
	IsLong     bool               `json:"is_long"`
	Leverage   decimal.Decimal    `json:"leverage"`
	Size       decimal.Decimal    `json:"size"`
	EntryPrice decimal.Decimal    `json:"entry_price"`
	Pnl        decimal.Decimal    `json:"pnl"`
}

// SpectatorState is the redacted match view for spectators and public reads.
type SpectatorState struct {
	Match      *domain.Match           `json:"match"`
	Player1    domain.PlayerAggregates `json:"player1"`
	Player2    domain.PlayerAggregates `json:"player2"`
	Positions  []SpectatorPosition     `json:"positions"`
	Prices     *domain.PriceSnapshot   `json:"prices"`
	TimeLeft   int64                   `json:"time_left_seconds"`
	ServerTime time.Time               `json:"server_time"`
}

// SpectatorView reduces the state to both players' aggregates and their open
// positions priced at the snapshot, stop levels withheld.
func (st *MatchState) SpectatorView() *SpectatorState {
	view := &SpectatorState{
		Match:      st.Match,
		Player1:    st.Player1,
		Player2:    st.Player2,
		Prices:     st.Prices,
		TimeLeft:   st.TimeLeft,
		ServerTime: st.ServerTime,
	}
	for _, p := range st.Positions {
		if !p.IsOpen() {
			continue
		}
		price := p.EntryPrice
		if st.Prices != nil {
			if sp := st.Prices.PriceFor(p.Asset); !sp.IsZero() {
				price = sp
			}
		}
		view.Positions = append(view.Positions, SpectatorPosition{
			Player:     p.Player,
			Asset:      p.Asset,
			IsLong:     p.IsLong,
			Leverage:   p.Leverage,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			Pnl:        p.UnrealizedPnl(price),
		})
	}
	return view
}

// ──────────────────────────────────────────────────────────────────────────────
// matchRuntime
// ──────────────────────────────────────────────────────────────────────────────

// matchRuntime is the in-memory loop for one active match: a broadcast
// ticker, an auto-close ticker, the end timer, and per-player forfeit timers.
// All timers funnel into MatchService methods; the runtime itself holds no
// money state.
type matchRuntime struct {
	match  *domain.Match
	cancel context.CancelFunc

	mu            sync.Mutex
	forfeitTimers map[string]*time.Timer // player address → pending forfeit
	settleOnce    sync.Once
}

func (rt *matchRuntime) cancelForfeit(player string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.forfeitTimers[player]; ok {
		t.Stop()
		delete(rt.forfeitTimers, player)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// MatchService
// ──────────────────────────────────────────────────────────────────────────────

// MatchService is the server-authoritative game engine: it owns every active
// match runtime, executes trades against the shared price snapshot, and
// settles outcomes. Clients only ever send intents.
type MatchService struct {
	db           *sqlx.DB
	matchRepo    *repository.MatchRepository
	positionRepo *repository.PositionRepository
	userRepo     *repository.UserRepository
	ledger       *LedgerService
	prices       *PriceService
	chainClient  chain.Client
	cfg          *config.Config

	guard    *KeyedGuard
	notifier MatchNotifier // injected after the WS hub is built

	mu       sync.RWMutex
	runtimes map[uuid.UUID]*matchRuntime

	rootCtx context.Context
}

// NewMatchService creates a MatchService. ctx bounds the lifetime of every
// runtime goroutine; cancel it on shutdown.
func NewMatchService(
	ctx context.Context,
	db *sqlx.DB,
	matchRepo *repository.MatchRepository,
	positionRepo *repository.PositionRepository,
	userRepo *repository.UserRepository,
	ledger *LedgerService,
	prices *PriceService,
	chainClient chain.Client,
	cfg *config.Config,
) *MatchService {
	return &MatchService{
		db:           db,
		matchRepo:    matchRepo,
		positionRepo: positionRepo,
		userRepo:     userRepo,
		ledger:       ledger,
		prices:       prices,
		chainClient:  chainClient,
		cfg:          cfg,
		guard:        NewKeyedGuard(),
		runtimes:     make(map[uuid.UUID]*matchRuntime),
		rootCtx:      ctx,
	}
}

// SetNotifier injects the WS hub dependency post-construction.
func (s *MatchService) SetNotifier(n MatchNotifier) { s.notifier = n }

// ──────────────────────────────────────────────────────────────────────────────
// Runtime lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// StartMatch spawns the runtime for a freshly created match and notifies both
// players, each frame carrying both gamer tags so clients can render the
// opponent immediately. Implements MatchStarter.
func (s *MatchService) StartMatch(m *domain.Match) {
	rt := s.spawnRuntime(m)
	if rt == nil {
		return
	}
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.rootCtx, 5*time.Second)
	defer cancel()
	var tag1, tag2 string
	if u, err := s.userRepo.GetByAddress(ctx, m.Player1); err == nil {
		tag1 = u.GamerTag
	}
	if u, err := s.userRepo.GetByAddress(ctx, m.Player2); err == nil {
		tag2 = u.GamerTag
	}
	payload := matchFoundPayload(m, tag1, tag2)
	s.notifier.NotifyUser(m.Player1, "match_found", payload)
	s.notifier.NotifyUser(m.Player2, "match_found", payload)
}

// matchFoundPayload pairs the match with both players' display tags.
func matchFoundPayload(m *domain.Match, tag1, tag2 string) map[string]interface{} {
	return map[string]interface{}{
		"match":       m,
		"player1_tag": tag1,
		"player2_tag": tag2,
	}
}

// spawnRuntime registers and launches the per-match loop. Returns nil when a
// runtime for the match already exists.
func (s *MatchService) spawnRuntime(m *domain.Match) *matchRuntime {
	s.mu.Lock()
	if _, exists := s.runtimes[m.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	rt := &matchRuntime{
		match:         m,
		cancel:        cancel,
		forfeitTimers: make(map[string]*time.Timer),
	}
	s.runtimes[m.ID] = rt
	s.mu.Unlock()

	go s.runLoop(ctx, rt)
	return rt
}

// stopRuntime tears down a match's loop and timers.
func (s *MatchService) stopRuntime(matchID uuid.UUID) {
	s.mu.Lock()
	rt, ok := s.runtimes[matchID]
	if ok {
		delete(s.runtimes, matchID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	rt.mu.Lock()
	for player, t := range rt.forfeitTimers {
		t.Stop()
		delete(rt.forfeitTimers, player)
	}
	rt.mu.Unlock()
}

// runtime returns the live runtime for a match, or nil.
func (s *MatchService) runtime(matchID uuid.UUID) *matchRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runtimes[matchID]
}

// runLoop drives one match: state broadcasts, SL/TP/liquidation sweeps, and
// the end-of-match settlement.
func (s *MatchService) runLoop(ctx context.Context, rt *matchRuntime) {
	defer recoverAndLog("match runtime", rt.match.ID.String())

	broadcast := time.NewTicker(s.cfg.Match.BroadcastInterval)
	defer broadcast.Stop()
	autoClose := time.NewTicker(s.cfg.Match.AutoCloseInterval)
	defer autoClose.Stop()

	var endCh <-chan time.Time
	if !rt.match.EndTime.IsZero() {
		d := time.Until(rt.match.EndTime)
		if d < 0 {
			d = 0
		}
		endTimer := time.NewTimer(d)
		defer endTimer.Stop()
		endCh = endTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-broadcast.C:
			s.broadcastState(ctx, rt.match.ID)
		case <-autoClose.C:
			s.sweepAutoClose(ctx, rt.match.ID)
		case <-endCh:
			s.settle(rt, domain.CloseMatchEnd, "")
			return
		}
	}
}

// recoverAndLog converts a runtime panic into an error log so one match
// cannot take the process down.
func recoverAndLog(what, id string) {
	if r := recover(); r != nil {
		slog.Error("panic recovered", "in", what, "id", id, "panic", r)
	}
}

// ResumeActive rebuilds runtimes for matches that were live before a restart.
// Matches already past their end time settle immediately.
func (s *MatchService) ResumeActive(ctx context.Context) error {
	matches, err := s.matchRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("match_service.ResumeActive: %w", err)
	}
	for _, m := range matches {
		rt := s.spawnRuntime(m)
		if rt == nil {
			continue
		}
		slog.Info("match resumed", "match_id", m.ID, "status", m.Status)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Trading
// ──────────────────────────────────────────────────────────────────────────────

// OpenPosition validates and opens a simulated position at the current fresh
// price. The position id is an idempotency key: replaying the same id for
// the same player returns the existing position unchanged, so a duplicate WS
// delivery produces two identical position_opened frames and one row.
func (s *MatchService) OpenPosition(ctx context.Context, matchID uuid.UUID, player string, req OpenPositionRequest) (*domain.Position, error) {
	match, err := s.activeMatchForPlayer(ctx, matchID, player)
	if err != nil {
		return nil, err
	}

	req.ensureID()
	if !domain.ValidPositionID(req.PositionID) {
		return nil, domain.ErrInvalidPositionID
	}
	if !req.Asset.IsValid() {
		return nil, domain.ErrInvalidAsset
	}
	one := decimal.NewFromInt(1)
	if req.Leverage.LessThan(one) || req.Leverage.GreaterThan(domain.MaxLeverage) {
		return nil, domain.ErrInvalidLeverage
	}
	if req.Size.LessThan(one) || req.Size.GreaterThan(domain.DemoBalance) {
		return nil, domain.ErrInvalidSize
	}

	// Replay before the margin check: the first open already counts toward
	// open size, so re-validating the duplicate would reject it.
	if existing, err := s.positionRepo.GetByID(ctx, matchID, req.PositionID); err == nil {
		return s.replayOpen(existing, player)
	} else if !domain.IsNotFound(err) {
		return nil, err
	}

	// Margin: total open size may never exceed the demo balance
	openSize, err := s.positionRepo.SumOpenSize(ctx, matchID, player)
	if err != nil {
		return nil, err
	}
	if openSize.Add(req.Size).GreaterThan(domain.DemoBalance) {
		return nil, domain.ErrInsufficientMargin
	}

	snap, err := s.prices.FreshSnapshot()
	if err != nil {
		return nil, err
	}
	entry := snap.PriceFor(req.Asset)
	if entry.IsZero() {
		return nil, domain.ErrPriceStale
	}

	pos := &domain.Position{
		ID:         req.PositionID,
		MatchID:    matchID,
		Player:     player,
		Asset:      req.Asset,
		IsLong:     req.IsLong,
		EntryPrice: entry,
		Size:       req.Size,
		Leverage:   req.Leverage,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   time.Now().UTC(),
	}
	if err := pos.ValidateStops(); err != nil {
		return nil, err
	}
	if err := s.positionRepo.Create(ctx, pos); err != nil {
		// Lost a race against an identical open; hand back its result.
		if err == domain.ErrPositionExists {
			existing, gerr := s.positionRepo.GetByID(ctx, matchID, req.PositionID)
			if gerr != nil {
				return nil, gerr
			}
			return s.replayOpen(existing, player)
		}
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyUser(player, "position_opened", pos)
	}
	s.broadcastAggregates(ctx, match)
	return pos, nil
}

// replayOpen resolves an idempotency-key hit: the owner gets the existing
// position back, anyone else collided with a foreign key and is rejected.
func (s *MatchService) replayOpen(existing *domain.Position, player string) (*domain.Position, error) {
	if existing.Player != player {
		return nil, domain.ErrInvalidPositionID
	}
	if s.notifier != nil {
		s.notifier.NotifyUser(player, "position_opened", existing)
	}
	return existing, nil
}

// ClosePosition closes a position at the current fresh price. The keyed guard
// plus the database's closed_at IS NULL check guarantee a single close even
// when the manual close races the auto-close sweep.
func (s *MatchService) ClosePosition(ctx context.Context, matchID uuid.UUID, player, positionID string) (*domain.Position, error) {
	if _, err := s.activeMatchForPlayer(ctx, matchID, player); err != nil {
		return nil, err
	}

	key := matchID.String() + ":" + positionID
	if !s.guard.TryAcquire(key) {
		return nil, domain.ErrPositionClosing
	}
	defer s.guard.Release(key)

	pos, err := s.positionRepo.GetByID(ctx, matchID, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Player != player {
		return nil, domain.ErrForbidden
	}
	if !pos.IsOpen() {
		return nil, domain.ErrPositionClosed
	}

	snap, err := s.prices.FreshSnapshot()
	if err != nil {
		return nil, err
	}
	return s.closeAt(ctx, pos, snap.PriceFor(pos.Asset), domain.CloseManual)
}

// PartialClose realizes a fraction of an open position at the current price
// and shrinks the remainder. Fraction must be strictly between 0 and 1.
func (s *MatchService) PartialClose(ctx context.Context, matchID uuid.UUID, player, positionID string, fraction decimal.Decimal) (*domain.Position, error) {
	match, err := s.activeMatchForPlayer(ctx, matchID, player)
	if err != nil {
		return nil, err
	}
	one := decimal.NewFromInt(1)
	if !fraction.IsPositive() || fraction.GreaterThanOrEqual(one) {
		return nil, domain.ErrInvalidFraction
	}

	key := matchID.String() + ":" + positionID
	if !s.guard.TryAcquire(key) {
		return nil, domain.ErrPositionClosing
	}
	defer s.guard.Release(key)

	pos, err := s.positionRepo.GetByID(ctx, matchID, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Player != player {
		return nil, domain.ErrForbidden
	}
	if !pos.IsOpen() {
		return nil, domain.ErrPositionClosed
	}

	snap, err := s.prices.FreshSnapshot()
	if err != nil {
		return nil, err
	}
	price := snap.PriceFor(pos.Asset)
	if price.IsZero() {
		return nil, domain.ErrPriceStale
	}

	slice, closedSize := partialSlice(pos, fraction, price, time.Now().UTC())
	if err := s.positionRepo.SplitClose(ctx, positionID, slice, closedSize); err != nil {
		return nil, err
	}

	updated, err := s.positionRepo.GetByID(ctx, matchID, positionID)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyUser(player, "position_closed", slice)
	}
	s.broadcastAggregates(ctx, match)
	return updated, nil
}

// partialSlice builds the closed position representing the realized fraction.
// The slice id is deterministic so history and replays stay stable.
func partialSlice(pos *domain.Position, fraction, price decimal.Decimal, now time.Time) (*domain.Position, decimal.Decimal) {
	closedSize := pos.Size.Mul(fraction)
	reason := domain.ClosePartial
	slice := &domain.Position{
		ID:          fmt.Sprintf("%s_partial_%d", pos.ID, now.UnixMilli()),
		MatchID:     pos.MatchID,
		Player:      pos.Player,
		Asset:       pos.Asset,
		IsLong:      pos.IsLong,
		EntryPrice:  pos.EntryPrice,
		Size:        closedSize,
		Leverage:    pos.Leverage,
		OpenedAt:    pos.OpenedAt,
		ExitPrice:   &price,
		ClosedAt:    &now,
		CloseReason: &reason,
	}
	pnl := slice.UnrealizedPnl(price)
	slice.Pnl = &pnl
	return slice, closedSize
}

// closeAt finalizes a position at a given exit price and notifies the owner.
func (s *MatchService) closeAt(ctx context.Context, pos *domain.Position, price decimal.Decimal, reason domain.CloseReason) (*domain.Position, error) {
	pnl := pos.UnrealizedPnl(price)
	if reason == domain.CloseLiquidation {
		// Liquidation wipes the full margin
		pnl = pos.Size.Neg()
	}
	now := time.Now().UTC()
	if err := s.positionRepo.Close(ctx, pos.MatchID, pos.ID, price, pnl, reason, now); err != nil {
		return nil, err
	}

	pos.ExitPrice = &price
	pos.Pnl = &pnl
	pos.ClosedAt = &now
	pos.CloseReason = &reason

	if s.notifier != nil {
		s.notifier.NotifyUser(pos.Player, "position_closed", pos)
	}
	if match, err := s.matchRepo.GetByID(ctx, pos.MatchID); err == nil {
		s.broadcastAggregates(ctx, match)
	}
	return pos, nil
}

// autoCloseTrigger returns the close reason and exit price for a position at
// the given tick, or false when nothing fires. Liquidation exits at the exact
// liquidation price and SL/TP at their trigger levels, never at the crossing
// tick, in that priority order.
func autoCloseTrigger(pos *domain.Position, price decimal.Decimal) (domain.CloseReason, decimal.Decimal, bool) {
	switch {
	case pos.WouldLiquidate(price):
		return domain.CloseLiquidation, pos.LiquidationPrice(), true
	case pos.StopLossHit(price):
		return domain.CloseStopLoss, *pos.StopLoss, true
	case pos.TakeProfitHit(price):
		return domain.CloseTakeProfit, *pos.TakeProfit, true
	}
	return "", decimal.Decimal{}, false
}

// sweepAutoClose checks every open position against the current snapshot and
// force-closes the ones that hit liquidation, stop loss, or take profit. A
// stale snapshot skips the tick entirely: never liquidate on old data.
func (s *MatchService) sweepAutoClose(ctx context.Context, matchID uuid.UUID) {
	snap, err := s.prices.FreshSnapshot()
	if err != nil {
		return
	}
	positions, err := s.positionRepo.ListOpenByMatch(ctx, matchID)
	if err != nil {
		slog.Error("auto-close list failed", "match_id", matchID, "error", err)
		return
	}

	for _, pos := range positions {
		price := snap.PriceFor(pos.Asset)
		if price.IsZero() {
			continue
		}
		reason, exit, hit := autoCloseTrigger(pos, price)
		if !hit {
			continue
		}

		key := matchID.String() + ":" + pos.ID
		if !s.guard.TryAcquire(key) {
			continue // a manual close is in flight; it wins
		}
		if _, err := s.closeAt(ctx, pos, exit, reason); err != nil &&
			err != domain.ErrPositionClosed {
			slog.Error("auto-close failed", "match_id", matchID, "position_id", pos.ID, "error", err)
		}
		s.guard.Release(key)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// State & broadcast
// ──────────────────────────────────────────────────────────────────────────────

// State builds the full match view for join payloads and broadcasts.
func (s *MatchService) State(ctx context.Context, matchID uuid.UUID) (*MatchState, error) {
	match, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	positions, err := s.positionRepo.ListByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	snap := s.prices.Snapshot()
	return &MatchState{
		Match:      match,
		Positions:  positions,
		Player1:    domain.Aggregate(match.Player1, positions, snap),
		Player2:    domain.Aggregate(match.Player2, positions, snap),
		Prices:     snap,
		TimeLeft:   int64(match.TimeLeft().Seconds()),
		ServerTime: time.Now().UTC(),
	}, nil
}

// broadcastState drives one tick: prices to everyone, each player's
// aggregates to the other player, and the redacted view to spectators.
func (s *MatchService) broadcastState(ctx context.Context, matchID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	state, err := s.State(ctx, matchID)
	if err != nil {
		slog.Error("broadcast state failed", "match_id", matchID, "error", err)
		return
	}

	s.notifier.NotifyMatchAndSpectators(matchID, "price_update", map[string]interface{}{
		"prices":            state.Prices,
		"time_left_seconds": state.TimeLeft,
		"server_time":       state.ServerTime,
	})
	s.notifier.NotifyUser(state.Match.Player2, "opponent_update", state.Player1)
	s.notifier.NotifyUser(state.Match.Player1, "opponent_update", state.Player2)
	s.notifier.NotifySpectators(matchID, "spectator_update", state.SpectatorView())
}

// broadcastAggregates pushes fresh aggregates after a trade changes them,
// without waiting for the next tick. Each player only ever sees the opponent's
// aggregate line; open position details go to spectators stripped of stops.
func (s *MatchService) broadcastAggregates(ctx context.Context, match *domain.Match) {
	if s.notifier == nil {
		return
	}
	positions, err := s.positionRepo.ListByMatch(ctx, match.ID)
	if err != nil {
		slog.Error("broadcast aggregates failed", "match_id", match.ID, "error", err)
		return
	}
	snap := s.prices.Snapshot()
	state := &MatchState{
		Match:      match,
		Positions:  positions,
		Player1:    domain.Aggregate(match.Player1, positions, snap),
		Player2:    domain.Aggregate(match.Player2, positions, snap),
		Prices:     snap,
		TimeLeft:   int64(match.TimeLeft().Seconds()),
		ServerTime: time.Now().UTC(),
	}
	s.notifier.NotifyUser(match.Player2, "opponent_update", state.Player1)
	s.notifier.NotifyUser(match.Player1, "opponent_update", state.Player2)
	s.notifier.NotifySpectators(match.ID, "spectator_update", state.SpectatorView())
}

// ──────────────────────────────────────────────────────────────────────────────
// Forfeit
// ──────────────────────────────────────────────────────────────────────────────

// OnPlayerDisconnect arms the forfeit timer for a player's active match.
// Reconnecting within the grace window disarms it.
func (s *MatchService) OnPlayerDisconnect(player string) {
	ctx, cancel := context.WithTimeout(s.rootCtx, 5*time.Second)
	defer cancel()

	match, err := s.matchRepo.ActiveMatchFor(ctx, player, s.cfg.Match.ActiveStale, s.cfg.Match.DepositStale)
	if err != nil {
		return // not in a match; nothing to do
	}
	rt := s.runtime(match.ID)
	if rt == nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, armed := rt.forfeitTimers[player]; armed {
		return
	}
	matchID := match.ID
	rt.forfeitTimers[player] = time.AfterFunc(s.cfg.Match.ForfeitGrace, func() {
		s.forfeit(matchID, player)
	})
	slog.Info("forfeit timer armed", "match_id", match.ID, "player", player)

	if s.notifier != nil {
		s.notifier.NotifyMatchAndSpectators(match.ID, "opponent_disconnected", map[string]interface{}{
			"player":        player,
			"grace_seconds": int(s.cfg.Match.ForfeitGrace.Seconds()),
		})
	}
}

// OnPlayerConnect disarms any pending forfeit for the player.
func (s *MatchService) OnPlayerConnect(player string) {
	ctx, cancel := context.WithTimeout(s.rootCtx, 5*time.Second)
	defer cancel()

	match, err := s.matchRepo.ActiveMatchFor(ctx, player, s.cfg.Match.ActiveStale, s.cfg.Match.DepositStale)
	if err != nil {
		return
	}
	if rt := s.runtime(match.ID); rt != nil {
		rt.cancelForfeit(player)
		if s.notifier != nil {
			s.notifier.NotifyMatchAndSpectators(match.ID, "opponent_reconnected", map[string]interface{}{
				"player": player,
			})
		}
	}
}

// CancelForfeit disarms a pending forfeit timer for a player in a match.
// Called when the player proves liveness on a path that bypasses the connect
// hook, such as rejoining the match room on an existing connection.
func (s *MatchService) CancelForfeit(matchID uuid.UUID, player string) {
	if rt := s.runtime(matchID); rt != nil {
		rt.cancelForfeit(player)
	}
}

// forfeit settles the match against the player who stayed disconnected. The
// timer firing is not proof of absence: the player may have reconnected on a
// path that never disarmed it, so re-check the live connection first.
func (s *MatchService) forfeit(matchID uuid.UUID, loser string) {
	rt := s.runtime(matchID)
	if rt == nil {
		return
	}
	if s.notifier != nil && s.notifier.IsConnected(loser) {
		rt.cancelForfeit(loser)
		slog.Info("forfeit aborted, player reconnected", "match_id", matchID, "player", loser)
		return
	}
	winner := rt.match.Opponent(loser)
	slog.Info("match forfeited", "match_id", matchID, "loser", loser, "winner", winner)
	s.settle(rt, domain.CloseMatchEnd, winner)
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement
// ──────────────────────────────────────────────────────────────────────────────

// settle runs exactly once per runtime. forfeitWinner is empty for a normal
// timer-driven settlement; set, it forces the outcome regardless of ROI.
func (s *MatchService) settle(rt *matchRuntime, closeReason domain.CloseReason, forfeitWinner string) {
	rt.settleOnce.Do(func() {
		ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
		defer cancel()
		if err := s.settleMatch(ctx, rt.match, closeReason, forfeitWinner); err != nil {
			slog.Error("settlement failed", "match_id", rt.match.ID, "error", err)
		}
		s.stopRuntime(rt.match.ID)
	})
}

// settleMatch closes all open positions at the settlement snapshot, decides
// the outcome, and moves the money — all inside one transaction keyed on the
// match row lock. The status guard in the UPDATE makes double settlement a
// no-op.
func (s *MatchService) settleMatch(ctx context.Context, match *domain.Match, closeReason domain.CloseReason, forfeitWinner string) error {
	// Freeze the prices first: every position closes at the same snapshot.
	snap := s.prices.Snapshot()

	// Close leftovers outside the money tx; each close is individually
	// idempotent.
	open, err := s.positionRepo.ListOpenByMatch(ctx, match.ID)
	if err != nil {
		return fmt.Errorf("match_service.settleMatch: list open: %w", err)
	}
	for _, pos := range open {
		price := pos.EntryPrice
		if snap != nil {
			if p := snap.PriceFor(pos.Asset); !p.IsZero() {
				price = p
			}
		}
		if _, err := s.closeAt(ctx, pos, price, closeReason); err != nil &&
			err != domain.ErrPositionClosed {
			return fmt.Errorf("match_service.settleMatch: close %s: %w", pos.ID, err)
		}
	}

	pnl1, err := s.positionRepo.SumRealizedPnl(ctx, match.ID, match.Player1)
	if err != nil {
		return err
	}
	pnl2, err := s.positionRepo.SumRealizedPnl(ctx, match.ID, match.Player2)
	if err != nil {
		return err
	}
	roi1 := pnl1.Div(domain.DemoBalance)
	roi2 := pnl2.Div(domain.DemoBalance)

	outcome := decideSettlement(match, roi1, roi2, forfeitWinner)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("match_service.settleMatch: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Row lock serializes concurrent settlement triggers
	locked, err := s.matchRepo.GetByIDForUpdate(ctx, tx, match.ID)
	if err != nil {
		return err
	}
	if locked.Status.IsTerminal() {
		_ = tx.Rollback()
		return nil // someone else settled first
	}

	settled := *locked
	settled.Status = outcome.Status
	settled.Player1Roi = &roi1
	settled.Player2Roi = &roi2
	if outcome.Winner != "" {
		w := outcome.Winner
		settled.Winner = &w
	}
	if err = s.matchRepo.Settle(ctx, tx, &settled); err != nil {
		return err
	}

	switch outcome.Status {
	case domain.MatchTied:
		err = s.ledger.RefundWager(ctx, tx, match.Player1, match.Player2, match.BetAmount, match.ID, "match tied")
		if err == nil {
			err = s.userRepo.RecordTie(ctx, tx, match.Player1, pnl1)
		}
		if err == nil {
			err = s.userRepo.RecordTie(ctx, tx, match.Player2, pnl2)
		}
	default:
		loser := match.Opponent(outcome.Winner)
		winnerPnl, loserPnl := pnl1, pnl2
		if outcome.Winner == match.Player2 {
			winnerPnl, loserPnl = pnl2, pnl1
		}
		err = s.ledger.SettleWager(ctx, tx, outcome.Winner, loser, match.BetAmount, match.ID)
		if err == nil {
			err = s.userRepo.RecordWin(ctx, tx, outcome.Winner, winnerPnl)
		}
		if err == nil {
			err = s.userRepo.RecordLoss(ctx, tx, loser, loserPnl)
		}
	}
	if err != nil {
		return fmt.Errorf("match_service.settleMatch: money: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("match_service.settleMatch: commit: %w", err)
	}

	slog.Info("match settled",
		"match_id", match.ID,
		"status", outcome.Status,
		"winner", outcome.Winner,
		"roi1", roi1,
		"roi2", roi2)

	if s.notifier != nil {
		s.notifier.NotifyMatchAndSpectators(match.ID, "match_end",
			matchEndPayload(match, outcome, roi1, roi2))
	}

	// Escrow-backed matches also settle on-chain; run async with retries
	// handled by the scheduler loop.
	if match.OnChainGameID != nil {
		go s.settleOnChain(match.ID, *match.OnChainGameID, outcome, roi1, roi2)
	}
	return nil
}

// decideSettlement picks the terminal outcome. A forfeit overrides whatever
// the ROIs say: the player who stayed wins even while behind.
func decideSettlement(m *domain.Match, roi1, roi2 decimal.Decimal, forfeitWinner string) domain.Outcome {
	if forfeitWinner != "" {
		return domain.Outcome{Status: domain.MatchForfeited, Winner: forfeitWinner}
	}
	return m.DecideOutcome(roi1, roi2)
}

// matchEndPayload builds the final result frame: explicit tie/forfeit flags
// and ROIs as percent strings with two decimals.
func matchEndPayload(m *domain.Match, outcome domain.Outcome, roi1, roi2 decimal.Decimal) map[string]interface{} {
	return map[string]interface{}{
		"match_id":    m.ID,
		"status":      outcome.Status,
		"winner":      outcome.Winner,
		"is_tie":      outcome.Status == domain.MatchTied,
		"is_forfeit":  outcome.Status == domain.MatchForfeited,
		"player1_roi": domain.RoiPercent(roi1),
		"player2_roi": domain.RoiPercent(roi2),
	}
}

// roiBps converts a fractional ROI to integer basis points for the chain.
func roiBps(roi decimal.Decimal) int64 {
	return roi.Mul(decimal.NewFromInt(10000)).Round(0).IntPart()
}

// settleOnChain records the result in the escrow program and releases the
// pot. Failures are left for the retry loop.
func (s *MatchService) settleOnChain(matchID uuid.UUID, gameID int64, outcome domain.Outcome, roi1, roi2 decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	winner := outcome.Winner
	if outcome.Status == domain.MatchTied {
		winner = "tie"
	}
	isForfeit := outcome.Status == domain.MatchForfeited
	if _, err := s.chainClient.EndGame(ctx, gameID, winner, roiBps(roi1), roiBps(roi2), isForfeit); err != nil {
		slog.Error("on-chain end_game failed", "match_id", matchID, "game_id", gameID, "error", err)
		return
	}
	if _, err := s.chainClient.ProcessMatchPayout(ctx, gameID); err != nil {
		slog.Error("on-chain payout failed", "match_id", matchID, "game_id", gameID, "error", err)
		return
	}
	if err := s.matchRepo.MarkOnChainSettled(ctx, matchID); err != nil {
		slog.Error("mark settled failed", "match_id", matchID, "error", err)
		return
	}
	slog.Info("on-chain settlement complete", "match_id", matchID, "game_id", gameID)
}

// RetryOnChainSettlements re-drives escrow payouts that have not landed.
// Called by the scheduler. A missing player profile is the expected transient
// case: the payout is skipped until the profile PDA appears.
func (s *MatchService) RetryOnChainSettlements(ctx context.Context) error {
	pending, err := s.matchRepo.ListUnsettledOnChain(ctx, s.cfg.Match.MaxSettleRetries)
	if err != nil {
		return err
	}
	for _, m := range pending {
		game, err := s.chainClient.FetchGameAccount(ctx, *m.OnChainGameID)
		if err != nil {
			slog.Warn("retry: fetch game failed", "match_id", m.ID, "error", err)
			continue
		}
		if game.Settled {
			if err := s.matchRepo.MarkOnChainSettled(ctx, m.ID); err != nil {
				slog.Error("retry: mark settled failed", "match_id", m.ID, "error", err)
			}
			continue
		}

		winner := ""
		if m.Winner != nil {
			winner = *m.Winner
		}
		outcome := domain.Outcome{Status: m.Status, Winner: winner}
		if m.Status == domain.MatchTied {
			outcome.Winner = ""
		} else if winner != "" {
			ok, err := s.chainClient.PlayerProfileExists(ctx, winner)
			if err != nil || !ok {
				if _, rerr := s.matchRepo.IncrementRetries(ctx, m.ID); rerr != nil {
					slog.Error("retry: bump failed", "match_id", m.ID, "error", rerr)
				}
				continue
			}
		}

		if _, err := s.matchRepo.IncrementRetries(ctx, m.ID); err != nil {
			slog.Error("retry: bump failed", "match_id", m.ID, "error", err)
			continue
		}
		s.settleOnChain(m.ID, *m.OnChainGameID, outcome, storedRoi(m.Player1Roi), storedRoi(m.Player2Roi))
	}
	return nil
}

// storedRoi unwraps a persisted ROI, treating a missing value as zero.
func storedRoi(roi *decimal.Decimal) decimal.Decimal {
	if roi == nil {
		return decimal.Zero
	}
	return *roi
}

// RetrySettlement re-drives the escrow payout for one settled match, on
// operator demand. A match that never reached a terminal state cannot be
// pushed on-chain; one whose payout already landed is a cheap no-op.
func (s *MatchService) RetrySettlement(ctx context.Context, matchID uuid.UUID) error {
	m, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.Status.IsTerminal() {
		return domain.ErrMatchNotSettled
	}
	if m.OnChainGameID == nil {
		return domain.ErrMatchNotFound
	}
	if m.OnChainSettled {
		return nil
	}

	game, err := s.chainClient.FetchGameAccount(ctx, *m.OnChainGameID)
	if err != nil {
		return fmt.Errorf("match_service.RetrySettlement: fetch game: %w", err)
	}
	if game.Settled {
		return s.matchRepo.MarkOnChainSettled(ctx, matchID)
	}

	winner := ""
	if m.Winner != nil {
		winner = *m.Winner
	}
	outcome := domain.Outcome{Status: m.Status, Winner: winner}
	if m.Status == domain.MatchTied {
		outcome.Winner = ""
	}
	if _, err := s.matchRepo.IncrementRetries(ctx, matchID); err != nil {
		return err
	}
	s.settleOnChain(matchID, *m.OnChainGameID, outcome, storedRoi(m.Player1Roi), storedRoi(m.Player2Roi))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Escrow deposit flow
// ──────────────────────────────────────────────────────────────────────────────

// CheckPendingDeposits activates escrow matches whose game account shows both
// deposits landed. Called by the scheduler.
func (s *MatchService) CheckPendingDeposits(ctx context.Context) error {
	matches, err := s.matchRepo.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.Status != domain.MatchAwaitingDeposits || m.OnChainGameID == nil {
			continue
		}
		game, err := s.chainClient.FetchGameAccount(ctx, *m.OnChainGameID)
		if err != nil {
			slog.Warn("deposit check failed", "match_id", m.ID, "error", err)
			continue
		}
		if !game.Deposited1 || !game.Deposited2 {
			continue
		}

		now := time.Now().UTC()
		end := now.Add(time.Duration(m.DurationSeconds) * time.Second)
		if err := s.matchRepo.Activate(ctx, m.ID, now, end); err != nil {
			slog.Error("activate failed", "match_id", m.ID, "error", err)
			continue
		}
		m.Status = domain.MatchActive
		m.StartTime = now
		m.EndTime = end
		slog.Info("escrow match activated", "match_id", m.ID, "game_id", *m.OnChainGameID)
		s.StartMatch(m)
	}
	return nil
}

// CancelExpiredAwaiting voids escrow matches whose deposit window lapsed and
// refunds both reservations. Called by the scheduler.
func (s *MatchService) CancelExpiredAwaiting(ctx context.Context) (int, error) {
	expired, err := s.matchRepo.ListExpiredAwaiting(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range expired {
		if err := s.cancelMatch(ctx, m); err != nil {
			slog.Error("cancel expired match failed", "match_id", m.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// cancelMatch voids one awaiting match and releases both players' bets.
func (s *MatchService) cancelMatch(ctx context.Context, m *domain.Match) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("match_service.cancelMatch: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.matchRepo.Cancel(ctx, tx, m.ID); err != nil {
		return err
	}
	if err = s.ledger.RefundWager(ctx, tx, m.Player1, m.Player2, m.BetAmount, m.ID, "match cancelled"); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("match_service.cancelMatch: commit: %w", err)
	}

	s.stopRuntime(m.ID)
	if s.notifier != nil {
		s.notifier.NotifyMatchAndSpectators(m.ID, "match_cancelled", map[string]interface{}{"match_id": m.ID})
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries & helpers
// ──────────────────────────────────────────────────────────────────────────────

// GetMatch returns a match by id.
func (s *MatchService) GetMatch(ctx context.Context, id uuid.UUID) (*domain.Match, error) {
	return s.matchRepo.GetByID(ctx, id)
}

// History returns a player's match history.
func (s *MatchService) History(ctx context.Context, address string, limit, offset int) ([]*domain.Match, error) {
	return s.matchRepo.ListByPlayer(ctx, address, limit, offset)
}

// ActiveMatchFor returns the match the player is currently in.
func (s *MatchService) ActiveMatchFor(ctx context.Context, address string) (*domain.Match, error) {
	return s.matchRepo.ActiveMatchFor(ctx, address, s.cfg.Match.ActiveStale, s.cfg.Match.DepositStale)
}

// activeMatchForPlayer loads the match and checks the caller may trade in it.
func (s *MatchService) activeMatchForPlayer(ctx context.Context, matchID uuid.UUID, player string) (*domain.Match, error) {
	match, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.IsPlayer(player) {
		return nil, domain.ErrNotAPlayer
	}
	if !match.IsActive() {
		return nil, domain.ErrMatchNotActive
	}
	return match, nil
}
