package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ──────────────────────────────────────────────────────────────────────────────
// Auto-close exits
// ──────────────────────────────────────────────────────────────────────────────

func TestAutoCloseTriggerLiquidationExitsAtLiquidationPrice(t *testing.T) {
	// Long SOL at 200 with 50x: liquidation at 200 × (1 − 1/50) = 196.
	pos := &domain.Position{
		Asset:      domain.AssetSOL,
		IsLong:     true,
		EntryPrice: dec("200"),
		Size:       dec("1000"),
		Leverage:   dec("50"),
	}

	if _, _, hit := autoCloseTrigger(pos, dec("197")); hit {
		t.Fatal("price above liquidation should not trigger")
	}

	reason, exit, hit := autoCloseTrigger(pos, dec("195"))
	if !hit {
		t.Fatal("price through liquidation should trigger")
	}
	if reason != domain.CloseLiquidation {
		t.Errorf("reason = %s, want liquidation", reason)
	}
	if !exit.Equal(dec("196")) {
		t.Errorf("exit = %s, want the liquidation price 196, not the crossing tick", exit)
	}
	// At that exit the margin is exactly wiped.
	if pnl := pos.UnrealizedPnl(exit); !pnl.Equal(pos.Size.Neg()) {
		t.Errorf("pnl at liquidation price = %s, want %s", pnl, pos.Size.Neg())
	}
}

func TestAutoCloseTriggerStopsExitAtTriggerPrice(t *testing.T) {
	sl, tp := dec("190"), dec("220")
	long := &domain.Position{
		Asset:      domain.AssetETH,
		IsLong:     true,
		EntryPrice: dec("200"),
		Size:       dec("100"),
		Leverage:   dec("2"),
		StopLoss:   &sl,
		TakeProfit: &tp,
	}

	reason, exit, hit := autoCloseTrigger(long, dec("188"))
	if !hit || reason != domain.CloseStopLoss {
		t.Fatalf("reason = %s hit=%v, want stop loss", reason, hit)
	}
	if !exit.Equal(sl) {
		t.Errorf("exit = %s, want the stop level %s", exit, sl)
	}

	reason, exit, hit = autoCloseTrigger(long, dec("225"))
	if !hit || reason != domain.CloseTakeProfit {
		t.Fatalf("reason = %s hit=%v, want take profit", reason, hit)
	}
	if !exit.Equal(tp) {
		t.Errorf("exit = %s, want the take profit level %s", exit, tp)
	}
}

func TestAutoCloseTriggerLiquidationBeatsStops(t *testing.T) {
	// 50x long with a stop just above the liquidation price: a tick that
	// gaps through both resolves as a liquidation.
	sl := dec("196.5")
	pos := &domain.Position{
		Asset:      domain.AssetSOL,
		IsLong:     true,
		EntryPrice: dec("200"),
		Size:       dec("50"),
		Leverage:   dec("50"),
		StopLoss:   &sl,
	}
	reason, exit, hit := autoCloseTrigger(pos, dec("190"))
	if !hit || reason != domain.CloseLiquidation {
		t.Fatalf("reason = %s hit=%v, want liquidation priority", reason, hit)
	}
	if !exit.Equal(dec("196")) {
		t.Errorf("exit = %s, want 196", exit)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Partial close
// ──────────────────────────────────────────────────────────────────────────────

func TestPartialSlice(t *testing.T) {
	pos := &domain.Position{
		ID:         "order-1",
		MatchID:    uuid.New(),
		Player:     "alice",
		Asset:      domain.AssetBTC,
		IsLong:     true,
		EntryPrice: dec("100"),
		Size:       dec("400"),
		Leverage:   dec("10"),
		OpenedAt:   time.Now().UTC().Add(-time.Minute),
	}
	now := time.Now().UTC()
	slice, closedSize := partialSlice(pos, dec("0.25"), dec("110"), now)

	if !closedSize.Equal(dec("100")) {
		t.Errorf("closed size = %s, want 100", closedSize)
	}
	wantPrefix := "order-1_partial_"
	if !strings.HasPrefix(slice.ID, wantPrefix) {
		t.Errorf("slice id = %q, want prefix %q", slice.ID, wantPrefix)
	}
	if slice.ID == pos.ID {
		t.Error("slice must get its own id")
	}
	if !slice.Size.Equal(dec("100")) {
		t.Errorf("slice size = %s, want 100", slice.Size)
	}
	if slice.CloseReason == nil || *slice.CloseReason != domain.ClosePartial {
		t.Error("slice close reason must be partial")
	}
	if slice.ExitPrice == nil || !slice.ExitPrice.Equal(dec("110")) {
		t.Error("slice must carry its own exit price")
	}
	// 10% move × 10x on 100 size = +100.
	if slice.Pnl == nil || !slice.Pnl.Equal(dec("100")) {
		t.Errorf("slice pnl = %v, want 100", slice.Pnl)
	}
	if slice.ClosedAt == nil || !slice.ClosedAt.Equal(now) {
		t.Error("slice must be closed at the supplied time")
	}
	if slice.Player != pos.Player || slice.MatchID != pos.MatchID {
		t.Error("slice must stay bound to the same player and match")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Idempotent open
// ──────────────────────────────────────────────────────────────────────────────

func TestEnsureIDGeneratesWhenEmpty(t *testing.T) {
	req := OpenPositionRequest{}
	req.ensureID()
	if req.PositionID == "" {
		t.Fatal("ensureID must fill an empty id")
	}
	if _, err := uuid.Parse(req.PositionID); err != nil {
		t.Errorf("generated id %q is not a uuid: %v", req.PositionID, err)
	}

	req2 := OpenPositionRequest{PositionID: "client-key-1"}
	req2.ensureID()
	if req2.PositionID != "client-key-1" {
		t.Errorf("ensureID must keep a client-supplied id, got %q", req2.PositionID)
	}
}

func TestReplayOpenOwnerGetsExistingBack(t *testing.T) {
	s := &MatchService{}
	existing := &domain.Position{ID: "k1", Player: "alice", Size: dec("100")}

	got, err := s.replayOpen(existing, "alice")
	if err != nil {
		t.Fatalf("replayOpen: %v", err)
	}
	if got != existing {
		t.Error("replay must return the stored position unchanged")
	}
}

func TestReplayOpenForeignKeyRejected(t *testing.T) {
	s := &MatchService{}
	existing := &domain.Position{ID: "k1", Player: "alice"}

	if _, err := s.replayOpen(existing, "bob"); !errors.Is(err, domain.ErrInvalidPositionID) {
		t.Errorf("foreign idempotency key: err = %v, want ErrInvalidPositionID", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement outcome
// ──────────────────────────────────────────────────────────────────────────────

func testMatch() *domain.Match {
	return &domain.Match{
		ID:      uuid.New(),
		Player1: "alice",
		Player2: "bob",
		Status:  domain.MatchActive,
	}
}

func TestDecideSettlementForfeitOverridesRoi(t *testing.T) {
	m := testMatch()

	// Bob is far ahead on ROI, but Bob forfeited.
	out := decideSettlement(m, dec("-0.5"), dec("0.8"), "alice")
	if out.Status != domain.MatchForfeited {
		t.Errorf("status = %s, want forfeited", out.Status)
	}
	if out.Winner != "alice" {
		t.Errorf("winner = %q, want the player who stayed", out.Winner)
	}
}

func TestDecideSettlementRoiWinsWithoutForfeit(t *testing.T) {
	m := testMatch()

	out := decideSettlement(m, dec("-0.5"), dec("0.8"), "")
	if out.Status != domain.MatchCompleted || out.Winner != "bob" {
		t.Errorf("outcome = %s/%q, want completed/bob", out.Status, out.Winner)
	}

	out = decideSettlement(m, dec("0.1"), dec("0.1"), "")
	if out.Status != domain.MatchTied || out.Winner != "" {
		t.Errorf("equal rois: outcome = %s/%q, want tied", out.Status, out.Winner)
	}
}

func TestMatchEndPayloadFlagsAndPercentRois(t *testing.T) {
	m := testMatch()

	p := matchEndPayload(m, domain.Outcome{Status: domain.MatchCompleted, Winner: "bob"},
		dec("-0.5"), dec("0.025"))
	if p["is_tie"] != false || p["is_forfeit"] != false {
		t.Error("completed match must carry false flags")
	}
	if p["player1_roi"] != "-50.00" {
		t.Errorf("player1_roi = %v, want -50.00", p["player1_roi"])
	}
	if p["player2_roi"] != "2.50" {
		t.Errorf("player2_roi = %v, want 2.50", p["player2_roi"])
	}

	p = matchEndPayload(m, domain.Outcome{Status: domain.MatchTied}, decimal.Zero, decimal.Zero)
	if p["is_tie"] != true {
		t.Error("tie flag missing")
	}

	p = matchEndPayload(m, domain.Outcome{Status: domain.MatchForfeited, Winner: "alice"},
		decimal.Zero, dec("0.9"))
	if p["is_forfeit"] != true {
		t.Error("forfeit flag missing")
	}
	if p["winner"] != "alice" {
		t.Errorf("winner = %v, want alice", p["winner"])
	}
}

func TestRoiBps(t *testing.T) {
	if got := roiBps(dec("0.025")); got != 250 {
		t.Errorf("roiBps(0.025) = %d, want 250", got)
	}
	if got := roiBps(dec("-1")); got != -10000 {
		t.Errorf("roiBps(-1) = %d, want -10000", got)
	}
	if got := roiBps(decimal.Zero); got != 0 {
		t.Errorf("roiBps(0) = %d, want 0", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// View redaction
// ──────────────────────────────────────────────────────────────────────────────

func testState() *MatchState {
	m := testMatch()
	sl, tp := dec("95"), dec("120")
	closedPnl := dec("10")
	closedAt := time.Now().UTC()
	positions := []*domain.Position{
		{
			ID: "a1", MatchID: m.ID, Player: "alice", Asset: domain.AssetBTC,
			IsLong: true, EntryPrice: dec("100"), Size: dec("500"), Leverage: dec("5"),
			StopLoss: &sl, TakeProfit: &tp,
		},
		{
			ID: "b1", MatchID: m.ID, Player: "bob", Asset: domain.AssetETH,
			IsLong: false, EntryPrice: dec("200"), Size: dec("300"), Leverage: dec("2"),
		},
		{
			ID: "b2", MatchID: m.ID, Player: "bob", Asset: domain.AssetETH,
			IsLong: true, EntryPrice: dec("200"), Size: dec("100"), Leverage: dec("1"),
			Pnl: &closedPnl, ClosedAt: &closedAt,
		},
	}
	return &MatchState{
		Match:      m,
		Positions:  positions,
		Player1:    domain.Aggregate("alice", positions, nil),
		Player2:    domain.Aggregate("bob", positions, nil),
		ServerTime: time.Now().UTC(),
	}
}

func TestPlayerViewFiltersToOwnPositions(t *testing.T) {
	view := testState().PlayerView("alice")
	if len(view.Positions) != 1 {
		t.Fatalf("alice sees %d positions, want only her own 1", len(view.Positions))
	}
	if view.Positions[0].Player != "alice" {
		t.Error("player view leaked a foreign position")
	}
	// Aggregates for both players stay visible.
	if view.Player2.Player != "bob" {
		t.Error("opponent aggregates must survive the player view")
	}
}

func TestSpectatorViewRedactsStopsAndClosed(t *testing.T) {
	view := testState().SpectatorView()

	if len(view.Positions) != 2 {
		t.Fatalf("spectator sees %d positions, want the 2 open ones", len(view.Positions))
	}
	for _, p := range view.Positions {
		if p.Size.IsZero() || p.EntryPrice.IsZero() {
			t.Error("spectator position missing disclosed fields")
		}
	}
	// The spectator payload type has no stop fields at all; make sure the
	// open-position summary carries the aggregate-visible data only.
	if view.Player1.Player != "alice" || view.Player2.Player != "bob" {
		t.Error("spectator view must carry both aggregates")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Misc helpers
// ──────────────────────────────────────────────────────────────────────────────

func TestStoredRoi(t *testing.T) {
	if !storedRoi(nil).IsZero() {
		t.Error("nil roi must read as zero")
	}
	v := dec("0.3")
	if !storedRoi(&v).Equal(v) {
		t.Error("present roi must pass through")
	}
}

func TestMatchFoundPayloadCarriesBothTags(t *testing.T) {
	m := testMatch()
	p := matchFoundPayload(m, "AliceTag", "BobTag")
	if p["player1_tag"] != "AliceTag" || p["player2_tag"] != "BobTag" {
		t.Errorf("tags = %v/%v, want AliceTag/BobTag", p["player1_tag"], p["player2_tag"])
	}
	if p["match"] != m {
		t.Error("payload must embed the match")
	}
}
