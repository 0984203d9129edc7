// Package domain defines the core business entities and types for the
// two-player leveraged-trading duel system.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// MatchStatus represents the lifecycle state of a match.
type MatchStatus string

const (
	MatchAwaitingDeposits MatchStatus = "awaiting_deposits" // escrow flow: waiting for both on-chain deposits
	MatchActive           MatchStatus = "active"            // trading in progress
	MatchCompleted        MatchStatus = "completed"         // timer fired, winner by ROI
	MatchTied             MatchStatus = "tied"              // timer fired, |Δroi| < TieEpsilon
	MatchForfeited        MatchStatus = "forfeited"         // grace period elapsed on full disconnect
	MatchCancelled        MatchStatus = "cancelled"         // stale / refunded
)

// IsTerminal returns true once the match can no longer change outcome.
// Terminal states are absorbing.
func (s MatchStatus) IsTerminal() bool {
	switch s {
	case MatchCompleted, MatchTied, MatchForfeited, MatchCancelled:
		return true
	}
	return false
}

// TieEpsilon is the ROI equality tolerance: ROIs closer than this are a tie.
// 1e-5 in ROI terms = 0.001 percentage points, consistent with the 2-dp
// percent display on clients.
var TieEpsilon = decimal.NewFromFloat(1e-5)

// DemoBalance is the virtual trading capital each player receives inside a
// match. Identical for both players; position sizes are denominated in it.
var DemoBalance = decimal.NewFromInt(10000)

// ──────────────────────────────────────────────────────────────────────────────
// Match
// ──────────────────────────────────────────────────────────────────────────────

// Match is a two-player contest with an immutable duration and bet.
type Match struct {
	ID              uuid.UUID        `json:"id"                db:"id"`
	Player1         string           `json:"player1"           db:"player1"`
	Player2         string           `json:"player2"           db:"player2"`
	DurationSeconds int64            `json:"duration_seconds"  db:"duration_seconds"`
	BetAmount       decimal.Decimal  `json:"bet_amount"        db:"bet_amount"`
	Status          MatchStatus      `json:"status"            db:"status"`
	StartTime       time.Time        `json:"start_time"        db:"start_time"`
	EndTime         time.Time        `json:"end_time"          db:"end_time"`
	DepositDeadline *time.Time       `json:"deposit_deadline"  db:"deposit_deadline"`
	OnChainGameID   *int64           `json:"on_chain_game_id"  db:"on_chain_game_id"`
	Winner          *string          `json:"winner"            db:"winner"`
	Player1Roi      *decimal.Decimal `json:"player1_roi"       db:"player1_roi"`
	Player2Roi      *decimal.Decimal `json:"player2_roi"       db:"player2_roi"`
	OnChainSettled  bool             `json:"on_chain_settled"  db:"on_chain_settled"`
	OnChainRetries  int              `json:"on_chain_retries"  db:"on_chain_retries"`
	SettledAt       *time.Time       `json:"settled_at"        db:"settled_at"`
	CreatedAt       time.Time        `json:"created_at"        db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"        db:"updated_at"`
}

// IsActive returns true while positions may be opened and closed.
func (m *Match) IsActive() bool {
	return m.Status == MatchActive
}

// IsPlayer reports whether addr is one of the two participants.
func (m *Match) IsPlayer(addr string) bool {
	return addr == m.Player1 || addr == m.Player2
}

// Opponent returns the other participant's address, or "" when addr is not a
// player.
func (m *Match) Opponent(addr string) string {
	switch addr {
	case m.Player1:
		return m.Player2
	case m.Player2:
		return m.Player1
	}
	return ""
}

// TimeLeft returns the duration remaining until the match deadline.
// Returns 0 if the deadline has already passed.
func (m *Match) TimeLeft() time.Duration {
	remaining := time.Until(m.EndTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ──────────────────────────────────────────────────────────────────────────────
// Outcome decision
// ──────────────────────────────────────────────────────────────────────────────

// Outcome is the result of comparing both players' final ROIs.
type Outcome struct {
	Status MatchStatus // MatchCompleted or MatchTied
	Winner string      // winning address; "" on a tie
}

// DecideOutcome compares final ROIs and picks the winner.
// |p1Roi − p2Roi| < TieEpsilon is a tie; otherwise the higher ROI wins.
func (m *Match) DecideOutcome(p1Roi, p2Roi decimal.Decimal) Outcome {
	if p1Roi.Sub(p2Roi).Abs().LessThan(TieEpsilon) {
		return Outcome{Status: MatchTied}
	}
	if p1Roi.GreaterThan(p2Roi) {
		return Outcome{Status: MatchCompleted, Winner: m.Player1}
	}
	return Outcome{Status: MatchCompleted, Winner: m.Player2}
}

// RoiPercent formats an ROI as a percentage with 2 decimal places, the form
// broadcast in match_end frames.
func RoiPercent(roi decimal.Decimal) string {
	return roi.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
