package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Durations & bets — enumerated queue keys
// ──────────────────────────────────────────────────────────────────────────────

// matchDurations maps the enumerated duration labels to seconds.
// Parsing is deterministic: only these exact labels are accepted.
var matchDurations = map[string]int64{
	"5m":  5 * 60,
	"15m": 15 * 60,
	"1h":  60 * 60,
	"4h":  4 * 60 * 60,
	"24h": 24 * 60 * 60,
}

// ParseMatchDuration converts an enumerated duration label to seconds.
// Returns ErrInvalidDuration for anything outside the enumerated set.
func ParseMatchDuration(label string) (int64, error) {
	secs, ok := matchDurations[label]
	if !ok {
		return 0, ErrInvalidDuration
	}
	return secs, nil
}

// DurationLabel converts seconds back to the enumerated label, or "" when the
// value is not an enumerated duration.
func DurationLabel(seconds int64) string {
	for label, secs := range matchDurations {
		if secs == seconds {
			return label
		}
	}
	return ""
}

// validBets is the enumerated set of wager amounts in USDC.
var validBets = []int64{1, 5, 10, 25, 50, 100}

// ValidBet reports whether the amount is one of the enumerated wagers.
func ValidBet(amount decimal.Decimal) bool {
	for _, b := range validBets {
		if amount.Equal(decimal.NewFromInt(b)) {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// QueueEntry
// ──────────────────────────────────────────────────────────────────────────────

// QueueEntry is one waiting player in a (duration, bet) matchmaking queue.
// At most one entry exists per (player, duration, bet).
type QueueEntry struct {
	ID              int64           `json:"id"               db:"id"`
	Player          string          `json:"player"           db:"player"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	BetAmount       decimal.Decimal `json:"bet_amount"       db:"bet_amount"`
	EloRating       *int            `json:"elo_rating"       db:"elo_rating"`
	EnqueuedAt      time.Time       `json:"enqueued_at"      db:"enqueued_at"`
}

// QueueStat is the per-duration aggregate exposed for the lobby UI.
type QueueStat struct {
	DurationSeconds int64 `json:"duration_seconds" db:"duration_seconds"`
	Waiting         int   `json:"waiting"          db:"waiting"`
}
