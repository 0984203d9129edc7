package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChallengeStatus represents the lifecycle of a direct challenge.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeMatched  ChallengeStatus = "matched"
	ChallengeDeclined ChallengeStatus = "declined"
	ChallengeExpired  ChallengeStatus = "expired"
)

// ChallengeTTL is how long a pending challenge stays open before the expiry
// sweep voids it and unfreezes the challenger's bet.
const ChallengeTTL = 5 * time.Minute

// Challenge is a direct match invitation from one player to another.
// The challenger's bet is frozen on creation and released unless accepted.
// Only the recipient may accept or decline.
type Challenge struct {
	ID              uuid.UUID       `json:"id"               db:"id"`
	FromAddress     string          `json:"from_address"     db:"from_address"`
	ToAddress       string          `json:"to_address"       db:"to_address"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	BetAmount       decimal.Decimal `json:"bet_amount"       db:"bet_amount"`
	Status          ChallengeStatus `json:"status"           db:"status"`
	MatchID         *uuid.UUID      `json:"match_id"         db:"match_id"`
	CreatedAt       time.Time       `json:"created_at"       db:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"       db:"expires_at"`
}

// IsPending returns true while the challenge can still be accepted or declined.
func (c *Challenge) IsPending() bool {
	return c.Status == ChallengePending && time.Now().Before(c.ExpiresAt)
}
