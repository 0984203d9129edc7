package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User is the domain entity for a wallet-identified account.
// The wallet address is the identity; the gamer tag is display-only.
type User struct {
	Address       string          `json:"address"        db:"address"`
	GamerTag      string          `json:"gamer_tag"      db:"gamer_tag"`
	Wins          int             `json:"wins"           db:"wins"`
	Losses        int             `json:"losses"         db:"losses"`
	Ties          int             `json:"ties"           db:"ties"`
	TotalPnl      decimal.Decimal `json:"total_pnl"      db:"total_pnl"`
	GamesPlayed   int             `json:"games_played"   db:"games_played"`
	CurrentStreak int             `json:"current_streak" db:"current_streak"`
	BestStreak    int             `json:"best_streak"    db:"best_streak"`
	ClanID        *uuid.UUID      `json:"clan_id"        db:"clan_id"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"     db:"updated_at"`
}

// SanitizeTag strips C0 control characters and DEL from a gamer tag and trims
// surrounding whitespace. Returns "" when nothing printable remains.
func SanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ValidTag reports whether a sanitised gamer tag is between 1 and 16
// characters. Tags are not required to be unique; dedup comparisons use the
// lower-cased form.
func ValidTag(tag string) bool {
	n := len([]rune(tag))
	return n >= 1 && n <= 16
}

// ──────────────────────────────────────────────────────────────────────────────
// Balance — the platform USDC ledger entry
// ──────────────────────────────────────────────────────────────────────────────

// Balance holds a user's platform USDC balance.
// Invariant: 0 ≤ Frozen ≤ Total at all times.
type Balance struct {
	Address   string          `json:"address"    db:"address"`
	Total     decimal.Decimal `json:"total"      db:"total"`
	Frozen    decimal.Decimal `json:"frozen"     db:"frozen"` // reserved for queues, matches, challenges
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the balance that is free to wager or withdraw.
func (b *Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Frozen)
}

// ──────────────────────────────────────────────────────────────────────────────
// BalanceEvent — immutable audit record for every ledger change
// ──────────────────────────────────────────────────────────────────────────────

// EventType enumerates balance event types for auditing.
type EventType string

const (
	EventDeposit      EventType = "DEPOSIT"
	EventWithdraw     EventType = "WITHDRAW"
	EventWagerFreeze  EventType = "WAGER_FREEZE"
	EventWagerRelease EventType = "WAGER_RELEASE"
	EventWagerWon     EventType = "WAGER_WON"
	EventWagerLost    EventType = "WAGER_LOST"
	EventRake         EventType = "RAKE"
)

// BalanceEvent is an immutable audit record for a ledger balance change.
type BalanceEvent struct {
	ID          uuid.UUID       `json:"id"           db:"id"`
	Address     string          `json:"address"      db:"address"`
	Type        EventType       `json:"type"         db:"type"`
	Amount      decimal.Decimal `json:"amount"       db:"amount"`
	TxSignature *string         `json:"tx_signature" db:"tx_signature"` // deposits / withdrawals only
	RefID       *uuid.UUID      `json:"ref_id"       db:"ref_id"`       // match or challenge id
	Description string          `json:"description"  db:"description"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
}
