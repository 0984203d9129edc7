package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// AssetSymbol is a tradable asset inside a match.
type AssetSymbol string

const (
	AssetBTC AssetSymbol = "BTC"
	AssetETH AssetSymbol = "ETH"
	AssetSOL AssetSymbol = "SOL"
)

// IsValid returns true if the symbol is a recognised asset.
func (a AssetSymbol) IsValid() bool {
	return a == AssetBTC || a == AssetETH || a == AssetSOL
}

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseStopLoss    CloseReason = "sl"
	CloseTakeProfit  CloseReason = "tp"
	CloseLiquidation CloseReason = "liquidation"
	ClosePartial     CloseReason = "partial"
	CloseMatchEnd    CloseReason = "match_end"
)

// MaxLeverage is the upper bound for position leverage.
var MaxLeverage = decimal.NewFromInt(100)

// positionIDPattern constrains client-supplied idempotency keys.
var positionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidPositionID reports whether a client-supplied position id is acceptable
// as an idempotency key.
func ValidPositionID(id string) bool {
	return positionIDPattern.MatchString(id)
}

// ──────────────────────────────────────────────────────────────────────────────
// Position
// ──────────────────────────────────────────────────────────────────────────────

// Position is a single simulated leveraged position inside a match.
// A position is open iff ClosedAt is nil; it is closed exactly once.
type Position struct {
	ID          string           `json:"id"           db:"id"`
	MatchID     uuid.UUID        `json:"match_id"     db:"match_id"`
	Player      string           `json:"player"       db:"player"`
	Asset       AssetSymbol      `json:"asset"        db:"asset"`
	IsLong      bool             `json:"is_long"      db:"is_long"`
	EntryPrice  decimal.Decimal  `json:"entry_price"  db:"entry_price"`
	Size        decimal.Decimal  `json:"size"         db:"size"`
	Leverage    decimal.Decimal  `json:"leverage"     db:"leverage"`
	StopLoss    *decimal.Decimal `json:"stop_loss"    db:"stop_loss"`
	TakeProfit  *decimal.Decimal `json:"take_profit"  db:"take_profit"`
	OpenedAt    time.Time        `json:"opened_at"    db:"opened_at"`
	RealizedPnl decimal.Decimal  `json:"realized_pnl" db:"realized_pnl"` // accumulated partial-close pnl
	ExitPrice   *decimal.Decimal `json:"exit_price"   db:"exit_price"`
	Pnl         *decimal.Decimal `json:"pnl"          db:"pnl"`
	ClosedAt    *time.Time       `json:"closed_at"    db:"closed_at"`
	CloseReason *CloseReason     `json:"close_reason" db:"close_reason"`
}

// IsOpen returns true while the position participates in PnL and auto-close.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// UnrealizedPnl computes the PnL of the position at the given price.
//
//	long:  (price − entry) × size × leverage / entry
//	short: (entry − price) × size × leverage / entry
//
// Returns decimal.Zero when EntryPrice is zero (guard against division by zero).
func (p *Position) UnrealizedPnl(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(p.EntryPrice)
	if !p.IsLong {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size).Mul(p.Leverage).Div(p.EntryPrice)
}

// LiquidationPrice is the price at which the position loses 100 % of its
// margin (pnl = −size):
//
//	long:  entry × (1 − 1/leverage)
//	short: entry × (1 + 1/leverage)
//
// Leverage 1 yields 0 for a long (unreachable downwards) and 2×entry for a
// short; the WouldLiquidate predicates never fire at leverage 1 for a long.
func (p *Position) LiquidationPrice() decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(p.Leverage)
	if p.IsLong {
		return p.EntryPrice.Mul(one.Sub(inv))
	}
	return p.EntryPrice.Mul(one.Add(inv))
}

// WouldLiquidate reports whether the given price has crossed the liquidation
// threshold (strict comparison).
func (p *Position) WouldLiquidate(price decimal.Decimal) bool {
	liq := p.LiquidationPrice()
	if p.IsLong {
		if liq.IsZero() {
			return false // leverage 1: no liquidation possible on a long
		}
		return price.LessThanOrEqual(liq)
	}
	return price.GreaterThanOrEqual(liq)
}

// StopLossHit reports whether the stop loss triggers at the given price.
func (p *Position) StopLossHit(price decimal.Decimal) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.IsLong {
		return price.LessThanOrEqual(*p.StopLoss)
	}
	return price.GreaterThanOrEqual(*p.StopLoss)
}

// TakeProfitHit reports whether the take profit triggers at the given price.
func (p *Position) TakeProfitHit(price decimal.Decimal) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.IsLong {
		return price.GreaterThanOrEqual(*p.TakeProfit)
	}
	return price.LessThanOrEqual(*p.TakeProfit)
}

// ValidateStops checks SL/TP direction against the entry price:
// SL for a long must be below entry, for a short above; TP the opposite.
func (p *Position) ValidateStops() error {
	if p.StopLoss != nil {
		if p.IsLong && !p.StopLoss.LessThan(p.EntryPrice) {
			return ErrInvalidStops
		}
		if !p.IsLong && !p.StopLoss.GreaterThan(p.EntryPrice) {
			return ErrInvalidStops
		}
	}
	if p.TakeProfit != nil {
		if p.IsLong && !p.TakeProfit.GreaterThan(p.EntryPrice) {
			return ErrInvalidStops
		}
		if !p.IsLong && !p.TakeProfit.LessThan(p.EntryPrice) {
			return ErrInvalidStops
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Player aggregates — read model for opponent and spectator broadcasts
// ──────────────────────────────────────────────────────────────────────────────

// PlayerAggregates is the per-player summary recomputed on every tick.
type PlayerAggregates struct {
	Player    string          `json:"player"`
	Equity    decimal.Decimal `json:"equity"`
	TotalPnl  decimal.Decimal `json:"total_pnl"`
	OpenCount int             `json:"open_count"`
	Roi       decimal.Decimal `json:"roi"`
}

// Aggregate computes equity, total PnL, open count and ROI for a player's
// positions at the given snapshot. Closed positions contribute their realised
// PnL; open positions contribute unrealised PnL at the snapshot price
// (falling back to entry price when the snapshot lacks the asset).
func Aggregate(player string, positions []*Position, snap *PriceSnapshot) PlayerAggregates {
	agg := PlayerAggregates{Player: player}
	for _, p := range positions {
		if p.Player != player {
			continue
		}
		agg.TotalPnl = agg.TotalPnl.Add(p.RealizedPnl)
		if !p.IsOpen() {
			if p.Pnl != nil {
				agg.TotalPnl = agg.TotalPnl.Add(*p.Pnl)
			}
			continue
		}
		agg.OpenCount++
		price := p.EntryPrice
		if snap != nil {
			if sp := snap.PriceFor(p.Asset); !sp.IsZero() {
				price = sp
			}
		}
		agg.TotalPnl = agg.TotalPnl.Add(p.UnrealizedPnl(price))
	}
	agg.Equity = DemoBalance.Add(agg.TotalPnl)
	agg.Roi = agg.TotalPnl.Div(DemoBalance)
	return agg
}
