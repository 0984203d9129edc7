package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot is an immutable reading of all asset prices at one instant.
// Snapshots are swapped atomically by the price service; readers must never
// mutate one.
type PriceSnapshot struct {
	BTC       decimal.Decimal `json:"btc"`
	ETH       decimal.Decimal `json:"eth"`
	SOL       decimal.Decimal `json:"sol"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceFor returns the snapshot price for the given asset, or decimal.Zero
// for an unknown symbol.
func (s *PriceSnapshot) PriceFor(asset AssetSymbol) decimal.Decimal {
	switch asset {
	case AssetBTC:
		return s.BTC
	case AssetETH:
		return s.ETH
	case AssetSOL:
		return s.SOL
	}
	return decimal.Zero
}

// IsStale reports whether the snapshot is older than maxAge. Trade opens must
// reject stale snapshots; the auto-close loop skips the tick instead.
func (s *PriceSnapshot) IsStale(maxAge time.Duration) bool {
	return time.Since(s.Timestamp) > maxAge
}
