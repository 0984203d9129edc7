package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func dptr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func TestUnrealizedPnl(t *testing.T) {
	tests := []struct {
		name   string
		isLong bool
		entry  string
		size   string
		lev    string
		price  string
		want   string
	}{
		{"long 10x in profit", true, "50000", "1000", "10", "55000", "1000"},
		{"short 10x same move loses", false, "50000", "1000", "10", "55000", "-1000"},
		{"long 10x half move", true, "50000", "1000", "10", "52500", "500"},
		{"long flat price", true, "50000", "1000", "10", "50000", "0"},
		{"short in profit", false, "3000", "500", "5", "2700", "250"},
		{"leverage 1 long", true, "200", "100", "1", "220", "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{
				IsLong:     tt.isLong,
				EntryPrice: d(tt.entry),
				Size:       d(tt.size),
				Leverage:   d(tt.lev),
			}
			got := p.UnrealizedPnl(d(tt.price))
			if !got.Equal(d(tt.want)) {
				t.Errorf("UnrealizedPnl(%s) = %s, want %s", tt.price, got, tt.want)
			}
		})
	}
}

func TestUnrealizedPnlZeroEntry(t *testing.T) {
	p := &Position{IsLong: true, EntryPrice: decimal.Zero, Size: d("100"), Leverage: d("10")}
	if got := p.UnrealizedPnl(d("50000")); !got.IsZero() {
		t.Errorf("zero entry price should yield zero pnl, got %s", got)
	}
}

func TestLiquidationPrice(t *testing.T) {
	long := &Position{IsLong: true, EntryPrice: d("200"), Leverage: d("50")}
	if got := long.LiquidationPrice(); !got.Equal(d("196")) {
		t.Errorf("long 50x liq price = %s, want 196", got)
	}

	short := &Position{IsLong: false, EntryPrice: d("200"), Leverage: d("50")}
	if got := short.LiquidationPrice(); !got.Equal(d("204")) {
		t.Errorf("short 50x liq price = %s, want 204", got)
	}
}

func TestWouldLiquidate(t *testing.T) {
	long := &Position{IsLong: true, EntryPrice: d("200"), Leverage: d("50")}
	if !long.WouldLiquidate(d("196")) {
		t.Error("long should liquidate at exactly the liquidation price")
	}
	if !long.WouldLiquidate(d("150")) {
		t.Error("long should liquidate below the liquidation price")
	}
	if long.WouldLiquidate(d("196.01")) {
		t.Error("long should not liquidate above the liquidation price")
	}

	short := &Position{IsLong: false, EntryPrice: d("200"), Leverage: d("50")}
	if !short.WouldLiquidate(d("204")) {
		t.Error("short should liquidate at exactly the liquidation price")
	}
	if short.WouldLiquidate(d("203.99")) {
		t.Error("short should not liquidate below the liquidation price")
	}
}

func TestLeverageOneLongNeverLiquidates(t *testing.T) {
	p := &Position{IsLong: true, EntryPrice: d("50000"), Leverage: d("1")}
	if !p.LiquidationPrice().IsZero() {
		t.Errorf("1x long liq price = %s, want 0", p.LiquidationPrice())
	}
	// Price can never reach zero on a real market feed; the predicate must
	// not fire even at absurdly low prices.
	if p.WouldLiquidate(d("0.00000001")) {
		t.Error("1x long must never liquidate")
	}
}

func TestStopLossAndTakeProfit(t *testing.T) {
	long := &Position{
		IsLong:     true,
		EntryPrice: d("50000"),
		StopLoss:   dptr("49000"),
		TakeProfit: dptr("52000"),
	}
	if !long.StopLossHit(d("49000")) || !long.StopLossHit(d("48500")) {
		t.Error("long SL should trigger at or below the stop")
	}
	if long.StopLossHit(d("49001")) {
		t.Error("long SL should not trigger above the stop")
	}
	if !long.TakeProfitHit(d("52000")) || !long.TakeProfitHit(d("53000")) {
		t.Error("long TP should trigger at or above the target")
	}

	short := &Position{
		IsLong:     false,
		EntryPrice: d("50000"),
		StopLoss:   dptr("51000"),
		TakeProfit: dptr("48000"),
	}
	if !short.StopLossHit(d("51000")) {
		t.Error("short SL should trigger at or above the stop")
	}
	if !short.TakeProfitHit(d("47999")) {
		t.Error("short TP should trigger at or below the target")
	}

	bare := &Position{IsLong: true, EntryPrice: d("50000")}
	if bare.StopLossHit(d("1")) || bare.TakeProfitHit(d("100000")) {
		t.Error("positions without stops should never trigger")
	}
}

func TestValidateStops(t *testing.T) {
	tests := []struct {
		name    string
		isLong  bool
		sl, tp  *decimal.Decimal
		wantErr bool
	}{
		{"long valid", true, dptr("49000"), dptr("52000"), false},
		{"long SL above entry", true, dptr("51000"), nil, true},
		{"long SL at entry", true, dptr("50000"), nil, true},
		{"long TP below entry", true, nil, dptr("49000"), true},
		{"short valid", false, dptr("51000"), dptr("48000"), false},
		{"short SL below entry", false, dptr("49000"), nil, true},
		{"short TP above entry", false, nil, dptr("51000"), true},
		{"no stops", true, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{IsLong: tt.isLong, EntryPrice: d("50000"), StopLoss: tt.sl, TakeProfit: tt.tp}
			err := p.ValidateStops()
			if tt.wantErr && err != ErrInvalidStops {
				t.Errorf("want ErrInvalidStops, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidPositionID(t *testing.T) {
	valid := []string{"a", "pos-1", "A_b-C9", "0123456789"}
	for _, id := range valid {
		if !ValidPositionID(id) {
			t.Errorf("ValidPositionID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "has space", "semi;colon", "tab\tchar", string(make([]byte, 65))}
	for _, id := range invalid {
		if ValidPositionID(id) {
			t.Errorf("ValidPositionID(%q) = true, want false", id)
		}
	}
}

func TestAggregate(t *testing.T) {
	now := time.Now()
	closedPnl := d("200")
	positions := []*Position{
		{
			Player:     "alice",
			Asset:      AssetBTC,
			IsLong:     true,
			EntryPrice: d("50000"),
			Size:       d("1000"),
			Leverage:   d("10"),
		},
		{
			Player:      "alice",
			Asset:       AssetETH,
			IsLong:      true,
			EntryPrice:  d("3000"),
			Size:        d("500"),
			Leverage:    d("2"),
			RealizedPnl: d("50"),
			Pnl:         &closedPnl,
			ClosedAt:    &now,
		},
		{
			Player:     "bob",
			Asset:      AssetBTC,
			IsLong:     false,
			EntryPrice: d("50000"),
			Size:       d("1000"),
			Leverage:   d("10"),
		},
	}
	snap := &PriceSnapshot{BTC: d("55000"), ETH: d("3000"), SOL: d("150"), Timestamp: now}

	alice := Aggregate("alice", positions, snap)
	// open BTC long: +1000; closed ETH: +200 final +50 realised partial
	if want := d("1250"); !alice.TotalPnl.Equal(want) {
		t.Errorf("alice TotalPnl = %s, want %s", alice.TotalPnl, want)
	}
	if alice.OpenCount != 1 {
		t.Errorf("alice OpenCount = %d, want 1", alice.OpenCount)
	}
	if want := d("11250"); !alice.Equity.Equal(want) {
		t.Errorf("alice Equity = %s, want %s", alice.Equity, want)
	}
	if want := d("0.125"); !alice.Roi.Equal(want) {
		t.Errorf("alice Roi = %s, want %s", alice.Roi, want)
	}

	bob := Aggregate("bob", positions, snap)
	if want := d("-1000"); !bob.TotalPnl.Equal(want) {
		t.Errorf("bob TotalPnl = %s, want %s", bob.TotalPnl, want)
	}
}

func TestAggregateNilSnapshotFallsBackToEntry(t *testing.T) {
	positions := []*Position{{
		Player:     "alice",
		Asset:      AssetBTC,
		IsLong:     true,
		EntryPrice: d("50000"),
		Size:       d("1000"),
		Leverage:   d("10"),
	}}
	agg := Aggregate("alice", positions, nil)
	if !agg.TotalPnl.IsZero() {
		t.Errorf("pnl at entry price should be zero, got %s", agg.TotalPnl)
	}
	if !agg.Equity.Equal(DemoBalance) {
		t.Errorf("equity should equal demo balance, got %s", agg.Equity)
	}
}
