package service

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSettleAmountsConserveTheBet(t *testing.T) {
	bet := dec("100")
	winnings, rake := settleAmounts(bet, 0.05)

	if !rake.Equal(dec("5")) {
		t.Errorf("rake = %s, want 5", rake)
	}
	if !winnings.Equal(dec("95")) {
		t.Errorf("winnings = %s, want 95", winnings)
	}
	if !winnings.Add(rake).Equal(bet) {
		t.Errorf("winnings + rake = %s, must equal the bet", winnings.Add(rake))
	}

	// Net ledger movement across both players: loser −bet, winner +winnings,
	// so the system loses exactly the rake.
	net := bet.Neg().Add(winnings)
	if !net.Equal(rake.Neg()) {
		t.Errorf("net movement = %s, want −rake %s", net, rake.Neg())
	}
}

func TestSettleAmountsZeroRake(t *testing.T) {
	bet := dec("25")
	winnings, rake := settleAmounts(bet, 0)
	if !rake.IsZero() {
		t.Errorf("rake = %s, want 0", rake)
	}
	if !winnings.Equal(bet) {
		t.Errorf("winnings = %s, want the full bet", winnings)
	}
}

func TestSettleAmountsFractionalBet(t *testing.T) {
	winnings, rake := settleAmounts(dec("10"), 0.05)
	if !rake.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("rake = %s, want 0.5", rake)
	}
	if !winnings.Add(rake).Equal(dec("10")) {
		t.Error("split must always sum back to the bet")
	}
}
