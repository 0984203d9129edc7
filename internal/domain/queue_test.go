package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMatchDuration(t *testing.T) {
	tests := []struct {
		label string
		want  int64
	}{
		{"5m", 300},
		{"15m", 900},
		{"1h", 3600},
		{"4h", 14400},
		{"24h", 86400},
	}
	for _, tt := range tests {
		got, err := ParseMatchDuration(tt.label)
		if err != nil {
			t.Errorf("ParseMatchDuration(%q) error: %v", tt.label, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMatchDuration(%q) = %d, want %d", tt.label, got, tt.want)
		}
	}

	for _, label := range []string{"", "10m", "1d", "5M", "300"} {
		if _, err := ParseMatchDuration(label); err != ErrInvalidDuration {
			t.Errorf("ParseMatchDuration(%q) = %v, want ErrInvalidDuration", label, err)
		}
	}
}

func TestDurationLabelRoundTrip(t *testing.T) {
	for _, label := range []string{"5m", "15m", "1h", "4h", "24h"} {
		secs, err := ParseMatchDuration(label)
		if err != nil {
			t.Fatalf("ParseMatchDuration(%q): %v", label, err)
		}
		if got := DurationLabel(secs); got != label {
			t.Errorf("DurationLabel(%d) = %q, want %q", secs, got, label)
		}
	}
	if got := DurationLabel(1234); got != "" {
		t.Errorf("DurationLabel(1234) = %q, want empty", got)
	}
}

func TestValidBet(t *testing.T) {
	for _, b := range []int64{1, 5, 10, 25, 50, 100} {
		if !ValidBet(decimal.NewFromInt(b)) {
			t.Errorf("ValidBet(%d) = false, want true", b)
		}
	}
	invalid := []decimal.Decimal{
		decimal.Zero,
		decimal.NewFromInt(-5),
		decimal.NewFromInt(2),
		decimal.NewFromInt(200),
		decimal.NewFromFloat(10.5),
	}
	for _, b := range invalid {
		if ValidBet(b) {
			t.Errorf("ValidBet(%s) = true, want false", b)
		}
	}
}
