package domain

import "testing"

func TestSanitizeTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shadow", "shadow"},
		{"  padded  ", "padded"},
		{"tab\tinside", "tabinside"},
		{"new\nline", "newline"},
		{"del\x7fchar", "delchar"},
		{"\x00\x01\x02", ""},
		{"   ", ""},
		{"émoji🔥ok", "émoji🔥ok"},
	}
	for _, tt := range tests {
		if got := SanitizeTag(tt.in); got != tt.want {
			t.Errorf("SanitizeTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidTag(t *testing.T) {
	if !ValidTag("a") || !ValidTag("exactly16chars__") {
		t.Error("1 and 16 character tags should be valid")
	}
	if ValidTag("") {
		t.Error("empty tag should be invalid")
	}
	if ValidTag("seventeen_chars__") {
		t.Error("17 character tag should be invalid")
	}
	// Length counts runes, not bytes.
	if !ValidTag("🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥🔥") {
		t.Error("16 rune emoji tag should be valid")
	}
}

func TestBalanceAvailable(t *testing.T) {
	b := &Balance{Total: d("100"), Frozen: d("30")}
	if got := b.Available(); !got.Equal(d("70")) {
		t.Errorf("Available = %s, want 70", got)
	}
}
