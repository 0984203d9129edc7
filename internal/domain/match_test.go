package domain

import (
	"testing"
	"time"
)

func TestDecideOutcome(t *testing.T) {
	m := &Match{Player1: "alice", Player2: "bob"}

	tests := []struct {
		name       string
		p1, p2     string
		wantStatus MatchStatus
		wantWinner string
	}{
		{"p1 wins", "0.05", "0.01", MatchCompleted, "alice"},
		{"p2 wins", "-0.02", "0.03", MatchCompleted, "bob"},
		{"both negative, less bad wins", "-0.01", "-0.05", MatchCompleted, "alice"},
		{"exact tie", "0.02", "0.02", MatchTied, ""},
		{"difference below epsilon is a tie", "0.020000", "0.020009", MatchTied, ""},
		{"difference at epsilon is decisive", "0.02002", "0.02001", MatchCompleted, "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := m.DecideOutcome(d(tt.p1), d(tt.p2))
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", out.Status, tt.wantStatus)
			}
			if out.Winner != tt.wantWinner {
				t.Errorf("Winner = %q, want %q", out.Winner, tt.wantWinner)
			}
		})
	}
}

func TestMatchStatusIsTerminal(t *testing.T) {
	terminal := []MatchStatus{MatchCompleted, MatchTied, MatchForfeited, MatchCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []MatchStatus{MatchAwaitingDeposits, MatchActive} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMatchPlayers(t *testing.T) {
	m := &Match{Player1: "alice", Player2: "bob"}

	if !m.IsPlayer("alice") || !m.IsPlayer("bob") {
		t.Error("both participants should be players")
	}
	if m.IsPlayer("carol") {
		t.Error("outsider should not be a player")
	}
	if got := m.Opponent("alice"); got != "bob" {
		t.Errorf("Opponent(alice) = %q, want bob", got)
	}
	if got := m.Opponent("bob"); got != "alice" {
		t.Errorf("Opponent(bob) = %q, want alice", got)
	}
	if got := m.Opponent("carol"); got != "" {
		t.Errorf("Opponent(carol) = %q, want empty", got)
	}
}

func TestTimeLeft(t *testing.T) {
	future := &Match{EndTime: time.Now().Add(time.Minute)}
	if left := future.TimeLeft(); left <= 0 || left > time.Minute {
		t.Errorf("TimeLeft = %s, want (0, 1m]", left)
	}

	past := &Match{EndTime: time.Now().Add(-time.Minute)}
	if left := past.TimeLeft(); left != 0 {
		t.Errorf("expired match TimeLeft = %s, want 0", left)
	}
}

func TestRoiPercent(t *testing.T) {
	tests := []struct {
		roi  string
		want string
	}{
		{"0.125", "12.50"},
		{"-0.033333", "-3.33"},
		{"0", "0.00"},
	}
	for _, tt := range tests {
		if got := RoiPercent(d(tt.roi)); got != tt.want {
			t.Errorf("RoiPercent(%s) = %q, want %q", tt.roi, got, tt.want)
		}
	}
}
