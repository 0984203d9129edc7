package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/domain"
)

func TestCmdLimiterFixedWindow(t *testing.T) {
	l := cmdLimiter{limit: 3, window: 10 * time.Second}
	base := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allow(base) {
			t.Fatalf("command %d should be allowed", i+1)
		}
	}
	if l.allow(base.Add(time.Second)) {
		t.Error("4th command inside the window should be rejected")
	}
	if l.allow(base.Add(9 * time.Second)) {
		t.Error("still inside the window, should stay rejected")
	}

	// A new window resets the count.
	if !l.allow(base.Add(10 * time.Second)) {
		t.Error("first command of the next window should be allowed")
	}
}

func TestSanitizeChat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gg wp", "gg wp"},
		{"  trimmed  ", "trimmed"},
		{"no\x00controls\x1fhere", "nocontrolshere"},
		{"del\x7f", "del"},
		{"\n\t", ""},
	}
	for _, tt := range tests {
		if got := sanitizeChat(tt.in); got != tt.want {
			t.Errorf("sanitizeChat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeChatCapsLength(t *testing.T) {
	long := make([]rune, chatMaxRunes+50)
	for i := range long {
		long[i] = 'x'
	}
	out := sanitizeChat(string(long))
	if n := len([]rune(out)); n != chatMaxRunes {
		t.Errorf("capped length = %d, want %d", n, chatMaxRunes)
	}
}

func TestErrCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrMatchNotFound, "not_found"},
		{domain.ErrPositionNotFound, "not_found"},
		{domain.ErrInvalidLeverage, "invalid"},
		{domain.ErrInvalidBet, "invalid"},
		{domain.ErrPositionClosing, "conflict"},
		{domain.ErrPositionExists, "conflict"},
		{domain.ErrSignatureUsed, "conflict"},
		{domain.ErrAlreadyQueued, "conflict"},
		{domain.ErrTokenInvalid, "unauthorized"},
		{domain.ErrInsufficientBalance, "insufficient_funds"},
		{domain.ErrInsufficientMargin, "insufficient_funds"},
		{domain.ErrPriceStale, "price_stale"},
		{domain.ErrNotAPlayer, "forbidden"},
	}
	for _, tt := range tests {
		if got := errCode(tt.err); got != tt.want {
			t.Errorf("errCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRegistryRooms(t *testing.T) {
	r := newRegistry()
	a1 := &Client{address: "alice"}
	a2 := &Client{address: "alice"}
	b := &Client{address: "bob"}

	if n := r.addUser(a1); n != 1 {
		t.Errorf("first conn count = %d, want 1", n)
	}
	if n := r.addUser(a2); n != 2 {
		t.Errorf("second conn count = %d, want 2", n)
	}
	r.addUser(b)

	if r.userConns("alice") != 2 || r.userConns("bob") != 1 {
		t.Error("per-user connection counts wrong")
	}

	// Dropping one of two connections is not a full disconnect.
	if last := r.remove(a1); last {
		t.Error("alice still has a connection, remove should not report last")
	}
	if last := r.remove(a2); !last {
		t.Error("removing the final connection should report last")
	}
	if r.userConns("alice") != 0 {
		t.Error("alice should have no connections left")
	}
}

func TestRegistrySpectatorRoomsAreSeparate(t *testing.T) {
	r := newRegistry()
	matchID := uuid.New()

	player := &Client{address: "alice", send: make(chan []byte, 4)}
	watcher := &Client{send: make(chan []byte, 4)}
	r.addUser(player)
	r.joinMatch(player, matchID)
	r.spectate(watcher, matchID)

	if !watcher.spectator {
		t.Error("spectate must mark the session read-only")
	}
	if len(r.byMatch[matchID]) != 1 {
		t.Errorf("player room size = %d, want 1", len(r.byMatch[matchID]))
	}
	if len(r.bySpectator[matchID]) != 1 {
		t.Errorf("spectator room size = %d, want 1", len(r.bySpectator[matchID]))
	}
	if _, ok := r.bySpectator[matchID][player]; ok {
		t.Error("player leaked into the spectator room")
	}

	// Disconnecting a spectator cleans its room.
	r.remove(watcher)
	if len(r.bySpectator[matchID]) != 0 {
		t.Error("spectator room not cleaned on disconnect")
	}
}

func TestHubFanOutSplitsRooms(t *testing.T) {
	h := &Hub{registry: newRegistry()}
	matchID := uuid.New()

	player := &Client{address: "alice", send: make(chan []byte, 4)}
	watcher := &Client{send: make(chan []byte, 4)}
	h.registry.addUser(player)
	h.registry.joinMatch(player, matchID)
	h.registry.spectate(watcher, matchID)

	h.NotifyMatch(matchID, "opponent_update", map[string]string{"player": "bob"})
	if len(player.send) != 1 {
		t.Error("player room must receive the player-only frame")
	}
	if len(watcher.send) != 0 {
		t.Error("spectators must not receive player-only frames")
	}

	h.NotifySpectators(matchID, "spectator_update", map[string]string{})
	if len(watcher.send) != 1 {
		t.Error("spectator room must receive the spectator frame")
	}
	if len(player.send) != 1 {
		t.Error("players must not receive spectator frames")
	}

	h.NotifyMatchAndSpectators(matchID, "price_update", map[string]string{})
	if len(player.send) != 2 || len(watcher.send) != 2 {
		t.Error("shared frames must reach both rooms")
	}

	// Frames carry the event name as the message type.
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(<-player.send, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "opponent_update" {
		t.Errorf("frame type = %q, want opponent_update", frame.Type)
	}
}

func TestHubIsConnected(t *testing.T) {
	h := &Hub{registry: newRegistry()}
	if h.IsConnected("alice") {
		t.Error("no connections yet")
	}
	c := &Client{address: "alice", send: make(chan []byte, 1)}
	h.registry.addUser(c)
	if !h.IsConnected("alice") {
		t.Error("alice holds a live connection")
	}
	h.registry.remove(c)
	if h.IsConnected("alice") {
		t.Error("last connection gone, IsConnected must flip")
	}
}

func TestMatchEndFrameFlags(t *testing.T) {
	winner := "alice"
	roi := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}
	m := &domain.Match{
		ID:         uuid.New(),
		Player1:    "alice",
		Player2:    "bob",
		Status:     domain.MatchForfeited,
		Winner:     &winner,
		Player1Roi: roi("-0.1"),
		Player2Roi: roi("0.2"),
	}
	frame := matchEndFrame(m)
	if frame["is_forfeit"] != true || frame["is_tie"] != false {
		t.Error("forfeit flags wrong")
	}
	if frame["player1_roi"] != "-10.00" || frame["player2_roi"] != "20.00" {
		t.Errorf("rois = %v/%v, want percent strings", frame["player1_roi"], frame["player2_roi"])
	}

	m.Status = domain.MatchTied
	m.Winner = nil
	if f := matchEndFrame(m); f["is_tie"] != true || f["winner"] != "" {
		t.Error("tie frame wrong")
	}
}
