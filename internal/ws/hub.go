package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/repository"
	"github.com/tradeduel/arena/internal/service"
)

const (
	sendBufferSize = 256 // messages buffered per connection
	chatMaxRunes   = 280
)

// ──────────────────────────────────────────────────────────────────────────────
// Rate limiter
// ──────────────────────────────────────────────────────────────────────────────

// cmdLimiter is a fixed-window counter: at most limit commands per window.
// Auth and pong frames are not counted.
type cmdLimiter struct {
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

func (l *cmdLimiter) allow(now time.Time) bool {
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	l.count++
	return l.count <= l.limit
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one WebSocket connection: either an authenticated player
// session or a read-only spectator session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	address   string     // wallet address, empty for spectators
	matchID   *uuid.UUID // room the connection currently watches
	spectator bool       // read-only session, no commands accepted
	limiter   cmdLimiter

	closeOnce sync.Once
}

// trySend queues a frame without blocking; a full buffer drops the frame.
// The write pump detects genuinely stalled connections via deadlines.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(code, message, positionID string) {
	c.sendJSON(ErrorMessage{Type: MsgTypeError, Code: code, Message: message, PositionID: positionID})
}

// closeWith sends a close frame with the given protocol code and drops the
// connection.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub owns all live connections and routes client commands into the service
// layer. It implements service.MatchNotifier (registry.go) so the match
// engine can push events back out.
type Hub struct {
	cfg      *config.Config
	registry *registry

	auth        *service.AuthService
	matches     *service.MatchService
	matchmaking *service.MatchmakingService
	ledger      *service.LedgerService
	users       *repository.UserRepository

	upgrader websocket.Upgrader
}

// NewHub wires the session layer to the service layer.
func NewHub(
	cfg *config.Config,
	auth *service.AuthService,
	matches *service.MatchService,
	matchmaking *service.MatchmakingService,
	ledger *service.LedgerService,
	users *repository.UserRepository,
) *Hub {
	return &Hub{
		cfg:         cfg,
		registry:    newRegistry(),
		auth:        auth,
		matches:     matches,
		matchmaking: matchmaking,
		ledger:      ledger,
		users:       users,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // auth is the gate, not Origin
		},
	}
}

// ConnectedCount returns the number of users with at least one connection.
func (h *Hub) ConnectedCount() int {
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	return len(h.registry.byUser)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs — upgrade + auth handshake
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades the request and runs the handshake: the first frame must
// be a valid auth command or a spectate_match command within the configured
// window, or the connection closes with 4001. Spectating a missing match
// closes with 4004; exceeding the per-user connection cap closes with 4008.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		limiter: cmdLimiter{
			limit:  h.cfg.WS.RateLimit,
			window: h.cfg.WS.RateWindow,
		},
	}

	conn.SetReadLimit(h.cfg.WS.MaxMessageBytes)
	_ = conn.WriteJSON(map[string]MsgType{"type": MsgTypeConnected})
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.WS.AuthTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		client.closeWith(CloseAuthFailed, "auth timeout")
		return
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		client.closeWith(CloseAuthFailed, "auth frame required")
		return
	}

	switch cmd.Type {
	case MsgTypeAuth:
		h.handshakeAuth(client, cmd.Payload)
	case MsgTypeSpectate:
		h.handshakeSpectate(client, cmd.Payload)
	default:
		client.closeWith(CloseAuthFailed, "auth frame required")
	}
}

// handshakeAuth completes the player handshake and starts the pumps.
func (h *Hub) handshakeAuth(client *Client, raw json.RawMessage) {
	var auth AuthPayload
	if err := json.Unmarshal(raw, &auth); err != nil {
		client.closeWith(CloseAuthFailed, "bad auth payload")
		return
	}
	claims, err := h.auth.ParseToken(auth.Token)
	if err != nil {
		client.closeWith(CloseAuthFailed, "invalid token")
		return
	}
	client.address = claims.Subject

	if h.registry.userConns(client.address) >= h.cfg.WS.MaxConnsPerUser {
		client.closeWith(CloseTooManyClients, "connection limit reached")
		return
	}
	h.registry.addUser(client)

	client.sendJSON(AuthOKMessage{Type: MsgTypeAuthOK, Address: client.address})
	h.matches.OnPlayerConnect(client.address)

	go client.writePump()
	go client.readPump()

	// Heal any reservation orphaned by a crash, then push the fresh balance.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if bal, err := h.ledger.ReconcileFrozen(ctx, client.address); err != nil {
		slog.Warn("balance reconcile failed", "address", client.address, "error", err)
	} else {
		client.sendJSON(Event{Type: MsgTypeBalanceUpdate, Payload: bal, Timestamp: time.Now().UTC()})
	}
}

// handshakeSpectate opens a read-only session on one match. No token, no user
// registration; the connection only ever receives the redacted feed.
func (h *Hub) handshakeSpectate(client *Client, raw json.RawMessage) {
	var p SpectatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.MatchID == uuid.Nil {
		client.closeWith(CloseAuthFailed, "bad spectate payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.matches.State(ctx, p.MatchID)
	if err != nil {
		if domain.IsNotFound(err) {
			client.closeWith(CloseMatchNotFound, "match not found")
			return
		}
		client.closeWith(CloseMatchNotFound, "match unavailable")
		return
	}

	h.registry.spectate(client, p.MatchID)

	go client.writePump()
	go client.readPump()

	client.sendJSON(Event{
		Type:      MsgTypeSpectatorSnapshot,
		Payload:   state.SpectatorView(),
		Timestamp: time.Now().UTC(),
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.WS.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WS.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WS.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses and dispatches client commands until the connection drops,
// then runs the disconnect path (forfeit timer arming happens there).
func (c *Client) readPump() {
	defer func() {
		last := c.hub.registry.remove(c)
		close(c.send)
		_ = c.conn.Close()
		if last && !c.spectator {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := c.hub.matchmaking.LeaveAllQueues(ctx, c.address); err != nil {
				slog.Warn("queue cleanup on disconnect failed", "address", c.address, "error", err)
			}
			cancel()
			c.hub.matches.OnPlayerDisconnect(c.address)
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.WS.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.WS.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("ws unexpected close", "address", c.address, "error", err)
			}
			return
		}
		c.hub.dispatch(c, raw)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Command dispatch
// ──────────────────────────────────────────────────────────────────────────────

// dispatch routes one inbound frame. The rate limiter runs before parsing so
// malformed floods are throttled too.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.sendError("bad_frame", "malformed frame", "")
		return
	}

	if c.spectator {
		c.sendError("forbidden", "spectator sessions are read-only", "")
		return
	}

	if !c.limiter.allow(time.Now()) {
		// Echo the position id on trade commands so the client can resolve
		// the in-flight intent.
		positionID := ""
		if cmd.Type == MsgTypeOpenPosition || cmd.Type == MsgTypeClosePosition || cmd.Type == MsgTypePartialClose {
			var p struct {
				PositionID string `json:"positionId"`
			}
			_ = json.Unmarshal(cmd.Payload, &p)
			positionID = p.PositionID
		}
		c.sendError("rate_limit_exceeded", "too many commands", positionID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd.Type {
	case MsgTypeJoinQueue:
		h.handleJoinQueue(ctx, c, cmd.Payload)
	case MsgTypeLeaveQueue:
		h.handleLeaveQueue(ctx, c, cmd.Payload)
	case MsgTypeJoinMatch:
		h.handleJoinMatch(ctx, c, cmd.Payload)
	case MsgTypeOpenPosition:
		h.handleOpenPosition(ctx, c, cmd.Payload)
	case MsgTypeClosePosition:
		h.handleClosePosition(ctx, c, cmd.Payload)
	case MsgTypePartialClose:
		h.handlePartialClose(ctx, c, cmd.Payload)
	case MsgTypeChat:
		h.handleChat(c, cmd.Payload)
	case MsgTypeAuth:
		// Already authenticated; ignore
	default:
		c.sendError("unknown_event_type", string(cmd.Type), "")
	}
}

func (h *Hub) handleJoinQueue(ctx context.Context, c *Client, raw json.RawMessage) {
	var p QueuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed join_queue payload", "")
		return
	}
	match, err := h.matchmaking.JoinQueue(ctx, c.address, p.Duration, p.Bet)
	if err != nil {
		c.sendError(errCode(err), err.Error(), "")
		return
	}
	if match == nil {
		c.sendJSON(Event{Type: MsgTypeQueueJoined, Payload: p, Timestamp: time.Now().UTC()})
	}
	// match_found is pushed by the match engine to both players
	h.pushBalance(ctx, c)
}

// pushBalance sends the caller's fresh balance after an operation that froze
// or released funds.
func (h *Hub) pushBalance(ctx context.Context, c *Client) {
	bal, err := h.ledger.GetBalance(ctx, c.address)
	if err != nil {
		slog.Warn("balance push failed", "address", c.address, "error", err)
		return
	}
	c.sendJSON(Event{Type: MsgTypeBalanceUpdate, Payload: bal, Timestamp: time.Now().UTC()})
}

func (h *Hub) handleLeaveQueue(ctx context.Context, c *Client, raw json.RawMessage) {
	var p QueuePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed leave_queue payload", "")
		return
	}
	if err := h.matchmaking.LeaveQueue(ctx, c.address, p.Duration, p.Bet); err != nil {
		c.sendError(errCode(err), err.Error(), "")
		return
	}
	c.sendJSON(Event{Type: MsgTypeQueueLeft, Payload: p, Timestamp: time.Now().UTC()})
	h.pushBalance(ctx, c)
}

func (h *Hub) handleJoinMatch(ctx context.Context, c *Client, raw json.RawMessage) {
	var p JoinMatchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed join_match payload", "")
		return
	}
	state, err := h.matches.State(ctx, p.MatchID)
	if err != nil {
		if domain.IsNotFound(err) {
			c.closeWith(CloseMatchNotFound, "match not found")
			return
		}
		c.sendError(errCode(err), err.Error(), "")
		return
	}
	if !state.Match.IsPlayer(c.address) {
		c.sendError("forbidden", "not a player in this match; use spectate_match", "")
		return
	}
	h.registry.joinMatch(c, p.MatchID)
	// Joining the room proves liveness on this connection
	h.matches.CancelForfeit(p.MatchID, c.address)
	c.sendJSON(Event{Type: MsgTypeMatchSnapshot, Payload: state.PlayerView(c.address), Timestamp: time.Now().UTC()})
	if state.Match.Status.IsTerminal() {
		c.sendJSON(Event{Type: MsgTypeMatchEnd, Payload: matchEndFrame(state.Match), Timestamp: time.Now().UTC()})
	}
}

// matchEndFrame rebuilds the final result for late joiners from the persisted
// match row.
func matchEndFrame(m *domain.Match) map[string]interface{} {
	winner := ""
	if m.Winner != nil {
		winner = *m.Winner
	}
	roi1, roi2 := decimal.Zero, decimal.Zero
	if m.Player1Roi != nil {
		roi1 = *m.Player1Roi
	}
	if m.Player2Roi != nil {
		roi2 = *m.Player2Roi
	}
	return map[string]interface{}{
		"match_id":    m.ID,
		"status":      m.Status,
		"winner":      winner,
		"is_tie":      m.Status == domain.MatchTied,
		"is_forfeit":  m.Status == domain.MatchForfeited,
		"player1_roi": domain.RoiPercent(roi1),
		"player2_roi": domain.RoiPercent(roi2),
	}
}

func (h *Hub) handleOpenPosition(ctx context.Context, c *Client, raw json.RawMessage) {
	var p OpenPositionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed open_position payload", "")
		return
	}
	if _, err := h.matches.OpenPosition(ctx, p.MatchID, c.address, p.OpenPositionRequest); err != nil {
		c.sendError(errCode(err), err.Error(), p.PositionID)
		return
	}
}

func (h *Hub) handleClosePosition(ctx context.Context, c *Client, raw json.RawMessage) {
	var p ClosePositionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed close_position payload", "")
		return
	}
	if _, err := h.matches.ClosePosition(ctx, p.MatchID, c.address, p.PositionID); err != nil {
		c.sendError(errCode(err), err.Error(), p.PositionID)
		return
	}
}

func (h *Hub) handlePartialClose(ctx context.Context, c *Client, raw json.RawMessage) {
	var p ClosePositionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed partial_close payload", "")
		return
	}
	if p.Fraction == nil {
		c.sendError("bad_payload", "fraction required", p.PositionID)
		return
	}
	if _, err := h.matches.PartialClose(ctx, p.MatchID, c.address, p.PositionID, *p.Fraction); err != nil {
		c.sendError(errCode(err), err.Error(), p.PositionID)
		return
	}
}

func (h *Hub) handleChat(c *Client, raw json.RawMessage) {
	var p ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("bad_payload", "malformed chat payload", "")
		return
	}
	if c.matchID == nil || *c.matchID != p.MatchID {
		c.sendError("not_in_room", "join the match before chatting", "")
		return
	}
	text := sanitizeChat(p.Text)
	if text == "" {
		c.sendError("invalid", "empty message", "")
		return
	}

	// Resolve the sender's display tag server-side; clients never pick their
	// own name on the wire.
	senderTag := ""
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if u, err := h.users.GetByAddress(ctx, c.address); err == nil {
		senderTag = u.GamerTag
	}
	cancel()

	data, err := json.Marshal(ChatBroadcast{
		Type:      MsgTypeChatMessage,
		MatchID:   p.MatchID,
		Sender:    c.address,
		SenderTag: senderTag,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	h.registry.mu.RLock()
	for peer := range h.registry.byMatch[p.MatchID] {
		peer.trySend(data)
	}
	for peer := range h.registry.bySpectator[p.MatchID] {
		peer.trySend(data)
	}
	h.registry.mu.RUnlock()
}

// sanitizeChat strips control characters and caps the message length.
func sanitizeChat(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	runes := []rune(out)
	if len(runes) > chatMaxRunes {
		out = string(runes[:chatMaxRunes])
	}
	return out
}

// errCode maps domain errors to wire error codes.
func errCode(err error) string {
	switch {
	case domain.IsNotFound(err):
		return "not_found"
	case domain.IsValidation(err):
		return "invalid"
	case domain.IsConflict(err):
		return "conflict"
	case domain.IsAuthError(err):
		return "unauthorized"
	case err == domain.ErrInsufficientBalance, err == domain.ErrInsufficientMargin:
		return "insufficient_funds"
	case err == domain.ErrPriceStale:
		return "price_stale"
	case err == domain.ErrNotAPlayer, err == domain.ErrForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}
