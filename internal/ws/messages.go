// Package ws implements the realtime session layer: authenticated WebSocket
// connections, per-user and per-match rooms, and the client command protocol.
// messages.go defines the wire frames in both directions.
package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/service"
)

// Close codes beyond the RFC range used by this protocol.
const (
	CloseAuthFailed     = 4001 // no/invalid auth frame within the window
	CloseMatchNotFound  = 4004 // spectate target does not exist
	CloseTooManyClients = 4008 // per-user connection cap exceeded
)

// MsgType identifies the kind of WS frame so both sides can switch on it.
type MsgType string

// Client → server commands. The first frame must be auth or spectate_match;
// spectator sessions accept nothing further.
const (
	MsgTypeAuth          MsgType = "auth"
	MsgTypeSpectate      MsgType = "spectate_match"
	MsgTypeJoinQueue     MsgType = "join_queue"
	MsgTypeLeaveQueue    MsgType = "leave_queue"
	MsgTypeJoinMatch     MsgType = "join_match"
	MsgTypeOpenPosition  MsgType = "open_position"
	MsgTypeClosePosition MsgType = "close_position"
	MsgTypePartialClose  MsgType = "partial_close"
	MsgTypeChat          MsgType = "chat_message"
)

// Server → client frames. Every outbound message names its kind in "type";
// the engine-pushed ones (match_found, price_update, position_opened, ...)
// flow through Event with the event name as the type.
const (
	MsgTypeConnected         MsgType = "ws_connected" // greeting, sent before auth
	MsgTypeAuthOK            MsgType = "auth_ok"
	MsgTypeError             MsgType = "error"
	MsgTypeQueueJoined       MsgType = "queue_joined"
	MsgTypeQueueLeft         MsgType = "queue_left"
	MsgTypeMatchSnapshot     MsgType = "match_snapshot"
	MsgTypeMatchEnd          MsgType = "match_end"
	MsgTypeBalanceUpdate     MsgType = "balance_update"
	MsgTypeSpectatorSnapshot MsgType = "spectator_snapshot"
	MsgTypeChatMessage       MsgType = "chat_message"
)

// ──────────────────────────────────────────────────────────────────────────────
// Inbound frames
// ──────────────────────────────────────────────────────────────────────────────

// Command is the envelope every client frame arrives in.
type Command struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthPayload authenticates the connection as a logged-in player.
type AuthPayload struct {
	Token string `json:"token"`
}

// SpectatePayload opens a read-only unauthenticated session on one match.
type SpectatePayload struct {
	MatchID uuid.UUID `json:"match_id"`
}

// QueuePayload joins or leaves a matchmaking queue.
type QueuePayload struct {
	Duration string          `json:"duration"` // "5m" | "15m" | "1h" | "4h" | "24h"
	Bet      decimal.Decimal `json:"bet"`
}

// JoinMatchPayload subscribes the connection to a match room. Players get
// the full room; everyone else joins as a spectator.
type JoinMatchPayload struct {
	MatchID uuid.UUID `json:"match_id"`
}

// OpenPositionPayload opens a position inside a match.
type OpenPositionPayload struct {
	MatchID uuid.UUID `json:"match_id"`
	service.OpenPositionRequest
}

// ClosePositionPayload closes (or partially closes) a position.
type ClosePositionPayload struct {
	MatchID    uuid.UUID        `json:"match_id"`
	PositionID string           `json:"positionId"`
	Fraction   *decimal.Decimal `json:"fraction,omitempty"` // partial_close only
}

// ChatPayload sends a message to the match room.
type ChatPayload struct {
	MatchID uuid.UUID `json:"match_id"`
	Text    string    `json:"text"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound frames
// ──────────────────────────────────────────────────────────────────────────────

// Event is the server push frame: Type names the event ("price_update",
// "position_closed", ...) and Payload carries its body.
type Event struct {
	Type      MsgType     `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// AuthOKMessage confirms a successful auth frame.
type AuthOKMessage struct {
	Type    MsgType `json:"type"`
	Address string  `json:"address"`
}

// ErrorMessage is sent directly to one client (not broadcast). PositionID is
// echoed for trade commands so clients can match the rejection to the intent.
type ErrorMessage struct {
	Type       MsgType `json:"type"`
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	PositionID string  `json:"positionId,omitempty"`
}

// ChatBroadcast fans a chat line out to the match and spectator rooms.
// SenderTag is resolved server-side from the sender's profile.
type ChatBroadcast struct {
	Type      MsgType   `json:"type"`
	MatchID   uuid.UUID `json:"match_id"`
	Sender    string    `json:"sender"`
	SenderTag string    `json:"sender_tag,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
