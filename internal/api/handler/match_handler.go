package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/api/middleware"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/service"
)

// MatchHandler serves match queries plus the HTTP side of matchmaking and
// challenges. Gameplay itself (positions) goes over the websocket; these
// endpoints exist for page loads and non-realtime clients.
type MatchHandler struct {
	matchSvc     *service.MatchService
	matchmaking  *service.MatchmakingService
	challengeSvc *service.ChallengeService
}

// NewMatchHandler creates a MatchHandler.
func NewMatchHandler(
	matchSvc *service.MatchService,
	matchmaking *service.MatchmakingService,
	challengeSvc *service.ChallengeService,
) *MatchHandler {
	return &MatchHandler{
		matchSvc:     matchSvc,
		matchmaking:  matchmaking,
		challengeSvc: challengeSvc,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Matches
// ──────────────────────────────────────────────────────────────────────────────

// GetByID godoc
// GET /api/matches/:id
func (h *MatchHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid match id")
		return
	}
	match, err := h.matchSvc.GetMatch(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, match)
}

// GetState godoc
// GET /api/matches/:id/state
//
// Public live state: match, per-player aggregates, open positions without
// stop levels, current prices. Same payload the spectator feed pushes; a
// player's own stops are only visible on their websocket session.
func (h *MatchHandler) GetState(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid match id")
		return
	}
	state, err := h.matchSvc.State(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, state.SpectatorView())
}

// History godoc
// GET /api/matches/history?page=1&limit=20 [JWT]
func (h *MatchHandler) History(c *gin.Context) {
	address := middleware.GetAddress(c)
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	matches, err := h.matchSvc.History(c.Request.Context(), address, limit, offset)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, matches, len(matches), page, limit)
}

// Active godoc
// GET /api/matches/active [JWT]
//
// Returns the caller's running match, if any. Lets a reconnecting client
// find its way back into the arena.
func (h *MatchHandler) Active(c *gin.Context) {
	address := middleware.GetAddress(c)
	match, err := h.matchSvc.ActiveMatchFor(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if match == nil {
		respondSuccess(c, http.StatusOK, nil)
		return
	}
	respondSuccess(c, http.StatusOK, match)
}

// ActiveFor godoc
// GET /api/users/:address/active
//
// Public lookup of a player's running match, used by spectator UIs.
func (h *MatchHandler) ActiveFor(c *gin.Context) {
	match, err := h.matchSvc.ActiveMatchFor(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if match == nil {
		respondSuccess(c, http.StatusOK, nil)
		return
	}
	respondSuccess(c, http.StatusOK, match)
}

// ClaimInfo godoc
// GET /api/matches/:id/claim
//
// Escrow claim parameters for a finished match: the on-chain game id and the
// recorded outcome. 409 until the match reaches a terminal state.
func (h *MatchHandler) ClaimInfo(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid match id")
		return
	}
	match, err := h.matchSvc.GetMatch(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if !match.Status.IsTerminal() {
		respondError(c, http.StatusConflict, "ERR_NOT_SETTLED", "match not settled yet")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"match_id":         match.ID,
		"status":           match.Status,
		"on_chain_game_id": match.OnChainGameID,
		"on_chain_settled": match.OnChainSettled,
		"winner":           match.Winner,
		"player1_roi":      match.Player1Roi,
		"player2_roi":      match.Player2Roi,
		"settled_at":       match.SettledAt,
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Queues
// ──────────────────────────────────────────────────────────────────────────────

type queueRequest struct {
	Duration string          `json:"duration" binding:"required"`
	Bet      decimal.Decimal `json:"bet"      binding:"required"`
}

// QueueStats godoc
// GET /api/queues
func (h *MatchHandler) QueueStats(c *gin.Context) {
	stats, err := h.matchmaking.QueueStats(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, stats)
}

// JoinQueue godoc
// POST /api/queues/join [JWT]
// Body: {"duration":"15m","bet":"10"}
func (h *MatchHandler) JoinQueue(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body queueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	match, err := h.matchmaking.JoinQueue(c.Request.Context(), address, body.Duration, body.Bet)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if match != nil {
		respondSuccess(c, http.StatusCreated, gin.H{"queued": false, "match": match})
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"queued": true})
}

// LeaveQueue godoc
// POST /api/queues/leave [JWT]
// Body: {"duration":"15m","bet":"10"}
func (h *MatchHandler) LeaveQueue(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body queueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	if err := h.matchmaking.LeaveQueue(c.Request.Context(), address, body.Duration, body.Bet); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"left": true})
}

// LeaveAllQueues godoc
// POST /api/queues/leave-all [JWT]
func (h *MatchHandler) LeaveAllQueues(c *gin.Context) {
	address := middleware.GetAddress(c)
	n, err := h.matchmaking.LeaveAllQueues(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"left": n})
}

// MyQueues godoc
// GET /api/queues/mine [JWT]
func (h *MatchHandler) MyQueues(c *gin.Context) {
	address := middleware.GetAddress(c)
	entries, err := h.matchmaking.MyQueues(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, entries)
}

// ──────────────────────────────────────────────────────────────────────────────
// Challenges
// ──────────────────────────────────────────────────────────────────────────────

// CreateChallenge godoc
// POST /api/challenges [JWT]
// Body: {"to":"<address>","duration":"1h","bet":"25"}
func (h *MatchHandler) CreateChallenge(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body struct {
		To       string          `json:"to"       binding:"required"`
		Duration string          `json:"duration" binding:"required"`
		Bet      decimal.Decimal `json:"bet"      binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	ch, err := h.challengeSvc.Create(c.Request.Context(), address, body.To, body.Duration, body.Bet)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, ch)
}

// AcceptChallenge godoc
// POST /api/challenges/:id/accept [JWT]
func (h *MatchHandler) AcceptChallenge(c *gin.Context) {
	address := middleware.GetAddress(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid challenge id")
		return
	}

	match, err := h.challengeSvc.Accept(c.Request.Context(), id, address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, match)
}

// DeclineChallenge godoc
// POST /api/challenges/:id/decline [JWT]
func (h *MatchHandler) DeclineChallenge(c *gin.Context) {
	address := middleware.GetAddress(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_ID", "invalid challenge id")
		return
	}

	if err := h.challengeSvc.Decline(c.Request.Context(), id, address); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": domain.ChallengeDeclined})
}

// MyChallenges godoc
// GET /api/challenges [JWT]
func (h *MatchHandler) MyChallenges(c *gin.Context) {
	address := middleware.GetAddress(c)
	challenges, err := h.challengeSvc.ListForPlayer(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, challenges)
}
