package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradeduel/arena/internal/api/middleware"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/repository"
)

// UserHandler serves profile and leaderboard endpoints.
type UserHandler struct {
	userRepo *repository.UserRepository
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(userRepo *repository.UserRepository) *UserHandler {
	return &UserHandler{userRepo: userRepo}
}

// Me godoc
// GET /api/me [JWT]
func (h *UserHandler) Me(c *gin.Context) {
	address := middleware.GetAddress(c)
	user, err := h.userRepo.GetByAddress(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, user)
}

// UpdateTag godoc
// PATCH /api/me/tag [JWT]
// Body: {"tag":"shadow"}
func (h *UserHandler) UpdateTag(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body struct {
		Tag string `json:"tag" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	tag := domain.SanitizeTag(body.Tag)
	if !domain.ValidTag(tag) {
		respondDomainError(c, domain.ErrInvalidTag)
		return
	}

	if err := h.userRepo.UpdateTag(c.Request.Context(), address, tag); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"tag": tag})
}

// GetByAddress godoc
// GET /api/users/:address
func (h *UserHandler) GetByAddress(c *gin.Context) {
	user, err := h.userRepo.GetByAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, user)
}

// Leaderboard godoc
// GET /api/leaderboard?limit=50
func (h *UserHandler) Leaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	users, err := h.userRepo.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, users)
}
