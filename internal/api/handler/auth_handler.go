package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tradeduel/arena/internal/service"
)

// AuthHandler serves the wallet sign-in flow: nonce issuance and signature
// verification.
type AuthHandler struct {
	authSvc *service.AuthService
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// Nonce godoc
// POST /api/auth/nonce
// Body: {"address":"<base58 wallet>"}
func (h *AuthHandler) Nonce(c *gin.Context) {
	var body struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	resp, err := h.authSvc.IssueNonce(c.Request.Context(), body.Address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, resp)
}

// Verify godoc
// POST /api/auth/verify
// Body: {"address":"...","nonce":"...","signature":"<base58 ed25519 sig>"}
func (h *AuthHandler) Verify(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	resp, err := h.authSvc.Verify(c.Request.Context(), req)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, resp)
}
