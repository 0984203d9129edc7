package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/api/middleware"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/service"
)

// WalletHandler serves balance, ledger history, deposit confirmation, and
// withdrawal endpoints.
type WalletHandler struct {
	ledger *service.LedgerService
	cfg    *config.Config
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(ledger *service.LedgerService, cfg *config.Config) *WalletHandler {
	return &WalletHandler{ledger: ledger, cfg: cfg}
}

// VaultInfo godoc
// GET /api/vault
//
// Public deposit parameters: where to send USDC and which mint is accepted.
func (h *WalletHandler) VaultInfo(c *gin.Context) {
	respondSuccess(c, http.StatusOK, gin.H{
		"vault_address": h.cfg.Chain.VaultAddress,
		"usdc_mint":     h.cfg.Chain.USDCMint,
		"min_withdraw":  h.cfg.Chain.MinWithdraw,
	})
}

// GetBalance godoc
// GET /api/wallet/balance [JWT]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	address := middleware.GetAddress(c)
	balance, err := h.ledger.GetBalance(c.Request.Context(), address)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"total":     balance.Total,
		"frozen":    balance.Frozen,
		"available": balance.Available(),
	})
}

// GetEvents godoc
// GET /api/wallet/events?page=1&limit=20 [JWT]
func (h *WalletHandler) GetEvents(c *gin.Context) {
	address := middleware.GetAddress(c)
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	events, err := h.ledger.GetEvents(c.Request.Context(), address, limit, offset)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, events, len(events), page, limit)
}

// ConfirmDeposit godoc
// POST /api/wallet/deposit [JWT]
// Body: {"signature":"<transaction signature>"}
//
// The client sends the USDC transfer itself; this endpoint verifies the
// finalized transaction on-chain and credits the platform balance once.
func (h *WalletHandler) ConfirmDeposit(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body struct {
		Signature string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	balance, err := h.ledger.ConfirmDeposit(c.Request.Context(), address, body.Signature)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"total":     balance.Total,
		"frozen":    balance.Frozen,
		"available": balance.Available(),
	})
}

// Withdraw godoc
// POST /api/wallet/withdraw [JWT]
// Body: {"amount":"25.50"}
func (h *WalletHandler) Withdraw(c *gin.Context) {
	address := middleware.GetAddress(c)

	var body struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsPositive() {
		respondError(c, http.StatusBadRequest, "ERR_INVALID_AMOUNT", "amount must be a positive decimal string")
		return
	}

	signature, err := h.ledger.Withdraw(c.Request.Context(), address, amount)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"signature": signature})
}
