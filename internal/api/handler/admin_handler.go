package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/repository"
	"github.com/tradeduel/arena/internal/service"
)

// AdminHandler serves operator-only endpoints: ledger corrections, manual
// settlement retries, and rake sweeps. All routes sit behind the admin
// allowlist.
type AdminHandler struct {
	ledger      *service.LedgerService
	matchSvc    *service.MatchService
	balanceRepo *repository.BalanceRepository
	matchRepo   *repository.MatchRepository
	chainCli    chain.Client
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	ledger *service.LedgerService,
	matchSvc *service.MatchService,
	balanceRepo *repository.BalanceRepository,
	matchRepo *repository.MatchRepository,
	chainCli chain.Client,
) *AdminHandler {
	return &AdminHandler{
		ledger:      ledger,
		matchSvc:    matchSvc,
		balanceRepo: balanceRepo,
		matchRepo:   matchRepo,
		chainCli:    chainCli,
	}
}

// Stats godoc
// GET /api/admin/stats [JWT+admin]
func (h *AdminHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	frozen, err := h.balanceRepo.SumFrozen(ctx)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	active, err := h.matchRepo.ListActive(ctx)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"frozen_total":   frozen,
		"active_matches": len(active),
	})
}

// SetFrozen godoc
// POST /api/admin/balances/:address/frozen [JWT+admin]
// Body: {"frozen":"50"}
//
// Manual correction for frozen funds stuck by an operational incident. Total
// balance is never touched here.
func (h *AdminHandler) SetFrozen(c *gin.Context) {
	var body struct {
		Frozen decimal.Decimal `json:"frozen"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	if body.Frozen.IsNegative() {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "frozen must be non-negative")
		return
	}

	if err := h.ledger.SetFrozen(c.Request.Context(), c.Param("address"), body.Frozen); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"frozen": body.Frozen})
}

// RetrySettlements godoc
// POST /api/admin/settlements/retry [JWT+admin]
//
// Kicks the on-chain settlement retry pass immediately instead of waiting
// for the scheduler tick.
func (h *AdminHandler) RetrySettlements(c *gin.Context) {
	if err := h.matchSvc.RetryOnChainSettlements(c.Request.Context()); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"retried": true})
}

// RetryMatchSettlement godoc
// POST /api/admin/matches/:id/retry-settlement [JWT+admin]
//
// Re-drives the escrow payout for one settled match without waiting for the
// scheduler pass.
func (h *AdminHandler) RetryMatchSettlement(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "invalid match id")
		return
	}
	if err := h.matchSvc.RetrySettlement(c.Request.Context(), matchID); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"retried": true})
}

// WithdrawRake godoc
// POST /api/admin/rake/withdraw [JWT+admin]
// Body: {"to":"<wallet>","amount":"123.45"}
//
// Sweeps accumulated rake out of the vault. Rake never sits on a user
// balance, so this moves vault USDC directly.
func (h *AdminHandler) WithdrawRake(c *gin.Context) {
	var body struct {
		To     string `json:"to"     binding:"required"`
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

	signature, err := h.chainCli.TransferUSDC(c.Request.Context(), body.To, amount)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"signature": signature})
}
