package handler

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/service"
)

// klineIntervals is the allowlist for the candle proxy.
var klineIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true,
}

// klineSymbols maps arena assets to Binance spot tickers.
var klineSymbols = map[string]string{
	"BTC": "BTCUSDT",
	"ETH": "ETHUSDT",
	"SOL": "SOLUSDT",
}

// PriceHandler serves the live price snapshot, oracle health, and a candle
// proxy so browser clients never talk to exchanges directly.
type PriceHandler struct {
	priceSvc *service.PriceService
	chainCli chain.Client
	cfg      *config.Config
	client   *http.Client
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(priceSvc *service.PriceService, chainCli chain.Client, cfg *config.Config) *PriceHandler {
	return &PriceHandler{
		priceSvc: priceSvc,
		chainCli: chainCli,
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot godoc
// GET /api/prices
func (h *PriceHandler) Snapshot(c *gin.Context) {
	snap := h.priceSvc.Snapshot()
	if snap == nil {
		respondError(c, http.StatusServiceUnavailable, "ERR_NO_PRICES", "price oracle warming up")
		return
	}
	respondSuccess(c, http.StatusOK, snap)
}

// Health godoc
// GET /health
//
// Reports per-exchange oracle status and chain RPC reachability. Always 200;
// degraded components show as false.
func (h *PriceHandler) Health(c *gin.Context) {
	snap := h.priceSvc.Snapshot()
	stale := snap == nil || snap.IsStale(h.cfg.Price.MaxAge)

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"exchanges":   h.priceSvc.ExchangeStatus(),
		"price_stale": stale,
		"chain":       h.chainCli.Healthy(c.Request.Context()),
	})
}

// Klines godoc
// GET /api/klines?asset=BTC&interval=1m&limit=120
//
// Proxies candle data from Binance with a strict parameter allowlist.
func (h *PriceHandler) Klines(c *gin.Context) {
	symbol, ok := klineSymbols[c.DefaultQuery("asset", string(domain.AssetBTC))]
	if !ok {
		respondDomainError(c, domain.ErrInvalidAsset)
		return
	}
	interval := c.DefaultQuery("interval", "1m")
	if !klineIntervals[interval] {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "unsupported interval")
		return
	}
	limit := c.DefaultQuery("limit", "120")

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", limit)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
		h.cfg.Price.BinanceURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "internal error")
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		respondError(c, http.StatusBadGateway, "ERR_UPSTREAM", "candle source unavailable")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		respondError(c, http.StatusBadGateway, "ERR_UPSTREAM", "candle source unavailable")
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}
