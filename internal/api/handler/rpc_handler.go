package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tradeduel/arena/internal/config"
)

// rpcReadMethods is the allowlist for the browser-facing RPC proxy. Write
// methods never pass through; the operator key signs those server-side.
var rpcReadMethods = map[string]bool{
	"getAccountInfo":         true,
	"getBalance":             true,
	"getTokenAccountBalance": true,
	"getTransaction":         true,
	"getSignatureStatuses":   true,
	"getLatestBlockhash":     true,
	"getHealth":              true,
	"getSlot":                true,
}

// RPCHandler proxies read-only JSON-RPC calls so browser clients never hold
// an RPC endpoint URL or hit provider rate limits directly.
type RPCHandler struct {
	cfg    *config.Config
	client *http.Client
}

// NewRPCHandler creates an RPCHandler.
func NewRPCHandler(cfg *config.Config) *RPCHandler {
	return &RPCHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

// Proxy godoc
// POST /api/rpc
//
// Forwards the JSON-RPC body to the configured endpoints in order, returning
// the first successful response. 502 when every endpoint fails.
func (h *RPCHandler) Proxy(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "unreadable body")
		return
	}

	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", "malformed json-rpc request")
		return
	}
	if !rpcReadMethods[req.Method] {
		respondError(c, http.StatusForbidden, "ERR_METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	for _, endpoint := range h.cfg.Chain.RPCEndpoints {
		httpReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			continue
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(httpReq)
		if err != nil {
			continue
		}
		out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}
	respondError(c, http.StatusBadGateway, "ERR_UPSTREAM", "all rpc endpoints failed")
}
