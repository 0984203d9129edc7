package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/service"
)

const testSecret = "smoke-test-secret"

// stubChain satisfies chain.Client without touching the network.
type stubChain struct{}

func (stubChain) FetchGameAccount(context.Context, int64) (*chain.GameAccount, error) {
	return nil, nil
}
func (stubChain) EndGame(context.Context, int64, string, int64, int64, bool) (string, error) {
	return "", nil
}
func (stubChain) ProcessMatchPayout(context.Context, int64) (string, error) { return "", nil }
func (stubChain) PlayerProfileExists(context.Context, string) (bool, error) { return true, nil }
func (stubChain) VerifyDeposit(context.Context, string, string) (*chain.DepositInfo, error) {
	return nil, nil
}
func (stubChain) TransferUSDC(context.Context, string, decimal.Decimal) (string, error) {
	return "", nil
}
func (stubChain) Healthy(context.Context) bool { return true }

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Env: "development"},
		JWT: config.JWTConfig{
			Secret:     testSecret,
			SessionTTL: time.Hour,
		},
		Price: config.PriceConfig{
			FetchTimeout:  time.Second,
			MaxAge:        10 * time.Second,
			BinanceWeight: 50,
			BybitWeight:   30,
			OKXWeight:     20,
		},
	}
}

// buildTestRouter wires the router with nil repositories. Routes under test
// never reach the database; everything else is covered by service tests.
func buildTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := testCfg()

	return SetupRouter(RouterDeps{
		AuthSvc:     service.NewAuthService(nil, nil, cfg),
		PriceSvc:    service.NewPriceService(cfg),
		ChainClient: stubChain{},
		Cfg:         cfg,
	})
}

func do(t *testing.T, r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// mintToken signs a session token directly, the same shape the auth service
// issues.
func mintToken(t *testing.T, address string, admin bool) string {
	t.Helper()
	now := time.Now().UTC()
	claims := service.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Admin: admin,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	r := buildTestRouter()

	w := do(t, r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", w.Code)
	}

	var body struct {
		Status     string `json:"status"`
		PriceStale bool   `json:"price_stale"`
		Chain      bool   `json:"chain"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if !body.PriceStale {
		t.Error("oracle never refreshed, price_stale should be true")
	}
	if !body.Chain {
		t.Error("stub chain is healthy, chain should be true")
	}
}

func TestPricesUnavailableBeforeFirstRefresh(t *testing.T) {
	r := buildTestRouter()

	w := do(t, r, http.MethodGet, "/api/prices", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/prices = %d, want 503 while warming up", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ERR_NO_PRICES") {
		t.Errorf("body missing ERR_NO_PRICES code: %s", w.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	r := buildTestRouter()

	if w := do(t, r, http.MethodGet, "/api/nope", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", w.Code)
	}
}

func TestNonceValidation(t *testing.T) {
	r := buildTestRouter()

	if w := do(t, r, http.MethodPost, "/api/auth/nonce", "", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty nonce body = %d, want 400", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/auth/nonce", "", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed nonce body = %d, want 400", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	r := buildTestRouter()

	if w := do(t, r, http.MethodGet, "/api/me", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/me", "garbage.token.here", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", w.Code)
	}

	// A token signed with the wrong secret must be rejected too.
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "wallet",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, r, http.MethodGet, "/api/me", wrong, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong-secret token = %d, want 401", w.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	r := buildTestRouter()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "wallet",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, r, http.MethodGet, "/api/me", expired, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expired token = %d, want 401", w.Code)
	}
}

func TestAdminForbiddenForRegularUser(t *testing.T) {
	r := buildTestRouter()

	token := mintToken(t, "regular-wallet", false)
	if w := do(t, r, http.MethodGet, "/api/admin/stats", token, ""); w.Code != http.StatusForbidden {
		t.Errorf("non-admin on /api/admin/stats = %d, want 403", w.Code)
	}
	path := "/api/admin/matches/7b0ad4b1-df04-4c21-8a77-405a5e6a5862/retry-settlement"
	if w := do(t, r, http.MethodPost, path, token, ""); w.Code != http.StatusForbidden {
		t.Errorf("non-admin on per-match settlement retry = %d, want 403", w.Code)
	}
}

func TestRPCProxyAllowlist(t *testing.T) {
	r := buildTestRouter()

	w := do(t, r, http.MethodPost, "/api/rpc", "", `{"jsonrpc":"2.0","id":1,"method":"sendTransaction"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("write method through proxy = %d, want 403", w.Code)
	}

	// Allowed method with no endpoints configured exhausts the list.
	w = do(t, r, http.MethodPost, "/api/rpc", "", `{"jsonrpc":"2.0","id":1,"method":"getHealth"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("allowed method with no endpoints = %d, want 502", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := buildTestRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/prices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("dev Allow-Origin = %q, want *", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Allow-Methods header missing")
	}
}
