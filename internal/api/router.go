package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tradeduel/arena/internal/api/handler"
	"github.com/tradeduel/arena/internal/api/middleware"
	"github.com/tradeduel/arena/internal/chain"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/repository"
	"github.com/tradeduel/arena/internal/service"
	"github.com/tradeduel/arena/internal/ws"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	AuthSvc      *service.AuthService
	MatchSvc     *service.MatchService
	Matchmaking  *service.MatchmakingService
	ChallengeSvc *service.ChallengeService
	LedgerSvc    *service.LedgerService
	PriceSvc     *service.PriceService
	UserRepo     *repository.UserRepository
	BalanceRepo  *repository.BalanceRepository
	MatchRepo    *repository.MatchRepository
	ChainClient  chain.Client
	Hub          *ws.Hub
	Cfg          *config.Config
}

// SetupRouter creates and configures the main Gin engine with all routes,
// middleware, CORS, and rate limiting rules.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── CORS ─────────────────────────────────────────────────────────────────
	r.Use(corsMiddleware(deps.Cfg))

	// ── Handlers ─────────────────────────────────────────────────────────────
	authH := handler.NewAuthHandler(deps.AuthSvc)
	userH := handler.NewUserHandler(deps.UserRepo)
	walletH := handler.NewWalletHandler(deps.LedgerSvc, deps.Cfg)
	matchH := handler.NewMatchHandler(deps.MatchSvc, deps.Matchmaking, deps.ChallengeSvc)
	priceH := handler.NewPriceHandler(deps.PriceSvc, deps.ChainClient, deps.Cfg)
	adminH := handler.NewAdminHandler(deps.LedgerSvc, deps.MatchSvc, deps.BalanceRepo, deps.MatchRepo, deps.ChainClient)
	rpcH := handler.NewRPCHandler(deps.Cfg)

	// ── Health check ─────────────────────────────────────────────────────────
	r.GET("/health", priceH.Health)

	// ── JWT middleware (shared) ───────────────────────────────────────────────
	jwtMW := middleware.JWTMiddleware(deps.AuthSvc)

	// ── Rate limiters ─────────────────────────────────────────────────────────
	authRL := middleware.RateLimitMiddleware(10)   // auth endpoints, per IP
	walletRL := middleware.RateLimitMiddleware(10) // deposit/withdraw, per IP
	rpcRL := middleware.RateLimitMiddleware(1)     // rpc proxy, per IP

	api := r.Group("/api")
	{
		// ── Auth (public, strict rate limit) ─────────────────────────────────
		auth := api.Group("/auth")
		auth.Use(authRL)
		{
			auth.POST("/nonce", authH.Nonce)
			auth.POST("/verify", authH.Verify)
		}

		// ── Public reads ─────────────────────────────────────────────────────
		api.GET("/prices", priceH.Snapshot)
		api.GET("/klines", priceH.Klines)
		api.GET("/vault", walletH.VaultInfo)
		api.GET("/leaderboard", userH.Leaderboard)
		api.GET("/users/:address", userH.GetByAddress)
		api.GET("/users/:address/active", matchH.ActiveFor)
		api.GET("/queues", matchH.QueueStats)
		api.GET("/matches/:id", matchH.GetByID)
		api.GET("/matches/:id/state", matchH.GetState)
		api.GET("/matches/:id/claim", matchH.ClaimInfo)

		// ── RPC proxy (read-only allowlist) ──────────────────────────────────
		api.POST("/rpc", rpcRL, rpcH.Proxy)

		// ── Authenticated routes ──────────────────────────────────────────────
		authed := api.Group("")
		authed.Use(jwtMW)
		{
			// Profile
			authed.GET("/me", userH.Me)
			authed.PATCH("/me/tag", userH.UpdateTag)

			// Wallet
			wallet := authed.Group("/wallet")
			{
				wallet.GET("/balance", walletH.GetBalance)
				wallet.GET("/events", walletH.GetEvents)
				wallet.POST("/deposit", walletRL, walletH.ConfirmDeposit)
				wallet.POST("/withdraw", walletRL, walletH.Withdraw)
			}

			// Matchmaking
			queues := authed.Group("/queues")
			{
				queues.GET("/mine", matchH.MyQueues)
				queues.POST("/join", matchH.JoinQueue)
				queues.POST("/leave", matchH.LeaveQueue)
				queues.POST("/leave-all", matchH.LeaveAllQueues)
			}

			// Matches
			authed.GET("/matches/history", matchH.History)
			authed.GET("/matches/active", matchH.Active)

			// Challenges
			challenges := authed.Group("/challenges")
			{
				challenges.GET("", matchH.MyChallenges)
				challenges.POST("", matchH.CreateChallenge)
				challenges.POST("/:id/accept", matchH.AcceptChallenge)
				challenges.POST("/:id/decline", matchH.DeclineChallenge)
			}

			// Admin
			admin := authed.Group("/admin")
			admin.Use(middleware.AdminMiddleware())
			{
				admin.GET("/stats", adminH.Stats)
				admin.POST("/balances/:address/frozen", adminH.SetFrozen)
				admin.POST("/settlements/retry", adminH.RetrySettlements)
				admin.POST("/matches/:id/retry-settlement", adminH.RetryMatchSettlement)
				admin.POST("/rake/withdraw", adminH.WithdrawRake)
			}
		}
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	if deps.Hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			deps.Hub.ServeWs(c.Writer, c.Request)
		})
	}

	return r
}

// ── CORS helper ───────────────────────────────────────────────────────────────

// corsMiddleware returns a gin middleware that sets appropriate CORS headers.
// In development all origins are allowed; in production only the arena
// frontends.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if !cfg.IsProd() {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := map[string]bool{
				"https://tradeduel.gg":     true,
				"https://www.tradeduel.gg": true,
			}
			if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
