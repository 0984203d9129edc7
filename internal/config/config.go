// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
	// AdminAddresses is the comma-separated wallet allowlist for /admin routes.
	// Empty means no admin access at all.
	AdminAddresses []string
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	Secret     string        // must be set
	SessionTTL time.Duration // default 24h
}

// PriceConfig holds exchange API settings for the price oracle.
type PriceConfig struct {
	BinanceURL      string        // default "https://api.binance.com"
	BybitURL        string        // default "https://api.bybit.com"
	OKXURL          string        // default "https://www.okx.com"
	FetchTimeout    time.Duration // default 2s
	RefreshInterval time.Duration // default 1s
	MaxAge          time.Duration // trades reject snapshots older than this, default 10s
	// Weight percentages (must sum to 100)
	BinanceWeight int // default 50
	BybitWeight   int // default 30
	OKXWeight     int // default 20
}

// MatchConfig holds gameplay settings.
type MatchConfig struct {
	RakeRate          float64       // winner payout rake, e.g. 0.05 = 5%
	ForfeitGrace      time.Duration // disconnect grace before forfeit, default 60s
	DepositTimeout    time.Duration // on-chain deposit window before cancel, default 5m
	BroadcastInterval time.Duration // price_update cadence, default 2s
	AutoCloseInterval time.Duration // SL/TP/liquidation sweep cadence, default 750ms
	SettleRetryEvery  time.Duration // settlement retry loop cadence, default 30s
	MaxSettleRetries  int           // give up and flag for manual review, default 10
	ActiveStale       time.Duration // active match reads go stale this long past end_time, default 10m
	DepositStale      time.Duration // awaiting reads go stale this long past deposit_deadline, default 15m
}

// WSConfig holds websocket session settings.
type WSConfig struct {
	AuthTimeout     time.Duration // close 4001 if no auth frame within, default 5s
	PingInterval    time.Duration // default 30s
	PongTimeout     time.Duration // default 35s
	WriteTimeout    time.Duration // default 10s
	MaxMessageBytes int64         // default 4096
	MaxConnsPerUser int           // default 5
	RateLimit       int           // commands per window, default 20
	RateWindow      time.Duration // default 10s
}

// ChainConfig holds on-chain escrow settings.
type ChainConfig struct {
	// RPCEndpoints is an ordered fallback list; the first healthy endpoint wins.
	RPCEndpoints []string
	RPCTimeout   time.Duration // per-call timeout, default 8s
	ProgramID    string        // escrow program address
	VaultAddress string        // platform USDC vault
	USDCMint     string        // USDC mint address
	OperatorKey  string        // base58 secret key used to sign admin txs
	MinWithdraw  float64       // minimum withdrawal amount (USDC), default 1
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	JWT    JWTConfig
	Price  PriceConfig
	Match  MatchConfig
	WS     WSConfig
	Chain  ChainConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// IsAdmin reports whether the wallet address is on the admin allowlist.
func (c *Config) IsAdmin(address string) bool {
	for _, a := range c.Server.AdminAddresses {
		if a == address {
			return true
		}
	}
	return false
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	// JWT secret is mandatory
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}

	// In production, DB DSN must be explicit
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	// Price weights must sum to 100
	total := c.Price.BinanceWeight + c.Price.BybitWeight + c.Price.OKXWeight
	if total != 100 {
		errs = append(errs, fmt.Errorf(
			"price weights must sum to 100, got %d (Binance=%d Bybit=%d OKX=%d)",
			total, c.Price.BinanceWeight, c.Price.BybitWeight, c.Price.OKXWeight,
		))
	}

	// Rake sanity check
	if c.Match.RakeRate < 0 || c.Match.RakeRate >= 1 {
		errs = append(errs, fmt.Errorf(
			"RAKE_RATE must be in [0, 1), got %.4f", c.Match.RakeRate,
		))
	}

	// Pong must outlast ping or every connection dies on schedule
	if c.WS.PongTimeout <= c.WS.PingInterval {
		errs = append(errs, fmt.Errorf(
			"WS_PONG_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)",
			c.WS.PongTimeout, c.WS.PingInterval,
		))
	}

	if len(c.Chain.RPCEndpoints) == 0 {
		errs = append(errs, errors.New("CHAIN_RPC_ENDPOINTS must list at least one endpoint"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		AdminAddresses: getList("ADMIN_ADDRESSES"),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "tradeduel_arena"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		Secret:     getEnv("JWT_SECRET", ""),
		SessionTTL: getDuration("JWT_SESSION_TTL", 24*time.Hour),
	}

	// ── Price ─────────────────────────────────────────────────────────────────
	binW, err := getInt("PRICE_BINANCE_WEIGHT", 50)
	if err != nil {
		return nil, fmt.Errorf("PRICE_BINANCE_WEIGHT: %w", err)
	}
	byW, err := getInt("PRICE_BYBIT_WEIGHT", 30)
	if err != nil {
		return nil, fmt.Errorf("PRICE_BYBIT_WEIGHT: %w", err)
	}
	okxW, err := getInt("PRICE_OKX_WEIGHT", 20)
	if err != nil {
		return nil, fmt.Errorf("PRICE_OKX_WEIGHT: %w", err)
	}

	cfg.Price = PriceConfig{
		BinanceURL:      getEnv("PRICE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:        getEnv("PRICE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:          getEnv("PRICE_OKX_URL", "https://www.okx.com"),
		FetchTimeout:    getDuration("PRICE_FETCH_TIMEOUT", 2*time.Second),
		RefreshInterval: getDuration("PRICE_REFRESH_INTERVAL", 1*time.Second),
		MaxAge:          getDuration("PRICE_MAX_AGE", 10*time.Second),
		BinanceWeight:   binW,
		BybitWeight:     byW,
		OKXWeight:       okxW,
	}

	// ── Match ─────────────────────────────────────────────────────────────────
	rake, err := getFloat("RAKE_RATE", 0.05)
	if err != nil {
		return nil, fmt.Errorf("RAKE_RATE: %w", err)
	}
	maxRetries, err := getInt("SETTLE_MAX_RETRIES", 10)
	if err != nil {
		return nil, fmt.Errorf("SETTLE_MAX_RETRIES: %w", err)
	}

	cfg.Match = MatchConfig{
		RakeRate:          rake,
		ForfeitGrace:      getDuration("FORFEIT_GRACE", 60*time.Second),
		DepositTimeout:    getDuration("DEPOSIT_TIMEOUT", 5*time.Minute),
		BroadcastInterval: getDuration("MATCH_BROADCAST_INTERVAL", 2*time.Second),
		AutoCloseInterval: getDuration("MATCH_AUTOCLOSE_INTERVAL", 750*time.Millisecond),
		SettleRetryEvery:  getDuration("SETTLE_RETRY_EVERY", 30*time.Second),
		MaxSettleRetries:  maxRetries,
		ActiveStale:       getDuration("MATCH_ACTIVE_STALE", 10*time.Minute),
		DepositStale:      getDuration("MATCH_DEPOSIT_STALE", 15*time.Minute),
	}

	// ── WebSocket ─────────────────────────────────────────────────────────────
	maxMsg, err := getInt("WS_MAX_MESSAGE_BYTES", 4096)
	if err != nil {
		return nil, fmt.Errorf("WS_MAX_MESSAGE_BYTES: %w", err)
	}
	maxConns, err := getInt("WS_MAX_CONNS_PER_USER", 5)
	if err != nil {
		return nil, fmt.Errorf("WS_MAX_CONNS_PER_USER: %w", err)
	}
	rateLimit, err := getInt("WS_RATE_LIMIT", 20)
	if err != nil {
		return nil, fmt.Errorf("WS_RATE_LIMIT: %w", err)
	}

	cfg.WS = WSConfig{
		AuthTimeout:     getDuration("WS_AUTH_TIMEOUT", 5*time.Second),
		PingInterval:    getDuration("WS_PING_INTERVAL", 30*time.Second),
		PongTimeout:     getDuration("WS_PONG_TIMEOUT", 35*time.Second),
		WriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		MaxMessageBytes: int64(maxMsg),
		MaxConnsPerUser: maxConns,
		RateLimit:       rateLimit,
		RateWindow:      getDuration("WS_RATE_WINDOW", 10*time.Second),
	}

	// ── Chain ─────────────────────────────────────────────────────────────────
	endpoints := getList("CHAIN_RPC_ENDPOINTS")
	if len(endpoints) == 0 {
		endpoints = []string{"https://api.mainnet-beta.solana.com"}
	}
	minWithdraw, err := getFloat("CHAIN_MIN_WITHDRAW", 1)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_MIN_WITHDRAW: %w", err)
	}

	cfg.Chain = ChainConfig{
		RPCEndpoints: endpoints,
		RPCTimeout:   getDuration("CHAIN_RPC_TIMEOUT", 8*time.Second),
		ProgramID:    getEnv("CHAIN_PROGRAM_ID", ""),
		VaultAddress: getEnv("CHAIN_VAULT_ADDRESS", ""),
		USDCMint:     getEnv("CHAIN_USDC_MINT", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		OperatorKey:  getEnv("CHAIN_OPERATOR_KEY", ""),
		MinWithdraw:  minWithdraw,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getList parses a comma-separated env var into a slice, trimming whitespace
// and dropping empty entries.
func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Log warning and fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}
