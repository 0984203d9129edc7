package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────────────────────────────────────
// Exchange constants
// ──────────────────────────────────────────────────────────────────────────────

const (
	exchangeBinance = "binance"
	exchangeBybit   = "bybit"
	exchangeOKX     = "okx"
)

// assetPairs maps our asset symbols to the exchange ticker spellings.
var assetPairs = map[domain.AssetSymbol]struct {
	binance string // BTCUSDT
	bybit   string // BTCUSDT
	okx     string // BTC-USDT
}{
	domain.AssetBTC: {"BTCUSDT", "BTCUSDT", "BTC-USDT"},
	domain.AssetETH: {"ETHUSDT", "ETHUSDT", "ETH-USDT"},
	domain.AssetSOL: {"SOLUSDT", "SOLUSDT", "SOL-USDT"},
}

// exchangeDef describes a single price-feed source.
type exchangeDef struct {
	name   string
	weight decimal.Decimal // 0–100
	fetch  func(ctx context.Context, asset domain.AssetSymbol) (decimal.Decimal, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// PriceService
// ──────────────────────────────────────────────────────────────────────────────

// PriceService fetches BTC/ETH/SOL prices from multiple exchanges in parallel,
// computes weighted averages, and publishes the result as an immutable
// snapshot swapped atomically. Readers on the hot path (auto-close, opens,
// broadcasts) take the pointer without locking; a tick that fails for an
// asset keeps the previous snapshot's price so snapshots never go backwards
// to zero.
type PriceService struct {
	client    *http.Client
	cfg       *config.PriceConfig
	exchanges []exchangeDef

	snapshot atomic.Pointer[domain.PriceSnapshot]

	// per-exchange last-success timestamp (for the health endpoint)
	statusMu    sync.RWMutex
	lastSuccess map[string]time.Time
}

// NewPriceService constructs a PriceService from the given config.
func NewPriceService(cfg *config.Config) *PriceService {
	ps := &PriceService{
		client: &http.Client{Timeout: cfg.Price.FetchTimeout},
		cfg:    &cfg.Price,
		lastSuccess: map[string]time.Time{
			exchangeBinance: {},
			exchangeBybit:   {},
			exchangeOKX:     {},
		},
	}

	ps.exchanges = []exchangeDef{
		{
			name:   exchangeBinance,
			weight: decimal.NewFromInt(int64(cfg.Price.BinanceWeight)),
			fetch:  ps.fetchBinance,
		},
		{
			name:   exchangeBybit,
			weight: decimal.NewFromInt(int64(cfg.Price.BybitWeight)),
			fetch:  ps.fetchBybit,
		},
		{
			name:   exchangeOKX,
			weight: decimal.NewFromInt(int64(cfg.Price.OKXWeight)),
			fetch:  ps.fetchOKX,
		},
	}

	return ps
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// Snapshot returns the current price snapshot, or nil before the first
// successful refresh. Callers must treat the snapshot as immutable.
func (ps *PriceService) Snapshot() *domain.PriceSnapshot {
	return ps.snapshot.Load()
}

// FreshSnapshot returns the current snapshot only when it is younger than
// the configured max age. Trade opens and manual closes go through this.
func (ps *PriceService) FreshSnapshot() (*domain.PriceSnapshot, error) {
	snap := ps.snapshot.Load()
	if snap == nil || snap.IsStale(ps.cfg.MaxAge) {
		return nil, domain.ErrPriceStale
	}
	return snap, nil
}

// Refresh fetches all assets from all exchanges in parallel and swaps in a
// new snapshot. An asset whose every exchange failed keeps its previous
// price; the snapshot timestamp still advances only when at least one asset
// resolved.
func (ps *PriceService) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, ps.client.Timeout)
	defer cancel()

	assets := []domain.AssetSymbol{domain.AssetBTC, domain.AssetETH, domain.AssetSOL}

	var mu sync.Mutex
	prices := make(map[domain.AssetSymbol]decimal.Decimal, len(assets))

	g, gctx := errgroup.WithContext(fetchCtx)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			price, err := ps.weightedPrice(gctx, asset)
			if err != nil {
				// Per-asset failure is tolerated; see below
				slog.Warn("price fetch failed", "asset", asset, "error", err)
				return nil
			}
			mu.Lock()
			prices[asset] = price
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("price_service.Refresh: %w", err)
	}

	if len(prices) == 0 {
		return fmt.Errorf("price_service.Refresh: all assets failed")
	}

	prev := ps.snapshot.Load()
	next := &domain.PriceSnapshot{Timestamp: time.Now()}
	if prev != nil {
		next.BTC, next.ETH, next.SOL = prev.BTC, prev.ETH, prev.SOL
	}
	if p, ok := prices[domain.AssetBTC]; ok {
		next.BTC = p
	}
	if p, ok := prices[domain.AssetETH]; ok {
		next.ETH = p
	}
	if p, ok := prices[domain.AssetSOL]; ok {
		next.SOL = p
	}
	ps.snapshot.Store(next)
	return nil
}

// weightedPrice fetches one asset from all exchanges concurrently and
// re-normalises the weights over the sources that answered.
func (ps *PriceService) weightedPrice(ctx context.Context, asset domain.AssetSymbol) (decimal.Decimal, error) {
	type result struct {
		name   string
		weight decimal.Decimal
		price  decimal.Decimal
		err    error
	}

	resultCh := make(chan result, len(ps.exchanges))
	for _, ex := range ps.exchanges {
		ex := ex
		go func() {
			p, err := ex.fetch(ctx, asset)
			resultCh <- result{name: ex.name, weight: ex.weight, price: p, err: err}
		}()
	}

	var sumWeighted, sumWeights decimal.Decimal
	now := time.Now()
	for range ps.exchanges {
		r := <-resultCh
		if r.err != nil || r.price.IsZero() {
			continue
		}
		sumWeighted = sumWeighted.Add(r.price.Mul(r.weight))
		sumWeights = sumWeights.Add(r.weight)

		ps.statusMu.Lock()
		ps.lastSuccess[r.name] = now
		ps.statusMu.Unlock()
	}

	if sumWeights.IsZero() {
		return decimal.Zero, fmt.Errorf("all exchange fetches failed for %s", asset)
	}
	return sumWeighted.Div(sumWeights), nil
}

// ExchangeStatus returns a map of exchange name → whether it was reachable in
// the last 5 seconds. Used by the health endpoint.
func (ps *PriceService) ExchangeStatus() map[string]bool {
	threshold := 5 * time.Second
	ps.statusMu.RLock()
	defer ps.statusMu.RUnlock()

	status := make(map[string]bool, len(ps.lastSuccess))
	for name, t := range ps.lastSuccess {
		status[name] = !t.IsZero() && time.Since(t) < threshold
	}
	return status
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// fetchBinance fetches a spot price from Binance REST API.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (ps *PriceService) fetchBinance(ctx context.Context, asset domain.AssetSymbol) (decimal.Decimal, error) {
	url := ps.cfg.BinanceURL + "/api/v3/ticker/price?symbol=" + assetPairs[asset].binance
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance parse: %w", err)
	}
	if resp.Price == "" {
		return decimal.Zero, fmt.Errorf("binance: empty price field")
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance decimal: %w", err)
	}
	return price, nil
}

// fetchBybit fetches a spot price from Bybit REST API.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (ps *PriceService) fetchBybit(ctx context.Context, asset domain.AssetSymbol) (decimal.Decimal, error) {
	url := ps.cfg.BybitURL + "/v5/market/tickers?category=spot&symbol=" + assetPairs[asset].bybit
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}

	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit parse: %w", err)
	}
	if len(resp.Result.List) == 0 || resp.Result.List[0].LastPrice == "" {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	price, err := decimal.NewFromString(resp.Result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit decimal: %w", err)
	}
	return price, nil
}

// fetchOKX fetches a spot price from OKX REST API.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (ps *PriceService) fetchOKX(ctx context.Context, asset domain.AssetSymbol) (decimal.Decimal, error) {
	url := ps.cfg.OKXURL + "/api/v5/market/ticker?instId=" + assetPairs[asset].okx
	body, err := ps.doGet(ctx, url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}

	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx parse: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Last == "" {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	price, err := decimal.NewFromString(resp.Data[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx decimal: %w", err)
	}
	return price, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

// doGet performs an HTTP GET with the service's client and returns the body
// bytes, or an error for any non-200 status code.
func (ps *PriceService) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "tradeduel-arena/1.0")

	resp, err := ps.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
