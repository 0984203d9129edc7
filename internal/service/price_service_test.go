package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
)

// fakeExchanges spins up one httptest server per exchange, answering the
// ticker endpoints with fixed prices keyed by symbol.
func fakeExchanges(t *testing.T, btc, eth, sol string) (binance, bybit, okx *httptest.Server) {
	t.Helper()

	priceFor := func(symbol string) string {
		switch {
		case strings.HasPrefix(symbol, "BTC"):
			return btc
		case strings.HasPrefix(symbol, "ETH"):
			return eth
		default:
			return sol
		}
	}

	binance = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := priceFor(r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"X","price":"` + p + `"}`))
	}))
	bybit = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := priceFor(r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"result":{"list":[{"lastPrice":"` + p + `"}]}}`))
	}))
	okx = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := priceFor(r.URL.Query().Get("instId"))
		w.Write([]byte(`{"data":[{"last":"` + p + `"}]}`))
	}))

	t.Cleanup(func() {
		binance.Close()
		bybit.Close()
		okx.Close()
	})
	return binance, bybit, okx
}

func priceTestCfg(binanceURL, bybitURL, okxURL string) *config.Config {
	return &config.Config{
		Price: config.PriceConfig{
			BinanceURL:    binanceURL,
			BybitURL:      bybitURL,
			OKXURL:        okxURL,
			FetchTimeout:  2 * time.Second,
			MaxAge:        10 * time.Second,
			BinanceWeight: 50,
			BybitWeight:   30,
			OKXWeight:     20,
		},
	}
}

func TestRefreshAllExchangesAgree(t *testing.T) {
	binance, bybit, okx := fakeExchanges(t, "50000", "3000", "150")
	ps := NewPriceService(priceTestCfg(binance.URL, bybit.URL, okx.URL))

	if ps.Snapshot() != nil {
		t.Fatal("snapshot should be nil before the first refresh")
	}

	if err := ps.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := ps.Snapshot()
	if snap == nil {
		t.Fatal("snapshot should exist after refresh")
	}
	if !snap.BTC.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("BTC = %s, want 50000", snap.BTC)
	}
	if !snap.ETH.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("ETH = %s, want 3000", snap.ETH)
	}
	if !snap.SOL.Equal(decimal.NewFromInt(150)) {
		t.Errorf("SOL = %s, want 150", snap.SOL)
	}
}

func TestWeightedPriceMixedSources(t *testing.T) {
	// Binance 50000 (w50), Bybit 50200 (w30), OKX down → renormalised:
	// (50000×50 + 50200×30) / 80 = 50075
	binanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":"50000"}`))
	}))
	defer binanceSrv.Close()
	bybitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"list":[{"lastPrice":"50200"}]}}`))
	}))
	defer bybitSrv.Close()
	okxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer okxSrv.Close()

	ps := NewPriceService(priceTestCfg(binanceSrv.URL, bybitSrv.URL, okxSrv.URL))

	price, err := ps.weightedPrice(context.Background(), domain.AssetBTC)
	if err != nil {
		t.Fatalf("weightedPrice: %v", err)
	}
	if want := decimal.NewFromInt(50075); !price.Equal(want) {
		t.Errorf("weighted price = %s, want %s", price, want)
	}
}

func TestWeightedPriceAllSourcesDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	ps := NewPriceService(priceTestCfg(down.URL, down.URL, down.URL))

	if _, err := ps.weightedPrice(context.Background(), domain.AssetBTC); err == nil {
		t.Error("expected an error when every exchange is down")
	}
}

func TestFreshSnapshotStaleness(t *testing.T) {
	binance, bybit, okx := fakeExchanges(t, "50000", "3000", "150")
	ps := NewPriceService(priceTestCfg(binance.URL, bybit.URL, okx.URL))

	if _, err := ps.FreshSnapshot(); err != domain.ErrPriceStale {
		t.Errorf("nil snapshot should be stale, got %v", err)
	}

	if err := ps.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := ps.FreshSnapshot(); err != nil {
		t.Errorf("fresh snapshot rejected: %v", err)
	}

	// Age the snapshot past the bound.
	old := *ps.Snapshot()
	old.Timestamp = time.Now().Add(-time.Minute)
	ps.snapshot.Store(&old)

	if _, err := ps.FreshSnapshot(); err != domain.ErrPriceStale {
		t.Errorf("aged snapshot should be stale, got %v", err)
	}
}

func TestRefreshSnapshotNeverRegresses(t *testing.T) {
	binance, bybit, okx := fakeExchanges(t, "50000", "3000", "150")
	ps := NewPriceService(priceTestCfg(binance.URL, bybit.URL, okx.URL))

	if err := ps.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	prev := ps.Snapshot()
	if prev.ETH.IsZero() {
		t.Fatal("ETH should have a price after refresh")
	}

	if err := ps.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	next := ps.Snapshot()
	if next.Timestamp.Before(prev.Timestamp) {
		t.Error("snapshot timestamp went backwards")
	}
	if next.ETH.IsZero() {
		t.Error("ETH price lost between refreshes")
	}
}

func TestExchangeStatus(t *testing.T) {
	binance, bybit, okx := fakeExchanges(t, "50000", "3000", "150")
	ps := NewPriceService(priceTestCfg(binance.URL, bybit.URL, okx.URL))

	status := ps.ExchangeStatus()
	for name, up := range status {
		if up {
			t.Errorf("%s should report down before any fetch", name)
		}
	}

	if err := ps.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	status = ps.ExchangeStatus()
	for _, name := range []string{"binance", "bybit", "okx"} {
		if !status[name] {
			t.Errorf("%s should report up after a successful fetch", name)
		}
	}
}
