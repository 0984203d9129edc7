package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
)

// testKey returns a deterministic 32-byte pseudo public key.
func testKey(fill byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = fill
	}
	return k
}

// buildGameAccount assembles raw account bytes in the program's layout.
func buildGameAccount(gameID uint64, p1, p2 []byte, betBaseUnits uint64, dep1, dep2, settled bool, winnerTag byte, winnerKey []byte) []byte {
	raw := make([]byte, 0, gameAccountLayout)
	raw = append(raw, make([]byte, 8)...) // discriminator
	raw = binary.LittleEndian.AppendUint64(raw, gameID)
	raw = append(raw, p1...)
	raw = append(raw, p2...)
	raw = binary.LittleEndian.AppendUint64(raw, betBaseUnits)
	boolByte := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}
	raw = append(raw, boolByte(dep1), boolByte(dep2), boolByte(settled), winnerTag)
	if winnerKey != nil {
		raw = append(raw, winnerKey...)
	} else {
		raw = append(raw, make([]byte, 32)...)
	}
	return raw
}

func TestDecodeGameAccountUnsettled(t *testing.T) {
	p1, p2 := testKey(0xAA), testKey(0xBB)
	raw := buildGameAccount(42, p1, p2, 10_000_000, true, false, false, 0, nil)

	ga, err := decodeGameAccount(raw)
	if err != nil {
		t.Fatalf("decodeGameAccount: %v", err)
	}
	if ga.GameID != 42 {
		t.Errorf("GameID = %d, want 42", ga.GameID)
	}
	if ga.Player1 != base58.Encode(p1) || ga.Player2 != base58.Encode(p2) {
		t.Error("player addresses did not round-trip through base58")
	}
	if want := decimal.NewFromInt(10); !ga.BetAmount.Equal(want) {
		t.Errorf("BetAmount = %s, want 10 (10_000_000 base units)", ga.BetAmount)
	}
	if !ga.Deposited1 || ga.Deposited2 {
		t.Error("deposit flags decoded wrong")
	}
	if ga.Settled {
		t.Error("unsettled game decoded as settled")
	}
	if ga.Winner != "" {
		t.Errorf("Winner = %q, want empty for tag 0", ga.Winner)
	}
}

func TestDecodeGameAccountWinner(t *testing.T) {
	winner := testKey(0xCC)
	raw := buildGameAccount(7, testKey(1), testKey(2), 50_000_000, true, true, true, 1, winner)

	ga, err := decodeGameAccount(raw)
	if err != nil {
		t.Fatalf("decodeGameAccount: %v", err)
	}
	if !ga.Settled {
		t.Error("settled flag lost")
	}
	if ga.Winner != base58.Encode(winner) {
		t.Errorf("Winner = %q, want winner key", ga.Winner)
	}
	if want := decimal.NewFromInt(50); !ga.BetAmount.Equal(want) {
		t.Errorf("BetAmount = %s, want 50", ga.BetAmount)
	}
}

func TestDecodeGameAccountTie(t *testing.T) {
	raw := buildGameAccount(7, testKey(1), testKey(2), 1_000_000, true, true, true, 2, nil)

	ga, err := decodeGameAccount(raw)
	if err != nil {
		t.Fatalf("decodeGameAccount: %v", err)
	}
	if ga.Winner != "tie" {
		t.Errorf("Winner = %q, want tie", ga.Winner)
	}
}

func TestDecodeGameAccountShortBuffer(t *testing.T) {
	if _, err := decodeGameAccount(make([]byte, gameAccountLayout-1)); err == nil {
		t.Error("expected an error for truncated account data")
	}
	if _, err := decodeGameAccount(nil); err == nil {
		t.Error("expected an error for empty account data")
	}
}

func TestTokenDelta(t *testing.T) {
	const vault = "VaultOwner"
	const sender = "SenderOwner"
	const mint = "UsdcMint"

	bal := func(owner, mint, amount string) tokenBalance {
		var b tokenBalance
		b.Owner = owner
		b.Mint = mint
		b.UITokenAmount.Amount = amount
		return b
	}

	pre := []tokenBalance{
		bal(vault, mint, "100000000"),  // 100 USDC
		bal(sender, mint, "25000000"),  // 25 USDC
		bal(sender, "other", "999999"), // wrong mint, ignored
	}
	post := []tokenBalance{
		bal(vault, mint, "110000000"), // +10 USDC
		bal(sender, mint, "15000000"), // −10 USDC
	}

	if got := tokenDelta(pre, post, vault, mint); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("vault delta = %s, want 10", got)
	}
	if got := tokenDelta(pre, post, sender, mint); !got.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("sender delta = %s, want -10", got)
	}
	if got := tokenDelta(pre, post, "nobody", mint); !got.IsZero() {
		t.Errorf("unknown owner delta = %s, want 0", got)
	}
	if got := tokenDelta(pre, post, sender, "other"); !got.Equal(decimal.RequireFromString("-0.999999")) {
		t.Errorf("wrong-mint delta = %s, want -0.999999", got)
	}
}

func TestCompactU16(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, tt := range tests {
		if got := compactU16(tt.n); !bytes.Equal(got, tt.want) {
			t.Errorf("compactU16(%d) = %x, want %x", tt.n, got, tt.want)
		}
	}
}

func TestAnchorDiscriminator(t *testing.T) {
	d := anchorDiscriminator("end_game")
	if len(d) != 8 {
		t.Fatalf("discriminator length = %d, want 8", len(d))
	}
	if !bytes.Equal(d, anchorDiscriminator("end_game")) {
		t.Error("discriminator should be deterministic")
	}
	if bytes.Equal(d, anchorDiscriminator("process_match_payout")) {
		t.Error("distinct methods should have distinct discriminators")
	}
}

func TestEndGameDataWinner(t *testing.T) {
	winner := testKey(0xDD)
	data, err := endGameData(base58.Encode(winner), 250, -250, false)
	if err != nil {
		t.Fatalf("endGameData: %v", err)
	}
	if want := 8 + 1 + 32 + 8 + 8 + 1; len(data) != want {
		t.Fatalf("data length = %d, want %d", len(data), want)
	}
	if !bytes.Equal(data[:8], anchorDiscriminator("end_game")) {
		t.Error("instruction discriminator mismatch")
	}
	if data[8] != 1 {
		t.Errorf("winner tag = %d, want 1", data[8])
	}
	if !bytes.Equal(data[9:41], winner) {
		t.Error("winner key not embedded")
	}
	if got := int64(binary.LittleEndian.Uint64(data[41:49])); got != 250 {
		t.Errorf("p1 pnl bps = %d, want 250", got)
	}
	if got := int64(binary.LittleEndian.Uint64(data[49:57])); got != -250 {
		t.Errorf("p2 pnl bps = %d, want -250", got)
	}
	if data[57] != 0 {
		t.Errorf("forfeit byte = %d, want 0", data[57])
	}
}

func TestEndGameDataTieAndForfeit(t *testing.T) {
	data, err := endGameData("tie", 0, 0, false)
	if err != nil {
		t.Fatalf("endGameData: %v", err)
	}
	if want := 8 + 1 + 8 + 8 + 1; len(data) != want {
		t.Fatalf("tie data length = %d, want %d", len(data), want)
	}
	if data[8] != 2 {
		t.Errorf("tie tag = %d, want 2", data[8])
	}

	forfeit, err := endGameData(base58.Encode(testKey(0xEE)), 0, -10000, true)
	if err != nil {
		t.Fatalf("endGameData: %v", err)
	}
	if forfeit[len(forfeit)-1] != 1 {
		t.Error("forfeit byte should be 1")
	}

	if _, err := endGameData("not base58 !!", 0, 0, false); err == nil {
		t.Error("expected an error for an undecodable winner key")
	}
}

func TestFindProgramAddress(t *testing.T) {
	seeds := [][]byte{[]byte("game"), {1, 0, 0, 0, 0, 0, 0, 0}}

	addr, err := findProgramAddress(seeds, tokenProgramID)
	if err != nil {
		t.Fatalf("findProgramAddress: %v", err)
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		t.Fatalf("derived address is not valid base58: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("derived address length = %d, want 32", len(raw))
	}

	again, err := findProgramAddress(seeds, tokenProgramID)
	if err != nil {
		t.Fatalf("findProgramAddress: %v", err)
	}
	if addr != again {
		t.Error("derivation should be deterministic")
	}

	other, err := findProgramAddress([][]byte{[]byte("profile")}, tokenProgramID)
	if err != nil {
		t.Fatalf("findProgramAddress: %v", err)
	}
	if addr == other {
		t.Error("different seeds should derive different addresses")
	}
}

func testClient(endpoints ...string) *RPCClient {
	return &RPCClient{
		cfg: &config.ChainConfig{
			RPCEndpoints: endpoints,
			RPCTimeout:   2 * time.Second,
		},
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

func TestCallFallsBackOnTransportError(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer good.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()

	c := testClient(dead.URL, good.URL)

	var status string
	if err := c.call(context.Background(), "getHealth", nil, &status); err != nil {
		t.Fatalf("call should succeed via the second endpoint: %v", err)
	}
	if status != "ok" {
		t.Errorf("status = %q, want ok", status)
	}
	if !c.Healthy(context.Background()) {
		t.Error("Healthy should be true when an endpoint answers ok")
	}
}

func TestCallStructuredErrorDoesNotFallThrough(t *testing.T) {
	var secondHit bool
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`))
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHit = true
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer second.Close()

	c := testClient(first.URL, second.URL)

	err := c.call(context.Background(), "getHealth", nil, new(string))
	if err == nil {
		t.Fatal("structured rpc error should surface to the caller")
	}
	if secondHit {
		t.Error("a structured error must not trigger endpoint fallback")
	}
}

func TestCallAllEndpointsDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	down.Close() // refuse connections entirely

	c := testClient(down.URL)

	err := c.call(context.Background(), "getHealth", nil, new(string))
	if !errors.Is(err, domain.ErrChainUnavailable) {
		t.Errorf("expected ErrChainUnavailable, got %v", err)
	}
	if c.Healthy(context.Background()) {
		t.Error("Healthy should be false with no reachable endpoint")
	}
}
