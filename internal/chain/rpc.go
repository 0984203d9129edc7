package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
)

// usdcDecimals converts between on-chain base units and USDC amounts.
var usdcDecimals = decimal.New(1, 6)

// RPCClient implements Client against a list of JSON-RPC endpoints with
// ordered fallback: each call tries endpoints in config order until one
// answers.
type RPCClient struct {
	cfg    *config.ChainConfig
	http   *http.Client
	signer *operatorSigner
}

// NewRPCClient builds the production chain client. The operator key is
// required for the write paths (EndGame, payouts, withdrawals); a read-only
// deployment may leave it empty.
func NewRPCClient(cfg *config.Config) (*RPCClient, error) {
	c := &RPCClient{
		cfg:  &cfg.Chain,
		http: &http.Client{Timeout: cfg.Chain.RPCTimeout},
	}
	if cfg.Chain.OperatorKey != "" {
		signer, err := newOperatorSigner(cfg.Chain.OperatorKey)
		if err != nil {
			return nil, fmt.Errorf("chain.NewRPCClient: %w", err)
		}
		c.signer = signer
	}
	return c, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// JSON-RPC plumbing
// ──────────────────────────────────────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call tries each endpoint in order until one returns a well-formed response,
// decoding the result field into out.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chain.call marshal: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.cfg.RPCEndpoints {
		body, err := c.post(ctx, endpoint, payload)
		if err != nil {
			lastErr = err
			slog.Warn("rpc endpoint failed", "endpoint", endpoint, "method", method, "error", err)
			continue
		}

		var resp struct {
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		if resp.Error != nil {
			// A structured error means the endpoint is healthy and the call
			// itself is bad; do not fall through to the next endpoint.
			return resp.Error
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("chain.call decode result: %w", err)
			}
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrChainUnavailable, lastErr)
	}
	return domain.ErrChainUnavailable
}

func (c *RPCClient) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Healthy reports whether any endpoint answers getHealth.
func (c *RPCClient) Healthy(ctx context.Context) bool {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return false
	}
	return status == "ok"
}

// ──────────────────────────────────────────────────────────────────────────────
// Game account reads
// ──────────────────────────────────────────────────────────────────────────────

// gameAccountLayout is the byte size of the escrow program's game account:
// 8 discriminator + 8 game id + 32+32 players + 8 bet + 1+1 deposited flags +
// 1 settled + 1 winner tag + 32 winner key.
const gameAccountLayout = 8 + 8 + 32 + 32 + 8 + 1 + 1 + 1 + 1 + 32

// FetchGameAccount reads and decodes the game state PDA.
func (c *RPCClient) FetchGameAccount(ctx context.Context, gameID int64) (*GameAccount, error) {
	address, err := c.gamePDA(gameID)
	if err != nil {
		return nil, err
	}

	var result struct {
		Value *struct {
			Data []string `json:"data"` // [base64, "base64"]
		} `json:"value"`
	}
	params := []interface{}{
		address,
		map[string]string{"encoding": "base64", "commitment": "confirmed"},
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, fmt.Errorf("chain.FetchGameAccount: %w", err)
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("chain.FetchGameAccount: game %d: account not found", gameID)
	}

	raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("chain.FetchGameAccount: decode: %w", err)
	}
	return decodeGameAccount(raw)
}

// decodeGameAccount parses the program's fixed binary layout.
func decodeGameAccount(raw []byte) (*GameAccount, error) {
	if len(raw) < gameAccountLayout {
		return nil, fmt.Errorf("chain.decodeGameAccount: short account data (%d bytes)", len(raw))
	}
	off := 8 // skip discriminator

	ga := &GameAccount{}
	ga.GameID = int64(binary.LittleEndian.Uint64(raw[off:]))
	off += 8
	ga.Player1 = base58.Encode(raw[off : off+32])
	off += 32
	ga.Player2 = base58.Encode(raw[off : off+32])
	off += 32
	lamports := binary.LittleEndian.Uint64(raw[off:])
	ga.BetAmount = decimal.NewFromInt(int64(lamports)).Div(usdcDecimals)
	off += 8
	ga.Deposited1 = raw[off] == 1
	off++
	ga.Deposited2 = raw[off] == 1
	off++
	ga.Settled = raw[off] == 1
	off++
	winnerTag := raw[off]
	off++
	switch winnerTag {
	case 0:
		// unsettled
	case 1:
		ga.Winner = base58.Encode(raw[off : off+32])
	case 2:
		ga.Winner = "tie"
	}
	return ga, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Profile checks
// ──────────────────────────────────────────────────────────────────────────────

// PlayerProfileExists checks whether the player's profile PDA has data.
func (c *RPCClient) PlayerProfileExists(ctx context.Context, address string) (bool, error) {
	pda, err := c.profilePDA(address)
	if err != nil {
		return false, err
	}
	var result struct {
		Value *struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	params := []interface{}{
		pda,
		map[string]string{"encoding": "base64", "commitment": "confirmed"},
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return false, fmt.Errorf("chain.PlayerProfileExists: %w", err)
	}
	return result.Value != nil && result.Value.Lamports > 0, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Deposit verification
// ──────────────────────────────────────────────────────────────────────────────

// VerifyDeposit inspects a finalized transaction and confirms it is a USDC
// transfer from the claimed wallet into the platform vault.
func (c *RPCClient) VerifyDeposit(ctx context.Context, signature, from string) (*DepositInfo, error) {
	var result *struct {
		Slot uint64 `json:"slot"`
		Meta struct {
			Err               interface{}    `json:"err"`
			PostTokenBalances []tokenBalance `json:"postTokenBalances"`
			PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
		} `json:"meta"`
	}
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "finalized",
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, fmt.Errorf("chain.VerifyDeposit: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("chain.VerifyDeposit: transaction %s not found or not finalized", signature)
	}
	if result.Meta.Err != nil {
		return nil, fmt.Errorf("chain.VerifyDeposit: transaction %s failed on-chain", signature)
	}

	// The vault's USDC balance delta is the deposited amount.
	delta := tokenDelta(result.Meta.PreTokenBalances, result.Meta.PostTokenBalances, c.cfg.VaultAddress, c.cfg.USDCMint)
	if !delta.IsPositive() {
		return nil, fmt.Errorf("chain.VerifyDeposit: no vault credit in %s", signature)
	}
	// And the sender's balance must have dropped, tying the deposit to the
	// claimed wallet.
	senderDelta := tokenDelta(result.Meta.PreTokenBalances, result.Meta.PostTokenBalances, from, c.cfg.USDCMint)
	if !senderDelta.IsNegative() {
		return nil, fmt.Errorf("chain.VerifyDeposit: %s did not fund %s", from, signature)
	}

	return &DepositInfo{
		Signature: signature,
		From:      from,
		Amount:    delta,
		Slot:      result.Slot,
		Finalized: true,
	}, nil
}

type tokenBalance struct {
	Owner         string `json:"owner"`
	Mint          string `json:"mint"`
	UITokenAmount struct {
		Amount string `json:"amount"` // base units as string
	} `json:"uiTokenAmount"`
}

// tokenDelta computes post − pre for one owner and mint, in USDC.
func tokenDelta(pre, post []tokenBalance, owner, mint string) decimal.Decimal {
	find := func(list []tokenBalance) decimal.Decimal {
		for _, b := range list {
			if b.Owner == owner && b.Mint == mint {
				if amt, err := decimal.NewFromString(b.UITokenAmount.Amount); err == nil {
					return amt
				}
			}
		}
		return decimal.Zero
	}
	return find(post).Sub(find(pre)).Div(usdcDecimals)
}
