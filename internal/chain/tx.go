package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Well-known program addresses.
const (
	tokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ataProgramID   = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
)

// ──────────────────────────────────────────────────────────────────────────────
// Operator signer
// ──────────────────────────────────────────────────────────────────────────────

// operatorSigner holds the platform keypair used to sign admin transactions.
type operatorSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func newOperatorSigner(base58Key string) (*operatorSigner, error) {
	raw, err := base58.Decode(base58Key)
	if err != nil {
		return nil, fmt.Errorf("decode operator key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("operator key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &operatorSigner{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (s *operatorSigner) address() string {
	return base58.Encode(s.pub)
}

// ──────────────────────────────────────────────────────────────────────────────
// PDA derivation
// ──────────────────────────────────────────────────────────────────────────────

// findProgramAddress searches bump seeds from 255 down for the first derived
// address that is off the ed25519 curve.
func findProgramAddress(seeds [][]byte, programID string) (string, error) {
	program, err := base58.Decode(programID)
	if err != nil {
		return "", fmt.Errorf("decode program id: %w", err)
	}
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program)
		h.Write([]byte("ProgramDerivedAddress"))
		candidate := h.Sum(nil)

		// A valid PDA must not be a curve point.
		if _, err := new(edwards25519.Point).SetBytes(candidate); err != nil {
			return base58.Encode(candidate), nil
		}
	}
	return "", fmt.Errorf("no valid bump for seeds")
}

// gamePDA derives the game state account for a game id.
func (c *RPCClient) gamePDA(gameID int64) (string, error) {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, uint64(gameID))
	return findProgramAddress([][]byte{[]byte("game"), idBytes}, c.cfg.ProgramID)
}

// profilePDA derives the player profile account for a wallet.
func (c *RPCClient) profilePDA(address string) (string, error) {
	owner, err := base58.Decode(address)
	if err != nil {
		return "", fmt.Errorf("decode address: %w", err)
	}
	return findProgramAddress([][]byte{[]byte("profile"), owner}, c.cfg.ProgramID)
}

// ataFor derives the associated USDC token account of a wallet.
func (c *RPCClient) ataFor(owner string) (string, error) {
	ownerKey, err := base58.Decode(owner)
	if err != nil {
		return "", fmt.Errorf("decode owner: %w", err)
	}
	tokenProg, _ := base58.Decode(tokenProgramID)
	mint, err := base58.Decode(c.cfg.USDCMint)
	if err != nil {
		return "", fmt.Errorf("decode mint: %w", err)
	}
	return findProgramAddress([][]byte{ownerKey, tokenProg, mint}, ataProgramID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Transaction assembly
// ──────────────────────────────────────────────────────────────────────────────

// accountMeta is one account reference in an instruction.
type accountMeta struct {
	address  string
	signer   bool
	writable bool
}

// anchorDiscriminator is the 8-byte method selector for program instructions.
func anchorDiscriminator(method string) []byte {
	sum := sha256.Sum256([]byte("global:" + method))
	return sum[:8]
}

// compactU16 encodes the short-vec length prefix used throughout the wire
// format.
func compactU16(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// buildAndSend assembles a single-instruction legacy transaction, signs it
// with the operator key, and submits it. Returns the transaction signature.
func (c *RPCClient) buildAndSend(ctx context.Context, programID string, accounts []accountMeta, data []byte) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("chain: operator key not configured")
	}

	var blockhashResult struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []interface{}{map[string]string{"commitment": "finalized"}}
	if err := c.call(ctx, "getLatestBlockhash", params, &blockhashResult); err != nil {
		return "", fmt.Errorf("chain.buildAndSend blockhash: %w", err)
	}
	blockhash, err := base58.Decode(blockhashResult.Value.Blockhash)
	if err != nil {
		return "", fmt.Errorf("chain.buildAndSend: decode blockhash: %w", err)
	}

	msg, err := compileMessage(c.signer.address(), programID, accounts, data, blockhash)
	if err != nil {
		return "", fmt.Errorf("chain.buildAndSend: %w", err)
	}

	sig := ed25519.Sign(c.signer.priv, msg)

	// wire tx = compact signature array ++ message
	var tx []byte
	tx = append(tx, compactU16(1)...)
	tx = append(tx, sig...)
	tx = append(tx, msg...)

	var txSig string
	sendParams := []interface{}{
		base64.StdEncoding.EncodeToString(tx),
		map[string]interface{}{"encoding": "base64", "skipPreflight": false},
	}
	if err := c.call(ctx, "sendTransaction", sendParams, &txSig); err != nil {
		return "", fmt.Errorf("chain.buildAndSend send: %w", err)
	}
	return txSig, nil
}

// compileMessage serializes a legacy message: the fee payer goes first, then
// writable non-signers, then readonly non-signers, then the program.
func compileMessage(feePayer, programID string, accounts []accountMeta, data, blockhash []byte) ([]byte, error) {
	type key struct {
		raw      []byte
		signer   bool
		writable bool
	}

	ordered := []key{}
	index := map[string]int{}

	add := func(address string, signer, writable bool) error {
		if i, ok := index[address]; ok {
			// Merge privileges on duplicate references
			if writable {
				ordered[i].writable = true
			}
			if signer {
				ordered[i].signer = true
			}
			return nil
		}
		raw, err := base58.Decode(address)
		if err != nil {
			return fmt.Errorf("decode account %s: %w", address, err)
		}
		index[address] = len(ordered)
		ordered = append(ordered, key{raw: raw, signer: signer, writable: writable})
		return nil
	}

	if err := add(feePayer, true, true); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := add(a.address, a.signer, a.writable); err != nil {
			return nil, err
		}
	}
	if err := add(programID, false, false); err != nil {
		return nil, err
	}

	// Sort: signers first (writable before readonly), then writable
	// non-signers, then readonly. The fee payer is already pinned at 0.
	rank := func(k key) int {
		switch {
		case k.signer && k.writable:
			return 0
		case k.signer:
			return 1
		case k.writable:
			return 2
		default:
			return 3
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if rank(ordered[j]) < rank(ordered[i]) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	// Rebuild the index after sorting
	for i, k := range ordered {
		index[base58.Encode(k.raw)] = i
	}

	var numSigners, numReadonlySigned, numReadonlyUnsigned byte
	for _, k := range ordered {
		if k.signer {
			numSigners++
			if !k.writable {
				numReadonlySigned++
			}
		} else if !k.writable {
			numReadonlyUnsigned++
		}
	}

	var msg []byte
	msg = append(msg, numSigners, numReadonlySigned, numReadonlyUnsigned)
	msg = append(msg, compactU16(len(ordered))...)
	for _, k := range ordered {
		msg = append(msg, k.raw...)
	}
	msg = append(msg, blockhash...)

	// one instruction
	msg = append(msg, compactU16(1)...)
	msg = append(msg, byte(index[programID]))
	msg = append(msg, compactU16(len(accounts))...)
	for _, a := range accounts {
		msg = append(msg, byte(index[a.address]))
	}
	msg = append(msg, compactU16(len(data))...)
	msg = append(msg, data...)

	return msg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Write paths
// ──────────────────────────────────────────────────────────────────────────────

// endGameData encodes the end_game instruction payload: winner tag (2 for a
// tie, 1 + pubkey otherwise), both players' PnL as little-endian i64 basis
// points, and the forfeit flag.
func endGameData(winner string, p1PnlBps, p2PnlBps int64, isForfeit bool) ([]byte, error) {
	data := anchorDiscriminator("end_game")
	if winner == "tie" {
		data = append(data, 2)
	} else {
		winnerKey, err := base58.Decode(winner)
		if err != nil {
			return nil, fmt.Errorf("decode winner: %w", err)
		}
		data = append(data, 1)
		data = append(data, winnerKey...)
	}
	var bps [8]byte
	binary.LittleEndian.PutUint64(bps[:], uint64(p1PnlBps))
	data = append(data, bps[:]...)
	binary.LittleEndian.PutUint64(bps[:], uint64(p2PnlBps))
	data = append(data, bps[:]...)
	if isForfeit {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return data, nil
}

// EndGame records the final result on-chain. winner may be a wallet address
// or "tie".
func (c *RPCClient) EndGame(ctx context.Context, gameID int64, winner string, p1PnlBps, p2PnlBps int64, isForfeit bool) (string, error) {
	gamePDA, err := c.gamePDA(gameID)
	if err != nil {
		return "", fmt.Errorf("chain.EndGame: %w", err)
	}
	data, err := endGameData(winner, p1PnlBps, p2PnlBps, isForfeit)
	if err != nil {
		return "", fmt.Errorf("chain.EndGame: %w", err)
	}

	accounts := []accountMeta{
		{address: gamePDA, writable: true},
		{address: c.signer.address(), signer: true, writable: true},
	}
	sig, err := c.buildAndSend(ctx, c.cfg.ProgramID, accounts, data)
	if err != nil {
		return "", fmt.Errorf("chain.EndGame: %w", err)
	}
	return sig, nil
}

// ProcessMatchPayout releases the escrowed pot per the recorded result.
func (c *RPCClient) ProcessMatchPayout(ctx context.Context, gameID int64) (string, error) {
	game, err := c.FetchGameAccount(ctx, gameID)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}

	gamePDA, err := c.gamePDA(gameID)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}
	ata1, err := c.ataFor(game.Player1)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}
	ata2, err := c.ataFor(game.Player2)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}
	vaultATA, err := c.ataFor(c.cfg.VaultAddress)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}

	data := anchorDiscriminator("process_match_payout")
	accounts := []accountMeta{
		{address: gamePDA, writable: true},
		{address: ata1, writable: true},
		{address: ata2, writable: true},
		{address: vaultATA, writable: true},
		{address: tokenProgramID},
		{address: c.signer.address(), signer: true, writable: true},
	}
	sig, err := c.buildAndSend(ctx, c.cfg.ProgramID, accounts, data)
	if err != nil {
		return "", fmt.Errorf("chain.ProcessMatchPayout: %w", err)
	}
	return sig, nil
}

// TransferUSDC sends USDC from the platform vault to a wallet (withdrawals).
func (c *RPCClient) TransferUSDC(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	vaultATA, err := c.ataFor(c.cfg.VaultAddress)
	if err != nil {
		return "", fmt.Errorf("chain.TransferUSDC: %w", err)
	}
	destATA, err := c.ataFor(to)
	if err != nil {
		return "", fmt.Errorf("chain.TransferUSDC: %w", err)
	}

	baseUnits := amount.Mul(usdcDecimals).IntPart()
	if baseUnits <= 0 {
		return "", fmt.Errorf("chain.TransferUSDC: non-positive amount %s", amount)
	}

	// SPL token Transfer: tag 3 + u64 amount
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], uint64(baseUnits))

	accounts := []accountMeta{
		{address: vaultATA, writable: true},
		{address: destATA, writable: true},
		{address: c.signer.address(), signer: true},
	}
	sig, err := c.buildAndSend(ctx, tokenProgramID, accounts, data)
	if err != nil {
		return "", fmt.Errorf("chain.TransferUSDC: %w", err)
	}
	return sig, nil
}
