// Package chain talks to the on-chain escrow program over JSON-RPC.
// The backend is the authority for game results; the chain holds the money.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// GameAccount mirrors the escrow program's per-game state account.
type GameAccount struct {
	GameID     int64
	Player1    string
	Player2    string
	BetAmount  decimal.Decimal // USDC
	Deposited1 bool
	Deposited2 bool
	Settled    bool
	Winner     string // empty until settled; "tie" for split pots
}

// DepositInfo describes a verified USDC transfer into the platform vault.
type DepositInfo struct {
	Signature string
	From      string
	Amount    decimal.Decimal
	Slot      uint64
	Finalized bool
}

// Client is the escrow collaborator. The production implementation speaks
// JSON-RPC to the configured endpoints; tests swap in a stub.
type Client interface {
	// FetchGameAccount reads the escrow state for a game id.
	FetchGameAccount(ctx context.Context, gameID int64) (*GameAccount, error)

	// EndGame submits the operator-signed transaction that records the winner
	// and both players' final PnL (basis points) on-chain and returns the
	// transaction signature. isForfeit marks outcomes decided by disconnect
	// rather than ROI.
	EndGame(ctx context.Context, gameID int64, winner string, p1PnlBps, p2PnlBps int64, isForfeit bool) (string, error)

	// ProcessMatchPayout releases escrowed funds per the recorded result:
	// winner takes the pot minus rake, or both players get refunds on a tie.
	ProcessMatchPayout(ctx context.Context, gameID int64) (string, error)

	// PlayerProfileExists reports whether the player's on-chain profile PDA
	// has been initialised. Payouts to uninitialised profiles fail, so the
	// settlement loop checks first and retries later.
	PlayerProfileExists(ctx context.Context, address string) (bool, error)

	// VerifyDeposit confirms that a transaction signature is a finalized USDC
	// transfer from the claimed address into the platform vault and returns
	// the transferred amount.
	VerifyDeposit(ctx context.Context, signature, from string) (*DepositInfo, error)

	// TransferUSDC sends USDC from the platform vault to a wallet, used for
	// withdrawals. Returns the transaction signature.
	TransferUSDC(ctx context.Context, to string, amount decimal.Decimal) (string, error)

	// Healthy reports whether at least one RPC endpoint answers.
	Healthy(ctx context.Context) bool
}
