package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Match errors
var (
	// ErrMatchNotFound is returned when no match matches the given criteria.
	ErrMatchNotFound = errors.New("match not found")

	// ErrMatchNotActive is returned when a gameplay command targets a match
	// that is not in MatchActive.
	ErrMatchNotActive = errors.New("match is not active")

	// ErrMatchSettled is returned when settlement is attempted on a match that
	// is already in a terminal state.
	ErrMatchSettled = errors.New("match is already settled")

	// ErrMatchNotSettled is returned when an on-chain retry targets a match
	// that has no recorded outcome yet.
	ErrMatchNotSettled = errors.New("match is not settled yet")

	// ErrNotAPlayer is returned when the caller is not one of the two
	// participants of the match.
	ErrNotAPlayer = errors.New("caller is not a player in this match")
)

// Position errors
var (
	// ErrPositionNotFound is returned when no position matches the given id.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionClosed is returned when a close is attempted on a position
	// that is no longer open.
	ErrPositionClosed = errors.New("position is already closed")

	// ErrPositionClosing is returned when another closer holds the guard for
	// the position.
	ErrPositionClosing = errors.New("position is already being closed")

	// ErrInvalidAsset is returned when the asset is not BTC, ETH or SOL.
	ErrInvalidAsset = errors.New("invalid asset symbol")

	// ErrInvalidSize is returned when the position size is outside
	// [1, demo balance].
	ErrInvalidSize = errors.New("position size out of range")

	// ErrInvalidLeverage is returned when leverage is outside [1, max].
	ErrInvalidLeverage = errors.New("leverage out of range")

	// ErrInvalidStops is returned when SL/TP direction contradicts the entry.
	ErrInvalidStops = errors.New("stop loss or take profit on the wrong side of entry")

	// ErrInvalidFraction is returned when a partial-close fraction is not
	// strictly between 0 and 1.
	ErrInvalidFraction = errors.New("fraction must be between 0 and 1 exclusive")

	// ErrInvalidPositionID is returned when a client idempotency key does not
	// match the allowed pattern.
	ErrInvalidPositionID = errors.New("invalid position id")

	// ErrPositionExists is returned by the insert when the (id, match) pair is
	// already taken. The open path resolves it into an idempotent replay.
	ErrPositionExists = errors.New("position id already exists")

	// ErrInsufficientMargin is returned when opening would push the player's
	// open size over the demo balance.
	ErrInsufficientMargin = errors.New("insufficient demo balance for position size")

	// ErrPriceStale is returned when a trade open or manual close finds the
	// price snapshot older than the staleness bound.
	ErrPriceStale = errors.New("price data is stale")
)

// Queue / challenge errors
var (
	// ErrInvalidDuration is returned when the duration label is not one of
	// the enumerated set.
	ErrInvalidDuration = errors.New("invalid match duration")

	// ErrInvalidBet is returned when the bet is not one of the enumerated
	// wager amounts.
	ErrInvalidBet = errors.New("invalid bet amount")

	// ErrAlreadyQueued is returned when the player already waits in the same
	// (duration, bet) queue.
	ErrAlreadyQueued = errors.New("already in this queue")

	// ErrChallengeNotFound is returned when no challenge matches the id.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeNotPending is returned on accept/decline of a challenge
	// that is no longer pending.
	ErrChallengeNotPending = errors.New("challenge is not pending")

	// ErrNotChallengeRecipient is returned when someone other than the
	// recipient tries to accept or decline.
	ErrNotChallengeRecipient = errors.New("only the challenged player may respond")

	// ErrSelfChallenge is returned when a player challenges themselves.
	ErrSelfChallenge = errors.New("cannot challenge yourself")
)

// User / ledger errors
var (
	// ErrUserNotFound is returned when no user matches the given address.
	ErrUserNotFound = errors.New("user not found")

	// ErrBalanceNotFound is returned when no ledger entry exists for the user.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInsufficientBalance is returned when the available platform balance
	// is too low to freeze or debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSignatureUsed is returned when a deposit transaction signature has
	// already been consumed (replay guard).
	ErrSignatureUsed = errors.New("signature already used")

	// ErrInvalidTag is returned when a gamer tag is empty or too long after
	// control-character stripping.
	ErrInvalidTag = errors.New("gamer tag must be 1-16 printable characters")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller lacks permission for the action.
	ErrForbidden = errors.New("forbidden")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrNonceInvalid is returned when a login nonce is unknown or already
	// consumed.
	ErrNonceInvalid = errors.New("nonce is invalid or already used")

	// ErrSignatureInvalid is returned when the wallet signature does not
	// verify against the nonce message.
	ErrSignatureInvalid = errors.New("wallet signature verification failed")
)

// On-chain errors
var (
	// ErrProfileMissing is the recoverable condition where a player's on-chain
	// profile does not exist yet; the settlement retry loop handles it.
	ErrProfileMissing = errors.New("player profile missing on-chain")

	// ErrChainUnavailable is returned when every configured RPC endpoint
	// failed within the timeout.
	ErrChainUnavailable = errors.New("all rpc endpoints failed")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrMatchNotFound,
	ErrPositionNotFound,
	ErrChallengeNotFound,
	ErrUserNotFound,
	ErrBalanceNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. Use this instead of comparing error values
// directly when translating domain errors to HTTP 404 responses.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict returns true for errors that represent a state conflict.
func IsConflict(err error) bool {
	conflictErrors := []error{
		ErrMatchSettled,
		ErrMatchNotSettled,
		ErrMatchNotActive,
		ErrPositionClosed,
		ErrPositionClosing,
		ErrPositionExists,
		ErrSignatureUsed,
		ErrAlreadyQueued,
		ErrChallengeNotPending,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	authErrors := []error{
		ErrUnauthorized,
		ErrTokenInvalid,
		ErrNonceInvalid,
		ErrSignatureInvalid,
	}
	for _, target := range authErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation returns true for bad-input errors that map to HTTP 400 or a
// WS error frame without touching other subsystems.
func IsValidation(err error) bool {
	validationErrors := []error{
		ErrInvalidAsset,
		ErrInvalidSize,
		ErrInvalidLeverage,
		ErrInvalidStops,
		ErrInvalidFraction,
		ErrInvalidPositionID,
		ErrInvalidDuration,
		ErrInvalidBet,
		ErrInvalidTag,
		ErrSelfChallenge,
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
