package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
	"github.com/tradeduel/arena/internal/config"
	"github.com/tradeduel/arena/internal/domain"
	"github.com/tradeduel/arena/internal/repository"
)

// nonceTTL is how long an issued login nonce stays consumable.
const nonceTTL = 5 * time.Minute

// ──────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ──────────────────────────────────────────────────────────────────────────────

// NonceResponse is returned when a wallet requests a login nonce.
type NonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"` // exact string the wallet must sign
}

// VerifyRequest carries the signed nonce back for token issuance.
type VerifyRequest struct {
	Address   string `json:"address"   binding:"required"`
	Nonce     string `json:"nonce"     binding:"required"`
	Signature string `json:"signature" binding:"required"` // base58-encoded ed25519 signature
}

// LoginResponse is returned on successful signature verification.
type LoginResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token"`
}

// ──────────────────────────────────────────────────────────────────────────────
// JWT claims
// ──────────────────────────────────────────────────────────────────────────────

// AppClaims extends jwt.RegisteredClaims with application-specific fields.
// Subject holds the wallet address.
type AppClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// AuthService
// ──────────────────────────────────────────────────────────────────────────────

// AuthService implements wallet-signature login: issue a nonce, verify the
// ed25519 signature over it, mint a session JWT. There are no passwords; the
// wallet keypair is the credential.
type AuthService struct {
	userRepo  *repository.UserRepository
	nonceRepo *repository.NonceRepository
	cfg       *config.Config
}

// NewAuthService creates an AuthService.
func NewAuthService(
	userRepo *repository.UserRepository,
	nonceRepo *repository.NonceRepository,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		nonceRepo: nonceRepo,
		cfg:       cfg,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Nonce
// ──────────────────────────────────────────────────────────────────────────────

// IssueNonce stores a fresh random nonce for the address and returns the
// exact message the wallet must sign. Each nonce is single-use.
func (s *AuthService) IssueNonce(ctx context.Context, address string) (*NonceResponse, error) {
	if _, err := base58.Decode(address); err != nil {
		return nil, domain.ErrSignatureInvalid
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("auth_service.IssueNonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	if err := s.nonceRepo.Create(ctx, address, nonce, time.Now().Add(nonceTTL)); err != nil {
		return nil, fmt.Errorf("auth_service.IssueNonce: %w", err)
	}

	return &NonceResponse{
		Nonce:   nonce,
		Message: signMessage(nonce),
	}, nil
}

// signMessage builds the human-readable string the wallet signs. Changing
// this breaks every in-flight login, so treat it as part of the protocol.
func signMessage(nonce string) string {
	return "Sign in to TradeDuel Arena\nNonce: " + nonce
}

// ──────────────────────────────────────────────────────────────────────────────
// Verify
// ──────────────────────────────────────────────────────────────────────────────

// Verify consumes the nonce, checks the ed25519 signature against the wallet
// public key, upserts the user and returns a session token.
func (s *AuthService) Verify(ctx context.Context, req VerifyRequest) (*LoginResponse, error) {
	// Consume first: even a failed signature burns the nonce, so an attacker
	// cannot grind signatures against the same message.
	if err := s.nonceRepo.Consume(ctx, req.Address, req.Nonce); err != nil {
		return nil, err
	}

	pubKey, err := base58.Decode(req.Address)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return nil, domain.ErrSignatureInvalid
	}
	sig, err := base58.Decode(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, domain.ErrSignatureInvalid
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(signMessage(req.Nonce)), sig) {
		return nil, domain.ErrSignatureInvalid
	}

	user, err := s.userRepo.Upsert(ctx, req.Address)
	if err != nil {
		return nil, fmt.Errorf("auth_service.Verify: %w", err)
	}

	token, err := s.generateToken(req.Address)
	if err != nil {
		return nil, fmt.Errorf("auth_service.Verify: %w", err)
	}

	return &LoginResponse{User: user, Token: token}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Token helpers
// ──────────────────────────────────────────────────────────────────────────────

// generateToken creates a signed session token for the given wallet address.
func (s *AuthService) generateToken(address string) (string, error) {
	now := time.Now().UTC()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.SessionTTL)),
		},
		Admin: s.cfg.IsAdmin(address),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseToken validates the token signature, algorithm, and expiry. Exported
// for the HTTP middleware and the websocket auth frame.
func (s *AuthService) ParseToken(tokenString string) (*AppClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWT.Secret), nil
	})
	if err != nil || !tok.Valid {
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*AppClaims)
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

// PurgeExpiredNonces drops sign-in nonces past their deadline. Called by the
// scheduler.
func (s *AuthService) PurgeExpiredNonces(ctx context.Context) (int64, error) {
	return s.nonceRepo.PurgeExpired(ctx)
}
