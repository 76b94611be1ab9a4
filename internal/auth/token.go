// Package auth issues and verifies the bearer credentials that gate both the
// WebSocket handshake and the REST API. Access tokens are short-lived HS256
// JWTs; refresh tokens are longer-lived JWTs carrying a "typ":"refresh" claim
// and can be exchanged exactly once per expiry for a new pair.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrMissingClaim = errors.New("auth: missing required claim")
	ErrNotRefresh   = errors.New("auth: not a refresh token")
)

// Default lifetimes for issued tokens.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenPair is an access/refresh credential pair as handed to clients.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Verifier validates bearer tokens and extracts the user identity.
type Verifier interface {
	Verify(tokenString string) (userID string, err error)
}

// JWTManager implements token issuance and verification using HS256 JWTs.
type JWTManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewJWTManager creates a JWTManager with the given signing secret and
// default token lifetimes.
func NewJWTManager(secret []byte) *JWTManager {
	return &JWTManager{
		secret:     secret,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
	}
}

// Verify validates an access token and extracts the user ID from the "sub"
// claim. Expired tokens return ErrExpiredToken so callers can distinguish
// the refresh-then-retry path from fatally invalid credentials.
func (m *JWTManager) Verify(tokenString string) (string, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return "", err
	}

	// Refresh tokens must not be accepted where an access token is expected.
	if typ, _ := claims["typ"].(string); typ == "refresh" {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// VerifyRefresh validates a refresh token and returns the user ID it was
// issued for.
func (m *JWTManager) VerifyRefresh(tokenString string) (string, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return "", err
	}

	if typ, _ := claims["typ"].(string); typ != "refresh" {
		return "", ErrNotRefresh
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Issue creates a fresh access/refresh pair for the given user ID.
func (m *JWTManager) Issue(userID string) (TokenPair, error) {
	access, err := m.generate(userID, m.accessTTL, "")
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.generate(userID, m.refreshTTL, "refresh")
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new token pair.
func (m *JWTManager) Refresh(refreshToken string) (TokenPair, error) {
	userID, err := m.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return m.Issue(userID)
}

// SetTTLs overrides the default token lifetimes. A zero value keeps the
// current setting. Negative lifetimes are accepted and produce tokens that
// are already expired, which tests use to exercise the expiry paths.
func (m *JWTManager) SetTTLs(access, refresh time.Duration) {
	if access != 0 {
		m.accessTTL = access
	}
	if refresh != 0 {
		m.refreshTTL = refresh
	}
}

// parse validates signature and expiry and returns the claims map.
func (m *JWTManager) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Only HS256-family signing is accepted.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// generate signs a token for userID with the given lifetime. A non-empty typ
// is recorded as the "typ" claim.
func (m *JWTManager) generate(userID string, expiresIn time.Duration, typ string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if typ != "" {
		claims["typ"] = typ
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
