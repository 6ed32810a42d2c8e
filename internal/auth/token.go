// Package auth mints short-lived HS256 bearer tokens for development and
// testing against a HireWire backend that shares the signing secret.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a minted token.
const DefaultTokenTTL = time.Hour

// Claims carries the device identity alongside the registered claims.
// The user ID rides in the standard 'sub' claim.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenProvider signs dev tokens and caches them until near expiry, so the
// sync engine can call it on every request without re-signing each time.
type TokenProvider struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewTokenProvider creates a provider for the given identity.
func NewTokenProvider(secret, userID, deviceID string, ttl time.Duration) *TokenProvider {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenProvider{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Token returns a valid signed token, minting a fresh one when the cached
// token is within a minute of expiry. Satisfies syncer.TokenFunc.
func (p *TokenProvider) Token(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && now.Before(p.expires.Add(-time.Minute)) {
		return p.token, nil
	}

	claims := &Claims{
		DeviceID: p.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "hiresync",
			Subject:   p.userID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	p.token = signed
	p.expires = claims.ExpiresAt.Time
	return signed, nil
}

// Validate parses and verifies a token minted by this provider. Used by
// tests and by tooling that inspects its own credentials.
func (p *TokenProvider) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
