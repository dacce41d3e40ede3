package mobile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokensDisabled means no signing secret is configured; the mobile
	// endpoints cannot mint access tokens.
	ErrTokensDisabled = errors.New("mobile: token secret not configured")

	// ErrInvalidToken covers expired, malformed, and mis-signed tokens.
	ErrInvalidToken = errors.New("mobile: invalid token")
)

// TokenService mints and validates the short-TTL access tokens handed to
// mobile clients for the managed audio pipeline.
type TokenService struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time // For testing
}

// TokenClaims binds a token to one managed-AV session. Subject carries the
// session ID.
type TokenClaims struct {
	DeviceID string `json:"deviceId,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenService builds a token helper. ttl bounds every minted token.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:  []byte(secret),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Mint issues a signed HS256 token for the session. The returned expiry is
// the claim's, in UTC.
func (s *TokenService) Mint(sessionID, deviceID, agentID string) (string, time.Time, error) {
	if len(s.secret) == 0 {
		return "", time.Time{}, ErrTokensDisabled
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, errors.New("mobile: session id required")
	}

	now := s.nowFunc()
	expiresAt := now.Add(s.ttl).UTC()
	claims := TokenClaims{
		DeviceID: strings.TrimSpace(deviceID),
		AgentID:  strings.TrimSpace(agentID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mobile: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token and returns its claims. Signature, algorithm, and
// expiry are all enforced.
func (s *TokenService) Validate(token string) (*TokenClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrTokensDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.nowFunc))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
