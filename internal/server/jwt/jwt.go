// Package jwt issues and validates connection resume tokens. A resume
// token lets a reconnecting client keep its connection identity, so its
// sync acknowledgements and conflict attribution survive a dropped socket.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every rejected token: bad signature, expired,
// malformed or missing the connection claim.
var ErrInvalidToken = errors.New("invalid resume token")

// Service signs and validates resume tokens with a shared HMAC secret.
type Service struct {
	secret []byte
	ttl    time.Duration
}

type resumeClaims struct {
	ConnectionID string `json:"conn_id"`
	jwt.RegisteredClaims
}

// NewService creates a token service. The secret should be a
// cryptographically random string shared by all server replicas.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// IssueResumeToken signs a token binding the connection id for the
// configured TTL.
func (s *Service) IssueResumeToken(connID string) (string, error) {
	now := time.Now()

	claims := resumeClaims{
		ConnectionID: connID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign resume token: %w", err)
	}

	return token, nil
}

// ValidateResumeToken checks the signature and expiry and returns the
// connection id the token was issued for.
func (s *Service) ValidateResumeToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &resumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*resumeClaims)
	if !ok || claims.ConnectionID == "" {
		return "", ErrInvalidToken
	}

	return claims.ConnectionID, nil
}
