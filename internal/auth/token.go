// ABOUTME: JWT bearer tokens for authenticating the relay to coven-gateway
// ABOUTME: HS256 signing plus token sources that cache until near expiry

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-relay/internal/clock"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// JWTVerifier signs and verifies HS256 JWTs with a shared secret
type JWTVerifier struct {
	secret []byte
	clock  clock.Clock
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, clock: clock.Real()}
}

// Verify validates the token and extracts the principal ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new JWT token for the given principal ID with expiration
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := v.clock.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// TokenSource supplies the bearer token for one outbound request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued token. An empty token sends no Authorization header.
type StaticToken string

// Token returns the token unchanged.
func (s StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// JWTSource mints tokens for a principal and reuses each token until it
// is within a quarter of its lifetime from expiry.
type JWTSource struct {
	verifier  *JWTVerifier
	principal string
	ttl       time.Duration

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

// NewJWTSource creates a source signing with secret. A non-positive ttl
// defaults to one hour.
func NewJWTSource(secret []byte, principalID string, ttl time.Duration, clk clock.Clock) (*JWTSource, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty signing secret", ErrInvalidToken)
	}
	if principalID == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &JWTSource{
		verifier:  &JWTVerifier{secret: secret, clock: clk},
		principal: principalID,
		ttl:       ttl,
	}, nil
}

// Token returns a cached token or mints a new one.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.verifier.clock.Now()
	if s.token != "" && now.Before(s.renewAt) {
		return s.token, nil
	}

	token, err := s.verifier.Generate(s.principal, s.ttl)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	s.token = token
	s.renewAt = now.Add(s.ttl * 3 / 4)
	return token, nil
}
