package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess = "access"
	minSecretBytes  = 32
)

var (
	ErrSecretNotConfigured = errors.New("access token secret is not configured")
	ErrSecretTooShort      = fmt.Errorf("access token secret must be at least %d bytes", minSecretBytes)
	ErrInvalidTTL          = errors.New("access token ttl must be positive")
	ErrInvalidToken        = errors.New("invalid token")
)

type Claims struct {
	TokenType string   `json:"token_type"`
	Role      string   `json:"role,omitempty"`
	Portals   []string `json:"portals,omitempty"`
	Name      string   `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the numeric subject.
func (c *Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return uint(id), nil
}

// AccessPayload is the identity encoded into an access token.
type AccessPayload struct {
	UserID  uint
	Name    string
	Role    string
	Portals []string
}

type JWTManager struct {
	issuer   string
	audience string
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewJWTManager fails when the secret is unusable so the process refuses
// to start instead of failing on the first request.
func NewJWTManager(issuer, audience, secret string, ttl time.Duration) (*JWTManager, error) {
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}
	if len(secret) < minSecretBytes {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &JWTManager{
		issuer:   issuer,
		audience: audience,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// WithClock replaces the time source used for signing and validation.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *JWTManager) TTL() time.Duration { return m.ttl }

func (m *JWTManager) SignAccessToken(p AccessPayload) (string, time.Time, error) {
	if p.UserID == 0 {
		return "", time.Time{}, errors.New("access token subject is required")
	}
	issuedAt := m.now()
	expiresAt := issuedAt.Add(m.ttl)
	claims := Claims{
		TokenType: tokenTypeAccess,
		Role:      p.Role,
		Portals:   p.Portals,
		Name:      p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   strconv.FormatUint(uint64(p.UserID), 10),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	// NumericDate truncates to whole seconds.
	return signed, claims.ExpiresAt.Time, nil
}

// ParseAccessToken verifies signature, expiry, issuer, audience and token
// type. Every failure wraps ErrInvalidToken.
func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.TokenType)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}
