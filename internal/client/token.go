// Package client is the consumer side of the auth service: it holds an
// access token in memory and keeps it fresh through the refresh cookie.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSessionEnded means the server rejected the refresh cookie. Only a
	// new login recovers.
	ErrSessionEnded = errors.New("session ended")
	ErrNoToken      = errors.New("no access token held")
)

type Token struct {
	Value     string
	ExpiresAt time.Time
}

func (t Token) expiresWithin(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(d))
}

// TokenHolder stores the current access token.
type TokenHolder interface {
	Get() (Token, bool)
	Set(Token)
	Clear()
}

type MemoryTokenHolder struct {
	mu  sync.RWMutex
	tok Token
	ok  bool
}

func NewMemoryTokenHolder() *MemoryTokenHolder { return &MemoryTokenHolder{} }

func (h *MemoryTokenHolder) Get() (Token, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tok, h.ok
}

func (h *MemoryTokenHolder) Set(t Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tok, h.ok = t, true
}

func (h *MemoryTokenHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tok, h.ok = Token{}, false
}

// ExpiryFromJWT reads exp without verifying the signature. Clients cannot
// verify, and only use it to schedule refreshes.
func ExpiryFromJWT(raw string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
