package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
)

// RefreshTokenBytes is the entropy of an opaque refresh token.
const RefreshTokenBytes = 48

var ErrMalformedRefreshToken = errors.New("malformed refresh token")

var randReader io.Reader = rand.Reader

// NewRefreshToken returns a base64url encoded random token. The raw value
// is handed to the client once and must never be persisted.
func NewRefreshToken() (string, error) {
	buf := make([]byte, RefreshTokenBytes)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken is the lookup key stored for a raw refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidateRefreshTokenFormat rejects values that could not have been
// produced by NewRefreshToken, before any store round-trip.
func ValidateRefreshTokenFormat(raw string) error {
	if base64.RawURLEncoding.EncodedLen(RefreshTokenBytes) != len(raw) {
		return ErrMalformedRefreshToken
	}
	if _, err := base64.RawURLEncoding.DecodeString(raw); err != nil {
		return ErrMalformedRefreshToken
	}
	return nil
}
