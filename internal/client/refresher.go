package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type tokenPayload struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (p tokenPayload) token() (Token, error) {
	if p.AccessToken == "" {
		return Token{}, fmt.Errorf("response carried no access token")
	}
	exp := p.ExpiresAt
	if exp.IsZero() {
		var err error
		if exp, err = ExpiryFromJWT(p.AccessToken); err != nil {
			return Token{}, fmt.Errorf("read token expiry: %w", err)
		}
	}
	return Token{Value: p.AccessToken, ExpiresAt: exp}, nil
}

// HTTPRefresher calls GET /auth/refresh. The client's cookie jar carries
// the refresh cookie and stores the rotated one.
type HTTPRefresher struct {
	baseURL string
	http    *http.Client
}

func NewHTTPRefresher(baseURL string, httpClient *http.Client) *HTTPRefresher {
	return &HTTPRefresher{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (r *HTTPRefresher) Refresh(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/refresh", nil)
	if err != nil {
		return Token{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Token{}, ErrSessionEnded
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Token{}, fmt.Errorf("refresh: unexpected status %d", resp.StatusCode)
	}
	var payload tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("decode refresh response: %w", err)
	}
	return payload.token()
}
