package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIError is a non-2xx reply decoded from the server's error body.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Identity struct {
	ID             uint      `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Portals        []string  `json:"portals"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

// Client talks to the auth service with one cookie jar shared between
// login, refresh and logout.
type Client struct {
	baseURL   string
	raw       *http.Client
	api       *http.Client
	scheduler *Scheduler
}

// New builds a client. httpClient may be nil; its Jar is replaced.
func New(baseURL string, httpClient *http.Client, opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	raw := &http.Client{Timeout: 15 * time.Second}
	if httpClient != nil {
		copied := *httpClient
		raw = &copied
	}
	raw.Jar = jar
	baseURL = strings.TrimRight(baseURL, "/")

	scheduler := NewScheduler(NewHTTPRefresher(baseURL, raw), nil, opts)
	api := &http.Client{
		Timeout:   raw.Timeout,
		Jar:       jar,
		Transport: &Transport{Base: raw.Transport, Source: scheduler},
	}
	return &Client{baseURL: baseURL, raw: raw, api: api, scheduler: scheduler}, nil
}

func (c *Client) Scheduler() *Scheduler { return c.scheduler }

func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient sends requests with a fresh bearer token attached.
func (c *Client) HTTPClient() *http.Client { return c.api }

func (c *Client) Login(ctx context.Context, identifier, password string) (Token, error) {
	body, err := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.raw.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Token{}, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, decodeAPIError(resp)
	}
	var payload tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("decode login response: %w", err)
	}
	tok, err := payload.token()
	if err != nil {
		return Token{}, err
	}
	c.scheduler.SetToken(tok)
	return tok, nil
}

// Logout always clears local state. Local state goes first so that a
// refresh racing with logout has landed its rotated cookie in the jar
// before the server is asked to end the session.
func (c *Client) Logout(ctx context.Context) error {
	c.scheduler.Logout()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/logout", nil)
	if err != nil {
		return err
	}
	resp, err := c.raw.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		return decodeAPIError(resp)
	}
}

func (c *Client) Me(ctx context.Context) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &id, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr); err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
