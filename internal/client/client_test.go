package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthServer mimics the cookie contract of the auth endpoints.
type fakeAuthServer struct {
	mu       sync.Mutex
	current  string
	seq      int
	issued   map[string]bool
	refresh  atomic.Int32
	validity time.Duration
}

func (s *fakeAuthServer) issue(w http.ResponseWriter) {
	s.seq++
	s.current = "rt-" + strconv.Itoa(s.seq)
	if s.issued == nil {
		s.issued = make(map[string]bool)
	}
	s.issued["Bearer at-"+s.current] = true
	http.SetCookie(w, &http.Cookie{Name: "jwt", Value: s.current, Path: "/auth", HttpOnly: true, Secure: true})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accessToken": "at-" + s.current,
		"expiresAt":   time.Now().Add(s.validity),
	})
}

func (s *fakeAuthServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "correct" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Unauthorized attempt.","code":"UNAUTHORIZED"}`))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.issue(w)
	})
	mux.HandleFunc("GET /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refresh.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		c, err := r.Cookie("jwt")
		if err != nil || c.Value != s.current || s.current == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.issue(w)
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.current = ""
		http.SetCookie(w, &http.Cookie{Name: "jwt", Value: "", Path: "/auth", MaxAge: -1, Secure: true})
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	})
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := s.current != "" && s.issued[r.Header.Get("Authorization")]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":7,"name":"alice","role":"student"}`))
	})
	return mux
}

func newTestClient(t *testing.T, validity time.Duration) (*Client, *fakeAuthServer) {
	t.Helper()
	fake := &fakeAuthServer{validity: validity}
	srv := httptest.NewTLSServer(fake.handler())
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, srv.Client(), Options{Threshold: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Scheduler().Stop)
	return c, fake
}

func TestClientLoginAndMe(t *testing.T) {
	c, fake := newTestClient(t, 15*time.Minute)

	_, err := c.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	tok, err := c.Login(context.Background(), "alice", "correct")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)

	id, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)
	assert.Zero(t, fake.refresh.Load(), "fresh token needs no refresh")
}

func TestClientRefreshesNearExpiryThroughCookieJar(t *testing.T) {
	c, fake := newTestClient(t, 30*time.Second)
	first, err := c.Login(context.Background(), "alice", "correct")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Me(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, fake.refresh.Load(), int32(1))
	tok, ok := c.Scheduler().holder.Get()
	require.True(t, ok)
	assert.NotEqual(t, first.Value, tok.Value)
}

func TestClientLogoutEndsSession(t *testing.T) {
	c, _ := newTestClient(t, 15*time.Minute)
	_, err := c.Login(context.Background(), "alice", "correct")
	require.NoError(t, err)

	require.NoError(t, c.Logout(context.Background()))
	_, err = c.Me(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = c.Scheduler().Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).
		SignedString([]byte("some-secret-the-client-never-sees"))
	require.NoError(t, err)

	got, err := ExpiryFromJWT(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	_, err = ExpiryFromJWT("not-a-jwt")
	assert.Error(t, err)
}
