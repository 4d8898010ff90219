package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalima-platform/auth-service/internal/security"
)

const testSecret = "abcdefghijklmnopqrstuvwxyz123456"

func newTestJWTManager(t *testing.T) *security.JWTManager {
	t.Helper()
	jwtMgr, err := security.NewJWTManager("iss", "aud", testSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	return jwtMgr
}

func signTestToken(t *testing.T, jwtMgr *security.JWTManager) string {
	t.Helper()
	token, _, err := jwtMgr.SignAccessToken(security.AccessPayload{UserID: 42, Name: "alice", Role: "student", Portals: []string{"center"}})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthMiddlewareMissingTokenReturnsUnauthorized(t *testing.T) {
	h := AuthMiddleware(newTestJWTManager(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "Unauthorized attempt." {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestAuthMiddlewareRejectsMalformedHeaders(t *testing.T) {
	jwtMgr := newTestJWTManager(t)
	token := signTestToken(t, jwtMgr)
	h := AuthMiddleware(jwtMgr)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run")
	}))

	cases := map[string]string{
		"no scheme":      token,
		"basic scheme":   "Basic " + token,
		"double space":   "Bearer  " + token,
		"empty token":    "Bearer ",
		"trailing parts": "Bearer " + token + " extra",
		"garbage token":  "Bearer not-a-jwt",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
	}
}

func TestAuthMiddlewareValidBearerTokenPasses(t *testing.T) {
	jwtMgr := newTestJWTManager(t)
	token := signTestToken(t, jwtMgr)
	h := AuthMiddleware(jwtMgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Subject != "42" || claims.Role != "student" {
			t.Fatalf("expected claims in context, got %+v", claims)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, scheme := range []string{"Bearer", "bearer", "BEARER"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		req.Header.Set("Authorization", scheme+" "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204 for valid token, got %d", scheme, rr.Code)
		}
	}
}

func TestOptionalAuthMiddlewareNeverRejects(t *testing.T) {
	jwtMgr := newTestJWTManager(t)
	token := signTestToken(t, jwtMgr)

	cases := []struct {
		name       string
		header     string
		wantClaims bool
	}{
		{name: "anonymous"},
		{name: "malformed", header: "Token " + token},
		{name: "invalid", header: "Bearer nope"},
		{name: "valid", header: "Bearer " + token, wantClaims: true},
	}
	for _, tc := range cases {
		var gotClaims bool
		h := OptionalAuthMiddleware(jwtMgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, gotClaims = ClaimsFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.name, rr.Code)
		}
		if gotClaims != tc.wantClaims {
			t.Fatalf("%s: claims attached=%v want %v", tc.name, gotClaims, tc.wantClaims)
		}
	}
}
