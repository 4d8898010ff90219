package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUnauthorizedWritesGenericBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/auth/refresh", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rr := httptest.NewRecorder()

	Unauthorized(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != MessageUnauthorized || body["code"] != "UNAUTHORIZED" || body["request_id"] != "req-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if _, ok := body["details"]; ok {
		t.Fatal("details must be omitted when empty")
	}
}

func TestJSONWritesPayloadAsIs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	JSON(rr, req, http.StatusCreated, map[string]string{"accessToken": "abc"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["accessToken"] != "abc" {
		t.Fatalf("unexpected body: %+v", body)
	}
}
