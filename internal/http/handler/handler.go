package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kalima-platform/auth-service/internal/domain"
	"github.com/kalima-platform/auth-service/internal/http/middleware"
	"github.com/kalima-platform/auth-service/internal/http/response"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/service"
)

type userView struct {
	ID      uint     `json:"id"`
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Role    string   `json:"role"`
	Portals []string `json:"portals"`
}

func newUserView(u *domain.User) *userView {
	if u == nil {
		return nil
	}
	portals := u.PortalList()
	if portals == nil {
		portals = []string{}
	}
	return &userView{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role), Portals: portals}
}

type tokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        *userView `json:"user,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	Revoked *int64 `json:"revoked,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &service.ValidationError{Field: "body", Message: "invalid JSON body"}
	}
	return nil
}

func sessionMeta(r *http.Request) service.SessionMeta {
	return service.SessionMeta{UserAgent: r.UserAgent(), IP: observability.ClientIP(r)}
}

// subjectID returns the authenticated user id or writes a 401.
func subjectID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.Unauthorized(w, r)
		return 0, false
	}
	id, err := claims.UserID()
	if err != nil {
		response.Unauthorized(w, r)
		return 0, false
	}
	return id, true
}

func pathID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, &service.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return uint(id), nil
}

// writeError maps service errors to statuses. Authentication failures of
// every kind share one response.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		validation *service.ValidationError
		throttled  *service.ThrottledError
	)
	switch {
	case errors.As(err, &validation):
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", validation.Message, map[string]string{"field": validation.Field})
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUnauthorized):
		response.Unauthorized(w, r)
	case errors.As(err, &throttled):
		w.Header().Set("Retry-After", strconv.Itoa(max(int(throttled.RetryAfter.Round(time.Second).Seconds()), 1)))
		response.Error(w, r, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "too many failed attempts", nil)
	case errors.Is(err, service.ErrUserExists):
		response.Error(w, r, http.StatusConflict, "CONFLICT", "user already exists", nil)
	case errors.Is(err, service.ErrSessionNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	default:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
