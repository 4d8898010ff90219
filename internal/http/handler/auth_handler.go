package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalima-platform/auth-service/internal/http/middleware"
	"github.com/kalima-platform/auth-service/internal/http/response"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/security"
	"github.com/kalima-platform/auth-service/internal/service"
)

type AuthHandler struct {
	auth     service.AuthServiceInterface
	sessions service.SessionServiceInterface
	cookie   security.CookieConfig
	logger   *slog.Logger
}

func NewAuthHandler(auth service.AuthServiceInterface, sessions service.SessionServiceInterface, cookie security.CookieConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{auth: auth, sessions: sessions, cookie: cookie, logger: logger}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	identifier := firstNonEmpty(req.Identifier, req.Name, req.Email)
	res, err := h.auth.Login(r.Context(), service.LoginInput{Identifier: identifier, Password: req.Password, Meta: sessionMeta(r)})
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			observability.Audit(r, "auth.login", "outcome", "failure", "reason", "invalid_credentials")
		}
		writeError(w, r, h.logger, err)
		return
	}
	observability.Audit(r, "auth.login", "outcome", "success", "user_id", res.User.ID)
	h.writeSession(w, r, http.StatusOK, res)
}

type registerRequest struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Role     string   `json:"role"`
	Portals  []string `json:"portals"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.auth.Register(r.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
		Portals:  req.Portals,
		Meta:     sessionMeta(r),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	observability.Audit(r, "auth.register", "outcome", "success", "user_id", res.User.ID)
	h.writeSession(w, r, http.StatusCreated, res)
}

// Refresh rotates the cookie. Any failure clears it.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, h.cookie.Name)
	if raw == "" {
		response.Unauthorized(w, r)
		return
	}
	res, err := h.auth.Refresh(r.Context(), raw, sessionMeta(r))
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			security.ClearRefreshCookie(w, h.cookie)
			observability.Audit(r, "auth.refresh", "outcome", "failure")
		}
		writeError(w, r, h.logger, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, h.cookie.Name)
	if raw == "" {
		response.Unauthorized(w, r)
		return
	}
	if err := h.auth.Logout(r.Context(), raw); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	security.ClearRefreshCookie(w, h.cookie)
	observability.Audit(r, "auth.logout", "outcome", "success")
	response.JSON(w, r, http.StatusOK, messageResponse{Message: "Logged out successfully."})
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectID(w, r)
	if !ok {
		return
	}
	n, err := h.auth.LogoutAll(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	security.ClearRefreshCookie(w, h.cookie)
	observability.Audit(r, "auth.logout_all", "outcome", "success", "user_id", userID, "revoked", n)
	response.JSON(w, r, http.StatusOK, messageResponse{Message: "Logged out of all sessions.", Revoked: &n})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectID(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n, err := h.auth.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			observability.Audit(r, "auth.change_password", "outcome", "failure", "user_id", userID)
		}
		writeError(w, r, h.logger, err)
		return
	}
	security.ClearRefreshCookie(w, h.cookie)
	observability.Audit(r, "auth.change_password", "outcome", "success", "user_id", userID, "revoked", n)
	response.JSON(w, r, http.StatusOK, messageResponse{Message: "Password changed. Please sign in again.", Revoked: &n})
}

type sessionStatus struct {
	Authenticated bool      `json:"authenticated"`
	User          *userView `json:"user,omitempty"`
}

// Session reports who the caller is without rejecting anonymous callers.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.JSON(w, r, http.StatusOK, sessionStatus{})
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		response.JSON(w, r, http.StatusOK, sessionStatus{})
		return
	}
	user, err := h.auth.GetUser(r.Context(), userID)
	if err != nil {
		response.JSON(w, r, http.StatusOK, sessionStatus{})
		return
	}
	response.JSON(w, r, http.StatusOK, sessionStatus{Authenticated: true, User: newUserView(user)})
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectID(w, r)
	if !ok {
		return
	}
	current, err := h.sessions.ResolveCurrentSessionID(r.Context(), userID, security.GetCookie(r, h.cookie.Name))
	if err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		writeError(w, r, h.logger, err)
		return
	}
	views, err := h.sessions.ListActiveSessions(r.Context(), userID, current)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectID(w, r)
	if !ok {
		return
	}
	sessionID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status, err := h.sessions.RevokeSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	observability.Audit(r, "auth.session_revoke", "outcome", status, "user_id", userID, "session_id", sessionID)
	response.JSON(w, r, http.StatusOK, map[string]any{"id": sessionID, "status": status})
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, r *http.Request, status int, res *service.LoginResult) {
	security.SetRefreshCookie(w, h.cookie, res.Tokens.Refresh.Raw, res.Tokens.Refresh.ExpiresAt)
	response.JSON(w, r, status, tokenResponse{
		AccessToken: res.Tokens.AccessToken,
		ExpiresAt:   res.Tokens.AccessExpiresAt,
		User:        newUserView(res.User),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
