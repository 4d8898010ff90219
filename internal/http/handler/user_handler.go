package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalima-platform/auth-service/internal/http/middleware"
	"github.com/kalima-platform/auth-service/internal/http/response"
	"github.com/kalima-platform/auth-service/internal/observability"
	"github.com/kalima-platform/auth-service/internal/repository"
	"github.com/kalima-platform/auth-service/internal/service"
)

type UserHandler struct {
	auth   service.AuthServiceInterface
	logger *slog.Logger
}

func NewUserHandler(auth service.AuthServiceInterface, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{auth: auth, logger: logger}
}

type meResponse struct {
	userView
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectID(w, r)
	if !ok {
		return
	}
	claims, _ := middleware.ClaimsFromContext(r.Context())
	user, err := h.auth.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.Unauthorized(w, r)
			return
		}
		writeError(w, r, h.logger, err)
		return
	}
	out := meResponse{userView: *newUserView(user)}
	if claims.ExpiresAt != nil {
		out.TokenExpiresAt = claims.ExpiresAt.Time
	}
	response.JSON(w, r, http.StatusOK, out)
}

// RevokeUserSessions lets an administrator end every session of a user.
func (h *UserHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	adminID, ok := subjectID(w, r)
	if !ok {
		return
	}
	target, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n, err := h.auth.LogoutAll(r.Context(), target)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	observability.Audit(r, "admin.revoke_sessions", "outcome", "success", "admin_id", adminID, "user_id", target, "revoked", n)
	response.JSON(w, r, http.StatusOK, messageResponse{Message: "Sessions revoked.", Revoked: &n})
}

type portalResponse struct {
	Portal string `json:"portal"`
	UserID uint   `json:"userId"`
	Role   string `json:"role"`
}

// PortalEntry answers for a portal route once the caller has been admitted to it.
func (h *UserHandler) PortalEntry(portal string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := subjectID(w, r)
		if !ok {
			return
		}
		claims, _ := middleware.ClaimsFromContext(r.Context())
		response.JSON(w, r, http.StatusOK, portalResponse{Portal: portal, UserID: userID, Role: claims.Role})
	}
}
