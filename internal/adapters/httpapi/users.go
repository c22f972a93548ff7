package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"obddash/internal/auth"
	"obddash/internal/core"
	"obddash/pkg/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	token, err := h.auth.Login(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token.AccessToken,
		"token_type": token.TokenType,
		"expires_at": token.ExpiresAt,
		"user":       token.User,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if err := h.auth.Logout(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	user, err := h.svc.GetUser(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "permissions": auth.Permissions(user.Role)})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req core.NewUser
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.CreateUser(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// updateUser ends the user's sessions when the role or disabled state
// changes so old tokens do not keep the previous rights.
func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req core.UserUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	before, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.svc.UpdateUser(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user.Role != before.Role || user.Disabled != before.Disabled {
		h.revokeSessions(r, user)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.DeleteUser(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.revokeSessions(r, user)
	w.WriteHeader(http.StatusNoContent)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := h.svc.ResetPassword(r.Context(), id, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	h.revokeSessions(r, domain.User{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// revokeSessions is best effort; the change itself already succeeded.
func (h *Handler) revokeSessions(r *http.Request, user domain.User) {
	if err := h.auth.RevokeUser(r.Context(), user.ID); err != nil {
		h.log.Warn("revoke sessions", zap.String("user_id", user.ID), zap.Error(err))
	}
}
