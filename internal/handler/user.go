package handler

import (
	"errors"
	"net/http"

	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/storage"
)

type UserHandler struct {
	users storage.UserStore
}

func NewUserHandler(users storage.UserStore) *UserHandler {
	return &UserHandler{users: users}
}

type meResponse struct {
	OK      bool             `json:"ok"`
	User    *model.Principal `json:"user"`
	Message string           `json:"message,omitempty"`
}

// Me — GET /api/protected/me: проверка токена и нормализованная личность.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, meResponse{OK: true, User: middleware.GetPrincipal(r.Context())})
}

// Greeting — GET /api/protected/user и /api/protected/admin.
func (h *UserHandler) Greeting(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	msg := "Vítej, " + p.Name + "!"
	if p.IsAdmin() {
		msg = "Vítej, admine " + p.Name + "!"
	}
	writeJSON(w, http.StatusOK, meResponse{OK: true, User: p, Message: msg})
}

// GetProfile — GET /api/users/me: сохранённый профиль пользователя.
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	user, err := h.users.FindByID(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeServiceError(w, "users.GetProfile", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
