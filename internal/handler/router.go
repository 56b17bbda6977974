package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmportal/internal/middleware"
)

// Routes собирает обработчики API. Auth — middleware проверки токена (BearerAuth).
type Routes struct {
	Tasks  *TaskHandler
	Chat   *ChatHandler
	Users  *UserHandler
	Config *ConfigHandler
	WS     *WSHandler
	Auth   func(http.Handler) http.Handler
}

// Mount регистрирует маршруты /api/* и /ws на роутере.
func (rt Routes) Mount(r chi.Router) {
	r.Get("/api/health", Health)
	r.Get("/api/config/chat", rt.Config.GetChatConfig)
	// /ws проверяет токен сам: с таймаутом и до upgrade.
	r.Get("/ws", rt.WS.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(rt.Auth)
		r.Use(middleware.RateLimitUser)

		r.Get("/api/protected/me", rt.Users.Me)
		r.Get("/api/protected/user", rt.Users.Greeting)
		r.With(middleware.RequireAdmin).Get("/api/protected/admin", rt.Users.Greeting)
		r.Get("/api/users/me", rt.Users.GetProfile)

		r.Get("/api/tasks/my", rt.Tasks.ListMine)
		r.Get("/api/tasks", rt.Tasks.List)
		r.Post("/api/tasks", rt.Tasks.Create)
		r.Put("/api/tasks/{id}", rt.Tasks.Update)
		r.Delete("/api/tasks/{id}", rt.Tasks.Archive)
		r.Put("/api/tasks/{id}/complete", rt.Tasks.Complete)

		r.Get("/api/chat/history", rt.Chat.History)
		r.Post("/api/chat/message", rt.Chat.Post)
	})
}

// Health — GET /api/health (без авторизации).
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
