package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pharmportal/internal/identity"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/service"
	"github.com/pharmportal/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	resolver       middleware.PrincipalResolver
	authTimeout    time.Duration
	allowedOrigins string
	limits         ws.Limits
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, resolver middleware.PrincipalResolver, authTimeout time.Duration, allowedOrigins string, limits ws.Limits) *WSHandler {
	if authTimeout <= 0 {
		authTimeout = 5 * time.Second
	}
	return &WSHandler{
		hub:            hub,
		resolver:       resolver,
		authTimeout:    authTimeout,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
		limits:         limits,
	}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS проверяет токен до upgrade: без токена, с невалидным токеном или без company — 401.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	token := identity.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	authCtx, cancel := context.WithTimeout(r.Context(), h.authTimeout)
	p, err := h.resolver.Resolve(authCtx, token)
	cancel()
	if err != nil {
		if !service.IsKind(err, service.KindAuth) {
			logger.Errorf("ws auth token=%s: %v", middleware.MaskToken(token), err)
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if p.Company == "" {
		writeError(w, http.StatusUnauthorized, "missing company on user")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// Канал присоединяется до запуска чтения: первое же сообщение сессии дойдёт и до неё самой.
	client := ws.NewClient(h.hub, conn, p, h.limits)
	if !h.hub.Register(client) {
		return
	}
	ctx, cancelConn := context.WithCancel(context.Background())
	client.Start(ctx, cancelConn)
}
