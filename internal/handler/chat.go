package handler

import (
	"net/http"

	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/scope"
	"github.com/pharmportal/internal/service"
)

type ChatHandler struct {
	chat *service.ChatService
}

func NewChatHandler(chat *service.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type historyResponse struct {
	OK    bool            `json:"ok"`
	Items []model.Message `json:"items"`
}

type messageResponse struct {
	OK      bool           `json:"ok"`
	Message *model.Message `json:"message"`
}

type postMessageRequest struct {
	Scope string `json:"scope"`
	Text  string `json:"text"`
}

// History — GET /api/chat/history?scope=company|pharmacy&limit=N.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	sc := scope.ParseScope(r.URL.Query().Get("scope"))
	items, err := h.chat.History(r.Context(), middleware.GetPrincipal(r.Context()), sc, queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, "chat.History", err)
		return
	}
	if items == nil {
		items = []model.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{OK: true, Items: items})
}

// Post — POST /api/chat/message. Сообщение также уходит в realtime-канал.
func (h *ChatHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, "chat.Post", err)
		return
	}
	m, err := h.chat.Post(r.Context(), middleware.GetPrincipal(r.Context()), scope.ParseScope(req.Scope), req.Text)
	if err != nil {
		writeServiceError(w, "chat.Post", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{OK: true, Message: m})
}
