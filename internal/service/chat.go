package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/scope"
	"github.com/pharmportal/internal/storage"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	MaxMessageLength    = 4000
)

// Publisher доставляет созданное сообщение сессиям канала (реализует ws.Hub).
type Publisher interface {
	Publish(ctx context.Context, channel string, msg *model.Message)
}

type ChatService struct {
	messages     storage.MessageStore
	publisher    Publisher
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// NewChatService создаёт сервис чата. publisher может быть nil (без realtime).
func NewChatService(messages storage.MessageStore, publisher Publisher) *ChatService {
	return &ChatService{
		messages:     messages,
		publisher:    publisher,
		defaultLimit: DefaultHistoryLimit,
		maxLimit:     MaxHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithLimits задаёт лимиты истории из конфигурации; нулевые значения не меняют умолчания.
func (s *ChatService) WithLimits(def, max int) *ChatService {
	if max > 0 {
		s.maxLimit = max
	}
	if def > 0 {
		s.defaultLimit = def
	}
	if s.defaultLimit > s.maxLimit {
		s.defaultLimit = s.maxLimit
	}
	return s
}

func (s *ChatService) WithClock(now func() time.Time) *ChatService {
	s.now = now
	return s
}

// SetPublisher подключает realtime после создания хаба.
func (s *ChatService) SetPublisher(p Publisher) { s.publisher = p }

// Limits возвращает лимиты истории (для /api/config/chat).
func (s *ChatService) Limits() (def, max int) { return s.defaultLimit, s.maxLimit }

// filterFor проверяет, что принципалу доступен scope, и строит фильтр канала.
func filterFor(actor *model.Principal, sc model.Scope) (model.MessageFilter, error) {
	if actor == nil || actor.Company == "" {
		return model.MessageFilter{}, AuthErr("missing company on user")
	}
	if sc == model.ScopePharmacy {
		code := actor.Branch()
		if code == "" {
			return model.MessageFilter{}, AuthErr("missing pharmacy code on user")
		}
		return model.MessageFilter{Company: actor.Company, Scope: sc, PharmacyCode: code}, nil
	}
	return model.MessageFilter{Company: actor.Company, Scope: model.ScopeCompany}, nil
}

// History возвращает последние limit сообщений канала от старых к новым.
// limit <= 0 — значение по умолчанию, больше максимума — максимум.
func (s *ChatService) History(ctx context.Context, actor *model.Principal, sc model.Scope, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.History", time.Now())()
	f, err := filterFor(actor, sc)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	items, err := s.messages.Latest(ctx, f, limit)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Post сохраняет сообщение и публикует его в канал scope.
// Сообщения компании никогда не привязываются к аптеке автора.
func (s *ChatService) Post(ctx context.Context, actor *model.Principal, sc model.Scope, text string) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.Post", time.Now())()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ValidationErr("text required")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, ValidationErr("text too long")
	}
	f, err := filterFor(actor, sc)
	if err != nil {
		return nil, err
	}
	m := &model.Message{
		ID:           uuid.New().String(),
		Company:      f.Company,
		PharmacyCode: model.StringPtr(f.PharmacyCode),
		Scope:        f.Scope,
		AuthorID:     actor.ID,
		AuthorName:   authorName(actor),
		Text:         text,
		CreatedAt:    s.now(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Publish(ctx, scope.ChannelFor(m.Company, f.PharmacyCode, m.Scope), m)
	}
	return m, nil
}

func authorName(p *model.Principal) string {
	if p.Name != "" {
		return p.Name
	}
	return "Uživatel"
}
