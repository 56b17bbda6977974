// Package storage описывает хранилища портала. Реализации: repository (PostgreSQL),
// memory (в памяти, для -memory и тестов), redis (relay каналов и кеш пользователей).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pharmportal/internal/model"
)

var ErrNotFound = errors.New("not found")

// TaskStore — документное хранилище задач. Каждая операция — одна атомарная запись по id задачи.
// Задачи с deleted_at не изменяются (ErrNotFound).
type TaskStore interface {
	Create(ctx context.Context, t *model.Task) error
	// GetByID возвращает задачу, в том числе удалённую (вызывающий проверяет DeletedAt).
	GetByID(ctx context.Context, id string) (*model.Task, error)
	// Update применяет только заданные поля u и добавляет отметки u.SeedKeys, одной записью.
	// Возвращает задачу после записи.
	Update(ctx context.Context, id string, u model.TaskUpdate) (*model.Task, error)
	// SetCompletion записывает одну отметку и возвращает задачу после записи.
	// Если c.Done и у задачи не больше одной аптеки, статус open в той же записи становится done.
	SetCompletion(ctx context.Context, id, key string, c model.Completion) (*model.Task, error)
	Archive(ctx context.Context, id string, at time.Time) error
	// List — не удалённые задачи по фильтру, порядок: due_date ASC (без срока в конце), created_at DESC.
	List(ctx context.Context, f model.TaskFilter) ([]model.Task, error)
	// ListForTarget — не удалённые и не архивные задачи, адресованные аптеке pharmacyCode
	// или пользователю userID (пустые значения не участвуют). Порядок как в List.
	ListForTarget(ctx context.Context, pharmacyCode, userID string) ([]model.Task, error)
}

// MessageStore — журнал сообщений чата (только добавление).
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	// Latest возвращает до limit последних сообщений канала, от новых к старым.
	Latest(ctx context.Context, f model.MessageFilter, limit int) ([]model.Message, error)
}

// UserStore — чтение пользователей (учётные записи ведёт внешний сервис).
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// PrincipalCache кеширует пользователей для дозаполнения токенов.
type PrincipalCache interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetUser(ctx context.Context, u *model.User) error
}

// Relay пересылает публикации каналов между экземплярами API.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe блокируется до отмены ctx, вызывая handler для каждой полученной публикации.
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	Close() error
}
