// Package memory — хранилище портала в памяти процесса (режим -memory и тесты).
// Семантика (фильтры, порядок, атомарность записи по id) совпадает с repository.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/storage"
)

type Client struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	messages []model.Message
	users    map[string]*model.User
	now      func() time.Time
}

func New() *Client {
	return &Client{
		tasks: make(map[string]*model.Task),
		users: make(map[string]*model.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Close() error { return nil }

// PutUser добавляет или заменяет пользователя (в проде пользователей создаёт сервис авторизации).
func (c *Client) PutUser(u *model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *u
	c.users[u.ID] = &cp
}

func (c *Client) FindByID(ctx context.Context, id string) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Tasks возвращает TaskStore поверх этого клиента.
func (c *Client) Tasks() storage.TaskStore { return taskStore{c} }

// Messages возвращает MessageStore поверх этого клиента.
func (c *Client) Messages() storage.MessageStore { return messageStore{c} }

type taskStore struct{ c *Client }

func (s taskStore) Create(ctx context.Context, t *model.Task) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.tasks[t.ID] = t.Clone()
	return nil
}

func (s taskStore) GetByID(ctx context.Context, id string) (*model.Task, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	t, ok := s.c.tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// active возвращает не удалённую задачу; вызывать под c.mu.
func (s taskStore) active(id string) (*model.Task, error) {
	t, ok := s.c.tasks[id]
	if !ok || t.DeletedAt != nil {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (s taskStore) Update(ctx context.Context, id string, u model.TaskUpdate) (*model.Task, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	cur, err := s.active(id)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		cur.Title = *u.Title
	}
	if u.Description != nil {
		cur.Description = *u.Description
	}
	if u.ClearDueDate {
		cur.DueDate = nil
	} else if u.DueDate != nil {
		due := *u.DueDate
		cur.DueDate = &due
	}
	if u.Status != nil {
		cur.Status = *u.Status
	}
	if u.PharmacyCodes != nil {
		cur.PharmacyCodes = append([]string{}, (*u.PharmacyCodes)...)
	}
	if u.UserIDs != nil {
		cur.UserIDs = append([]string{}, (*u.UserIDs)...)
	}
	if cur.Completions == nil {
		cur.Completions = make(map[string]model.Completion)
	}
	for _, k := range u.SeedKeys {
		if _, ok := cur.Completions[k]; !ok {
			cur.Completions[k] = model.Completion{}
		}
	}
	cur.UpdatedAt = s.c.now()
	return cur.Clone(), nil
}

func (s taskStore) SetCompletion(ctx context.Context, id, key string, comp model.Completion) (*model.Task, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	cur, err := s.active(id)
	if err != nil {
		return nil, err
	}
	if cur.Completions == nil {
		cur.Completions = make(map[string]model.Completion)
	}
	cur.Completions[key] = comp
	if comp.Done && cur.Status == model.TaskStatusOpen && len(cur.PharmacyCodes) <= 1 {
		cur.Status = model.TaskStatusDone
	}
	cur.UpdatedAt = s.c.now()
	return cur.Clone(), nil
}

func (s taskStore) Archive(ctx context.Context, id string, at time.Time) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	cur, err := s.active(id)
	if err != nil {
		return err
	}
	cur.DeletedAt = &at
	cur.Status = model.TaskStatusArchived
	cur.UpdatedAt = at
	return nil
}

func (s taskStore) List(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	q := strings.ToLower(f.TitleContains)
	out := make([]model.Task, 0, len(s.c.tasks))
	for _, t := range s.c.tasks {
		if t.DeletedAt != nil {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.PharmacyCode != "" && !has(t.PharmacyCodes, f.PharmacyCode) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(t.Title), q) {
			continue
		}
		out = append(out, *t.Clone())
	}
	sortTasks(out)
	return out, nil
}

func (s taskStore) ListForTarget(ctx context.Context, pharmacyCode, userID string) ([]model.Task, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	out := make([]model.Task, 0)
	for _, t := range s.c.tasks {
		if t.DeletedAt != nil || t.Status == model.TaskStatusArchived {
			continue
		}
		if (pharmacyCode != "" && has(t.PharmacyCodes, pharmacyCode)) || (userID != "" && has(t.UserIDs, userID)) {
			out = append(out, *t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// sortTasks: due_date по возрастанию, задачи без срока в конце, затем created_at по убыванию.
func sortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func has(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type messageStore struct{ c *Client }

func (s messageStore) Create(ctx context.Context, m *model.Message) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.messages = append(s.c.messages, *m)
	return nil
}

// Latest идёт с конца журнала: порядок вставки совпадает с порядком created_at на сервере.
func (s messageStore) Latest(ctx context.Context, f model.MessageFilter, limit int) ([]model.Message, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	out := make([]model.Message, 0, limit)
	for i := len(s.c.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.c.messages[i]
		if m.Company != f.Company || m.Scope != f.Scope {
			continue
		}
		if f.Scope == model.ScopePharmacy && (m.PharmacyCode == nil || *m.PharmacyCode != f.PharmacyCode) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
