// Package devstore — замена Redis для одного экземпляра без REDIS_URL:
// кеш пользователей для дозаполнения токенов держится в памяти процесса.
package devstore

import (
	"context"
	"sync"
	"time"

	"github.com/pharmportal/internal/model"
)

type entry struct {
	user    model.User
	expires time.Time
}

// Client реализует storage.PrincipalCache с TTL в памяти.
type Client struct {
	mu    sync.Mutex
	users map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

func New(ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{users: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (c *Client) Close() error { return nil }

// GetUser возвращает копию пользователя; nil, nil если записи нет или она устарела.
func (c *Client) GetUser(ctx context.Context, id string) (*model.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[id]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.users, id)
		return nil, nil
	}
	u := e.user
	return &u, nil
}

func (c *Client) SetUser(ctx context.Context, u *model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = entry{user: *u, expires: c.now().Add(c.ttl)}
	return nil
}
