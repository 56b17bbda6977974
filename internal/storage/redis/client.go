package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	// RelayChannel — pub/sub канал, через который экземпляры API обмениваются публикациями чата.
	RelayChannel = "portal:chat"
	// DefaultPrincipalTTL — время жизни пользователя в кеше дозаполнения.
	DefaultPrincipalTTL = 5 * time.Minute
)

type Client struct {
	cli          *redis.Client
	principalTTL time.Duration
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, principalTTL: DefaultPrincipalTTL}, nil
}

// SetPrincipalTTL задаёт TTL кеша пользователей; d <= 0 оставляет значение по умолчанию.
func (c *Client) SetPrincipalTTL(d time.Duration) {
	if d > 0 {
		c.principalTTL = d
	}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Publish отправляет публикацию всем экземплярам, подписанным на RelayChannel.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	if err := c.cli.Publish(ctx, RelayChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe читает RelayChannel до отмены ctx.
func (c *Client) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	sub := c.cli.Subscribe(ctx, RelayChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	logger.Infof("relay subscribed to %s", RelayChannel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

func userKey(id string) string { return "portal:user:" + id }

// GetUser возвращает пользователя из кеша; nil, nil если ключа нет.
func (c *Client) GetUser(ctx context.Context, id string) (*model.User, error) {
	val, err := c.cli.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get user: %w", err)
	}
	var u model.User
	if err := json.Unmarshal(val, &u); err != nil {
		return nil, fmt.Errorf("redis decode user: %w", err)
	}
	return &u, nil
}

func (c *Client) SetUser(ctx context.Context, u *model.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis encode user: %w", err)
	}
	return c.cli.Set(ctx, userKey(u.ID), data, c.principalTTL).Err()
}
