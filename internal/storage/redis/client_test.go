package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pharmportal/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_UserCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	c.SetPrincipalTTL(time.Minute)

	got, err := c.GetUser(ctx, "missing-user-id")
	require.NoError(t, err)
	assert.Nil(t, got)

	u := &model.User{ID: "u-cache-1", Username: "eva", Role: model.RoleAdmin, Company: "acme", PharmacyCode: model.StringPtr("P1")}
	require.NoError(t, c.SetUser(ctx, u))

	got, err = c.GetUser(ctx, "u-cache-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.Company)
	assert.Equal(t, model.RoleAdmin, got.Role)
	require.NotNil(t, got.PharmacyCode)
	assert.Equal(t, "P1", *got.PharmacyCode)
}

func TestClient_RelayRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	go func() {
		_ = c.Subscribe(ctx, func(payload []byte) {
			select {
			case received <- payload:
			default:
			}
		})
	}()

	// подписка устанавливается асинхронно
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, c.Publish(ctx, []byte(`{"channel":"company:acme"}`)))
		select {
		case got := <-received:
			assert.JSONEq(t, `{"channel":"company:acme"}`, string(got))
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("relay message not received")
}
