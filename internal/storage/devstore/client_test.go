package devstore

import (
	"context"
	"testing"
	"time"

	"github.com/pharmportal/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_UserTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := New(time.Minute)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	got, err := c.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.SetUser(ctx, &model.User{ID: "u1", Company: "acme"}))
	got, err = c.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.Company)

	got.Company = "changed"
	again, _ := c.GetUser(ctx, "u1")
	assert.Equal(t, "acme", again.Company, "cache hands out copies")

	now = now.Add(time.Minute)
	got, err = c.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
