//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestRedisStore(t *testing.T) {
	url := testutil.RedisTest(t)
	client, err := Connect(url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	s := NewRedisStore(client)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	key := "test-" + t.Name()
	defer func() { _ = s.Release(ctx, key) }()

	_, reserved, err := s.Reserve(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	rec, reserved, err := s.Reserve(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StatusPending, rec.Status)

	require.NoError(t, s.Complete(ctx, key, 201, []byte(`{"id":1}`), time.Minute))
	rec, _, err = s.Reserve(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, `{"id":1}`, string(rec.ResponseBody))
}
