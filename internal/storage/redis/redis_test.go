package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/domain"
)

func TestInboxEventCodec(t *testing.T) {
	created := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	in := &domain.Message{
		ID:                  "id-1",
		RecipientLookupHash: "hash",
		EncryptedSenderName: "iv:sender",
		EncryptedBody:       "iv:body",
		CreatedAt:           created,
	}

	data, err := encodeInboxEvent(in)
	require.NoError(t, err)

	out, err := decodeInboxEvent(string(data))
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.EncryptedBody, out.EncryptedBody)
	assert.True(t, created.Equal(out.CreatedAt))

	t.Run("拒绝无收件人的事件", func(t *testing.T) {
		_, err := decodeInboxEvent(`{"id":"x"}`)
		assert.Error(t, err)
	})

	t.Run("拒绝非JSON", func(t *testing.T) {
		_, err := decodeInboxEvent("not json")
		assert.Error(t, err)
	})
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "anondrop:ratelimit:send:1.2.3.4", rateLimitKey("send:1.2.3.4"))
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{}, nil)
	assert.Error(t, err)
}

// TestClient_Integration 需要真实 Redis，设置 ANONDROP_TEST_REDIS_ADDR 后运行
func TestClient_Integration(t *testing.T) {
	addr := os.Getenv("ANONDROP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ANONDROP_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := New(ctx, config.RedisConfig{Address: addr}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	t.Run("固定窗口计数", func(t *testing.T) {
		key := "test:" + uuid.NewString()
		for i := int64(1); i <= 3; i++ {
			n, err := client.IncrementRateLimit(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
		ttl, err := client.rdb.TTL(ctx, rateLimitKey(key)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("后续请求不延长窗口", func(t *testing.T) {
		key := "test:" + uuid.NewString()
		_, err := client.IncrementRateLimit(ctx, key, time.Minute)
		require.NoError(t, err)
		require.NoError(t, client.rdb.PExpire(ctx, rateLimitKey(key), 10*time.Second).Err())

		n, err := client.IncrementRateLimit(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		ttl, err := client.rdb.PTTL(ctx, rateLimitKey(key)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, 10*time.Second)
	})

	t.Run("广播新消息", func(t *testing.T) {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		received := make(chan *domain.Message, 1)
		go func() {
			_ = client.ListenInbox(lctx, func(_ context.Context, m *domain.Message) {
				received <- m
			})
		}()

		msg := &domain.Message{ID: uuid.NewString(), RecipientLookupHash: "h", EncryptedBody: "iv:ct"}
		require.Eventually(t, func() bool {
			_ = client.NotifyNewMessage(ctx, msg)
			select {
			case got := <-received:
				return got.ID == msg.ID
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 4*time.Second, 200*time.Millisecond)

		assert.NoError(t, client.Health(ctx))
	})
}
