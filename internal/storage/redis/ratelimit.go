package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "anondrop:ratelimit:"

// 键第一次出现时才设置过期时间，窗口内的后续请求不会延长窗口
var incrementScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func rateLimitKey(key string) string {
	return rateLimitPrefix + key
}

// IncrementRateLimit 增加固定窗口计数
func (c *Client) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, c.rdb, []string{rateLimitKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment rate limit: %w", err)
	}
	return n, nil
}
