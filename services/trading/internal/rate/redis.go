package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "trading:rl:"

// KEYS are the budgets a request must fit into; ARGV[1] is the window and
// ARGV[1+i] the limit of KEYS[i]. Nothing is counted unless every budget
// has room.
var budgetScript = redis.NewScript(`
local window_ms = tonumber(ARGV[1])
local blocked = false
local wait = 0

for i, key in ipairs(KEYS) do
  local limit = tonumber(ARGV[i + 1])
  local current = tonumber(redis.call("GET", key) or "0")
  if current >= limit then
    blocked = true
    local ttl = redis.call("PTTL", key)
    if ttl < 0 then
      ttl = window_ms
    end
    if ttl > wait then
      wait = ttl
    end
  end
end

if blocked then
  return {0, wait}
end

for _, key in ipairs(KEYS) do
  if redis.call("INCR", key) == 1 then
    redis.call("PEXPIRE", key, window_ms)
  end
end
return {1, 0}
`)

// RedisLimiter shares budgets across gateway replicas.
type RedisLimiter struct {
	client redis.Scripter
	policy Policy
	prefix string
}

func NewRedisLimiter(client redis.Scripter, policy Policy, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, policy: policy, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, route Route, _ time.Time) (bool, time.Duration, error) {
	windowMS := l.policy.Window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window %s", l.policy.Window)
	}

	budgets := l.policy.budgets(userID, route)
	keys := make([]string, 0, len(budgets))
	args := make([]interface{}, 0, len(budgets)+1)
	args = append(args, windowMS)
	for _, b := range budgets {
		keys = append(keys, l.prefix+b.key)
		args = append(args, b.limit)
	}

	res, err := budgetScript.Run(ctx, l.client, keys, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected redis response %T", res)
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis response")
	}
	waitMS, ok := vals[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis response")
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(waitMS) * time.Millisecond, nil
}
