package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript はバケットの取得と条件付き減算を1回のスクリプト実行で行う。
//
// KEYS[1]: バケット（remaining, reset_at のハッシュ）
// KEYS[2]: ブロック期限（ミリ秒のUNIX時刻）
// ARGV: max, cost, window_ms, block_ms, now_ms
// 戻り値: {allowed, remaining, reset_at_ms, blocked_until_ms}
var consumeScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local block = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local blocked = tonumber(redis.call('GET', KEYS[2]))
if blocked and blocked > now then
  return {0, 0, blocked, blocked}
end

local state = redis.call('HMGET', KEYS[1], 'remaining', 'reset_at')
local remaining = tonumber(state[1])
local reset_at = tonumber(state[2])
if remaining == nil or reset_at == nil or reset_at <= now then
  remaining = max
  reset_at = now + window
end

if remaining < cost then
  local blocked_until = 0
  if block > 0 then
    blocked_until = now + block
    redis.call('SET', KEYS[2], blocked_until, 'PX', block)
  end
  return {0, remaining, reset_at, blocked_until}
end

remaining = remaining - cost
redis.call('HSET', KEYS[1], 'remaining', remaining, 'reset_at', reset_at)
redis.call('PEXPIRE', KEYS[1], reset_at - now)
return {1, remaining, reset_at, 0}
`)

// DefaultRedisPrefix はRedisキーのデフォルト接頭辞。
const DefaultRedisPrefix = "edgegate:ratelimit"

// RedisStore は複数のGatewayインスタンスで共有するRedisベースのストア。
// スケールアウト直後などに一時的に予算を超えることは許容する。
type RedisStore struct {
	// client はスクリプトを実行するRedisクライアント。
	client redis.Scripter
	// prefix はキーの接頭辞。
	prefix string
}

// NewRedisStore は新しいRedisStoreを生成する。prefixが空の場合はデフォルトを使う。
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Consume はStoreインターフェースを実装する。
func (s *RedisStore) Consume(ctx context.Context, key string, cost int, policy Policy, now time.Time) (Result, error) {
	keys := []string{
		s.prefix + ":points:" + key,
		s.prefix + ":block:" + key,
	}
	vals, err := consumeScript.Run(ctx, s.client, keys,
		policy.MaxPoints,
		cost,
		policy.Window.Milliseconds(),
		policy.BlockDuration.Milliseconds(),
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("レート制限スクリプトの実行に失敗: %w", err)
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("レート制限スクリプトの戻り値が不正: %v", vals)
	}

	res := Result{
		Allowed:   vals[0] == 1,
		Limit:     policy.MaxPoints,
		Remaining: int(vals[1]),
		ResetAt:   time.UnixMilli(vals[2]),
	}
	if blockedUntil := vals[3]; blockedUntil > 0 {
		res.Blocked = true
		res.Remaining = 0
		res.ResetAt = time.UnixMilli(blockedUntil)
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(now, res.ResetAt)
	}
	return res, nil
}
