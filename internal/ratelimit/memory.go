package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMemoryCapacity はMemoryStoreが保持するキー数のデフォルト上限。
const DefaultMemoryCapacity = 100000

// memoryBucket は1クライアント分の状態。
type memoryBucket struct {
	remaining    int
	resetAt      time.Time
	blockedUntil time.Time
}

// MemoryStore はプロセス内でバケットを保持するストア。
// 単一インスタンス構成や開発環境向け。保持するキー数は容量で上限を設け、
// 超過した場合は最も使われていないキーから破棄する。
type MemoryStore struct {
	// mu はbucketsの読み書きを保護する。クリティカルセクションでI/Oは行わない。
	mu      sync.Mutex
	buckets *simplelru.LRU[string, *memoryBucket]
}

// NewMemoryStore は指定容量のMemoryStoreを生成する。
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	lru, err := simplelru.NewLRU[string, *memoryBucket](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("LRUキャッシュの生成に失敗: %w", err)
	}
	return &MemoryStore{buckets: lru}, nil
}

// Consume はStoreインターフェースを実装する。
func (s *MemoryStore) Consume(_ context.Context, key string, cost int, policy Policy, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(key)
	if ok && now.Before(b.blockedUntil) {
		return Result{
			Limit:      policy.MaxPoints,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: retryAfter(now, b.blockedUntil),
			Blocked:    true,
		}, nil
	}

	current := memoryBucket{remaining: policy.MaxPoints, resetAt: now.Add(policy.Window)}
	if ok && now.Before(b.resetAt) {
		current = memoryBucket{remaining: b.remaining, resetAt: b.resetAt}
	}

	if current.remaining < cost {
		res := Result{
			Limit:      policy.MaxPoints,
			Remaining:  current.remaining,
			ResetAt:    current.resetAt,
			RetryAfter: retryAfter(now, current.resetAt),
		}
		if policy.BlockDuration > 0 {
			current.blockedUntil = now.Add(policy.BlockDuration)
			s.buckets.Add(key, &current)
			res.Remaining = 0
			res.ResetAt = current.blockedUntil
			res.RetryAfter = policy.BlockDuration
			res.Blocked = true
		}
		return res, nil
	}

	current.remaining -= cost
	s.buckets.Add(key, &current)
	return Result{
		Allowed:   true,
		Limit:     policy.MaxPoints,
		Remaining: current.remaining,
		ResetAt:   current.resetAt,
	}, nil
}

// Len は保持しているキー数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets.Len()
}
