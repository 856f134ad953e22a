package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded はクライアントが割り当てを使い切ったことを表す。
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Policy はレート制限のパラメータ。
type Policy struct {
	// MaxPoints はウィンドウあたりのポイント数。
	MaxPoints int
	// Window はウィンドウの長さ。最初の消費時点から計測する。
	Window time.Duration
	// BlockDuration は超過時に拒否を継続する期間。0の場合はウィンドウのリセットで解除される。
	BlockDuration time.Duration
}

// Validate はパラメータを検証する。
func (p Policy) Validate() error {
	if p.MaxPoints <= 0 {
		return fmt.Errorf("MaxPoints は正の値で指定してください: %d", p.MaxPoints)
	}
	if p.Window <= 0 {
		return fmt.Errorf("Window は正の値で指定してください: %s", p.Window)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("BlockDuration は0以上で指定してください: %s", p.BlockDuration)
	}
	return nil
}

// Result は1回の消費の判定結果。
type Result struct {
	// Allowed は消費できた場合にtrue。
	Allowed bool
	// Limit はウィンドウあたりのポイント数。
	Limit int
	// Remaining は残りポイント数。負になることはない。
	Remaining int
	// ResetAt はウィンドウがリセットされる日時。
	ResetAt time.Time
	// RetryAfter は拒否された場合に再試行まで待つべき時間。
	RetryAfter time.Duration
	// Blocked はBlockDurationによるブロック中であればtrue。
	Blocked bool
}

// Store はポイントの取得と条件付き減算を原子的に行うストア。
// 拒否する場合はバケットの残りポイントを変更してはならない。
type Store interface {
	// Consume はkeyのバケットからcostを消費する。nowはウィンドウ計算の基準時刻。
	Consume(ctx context.Context, key string, cost int, policy Policy, now time.Time) (Result, error)
}

// Limiter はストアにポリシーと時計を組み合わせたレートリミッター。
type Limiter struct {
	// store はバケットの保存先。
	store Store
	// policy はレート制限のパラメータ。
	policy Policy
	// now は現在時刻を返す。
	now func() time.Time
}

// Option はLimiterの生成オプション。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New は新しいLimiterを生成する。
func New(store Store, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ストアが指定されていません")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("レート制限の設定が不正: %w", err)
	}
	l := &Limiter{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy は設定済みのポリシーを返す。
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Consume はclientKeyからcostポイントを消費する。costが0以下の場合は1として扱う。
// 残りポイントが足りない場合はResultとともにErrLimitExceededを返す。
// ストアの障害は別のエラーとして返す。
func (l *Limiter) Consume(ctx context.Context, clientKey string, cost int) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	res, err := l.store.Consume(ctx, clientKey, cost, l.policy, l.now())
	if err != nil {
		return Result{}, fmt.Errorf("レート制限ストアの更新に失敗: %w", err)
	}
	if !res.Allowed {
		return res, ErrLimitExceeded
	}
	return res, nil
}

// retryAfter はnowからuntilまでの待ち時間を返す。
func retryAfter(now, until time.Time) time.Duration {
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
