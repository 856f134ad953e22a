package breaker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Manager はサービス名ごとのブレーカーを保持するレジストリ。
// 生成後にブレーカーの追加・削除は行わないため、参照にロックは不要。
// 異なるサービスへの呼び出しが互いに競合することはない。
type Manager struct {
	// breakers はサービス名からブレーカーへのマップ。
	breakers map[string]*Breaker
	// logger は状態遷移のログ出力先。
	logger *zap.Logger
}

// Option はManagerの生成オプション。
type Option func(*managerOptions)

type managerOptions struct {
	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.now = now }
}

// WithObserver は状態遷移と結果の通知先を設定する。
func WithObserver(observer Observer) Option {
	return func(o *managerOptions) { o.observer = observer }
}

// WithLogger はログ出力先を設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// NewManager はサービスごとの設定からブレーカーを生成する。
// 設定が不正なサービスがあればエラーを返す。
func NewManager(configs map[string]Config, opts ...Option) (*Manager, error) {
	o := managerOptions{
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		breakers: make(map[string]*Breaker, len(configs)),
		logger:   o.logger,
	}
	for name, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("サービス %s のブレーカー設定が不正: %w", name, err)
		}
		b := newBreaker(name, cfg, o.now, o.observer)
		b.onTransition = m.logTransition
		m.breakers[name] = b
	}
	return m, nil
}

// Execute は指定サービスのブレーカーを経由してcallを実行する。
// 登録されていないサービスの場合はErrUnknownServiceを返す。
func (m *Manager) Execute(ctx context.Context, serviceID string, timeout time.Duration, call func(ctx context.Context) error) error {
	b, ok := m.breakers[serviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	return b.Execute(ctx, timeout, call)
}

// Breaker は指定サービスのブレーカーを返す。
func (m *Manager) Breaker(serviceID string) (*Breaker, bool) {
	b, ok := m.breakers[serviceID]
	return b, ok
}

// Snapshots は全ブレーカーの状態をサービス名順で返す。
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// logTransition は状態遷移をログに出力する。
// OPENへの遷移は警告、それ以外は情報として扱う。
func (m *Manager) logTransition(name string, from, to State) {
	fields := []zap.Field{
		zap.String("service", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	if to == StateOpen {
		m.logger.Warn("サーキットブレーカーが開きました", fields...)
		return
	}
	m.logger.Info("サーキットブレーカーの状態が変化しました", fields...)
}
