package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config はサービスごとのブレーカー設定。
// サービスごとに許容できる遅延やエラー率が異なるため、すべて個別に指定する。
type Config struct {
	// ThresholdPct はOPENに遷移する失敗率（1〜100）。
	ThresholdPct int
	// Window は失敗率を評価するローリングウィンドウの長さ。
	Window time.Duration
	// Buckets はローリングウィンドウの分割数。
	Buckets int
	// MinRequests は失敗率を評価するためにウィンドウ内で必要な最小呼び出し数。
	MinRequests int
	// ResetTimeout はOPENに遷移してから試行を許可するまでの時間。
	ResetTimeout time.Duration
	// MaxResetTimeout は試行失敗が続いた場合のResetTimeoutの上限。
	// ResetTimeout以下の場合は延長しない。
	MaxResetTimeout time.Duration
}

// DefaultConfig はデフォルトのブレーカー設定を返す。
func DefaultConfig() Config {
	return Config{
		ThresholdPct: 50,
		Window:       10 * time.Second,
		Buckets:      10,
		MinRequests:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	if c.ThresholdPct < 1 || c.ThresholdPct > 100 {
		return fmt.Errorf("ThresholdPct は1〜100で指定してください: %d", c.ThresholdPct)
	}
	if c.Window <= 0 {
		return fmt.Errorf("Window は正の値で指定してください: %s", c.Window)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("ResetTimeout は正の値で指定してください: %s", c.ResetTimeout)
	}
	if c.MinRequests < 0 || c.Buckets < 0 {
		return errors.New("MinRequests と Buckets は0以上で指定してください")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Buckets == 0 {
		c.Buckets = d.Buckets
	}
	if c.MinRequests == 0 {
		c.MinRequests = 1
	}
	if c.MaxResetTimeout < c.ResetTimeout {
		c.MaxResetTimeout = c.ResetTimeout
	}
	return c
}

// Breaker は1つの下流サービスに対するサーキットブレーカー。
type Breaker struct {
	// name はサービス名。
	name string
	// cfg はデフォルト値を補完済みの設定。
	cfg Config
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
	// observer は状態遷移と結果の通知先。nilの場合は通知しない。
	observer Observer
	// onTransition はManagerが設定するログ用のフック。
	onTransition func(name string, from, to State)

	// state は現在の状態。CLOSEDの判定はロックなしで行う。
	state atomic.Int32

	// mu は以下のフィールドを保護する。ネットワーク呼び出し中は保持しない。
	mu                  sync.Mutex
	window              *rollingWindow
	consecutiveFailures int
	lastFailureAt       time.Time
	nextAttemptAt       time.Time
	// reopen はHALF_OPENでの試行失敗ごとにResetTimeoutを延長する。
	reopen *backoff.ExponentialBackOff
}

// newBreaker は新しいブレーカーをCLOSED状態で生成する。
func newBreaker(name string, cfg Config, now func() time.Time, observer Observer) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      now,
		observer: observer,
		window:   newRollingWindow(cfg.Window, cfg.Buckets),
		reopen: &backoff.ExponentialBackOff{
			InitialInterval:     cfg.ResetTimeout,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         cfg.MaxResetTimeout,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
	}
	b.reopen.Reset()
	b.state.Store(int32(StateClosed))
	return b
}

// Name はサービス名を返す。
func (b *Breaker) Name() string {
	return b.name
}

// State は現在の状態を返す。
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Snapshot は現在の状態のコピーを返す。
func (b *Breaker) Snapshot() Snapshot {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	requests, failures := b.window.totals(now)
	return Snapshot{
		ServiceID:           b.name,
		State:               b.State(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		NextAttemptAt:       b.nextAttemptAt,
		WindowRequests:      requests,
		WindowFailures:      failures,
	}
}

// ignoredError はブレーカーに記録しない失敗を表す。
type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }

func (e *ignoredError) Unwrap() error { return e.err }

// Ignore はerrをブレーカーの失敗として数えないエラーで包む。
// クライアント側の原因で上流の呼び出しが失敗した場合に使う。
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// Execute はブレーカーの判定を経てcallを実行する。
//
// OPEN（またはHALF_OPENで試行中）の場合はcallを呼ばずに*OpenErrorを返す。
// callが失敗した場合やtimeoutを超えた場合は*UpstreamErrorを返す。
// timeoutが0以下の場合はctxの期限のみに従う。
// ctxのキャンセルでcallが中断された場合と、callがIgnoreで包んだエラーを返した場合は、
// 結果を記録せずに試行枠を解放する。ctxのキャンセル後でもcallが返した結果は記録する。
func (b *Breaker) Execute(ctx context.Context, timeout time.Duration, call func(ctx context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		b.notifyResult(ResultRejected)
		return err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	finished := false
	defer func() {
		// callがパニックした場合も試行枠を解放する
		if !finished {
			b.record(trial, true)
			b.notifyResult(ResultFailure)
		}
	}()

	callErr := call(callCtx)
	finished = true

	if callErr == nil {
		b.record(trial, false)
		b.notifyResult(ResultSuccess)
		return nil
	}

	var ignored *ignoredError
	if errors.As(callErr, &ignored) {
		b.release(trial)
		return ignored.err
	}
	if ctx.Err() != nil && errors.Is(callErr, context.Canceled) {
		b.release(trial)
		return callErr
	}

	timedOut := errors.Is(callErr, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
	b.record(trial, true)
	if timedOut {
		b.notifyResult(ResultTimeout)
	} else {
		b.notifyResult(ResultFailure)
	}
	return &UpstreamError{Service: b.name, Timeout: timedOut, Err: callErr}
}

// admit は呼び出しを許可するかどうかを判定する。
// trialがtrueの場合、この呼び出しはHALF_OPENの唯一の試行である。
func (b *Breaker) admit() (trial bool, err error) {
	if State(b.state.Load()) == StateClosed {
		return false, nil
	}

	b.mu.Lock()
	state := State(b.state.Load())
	if state == StateOpen && !b.now().Before(b.nextAttemptAt) &&
		b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
		b.mu.Unlock()
		b.transitioned(StateOpen, StateHalfOpen)
		return true, nil
	}
	b.mu.Unlock()

	if state == StateClosed {
		// ロックを取る間に別のgoroutineがCLOSEDに戻した
		return false, nil
	}
	return false, &OpenError{Service: b.name, State: state}
}

// record は呼び出しの結果を反映し、必要であれば状態を遷移させる。
func (b *Breaker) record(trial, failure bool) {
	now := b.now()
	from, to := StateClosed, StateClosed
	changed := false

	b.mu.Lock()
	switch {
	case trial:
		b.countConsecutive(now, failure)
		if failure {
			b.nextAttemptAt = now.Add(b.reopen.NextBackOff())
			b.state.Store(int32(StateOpen))
			from, to, changed = StateHalfOpen, StateOpen, true
		} else {
			b.window.reset()
			b.reopen.Reset()
			b.state.Store(int32(StateClosed))
			from, to, changed = StateHalfOpen, StateClosed, true
		}
	case State(b.state.Load()) == StateClosed:
		b.countConsecutive(now, failure)
		b.window.add(now, failure)
		if failure && b.tripped(now) {
			b.reopen.Reset()
			b.nextAttemptAt = now.Add(b.reopen.NextBackOff())
			b.state.Store(int32(StateOpen))
			from, to, changed = StateClosed, StateOpen, true
		}
	}
	// OPEN中に完了した（CLOSED時に許可された）呼び出しは状態に影響しない
	b.mu.Unlock()

	if changed {
		b.transitioned(from, to)
	}
}

// release は結果を記録せずに試行枠を解放する。
// 試行が記録されずに終わった場合、OPENに戻して次の呼び出しで再試行させる。
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.transitioned(StateHalfOpen, StateOpen)
	}
}

// countConsecutive は連続失敗回数を更新する。ロックを保持して呼ぶこと。
func (b *Breaker) countConsecutive(now time.Time, failure bool) {
	if failure {
		b.consecutiveFailures++
		b.lastFailureAt = now
		return
	}
	b.consecutiveFailures = 0
}

// tripped はウィンドウ内の失敗率が閾値以上かどうかを返す。ロックを保持して呼ぶこと。
func (b *Breaker) tripped(now time.Time) bool {
	requests, failures := b.window.totals(now)
	if requests < b.cfg.MinRequests {
		return false
	}
	return failures*100 >= b.cfg.ThresholdPct*requests
}

func (b *Breaker) transitioned(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
	if b.observer != nil {
		b.observer.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) notifyResult(r Result) {
	if b.observer != nil {
		b.observer.OnResult(b.name, r)
	}
}
