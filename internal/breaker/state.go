package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State はサーキットブレーカーの状態。
type State int32

const (
	// StateClosed は呼び出しを通過させる初期状態。
	StateClosed State = iota
	// StateOpen は全呼び出しを即座に拒否する状態。
	StateOpen
	// StateHalfOpen は試行呼び出しを1つだけ許可する状態。
	StateHalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText は状態名でJSONに出力するために実装する。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result は1回の呼び出しの結果種別。メトリクス用。
type Result string

const (
	// ResultSuccess は呼び出しが成功したことを表す。
	ResultSuccess Result = "success"
	// ResultFailure は呼び出しが失敗したことを表す。
	ResultFailure Result = "failure"
	// ResultTimeout は呼び出しがタイムアウトしたことを表す。
	ResultTimeout Result = "timeout"
	// ResultRejected はブレーカーが呼び出しを拒否したことを表す。
	ResultRejected Result = "rejected"
)

var (
	// ErrOpen はブレーカーが呼び出しを拒否したことを表す。
	ErrOpen = errors.New("circuit breaker is open")
	// ErrUnknownService は登録されていないサービスが指定されたことを表す。
	ErrUnknownService = errors.New("unknown service")
)

// OpenError はブレーカーが開いているため呼び出しを行わなかったことを表す。
type OpenError struct {
	// Service は対象サービス名。
	Service string
	// State は拒否時の状態（OPEN または HALF_OPEN）。
	State State
}

// Error はerrorインターフェースを実装する。
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: service=%s state=%s", e.Service, e.State)
}

// Unwrap はErrOpenを返し、errors.Is(err, ErrOpen) を可能にする。
func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// UpstreamError は呼び出しを行ったが失敗またはタイムアウトしたことを表す。
type UpstreamError struct {
	// Service は対象サービス名。
	Service string
	// Timeout はタイムアウトによる失敗であればtrue。
	Timeout bool
	// Err は呼び出しが返した元のエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream timeout: service=%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("upstream failure: service=%s: %v", e.Service, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Snapshot はブレーカーの状態を同期的に参照するためのコピー。
type Snapshot struct {
	// ServiceID はサービス名。
	ServiceID string `json:"serviceId"`
	// State は現在の状態。
	State State `json:"state"`
	// ConsecutiveFailures は連続失敗回数。
	ConsecutiveFailures int `json:"consecutiveFailures"`
	// LastFailureAt は最後に失敗した日時。失敗がなければゼロ値。
	LastFailureAt time.Time `json:"lastFailureAt"`
	// NextAttemptAt はOPEN状態で次に試行を許可する日時。
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	// WindowRequests はローリングウィンドウ内の呼び出し数。
	WindowRequests int `json:"windowRequests"`
	// WindowFailures はローリングウィンドウ内の失敗数。
	WindowFailures int `json:"windowFailures"`
}

// Observer はブレーカーの状態遷移と呼び出し結果を受け取る。
// 呼び出し元の制御フローとは独立しており、メトリクス収集に使用する。
// 実装はブロックしてはならない。
type Observer interface {
	// OnStateChange は状態遷移の直後に呼ばれる。
	OnStateChange(service string, from, to State)
	// OnResult は各呼び出しの結果確定後に呼ばれる。
	OnResult(service string, result Result)
}
