package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

// Category はエラーの分類を表す。
type Category string

const (
	// CategoryValidation はクライアント入力の不備を表す。リトライされない。
	CategoryValidation Category = "VALIDATION"
	// CategoryAuthentication は認証の失敗を表す。
	CategoryAuthentication Category = "AUTHENTICATION"
	// CategoryAuthorization は権限不足を表す。
	CategoryAuthorization Category = "AUTHORIZATION"
	// CategoryBusiness はドメイン固有の4xxエラーを表す。
	CategoryBusiness Category = "BUSINESS"
	// CategorySystem は5xxエラーを表す。サーキットブレーカーの集計とリトライの対象となる唯一のカテゴリ。
	CategorySystem Category = "SYSTEM"
)

// 各カテゴリのエラーコード。コード範囲はカテゴリごとに固定する。
const (
	CodeValidation       = 1000
	CodeMalformedRequest = 1001

	CodeUnauthenticated = 2001

	CodeForbidden = 3001

	CodeRouteNotFound     = 4004
	CodeRateLimitExceeded = 4029

	CodeInternal           = 5000
	CodeUpstreamFailure    = 5002
	CodeServiceUnavailable = 5003
	CodeUpstreamTimeout    = 5004
)

// codeRange はカテゴリごとのコード範囲 [min, max]。
var codeRange = map[Category][2]int{
	CategoryValidation:     {1000, 1999},
	CategoryAuthentication: {2000, 2999},
	CategoryAuthorization:  {3000, 3999},
	CategoryBusiness:       {4000, 4999},
	CategorySystem:         {5000, 5999},
}

// defaultStatus はカテゴリごとのデフォルトHTTPステータス。
var defaultStatus = map[Category]int{
	CategoryValidation:     http.StatusBadRequest,
	CategoryAuthentication: http.StatusUnauthorized,
	CategoryAuthorization:  http.StatusForbidden,
	CategoryBusiness:       http.StatusUnprocessableEntity,
	CategorySystem:         http.StatusInternalServerError,
}

// Error はクライアントに返却可能な正規化済みエラー。
type Error struct {
	// Category はエラーの分類。
	Category Category
	// Code はカテゴリのコード範囲内の安定したエラーコード。
	Code int
	// Status はHTTPステータスコード。
	Status int
	// Message はクライアント向けのメッセージ。内部情報を含めない。
	Message string
	// Details は補足情報。出力前に機密キーが除去される。
	Details map[string]any
	// Operational はクライアント起因または想定内のエラーであればtrue。
	Operational bool
	// Err は内部の原因。クライアントには本番環境以外でのみ見せる。
	Err error

	stack []byte
}

// New は指定カテゴリのエラーを生成する。
// コードがカテゴリの範囲外の場合はパニックする（プログラミングエラー）。
func New(category Category, code int, message string) *Error {
	r, ok := codeRange[category]
	if !ok {
		panic(fmt.Sprintf("apperror: 未知のカテゴリ %q", category))
	}
	if code < r[0] || code > r[1] {
		panic(fmt.Sprintf("apperror: コード %d はカテゴリ %s の範囲外", code, category))
	}
	e := &Error{
		Category:    category,
		Code:        code,
		Status:      defaultStatus[category],
		Message:     message,
		Operational: category != CategorySystem,
	}
	if !e.Operational {
		e.stack = debug.Stack()
	}
	return e
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%d): %s: %v", e.Category, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%d): %s", e.Category, e.Code, e.Message)
}

// Unwrap は内部の原因を返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Stack はエラー生成時点のスタックトレースを返す。Operationalなエラーではnil。
func (e *Error) Stack() []byte {
	return e.stack
}

// IsSystem はSystemカテゴリのエラーかどうかを返す。
func (e *Error) IsSystem() bool {
	return e.Category == CategorySystem
}

// WithStatus はHTTPステータスを差し替えたコピーを返す。
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

// WithDetails は補足情報を設定したコピーを返す。
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

// Wrap は内部の原因を設定したコピーを返す。
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// From は任意のエラーを*Errorに変換する。
// *Errorを含まないエラーは非OperationalなSystemエラーとして扱う。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// Validation はクライアント入力の不備を表すエラーを返す。
func Validation(message string, details map[string]any) *Error {
	return New(CategoryValidation, CodeValidation, message).WithDetails(details)
}

// Unauthenticated は認証失敗を表すエラーを返す。
// どの検証に失敗したかはクライアントに明かさず、原因はErrにのみ保持する。
func Unauthenticated(cause error) *Error {
	return New(CategoryAuthentication, CodeUnauthenticated, "Authentication required").Wrap(cause)
}

// Forbidden は権限不足を表すエラーを返す。
func Forbidden(cause error) *Error {
	return New(CategoryAuthorization, CodeForbidden, "Forbidden").Wrap(cause)
}

// RouteNotFound はパスに一致するサービスが存在しないことを表すエラーを返す。
func RouteNotFound(path string) *Error {
	return New(CategoryBusiness, CodeRouteNotFound, "Route not found").
		WithStatus(http.StatusNotFound).
		WithDetails(map[string]any{"path": path})
}

// RateLimitExceeded はレート制限超過を表すエラーを返す。
func RateLimitExceeded(retryAfterSeconds int) *Error {
	return New(CategoryBusiness, CodeRateLimitExceeded, "Too many requests").
		WithStatus(http.StatusTooManyRequests).
		WithDetails(map[string]any{"retryAfter": retryAfterSeconds})
}

// Internal は予期しない内部エラーを返す。
func Internal(cause error) *Error {
	return New(CategorySystem, CodeInternal, "Internal server error").Wrap(cause)
}

// ServiceUnavailable はサーキットブレーカーが開いている場合のエラーを返す。
// どの閾値で遮断されたかは明かさない。
func ServiceUnavailable(cause error) *Error {
	return New(CategorySystem, CodeServiceUnavailable, "Service unavailable").
		WithStatus(http.StatusServiceUnavailable).
		Wrap(cause)
}

// UpstreamFailure は上流サービスとの通信失敗または5xx応答を表すエラーを返す。
func UpstreamFailure(cause error) *Error {
	return New(CategorySystem, CodeUpstreamFailure, "Bad gateway").
		WithStatus(http.StatusBadGateway).
		Wrap(cause)
}

// UpstreamTimeout は上流サービスのタイムアウトを表すエラーを返す。
func UpstreamTimeout(cause error) *Error {
	return New(CategorySystem, CodeUpstreamTimeout, "Gateway timeout").
		WithStatus(http.StatusGatewayTimeout).
		Wrap(cause)
}
