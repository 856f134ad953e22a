package apperror

import "strings"

// Envelope はクライアントに返すエラーレスポンスのJSON構造。
type Envelope struct {
	// Code は安定したエラーコード。
	Code int `json:"code"`
	// Message はクライアント向けのメッセージ。
	Message string `json:"message"`
	// Details は機密キーを除去した補足情報。
	Details map[string]any `json:"details,omitempty"`
	// IsOperational はクライアント起因または想定内のエラーかどうか。
	IsOperational bool `json:"isOperational"`
	// RequestID は相関ID。
	RequestID string `json:"requestId,omitempty"`
	// Error は内部の原因。本番環境以外かつ非Operationalなエラーでのみ設定する。
	Error string `json:"error,omitempty"`
	// Stack はスタックトレース。本番環境以外かつ非Operationalなエラーでのみ設定する。
	Stack string `json:"stack,omitempty"`
}

// Envelope はエラーをレスポンス用のエンベロープに変換する。
// 認証エラーなどOperationalなエラーは本番環境以外でも内部の原因を含めない。
func (e *Error) Envelope(requestID string, production bool) Envelope {
	env := Envelope{
		Code:          e.Code,
		Message:       e.Message,
		Details:       Scrub(e.Details),
		IsOperational: e.Operational,
		RequestID:     requestID,
	}
	if !production && !e.Operational {
		if e.Err != nil {
			env.Error = e.Err.Error()
		}
		env.Stack = string(e.stack)
	}
	return env
}

// sensitiveKeys はdetailsから除去するキー名の部分文字列。
var sensitiveKeys = []string{"password", "token", "secret", "key"}

// isSensitive はキー名が機密情報を示すかどうかを大文字小文字を区別せずに判定する。
func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Scrub はdetailsのコピーから機密キーを再帰的に除去して返す。
// 入力のmapは変更しない。
func Scrub(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitive(k) {
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

// scrubValue はネストしたmapとsliceを辿って機密キーを除去する。
func scrubValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Scrub(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if !isSensitive(k) {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = scrubValue(e)
		}
		return out
	default:
		return v
	}
}
