package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID は相関IDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-Id"

// contextKeyRequestID はGinコンテキストに相関IDを保存するキー。
const contextKeyRequestID = "request_id"

// maxRequestIDLength は受け入れる相関IDの最大長。
const maxRequestIDLength = 128

// RequestID は相関IDを割り当てるGinミドルウェアを返す。
// 受信したX-Request-Idが妥当であればそのまま使い、なければUUIDを生成する。
// 相関IDはレスポンスヘッダーと上流へのリクエストヘッダーの両方に設定する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(contextKeyRequestID, id)
		c.Request.Header.Set(HeaderRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストから相関IDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}

// validRequestID は相関IDとして受け入れられる値かどうかを判定する。
// ヘッダーインジェクションを避けるため表示可能なASCII文字のみを許可する。
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
