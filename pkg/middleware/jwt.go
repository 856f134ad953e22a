package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/apperror"
	"github.com/nao1215/edgegate/pkg/auth"
)

// サービス間で認証情報を伝播するためのHTTPヘッダーキー。
const (
	// HeaderUserID は認証済みユーザーのIDを上流に伝えるヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRole は認証済みユーザーのロールを上流に伝えるヘッダー。
	HeaderUserRole = "X-User-Role"
)

// Ginコンテキストのキー。
const (
	contextKeyUserID      = "user_id"
	contextKeyAuthContext = "auth_context"
)

// AccessPolicy はリクエストが公開ルートかどうかと、必要な権限を返す。
type AccessPolicy func(c *gin.Context) (public bool, required []string)

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
//
// 公開ルートは検証せずに通過させる。検証に失敗した場合は理由にかかわらず
// 同じ401を、権限が不足している場合は403を登録して中断する。
// 検証に成功した場合はコンテキストに auth.Context を設定し、
// ユーザーIDとロールを上流へのリクエストヘッダーに設定する。
func JWTAuth(authn *auth.Authenticator, policy AccessPolicy, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// クライアントが送ってきた値は信用しない
		c.Request.Header.Del(HeaderUserID)
		c.Request.Header.Del(HeaderUserRole)

		public, required := policy(c)
		if public {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			var ac *auth.Context
			ac, err = authn.Authenticate(token)
			if err == nil {
				c.Set(contextKeyAuthContext, ac)
				c.Set(contextKeyUserID, ac.SubjectID)
			}
		}
		if err != nil {
			logger.Debug("トークンの検証に失敗",
				zap.Error(err),
				zap.String("request_id", GetRequestID(c)),
			)
			abortWithError(c, apperror.Unauthenticated(err))
			return
		}

		ac := GetAuthContext(c)
		if err := auth.Authorize(ac, required...); err != nil {
			abortWithError(c, apperror.Forbidden(err))
			return
		}

		c.Request.Header.Set(HeaderUserID, ac.SubjectID)
		if ac.Role != "" {
			c.Request.Header.Set(HeaderUserRole, ac.Role)
		}
		c.Next()
	}
}

// GetAuthContext はGinコンテキストから認証情報を取得する。
// JWTAuthミドルウェアで検証済みでない場合はnilを返す。
func GetAuthContext(c *gin.Context) *auth.Context {
	v, ok := c.Get(contextKeyAuthContext)
	if !ok {
		return nil
	}
	ac, _ := v.(*auth.Context)
	return ac
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}
