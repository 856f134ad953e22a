package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/apperror"
)

// ErrorHandler は後続のハンドラーが c.Error で登録したエラーを
// 共通のエンベロープに変換して書き込むGinミドルウェアを返す。
// エラーレスポンスを書き込むのはこのミドルウェアだけである。
//
// Operationalなエラーはwarn、それ以外はerrorでログに出力する。
// productionがfalseの場合、非Operationalなエラーには内部の原因とスタックトレースを含める。
func ErrorHandler(logger *zap.Logger, production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}
		appErr := apperror.From(last.Err)
		requestID := GetRequestID(c)

		fields := []zap.Field{
			zap.String("category", string(appErr.Category)),
			zap.Int("code", appErr.Code),
			zap.Int("status", appErr.Status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", requestID),
		}
		if details := apperror.Scrub(appErr.Details); len(details) > 0 {
			fields = append(fields, zap.Any("details", details))
		}
		if appErr.Err != nil {
			fields = append(fields, zap.NamedError("cause", appErr.Err))
		}
		if appErr.Operational {
			logger.Warn(appErr.Message, fields...)
		} else {
			if !production && len(appErr.Stack()) > 0 {
				fields = append(fields, zap.ByteString("stack", appErr.Stack()))
			}
			logger.Error(appErr.Message, fields...)
		}

		// ストリーミング中の失敗など、既にレスポンスを書き始めている場合はログのみ
		if c.Writer.Written() {
			return
		}
		c.AbortWithStatusJSON(appErr.Status, appErr.Envelope(requestID, production))
	}
}

// abortWithError はエラーを登録して後続のハンドラーを中断する。
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
