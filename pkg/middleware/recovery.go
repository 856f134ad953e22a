package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/apperror"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニックはSystemエラーとして登録し、レスポンスは ErrorHandler が書き込む。
// http.ErrAbortHandler はクライアント切断を表すため再度パニックさせる。
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(r)
			}
			logger.Error("パニックから回復",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", r),
				zap.String("request_id", GetRequestID(c)),
			)
			abortWithError(c, apperror.Internal(fmt.Errorf("panic: %v", r)))
		}()
		c.Next()
	}
}
