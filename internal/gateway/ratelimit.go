package gateway

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/pkg/apperror"
	"github.com/nao1215/edgegate/pkg/middleware"
)

// レート制限のレスポンスヘッダー。
const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// rateLimit はクライアントキーごとのレート制限を行うステージを返す。
// ストアの障害時はリクエストを許可し、errorレベルでログを出力する。
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)
		res, err := s.limiter.Consume(c.Request.Context(), key, 1)
		switch {
		case err == nil:
			s.observeRateLimit(metrics.DecisionAllowed)
			setRateLimitHeaders(c, res)
			c.Next()
		case errors.Is(err, ratelimit.ErrLimitExceeded):
			s.observeRateLimit(metrics.DecisionRejected)
			setRateLimitHeaders(c, res)
			retry := retryAfterSeconds(res.RetryAfter)
			c.Header(headerRetryAfter, strconv.Itoa(retry))
			_ = c.Error(apperror.RateLimitExceeded(retry))
			c.Abort()
		default:
			s.observeRateLimit(metrics.DecisionError)
			s.logger.Error("レート制限の判定に失敗したためリクエストを許可します",
				zap.Error(err),
				zap.String("request_id", middleware.GetRequestID(c)),
			)
			c.Next()
		}
	}
}

// clientKey はレート制限のクライアントキーとしてクライアントIPを返す。
// X-Forwarded-Forは信頼するプロキシからのもののみを考慮する。
func clientKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

func (s *Server) observeRateLimit(decision string) {
	if s.metrics != nil {
		s.metrics.ObserveRateLimit(decision)
	}
}

// setRateLimitHeaders はレート制限の状態をレスポンスヘッダーに設定する。
func setRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header(headerRateLimitLimit, strconv.Itoa(res.Limit))
	c.Header(headerRateLimitRemaining, strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		c.Header(headerRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

// retryAfterSeconds は待ち時間を切り上げた秒数で返す。最小値は1。
func retryAfterSeconds(d time.Duration) int {
	sec := int(math.Ceil(d.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}
