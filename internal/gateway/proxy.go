package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/internal/breaker"
	"github.com/nao1215/edgegate/pkg/apperror"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/middleware"
)

// statusClientClosedRequest はクライアントが応答前に切断したことを表すステータス。
const statusClientClosedRequest = 499

// Ginコンテキストのキー。
const (
	contextKeyRoute        = "gateway_route"
	contextKeyUpstreamPath = "gateway_upstream_path"
)

// hopHeaders は転送時に取り除くホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamStatusError は上流サービスが5xxを返したことを表す。
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("上流サービスが %d を返しました", e.status)
}

// resolveRoute はパスに一致するルートをコンテキストに設定するステージを返す。
// 一致しない場合も処理を続け、404は認証後の proxy で返す。
func (s *Server) resolveRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		if route, rest, ok := s.router.Match(c.Request.URL.Path); ok {
			c.Set(contextKeyRoute, route)
			c.Set(contextKeyUpstreamPath, rest)
		}
		c.Next()
	}
}

// routeFrom はコンテキストからルートと転送先のパスを取得する。
func routeFrom(c *gin.Context) (*ServiceRoute, string) {
	v, ok := c.Get(contextKeyRoute)
	if !ok {
		return nil, ""
	}
	route, _ := v.(*ServiceRoute)
	return route, c.GetString(contextKeyUpstreamPath)
}

// accessPolicy は一致したルートの認証要件を返す。
// ルートに一致しないパスは認証を要求する。
func accessPolicy(c *gin.Context) (bool, []string) {
	route, _ := routeFrom(c)
	if route == nil {
		return false, nil
	}
	return route.Public, route.Permissions
}

// proxy はリクエストを上流サービスに転送する。
func (s *Server) proxy(c *gin.Context) {
	route, path := routeFrom(c)
	if route == nil {
		_ = c.Error(apperror.RouteNotFound(c.Request.URL.Path))
		c.Abort()
		return
	}
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.proxyWebSocket(c, route, path)
		return
	}

	err := s.forwardWithRetry(c, route, path)
	switch {
	case err == nil:
	case c.Request.Context().Err() != nil:
		s.logger.Debug("クライアントが応答前に切断しました",
			zap.String("service", route.Name),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.AbortWithStatus(statusClientClosedRequest)
	default:
		_ = c.Error(toAppError(err))
		c.Abort()
	}
}

// forwardWithRetry は再試行が許可されたリクエストであれば指数バックオフで再試行しながら転送する。
// 再試行するのは、冪等でボディの無いリクエストがレスポンスを書き始める前にSystemエラーで失敗した場合のみ。
func (s *Server) forwardWithRetry(c *gin.Context, route *ServiceRoute, path string) error {
	if route.Retries <= 0 || !retryable(c.Request) {
		return s.forward(c, route, path)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.retryInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         s.retryInterval * 8,
		MaxElapsedTime:      route.Timeout,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(b, c.Request.Context()), uint64(route.Retries))

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.forward(c, route, path)
		if err == nil {
			return nil
		}
		var ue *breaker.UpstreamError
		if !errors.As(err, &ue) || c.Writer.Written() {
			return backoff.Permanent(err)
		}
		s.logger.Warn("上流サービスへの転送に失敗したため再試行します",
			zap.String("service", route.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		return err
	}, policy)
}

// retryable は再試行してよいリクエストかどうかを返す。
func retryable(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return r.ContentLength == 0 && len(r.TransferEncoding) == 0
	default:
		return false
	}
}

// forward はブレーカーを経由して1回転送する。
// 上流の5xxと通信失敗は失敗として数え、それ以外のレスポンスはそのまま中継する。
// 上流の呼び出しはクライアントの切断では中断せず、ルートのタイムアウトまで結果を待って記録する。
func (s *Server) forward(c *gin.Context, route *ServiceRoute, path string) error {
	ctx := context.WithoutCancel(c.Request.Context())
	return s.breakers.Execute(ctx, route.Name, route.Timeout, func(ctx context.Context) error {
		body := newInboundBody(c.Request)
		req, err := s.outboundRequest(ctx, c, route, path, body)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := route.client.Do(req)
		if err != nil {
			s.observeUpstream(route.Name, 0, time.Since(start))
			if body.failed() {
				// クライアントからの送信が途切れた
				return breaker.Ignore(err)
			}
			return err
		}
		defer resp.Body.Close()
		s.observeUpstream(route.Name, resp.StatusCode, time.Since(start))

		if resp.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return &upstreamStatusError{status: resp.StatusCode}
		}
		return relay(c, resp)
	})
}

// inboundBody はクライアントから受け取ったボディの読み込み失敗を記録する。
type inboundBody struct {
	r   io.Reader
	err atomic.Bool
}

// newInboundBody はリクエストのボディを包む。ボディが無い場合はnilを返す。
func newInboundBody(in *http.Request) *inboundBody {
	if in.ContentLength == 0 || in.Body == nil || in.Body == http.NoBody {
		return nil
	}
	return &inboundBody{r: in.Body}
}

func (b *inboundBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.err.Store(true)
	}
	return n, err
}

func (b *inboundBody) failed() bool {
	return b != nil && b.err.Load()
}

// outboundRequest は上流サービスへのリクエストを生成する。
func (s *Server) outboundRequest(ctx context.Context, c *gin.Context, route *ServiceRoute, path string, inbound *inboundBody) (*http.Request, error) {
	in := c.Request
	var body io.Reader = http.NoBody
	if inbound != nil {
		body = inbound
	}
	req, err := route.client.NewRequest(ctx, in.Method, path, in.URL.RawQuery, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = in.ContentLength
	copyHeader(req.Header, in.Header)
	removeHopHeaders(req.Header)
	setForwardedHeaders(req.Header, c)
	req.Header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))
	return req, nil
}

// relay は上流のレスポンスをクライアントに中継する。
// クライアントへの書き込み失敗は上流の障害ではないため無視し、
// 上流からの読み込み失敗のみエラーとして返す。
func relay(c *gin.Context, resp *http.Response) error {
	h := c.Writer.Header()
	requestID := h.Get(middleware.HeaderRequestID)
	copyHeader(h, resp.Header)
	removeHopHeaders(h)
	if requestID != "" {
		h.Set(middleware.HeaderRequestID, requestID)
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	flush := resp.ContentLength == -1 ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	buf := make([]byte, 32<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return nil
			}
			if flush {
				c.Writer.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("上流レスポンスの読み込みに失敗: %w", rerr)
		}
	}
}

// toAppError は転送時のエラーをクライアント向けのエラーに変換する。
func toAppError(err error) *apperror.Error {
	var (
		openErr     *breaker.OpenError
		upstreamErr *breaker.UpstreamError
	)
	switch {
	case errors.As(err, &openErr):
		return apperror.ServiceUnavailable(err)
	case errors.As(err, &upstreamErr):
		if upstreamErr.Timeout || httpclient.IsTimeout(upstreamErr.Err) {
			return apperror.UpstreamTimeout(err)
		}
		return apperror.UpstreamFailure(err)
	default:
		return apperror.From(err)
	}
}

func (s *Server) observeUpstream(service string, status int, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveUpstream(service, status, d)
	}
}

// copyHeader はsrcのヘッダーをdstに追加する。
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders はホップバイホップヘッダーと、Connectionヘッダーで指定されたヘッダーを取り除く。
func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// setForwardedHeaders はX-Forwarded-For、X-Forwarded-Host、X-Forwarded-Protoを設定する。
func setForwardedHeaders(h http.Header, c *gin.Context) {
	clientIP := c.RemoteIP()
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
	h.Set("X-Forwarded-Host", c.Request.Host)
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
}
