package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/middleware"
)

// wsHandshakeHeaders は上流へのハンドシェイクでDialerが自ら設定するヘッダー。
var wsHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

// closeGracePeriod はクローズフレーム送信の期限。
const closeGracePeriod = time.Second

// proxyWebSocket はWebSocketの接続を上流サービスに中継する。
// ブレーカーを経由するのは上流とのハンドシェイクのみで、接続確立後のメッセージは数えない。
func (s *Server) proxyWebSocket(c *gin.Context, route *ServiceRoute, path string) {
	target := route.client.WebSocketURL(path, c.Request.URL.RawQuery)
	header := http.Header{}
	copyHeader(header, c.Request.Header)
	removeHopHeaders(header)
	for _, name := range wsHandshakeHeaders {
		header.Del(name)
	}
	setForwardedHeaders(header, c)
	header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))

	var (
		upstream *websocket.Conn
		rejected *http.Response
	)
	err := s.breakers.Execute(context.WithoutCancel(c.Request.Context()), route.Name, route.Timeout, func(ctx context.Context) error {
		start := time.Now()
		conn, resp, err := s.dialer.DialContext(ctx, target.String(), header)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		s.observeUpstream(route.Name, status, time.Since(start))
		if err == nil {
			upstream = conn
			return nil
		}
		if resp != nil && resp.StatusCode < http.StatusInternalServerError {
			// 上流が明示的に拒否した（401や404など）場合はそのまま中継する
			rejected = resp
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		return err
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			c.AbortWithStatus(statusClientClosedRequest)
			return
		}
		_ = c.Error(toAppError(err))
		c.Abort()
		return
	}
	if rejected != nil {
		defer rejected.Body.Close()
		if rerr := relay(c, rejected); rerr != nil {
			s.logger.Warn("上流の拒否レスポンスの中継に失敗", zap.Error(rerr))
		}
		return
	}
	defer upstream.Close()

	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-Websocket-Protocol", proto)
	}
	c.Status(http.StatusSwitchingProtocols)
	client, err := s.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		// Upgrader がエラーレスポンスを書き込み済み
		s.logger.Warn("WebSocketへのアップグレードに失敗",
			zap.String("service", route.Name),
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.Abort()
		return
	}
	defer client.Close()

	s.logger.Debug("WebSocketの中継を開始",
		zap.String("service", route.Name),
		zap.String("request_id", middleware.GetRequestID(c)),
	)
	tunnel(client, upstream)
}

// tunnel はどちらかが閉じるまでメッセージを双方向に中継する。
// 一方が閉じた場合は、そのクローズコードをもう一方に伝えてから両方を閉じる。
func tunnel(client, upstream *websocket.Conn) {
	errc := make(chan error, 2)
	go func() { errc <- pump(upstream, client) }()
	go func() { errc <- pump(client, upstream) }()

	err := <-errc
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived {
		msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	deadline := time.Now().Add(closeGracePeriod)
	_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = client.Close()
	_ = upstream.Close()
	<-errc
}

// pump はsrcから読んだメッセージをdstに書き込む。読み書きのいずれかが失敗するまで戻らない。
func pump(dst, src *websocket.Conn) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return err
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
}

// newUpgrader はクライアント側のアップグレーダーを生成する。
// Originヘッダーは同一ホストかCORSで許可したオリジンのみ受け付ける。
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}
