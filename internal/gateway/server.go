package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/edgegate/internal/breaker"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/pkg/auth"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/nao1215/edgegate/pkg/middleware"
)

// defaultRetryInterval は再試行の初回待ち時間のデフォルト値。
const defaultRetryInterval = 50 * time.Millisecond

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// engine はGinのHTTPエンジン。
	engine *gin.Engine
	// cfg はGatewayの設定。
	cfg *config.Config
	// router はパスから転送先を選択する。
	router *Router
	// breakers はサービスごとのサーキットブレーカー。
	breakers *breaker.Manager
	// limiter はクライアントごとのレートリミッター。
	limiter *ratelimit.Limiter
	// authn はトークンを検証する。
	authn *auth.Authenticator
	// metrics はメトリクスの収集先。nilの場合は収集しない。
	metrics *metrics.Collector
	// logger はログ出力先。
	logger *zap.Logger
	// dialer は上流へのWebSocket接続に使う。
	dialer *websocket.Dialer
	// upgrader はクライアントとのWebSocket接続に使う。
	upgrader websocket.Upgrader
	// retryInterval は再試行の初回待ち時間。
	retryInterval time.Duration
}

// Option はServerの生成オプション。
type Option func(*serverOptions)

type serverOptions struct {
	logger        *zap.Logger
	metrics       *metrics.Collector
	clock         func() time.Time
	retryInterval time.Duration
	clientConfig  httpclient.Config
}

// WithLogger はログ出力先を設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithMetrics はメトリクスの収集先を設定する。
func WithMetrics(m *metrics.Collector) Option {
	return func(o *serverOptions) { o.metrics = m }
}

// WithBreakerClock はサーキットブレーカーの時計を差し替える。
func WithBreakerClock(now func() time.Time) Option {
	return func(o *serverOptions) { o.clock = now }
}

// WithRetryInterval は再試行の初回待ち時間を設定する。
func WithRetryInterval(d time.Duration) Option {
	return func(o *serverOptions) { o.retryInterval = d }
}

// WithHTTPClientConfig は上流へのHTTPクライアントの設定を差し替える。
func WithHTTPClientConfig(cfg httpclient.Config) Option {
	return func(o *serverOptions) { o.clientConfig = cfg }
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config, authn *auth.Authenticator, limiter *ratelimit.Limiter, opts ...Option) (*Server, error) {
	if cfg == nil || authn == nil || limiter == nil {
		return nil, errors.New("設定、認証、レートリミッターはすべて必須です")
	}
	o := serverOptions{
		logger:        zap.NewNop(),
		clock:         time.Now,
		retryInterval: defaultRetryInterval,
		clientConfig:  httpclient.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	router, err := NewRouter(cfg.Routes, o.clientConfig)
	if err != nil {
		return nil, err
	}

	breakerOpts := []breaker.Option{
		breaker.WithLogger(o.logger.Named("breaker")),
		breaker.WithClock(o.clock),
	}
	if o.metrics != nil {
		breakerOpts = append(breakerOpts, breaker.WithObserver(o.metrics))
		o.metrics.InitServices(router.Names()...)
	}
	breakers, err := breaker.NewManager(cfg.BreakerConfigs(), breakerOpts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		router:        router,
		breakers:      breakers,
		limiter:       limiter,
		authn:         authn,
		metrics:       o.metrics,
		logger:        o.logger,
		dialer:        &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		upgrader:      newUpgrader(cfg.AllowedOrigins),
		retryInterval: o.retryInterval,
	}
	if err := s.setupEngine(); err != nil {
		return nil, err
	}
	return s, nil
}

// setupEngine はGinエンジンとパイプラインを構築する。
// Gateway自身のエンドポイント以外はすべてNoRouteのパイプラインで処理する。
func (s *Server) setupEngine() error {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.UseH2C = s.cfg.EnableH2C
	if err := engine.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return fmt.Errorf("信頼するプロキシの設定が不正: %w", err)
	}

	engine.Use(middleware.RequestID())

	// ヘルスチェック
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/breakers", s.handleBreakers())
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	engine.NoRoute(
		middleware.AccessLog(s.logger.Named("access")),
		middleware.ErrorHandler(s.logger, s.cfg.Production),
		middleware.Recovery(s.logger),
		middleware.CORS(s.cfg.AllowedOrigins),
		s.resolveRoute(),
		s.rateLimit(),
		middleware.JWTAuth(s.authn, accessPolicy, s.logger.Named("auth")),
		s.proxy,
	)
	s.engine = engine
	return nil
}

// handleBreakers は全サーキットブレーカーの状態を返すハンドラを返す。
func (s *Server) handleBreakers() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshots()})
	}
}

// Handler はGatewayのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.engine.Handler()
}

// Breakers はサーキットブレーカーのレジストリを返す。
func (s *Server) Breakers() *breaker.Manager {
	return s.breakers
}

// Run は設定されたアドレスでHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("リッスンに失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでHTTPサーバーを起動する。ctxがキャンセルされると新しい接続の受け付けを止め、
// 処理中のリクエストを最大でシャットダウンタイムアウトまで待ってから戻る。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Gatewayを起動します",
			zap.String("addr", ln.Addr().String()),
			zap.Strings("services", s.router.Names()),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Gatewayを停止します", zap.Duration("timeout", s.cfg.ShutdownTimeout()))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.router.CloseIdleConnections()
		if err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		return nil
	})
	return g.Wait()
}
