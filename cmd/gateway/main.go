// API Gatewayのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、認証、レート制限、
// サーキットブレーカーを経由して各サービスにリクエストを転送する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/gateway"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/pkg/auth"
)

func main() {
	app := cli.NewApp()
	app.Name = "edgegate"
	app.Usage = "API Gateway"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "設定ファイルのパス",
			EnvVar: config.EnvConfigPath,
		},
		cli.StringFlag{
			Name:  "env-file",
			Usage: "読み込む .env ファイル",
			Value: ".env",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "edgegate: %v\n", err)
		os.Exit(1)
	}
}

// run は設定を読み込んでGatewayを起動し、SIGINTまたはSIGTERMを受け取るまで待つ。
func run(c *cli.Context) error {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Production)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	keys, err := auth.LoadKeySet(cfg.Auth.PublicKeys...)
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(keys,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience...),
		auth.WithLeeway(time.Duration(cfg.Auth.LeewayMs)*time.Millisecond),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	limiter, err := ratelimit.New(store, cfg.RateLimitPolicy())
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(cfg, authn, limiter,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics.New()),
	)
	if err != nil {
		return fmt.Errorf("Gatewayの初期化に失敗: %w", err)
	}

	go reloadKeysOnHangup(ctx, keys, logger)
	return server.Run(ctx)
}

// newStore は設定に応じたレート制限のストアを生成する。
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Store, func(), error) {
	if cfg.RateLimitStore != config.StoreRedis {
		store, err := ratelimit.NewMemoryStore(cfg.RateLimitCapacity)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// 起動後に復旧すれば利用できるため、起動は止めない
		logger.Warn("Redisに接続できません。復旧するまでレート制限は適用されません",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
	}
	return ratelimit.NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
}

// reloadKeysOnHangup はSIGHUPを受け取るたびに公開鍵を読み直す。
func reloadKeysOnHangup(ctx context.Context, keys *auth.KeySet, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := keys.Reload(); err != nil {
				logger.Error("公開鍵の再読み込みに失敗。以前の鍵を使い続けます", zap.Error(err))
				continue
			}
			logger.Info("公開鍵を再読み込みしました", zap.Strings("kids", keys.KeyIDs()))
		}
	}
}
