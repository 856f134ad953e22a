package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nao1215/edgegate/internal/breaker"
	"github.com/nao1215/edgegate/internal/ratelimit"
)

// EnvPrefix は設定を上書きする環境変数の接頭辞。
const EnvPrefix = "GATEWAY"

// EnvConfigPath は設定ファイルのパスを指定する環境変数。
const EnvConfigPath = "GATEWAY_CONFIG"

// レート制限ストアの種類。
const (
	// StoreMemory はプロセス内メモリのストア。
	StoreMemory = "memory"
	// StoreRedis はRedisのストア。
	StoreRedis = "redis"
)

// Config はGateway全体の設定。
type Config struct {
	// Port はリッスンポート。環境変数 PORT があればそちらを優先する。
	Port int `mapstructure:"port"`
	// Production は本番環境かどうか。trueの場合はスタックトレースを返さない。
	Production bool `mapstructure:"production"`
	// EnableH2C は平文のHTTP/2を受け付けるかどうか。
	EnableH2C bool `mapstructure:"enableH2C"`
	// ShutdownTimeoutMs はグレースフルシャットダウンの待ち時間。
	ShutdownTimeoutMs int `mapstructure:"shutdownTimeoutMs"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `mapstructure:"allowedOrigins"`

	// RateLimitWindowMs はレート制限のウィンドウ長。
	RateLimitWindowMs int `mapstructure:"rateLimitWindowMs"`
	// RateLimitMaxPoints はウィンドウあたりのポイント数。
	RateLimitMaxPoints int `mapstructure:"rateLimitMaxPoints"`
	// RateLimitBlockMs は超過時に拒否を継続する期間。0の場合はウィンドウのリセットまで。
	RateLimitBlockMs int `mapstructure:"rateLimitBlockMs"`
	// RateLimitStore はストアの種類（memory または redis）。
	RateLimitStore string `mapstructure:"rateLimitStore"`
	// RateLimitCapacity はmemoryストアが保持するキー数の上限。
	RateLimitCapacity int `mapstructure:"rateLimitCapacity"`
	// TrustedProxies はX-Forwarded-Forを信用するプロキシのCIDRまたはIP。
	TrustedProxies []string `mapstructure:"trustedProxies"`

	// Redis はRedisの接続設定。
	Redis RedisConfig `mapstructure:"redis"`
	// Auth はトークン検証の設定。
	Auth AuthConfig `mapstructure:"auth"`
	// Routes は転送先サービスのルート定義。
	Routes []Route `mapstructure:"routes"`
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	// Addr はRedisのアドレス（host:port）。
	Addr string `mapstructure:"addr"`
	// Password はRedisのパスワード。
	Password string `mapstructure:"password"`
	// DB はRedisのデータベース番号。
	DB int `mapstructure:"db"`
	// Prefix はキーの接頭辞。
	Prefix string `mapstructure:"prefix"`
}

// AuthConfig はトークン検証の設定。
type AuthConfig struct {
	// PublicKeys は公開鍵のPEMファイル。ファイル名がkidになる。
	PublicKeys []string `mapstructure:"publicKeys"`
	// Issuer は要求する iss クレーム。空の場合は検証しない。
	Issuer string `mapstructure:"issuer"`
	// Audience は要求する aud クレーム。空の場合は検証しない。
	Audience []string `mapstructure:"audience"`
	// LeewayMs は時刻の検証に許容する誤差。
	LeewayMs int `mapstructure:"leewayMs"`
}

// Route は1つの上流サービスへのルート定義。
type Route struct {
	// Name はサービスの識別子。サーキットブレーカーの単位になる。
	Name string `mapstructure:"name"`
	// Prefix は一致させるパスの接頭辞。転送時に取り除く。
	Prefix string `mapstructure:"prefix"`
	// TargetURL は転送先のベースURL。
	TargetURL string `mapstructure:"targetUrl"`
	// TimeoutMs は1回の呼び出しのタイムアウト。
	TimeoutMs int `mapstructure:"timeoutMs"`
	// BreakerThresholdPct はブレーカーを開く失敗率（%）。
	BreakerThresholdPct int `mapstructure:"breakerThresholdPct"`
	// BreakerWindowMs は失敗率を評価するウィンドウ長。
	BreakerWindowMs int `mapstructure:"breakerWindowMs"`
	// BreakerResetMs はOPENからトライアルまでの待ち時間。
	BreakerResetMs int `mapstructure:"breakerResetMs"`
	// BreakerMaxResetMs はトライアル失敗が続いた場合の待ち時間の上限。0の場合は延長しない。
	BreakerMaxResetMs int `mapstructure:"breakerMaxResetMs"`
	// BreakerMinRequests は失敗率を評価するのに必要な最小リクエスト数。
	BreakerMinRequests int `mapstructure:"breakerMinRequests"`
	// Public は認証を不要にするかどうか。
	Public bool `mapstructure:"public"`
	// Permissions はこのルートに必要な権限。
	Permissions []string `mapstructure:"permissions"`
	// Retries はSystemエラー時の再試行回数。冪等でボディの無いリクエストのみ対象。
	Retries int `mapstructure:"retries"`
}

// ルートのデフォルト値。
const (
	defaultTimeoutMs           = 5000
	defaultBreakerThresholdPct = 50
	defaultBreakerWindowMs     = 10000
	defaultBreakerResetMs      = 30000
	defaultBreakerMinRequests  = 5
)

// setDefaults はスカラー値のデフォルトを設定する。
// デフォルトを持つキーだけが環境変数で上書きできる。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("production", false)
	v.SetDefault("enableH2C", false)
	v.SetDefault("shutdownTimeoutMs", 15000)
	v.SetDefault("allowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("rateLimitWindowMs", 900000)
	v.SetDefault("rateLimitMaxPoints", 100)
	v.SetDefault("rateLimitBlockMs", 0)
	v.SetDefault("rateLimitStore", StoreMemory)
	v.SetDefault("rateLimitCapacity", ratelimit.DefaultMemoryCapacity)
	v.SetDefault("trustedProxies", []string{})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", ratelimit.DefaultRedisPrefix)
	v.SetDefault("auth.publicKeys", []string{})
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", []string{})
	v.SetDefault("auth.leewayMs", 0)
}

// LoadDotEnv は .env ファイルを環境変数として読み込む。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
	}
	return nil
}

// Load は設定ファイルと環境変数から設定を読み込んで検証する。
// pathが空の場合は環境変数 GATEWAY_CONFIG のパスを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("環境変数 PORT が不正: %w", err)
		}
		cfg.Port = p
	}
	cfg.applyRouteDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyRouteDefaults は未指定のルート設定にデフォルト値を補う。
func (c *Config) applyRouteDefaults() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.TimeoutMs == 0 {
			r.TimeoutMs = defaultTimeoutMs
		}
		if r.BreakerThresholdPct == 0 {
			r.BreakerThresholdPct = defaultBreakerThresholdPct
		}
		if r.BreakerWindowMs == 0 {
			r.BreakerWindowMs = defaultBreakerWindowMs
		}
		if r.BreakerResetMs == 0 {
			r.BreakerResetMs = defaultBreakerResetMs
		}
		if r.BreakerMinRequests == 0 {
			r.BreakerMinRequests = defaultBreakerMinRequests
		}
		if r.Prefix != "/" {
			r.Prefix = strings.TrimSuffix(r.Prefix, "/")
		}
	}
}

// Validate は設定を検証する。問題があればすべてまとめて返す。
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port が範囲外: %d", c.Port))
	}
	if err := c.RateLimitPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("レート制限: %w", err))
	}
	switch c.RateLimitStore {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr が指定されていません"))
		}
	default:
		errs = append(errs, fmt.Errorf("rateLimitStore が不正: %q", c.RateLimitStore))
	}
	if len(c.Auth.PublicKeys) == 0 {
		errs = append(errs, errors.New("auth.publicKeys が指定されていません"))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("routes が1つも定義されていません"))
	}

	names := make(map[string]struct{}, len(c.Routes))
	prefixes := make(map[string]string, len(c.Routes))
	for i, r := range c.Routes {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
			continue
		}
		if _, dup := names[r.Name]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: name が重複しています: %s", i, r.Name))
		}
		names[r.Name] = struct{}{}
		if other, dup := prefixes[r.Prefix]; dup {
			errs = append(errs, fmt.Errorf("routes[%d]: prefix %s が %s と重複しています", i, r.Prefix, other))
		}
		prefixes[r.Prefix] = r.Name
	}
	return errors.Join(errs...)
}

// validate は1つのルートを検証する。
func (r Route) validate() error {
	if r.Name == "" {
		return errors.New("name が指定されていません")
	}
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("%s: prefix は / で始めてください: %q", r.Name, r.Prefix)
	}
	u, err := url.Parse(r.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: targetUrl が不正: %q", r.Name, r.TargetURL)
	}
	if r.TimeoutMs <= 0 {
		return fmt.Errorf("%s: timeoutMs は正の値で指定してください", r.Name)
	}
	if r.Retries < 0 {
		return fmt.Errorf("%s: retries は0以上で指定してください", r.Name)
	}
	if err := r.BreakerConfig().Validate(); err != nil {
		return fmt.Errorf("%s: %w", r.Name, err)
	}
	return nil
}

// Timeout は1回の呼び出しのタイムアウトを返す。
func (r Route) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// BreakerConfig はサーキットブレーカーの設定を返す。
func (r Route) BreakerConfig() breaker.Config {
	return breaker.Config{
		ThresholdPct:    r.BreakerThresholdPct,
		Window:          time.Duration(r.BreakerWindowMs) * time.Millisecond,
		MinRequests:     r.BreakerMinRequests,
		ResetTimeout:    time.Duration(r.BreakerResetMs) * time.Millisecond,
		MaxResetTimeout: time.Duration(r.BreakerMaxResetMs) * time.Millisecond,
	}
}

// RateLimitPolicy はレート制限のポリシーを返す。
func (c *Config) RateLimitPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		MaxPoints:     c.RateLimitMaxPoints,
		Window:        time.Duration(c.RateLimitWindowMs) * time.Millisecond,
		BlockDuration: time.Duration(c.RateLimitBlockMs) * time.Millisecond,
	}
}

// ShutdownTimeout はグレースフルシャットダウンの待ち時間を返す。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Addr はリッスンアドレスを返す。
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// BreakerConfigs はルート名ごとのサーキットブレーカー設定を返す。
func (c *Config) BreakerConfigs() map[string]breaker.Config {
	m := make(map[string]breaker.Config, len(c.Routes))
	for _, r := range c.Routes {
		m[r.Name] = r.BreakerConfig()
	}
	return m
}
