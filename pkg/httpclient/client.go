package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config は上流サービスへの接続設定。
type Config struct {
	// DialTimeout はTCP接続確立のタイムアウト。
	DialTimeout time.Duration
	// MaxIdleConnsPerHost はホストごとに保持するアイドル接続数。
	MaxIdleConnsPerHost int
	// IdleConnTimeout はアイドル接続を破棄するまでの時間。
	IdleConnTimeout time.Duration
}

// DefaultConfig はデフォルトの接続設定を返す。
func DefaultConfig() Config {
	return Config{
		DialTimeout:         5 * time.Second,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Client は1つの上流サービスへの転送に使用するHTTPクライアント。
// リダイレクトは追跡せず、そのままクライアントに中継する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL *url.URL
}

// New は新しい上流サービス用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://planning:8000"）を指定する。
func New(baseURL string, cfg Config) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLのパースに失敗: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ベースURLのスキームが不正: %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("ベースURLにホストがありません: %q", baseURL)
	}

	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: u,
	}, nil
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// URL はベースURLにpathとクエリ文字列を結合したURLを返す。
func (c *Client) URL(path, rawQuery string) *url.URL {
	u := *c.baseURL
	u.Path = joinPath(c.baseURL.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return &u
}

// WebSocketURL はURLのスキームをws/wssに置き換えたものを返す。
func (c *Client) WebSocketURL(path, rawQuery string) *url.URL {
	u := c.URL(path, rawQuery)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u
}

// NewRequest は上流サービス向けのリクエストを生成する。
func (c *Client) NewRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, rawQuery).String(), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	return req, nil
}

// Do はリクエストを送信する。レスポンスボディのクローズは呼び出し側の責任。
// コンテキストの期限切れは context.DeadlineExceeded を含むエラーとして返す。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// CloseIdleConnections はアイドル状態の接続を閉じる。
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// IsTimeout はerrがタイムアウトによるものかどうかを判定する。
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// joinPath はベースパスとリクエストパスをスラッシュ1つで結合する。
func joinPath(base, path string) string {
	if path == "" {
		path = "/"
	}
	if base == "" || base == "/" {
		if !strings.HasPrefix(path, "/") {
			return "/" + path
		}
		return path
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
