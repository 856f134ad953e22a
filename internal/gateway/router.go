package gateway

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/pkg/httpclient"
)

// ServiceRoute は1つの上流サービスへのルート。起動時に生成し、実行中は変更しない。
type ServiceRoute struct {
	// Name はサービス名。サーキットブレーカーの単位になる。
	Name string
	// Prefix は一致させるパスの接頭辞。
	Prefix string
	// Timeout は1回の呼び出しのタイムアウト。
	Timeout time.Duration
	// Public は認証を不要にするかどうか。
	Public bool
	// Permissions はこのルートに必要な権限。
	Permissions []string
	// Retries はSystemエラー時の再試行回数。
	Retries int
	// client は上流サービスへのHTTPクライアント。
	client *httpclient.Client
}

// Router はパスの最長一致で ServiceRoute を選択する。
type Router struct {
	// routes は接頭辞の長い順に並べたルート。
	routes []*ServiceRoute
}

// NewRouter は設定からRouterを生成する。
func NewRouter(routes []config.Route, clientCfg httpclient.Config) (*Router, error) {
	r := &Router{routes: make([]*ServiceRoute, 0, len(routes))}
	for _, rc := range routes {
		client, err := httpclient.New(rc.TargetURL, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("ルート %s のクライアント生成に失敗: %w", rc.Name, err)
		}
		r.routes = append(r.routes, &ServiceRoute{
			Name:        rc.Name,
			Prefix:      normalizePrefix(rc.Prefix),
			Timeout:     rc.Timeout(),
			Public:      rc.Public,
			Permissions: slices.Clone(rc.Permissions),
			Retries:     rc.Retries,
			client:      client,
		})
	}
	slices.SortStableFunc(r.routes, func(a, b *ServiceRoute) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	return r, nil
}

// Match はpathに一致するルートと、接頭辞を取り除いた転送先のパスを返す。
// 接頭辞はパスのセグメント境界でのみ一致する（/api/v1/search は /api/v1/searchx に一致しない）。
func (r *Router) Match(path string) (*ServiceRoute, string, bool) {
	for _, route := range r.routes {
		if rest, ok := stripPrefix(path, route.Prefix); ok {
			return route, rest, true
		}
	}
	return nil, "", false
}

// Routes は登録されているルートを接頭辞の長い順に返す。
func (r *Router) Routes() []*ServiceRoute {
	return slices.Clone(r.routes)
}

// Names はサービス名の一覧を返す。
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.routes))
	for _, route := range r.routes {
		names = append(names, route.Name)
	}
	return names
}

// CloseIdleConnections は全ルートのアイドル接続を閉じる。
func (r *Router) CloseIdleConnections() {
	for _, route := range r.routes {
		route.client.CloseIdleConnections()
	}
}

// normalizePrefix は接頭辞の末尾のスラッシュを取り除く。"/" はそのまま残す。
func normalizePrefix(prefix string) string {
	if prefix == "/" {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

// stripPrefix はpathがprefixにセグメント境界で一致する場合に残りのパスを返す。
// 残りが空の場合は "/" を返す。
func stripPrefix(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	switch {
	case rest == "":
		return "/", true
	case rest[0] == '/':
		return rest, true
	default:
		return "", false
	}
}
