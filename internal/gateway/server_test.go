package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/ratelimit"
	"github.com/nao1215/edgegate/pkg/apperror"
	"github.com/nao1215/edgegate/pkg/auth"
	"github.com/nao1215/edgegate/pkg/auth/authtest"
	"github.com/nao1215/edgegate/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeClock はサーキットブレーカー用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testGateway はテスト用に起動したGatewayと、トークンの署名鍵をまとめたもの。
type testGateway struct {
	server *Server
	http   *httptest.Server
	key    *authtest.KeyPair
	clock  *fakeClock
}

// testRoute はテスト用のルート定義を返す。
func testRoute(name, prefix, target string) config.Route {
	return config.Route{
		Name:                name,
		Prefix:              prefix,
		TargetURL:           target,
		TimeoutMs:           2000,
		BreakerThresholdPct: 50,
		BreakerWindowMs:     10000,
		BreakerResetMs:      30000,
		BreakerMinRequests:  5,
	}
}

// newTestGateway はroutesに転送するGatewayを起動する。
// mutateで設定を変更できる。
func newTestGateway(t *testing.T, routes []config.Route, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := &config.Config{
		ShutdownTimeoutMs:  1000,
		AllowedOrigins:     []string{"*"},
		RateLimitWindowMs:  60000,
		RateLimitMaxPoints: 1000,
		Routes:             routes,
	}
	if mutate != nil {
		mutate(cfg)
	}

	key := authtest.NewKeyPair(t, "")
	authn, err := auth.NewAuthenticator(key.KeySet())
	if err != nil {
		t.Fatalf("NewAuthenticator()でエラーが発生: %v", err)
	}
	store, err := ratelimit.NewMemoryStore(0)
	if err != nil {
		t.Fatalf("NewMemoryStore()でエラーが発生: %v", err)
	}
	limiter, err := ratelimit.New(store, cfg.RateLimitPolicy())
	if err != nil {
		t.Fatalf("ratelimit.New()でエラーが発生: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := NewServer(cfg, authn, limiter,
		WithMetrics(metrics.New()),
		WithBreakerClock(clock.Now),
		WithRetryInterval(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{server: s, http: ts, key: key, clock: clock}
}

// do はGatewayにリクエストを送る。tokenが空でなければAuthorizationヘッダーを付ける。
func (g *testGateway) do(t *testing.T, method, path, token string, body io.Reader, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, g.http.URL+path, body)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.http.Client().Do(req)
	if err != nil {
		t.Fatalf("リクエストの送信に失敗: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// token はユーザーuser-1の有効なトークンを返す。
func (g *testGateway) token(t *testing.T, permissions ...string) string {
	t.Helper()
	return g.key.Token(t, "user-1", "member", permissions...)
}

// decodeEnvelope はエラーレスポンスのボディをデコードする。
func decodeEnvelope(t *testing.T, resp *http.Response) apperror.Envelope {
	t.Helper()

	var env apperror.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("エラーレスポンスのデコードに失敗: %v", err)
	}
	return env
}

// upstreamRecord は上流サービスが受け取ったリクエスト。
type upstreamRecord struct {
	mu      sync.Mutex
	path    string
	query   string
	header  http.Header
	body    string
	method  string
	calls   int
	lastErr error
}

func (r *upstreamRecord) handler(status int, respBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, err := io.ReadAll(req.Body)
		r.mu.Lock()
		r.path = req.URL.Path
		r.query = req.URL.RawQuery
		r.header = req.Header.Clone()
		r.body = string(b)
		r.method = req.Method
		r.calls++
		r.lastErr = err
		r.mu.Unlock()

		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}
}

// TestHealth はヘルスチェックが認証なしで応答することを検証する。
func TestHealth(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil, nil)
	resp := g.do(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
	if resp.Header.Get(middleware.HeaderRequestID) == "" {
		t.Error("X-Request-Id が設定されていない")
	}
}

// TestProxy は上流サービスへの転送を検証する。
func TestProxy(t *testing.T) {
	t.Parallel()

	t.Run("接頭辞を取り除きヘッダーとクエリを転送すること", func(t *testing.T) {
		t.Parallel()

		rec := &upstreamRecord{}
		upstream := httptest.NewServer(rec.handler(http.StatusOK, `{"ok":true}`))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("search", "/api/v1/search", upstream.URL)}, nil)
		resp := g.do(t, http.MethodGet, "/api/v1/search/anything?q=tokyo", g.token(t), nil, http.Header{
			"Connection":              {"X-Hop"},
			"X-Hop":                   {"secret"},
			"X-Custom":                {"kept"},
			middleware.HeaderRequestID: {"client-id-123"},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != `{"ok":true}` {
			t.Errorf("ボディ = %s", body)
		}
		if resp.Header.Get("X-Upstream") != "yes" {
			t.Error("上流のレスポンスヘッダーが中継されていない")
		}

		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.path != "/anything" {
			t.Errorf("上流のパス = %q, want /anything", rec.path)
		}
		if rec.query != "q=tokyo" {
			t.Errorf("上流のクエリ = %q, want q=tokyo", rec.query)
		}
		if got := rec.header.Get(middleware.HeaderRequestID); got != "client-id-123" {
			t.Errorf("上流の X-Request-Id = %q, want client-id-123", got)
		}
		if got := resp.Header.Get(middleware.HeaderRequestID); got != "client-id-123" {
			t.Errorf("レスポンスの X-Request-Id = %q, want client-id-123", got)
		}
		if got := rec.header.Get(middleware.HeaderUserID); got != "user-1" {
			t.Errorf("上流の X-User-ID = %q, want user-1", got)
		}
		if rec.header.Get("X-Hop") != "" {
			t.Error("Connectionで指定されたヘッダーが転送された")
		}
		if rec.header.Get("X-Custom") != "kept" {
			t.Error("通常のヘッダーが転送されていない")
		}
		if got := rec.header.Get("X-Forwarded-For"); got != "127.0.0.1" {
			t.Errorf("X-Forwarded-For = %q, want 127.0.0.1", got)
		}
		if got := rec.header.Get("X-Forwarded-Proto"); got != "http" {
			t.Errorf("X-Forwarded-Proto = %q, want http", got)
		}
		if got := rec.header.Get("X-Forwarded-Host"); got == "" {
			t.Error("X-Forwarded-Host が設定されていない")
		}
	})

	t.Run("ボディとメソッドを転送し上流のステータスをそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		rec := &upstreamRecord{}
		upstream := httptest.NewServer(rec.handler(http.StatusCreated, `{"id":"trip-1"}`))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)
		resp := g.do(t, http.MethodPost, "/api/v1/planning/trips", g.token(t),
			strings.NewReader(`{"from":"Tokyo","to":"Osaka"}`), http.Header{"Content-Type": {"application/json"}})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusCreated)
		}

		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.method != http.MethodPost || rec.path != "/trips" {
			t.Errorf("上流のリクエスト = %s %s", rec.method, rec.path)
		}
		if rec.body != `{"from":"Tokyo","to":"Osaka"}` {
			t.Errorf("上流のボディ = %s", rec.body)
		}
	})

	t.Run("上流の4xxは中継されブレーカーの失敗に数えないこと", func(t *testing.T) {
		t.Parallel()

		rec := &upstreamRecord{}
		upstream := httptest.NewServer(rec.handler(http.StatusNotFound, `{"error":"no such trip"}`))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)
		for i := 0; i < 6; i++ {
			resp := g.do(t, http.MethodGet, "/api/v1/planning/trips/404", g.token(t), nil, nil)
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("%d回目: ステータスコード = %d, want %d", i+1, resp.StatusCode, http.StatusNotFound)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != `{"error":"no such trip"}` {
				t.Errorf("ボディ = %s", body)
			}
		}
		snap := g.server.Breakers().Snapshots()[0]
		if snap.State.String() != "CLOSED" || snap.WindowFailures != 0 {
			t.Errorf("ブレーカー = %+v, want CLOSED with no failures", snap)
		}
	})

	t.Run("一致するルートがない場合は404を返すこと", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, []config.Route{testRoute("search", "/api/v1/search", "http://127.0.0.1:1")}, nil)
		resp := g.do(t, http.MethodGet, "/api/v1/unknown", g.token(t), nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		env := decodeEnvelope(t, resp)
		if env.Code != apperror.CodeRouteNotFound {
			t.Errorf("code = %d, want %d", env.Code, apperror.CodeRouteNotFound)
		}
		if env.RequestID == "" || env.RequestID != resp.Header.Get(middleware.HeaderRequestID) {
			t.Errorf("requestId = %q, header = %q", env.RequestID, resp.Header.Get(middleware.HeaderRequestID))
		}
	})

	t.Run("未認証の場合は一致しないパスでも401を返すこと", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, nil, nil)
		resp := g.do(t, http.MethodGet, "/api/v1/unknown", "", nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}
	})

	t.Run("プリフライトリクエストは認証なしで204を返すこと", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, []config.Route{testRoute("search", "/api/v1/search", "http://127.0.0.1:1")}, nil)
		resp := g.do(t, http.MethodOptions, "/api/v1/search/x", "", nil, http.Header{
			"Origin":                        {"https://app.example.com"},
			"Access-Control-Request-Method": {"POST"},
		})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusNoContent)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})
}

// TestAuthentication は認証と認可の判定を検証する。
func TestAuthentication(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecord{}
	upstream := httptest.NewServer(rec.handler(http.StatusOK, "ok"))
	t.Cleanup(upstream.Close)

	public := testRoute("auth", "/api/v1/auth", upstream.URL)
	public.Public = true
	admin := testRoute("admin", "/api/v1/admin", upstream.URL)
	admin.Permissions = []string{"admin"}
	g := newTestGateway(t, []config.Route{
		testRoute("search", "/api/v1/search", upstream.URL),
		public,
		admin,
	}, nil)

	t.Run("検証に失敗したトークンはすべて同じ401になること", func(t *testing.T) {
		t.Parallel()

		other := authtest.NewKeyPair(t, "")
		tokens := map[string]string{
			"トークンなし": "",
			"不正な形式":  "not-a-jwt",
			"別の鍵で署名": other.Token(t, "user-1", "member"),
			"有効期限切れ": g.key.Sign(t, authtest.Claims("user-1", "member", -time.Hour)),
			"署名の改ざん": g.token(t) + "x",
		}
		var want *apperror.Envelope
		for name, token := range tokens {
			resp := g.do(t, http.MethodGet, "/api/v1/search/x", token, nil, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("%s: ステータスコード = %d, want %d", name, resp.StatusCode, http.StatusUnauthorized)
				continue
			}
			env := decodeEnvelope(t, resp)
			env.RequestID = ""
			if want == nil {
				want = &env
				continue
			}
			if env.Code != want.Code || env.Message != want.Message || env.Error != "" || env.Stack != "" || len(env.Details) != 0 {
				t.Errorf("%s: レスポンスが他と異なる: %+v, want %+v", name, env, *want)
			}
		}
		if want != nil && want.Code != apperror.CodeUnauthenticated {
			t.Errorf("code = %d, want %d", want.Code, apperror.CodeUnauthenticated)
		}
	})

	t.Run("公開ルートは認証を省略すること", func(t *testing.T) {
		t.Parallel()

		resp := g.do(t, http.MethodPost, "/api/v1/auth/login", "", strings.NewReader("{}"), http.Header{
			middleware.HeaderUserID:   {"admin"},
			middleware.HeaderUserRole: {"admin"},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("権限が不足している場合は403を返すこと", func(t *testing.T) {
		t.Parallel()

		resp := g.do(t, http.MethodGet, "/api/v1/admin/users", g.token(t, "read"), nil, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusForbidden)
		}
		if env := decodeEnvelope(t, resp); env.Code != apperror.CodeForbidden {
			t.Errorf("code = %d, want %d", env.Code, apperror.CodeForbidden)
		}

		resp = g.do(t, http.MethodGet, "/api/v1/admin/users", g.token(t, "admin", "read"), nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("admin権限で ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})
}

// TestPublicRouteStripsSpoofedHeaders は公開ルートで偽装されたユーザーヘッダーが上流に届かないことを検証する。
func TestPublicRouteStripsSpoofedHeaders(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecord{}
	upstream := httptest.NewServer(rec.handler(http.StatusOK, "ok"))
	t.Cleanup(upstream.Close)

	public := testRoute("auth", "/api/v1/auth", upstream.URL)
	public.Public = true
	g := newTestGateway(t, []config.Route{public}, nil)

	resp := g.do(t, http.MethodGet, "/api/v1/auth/me", "", nil, http.Header{
		middleware.HeaderUserID:   {"admin"},
		middleware.HeaderUserRole: {"admin"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.header.Get(middleware.HeaderUserID) != "" || rec.header.Get(middleware.HeaderUserRole) != "" {
		t.Errorf("偽装されたヘッダーが転送された: %v", rec.header)
	}
}

// TestRateLimit はクライアントごとのレート制限を検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecord{}
	upstream := httptest.NewServer(rec.handler(http.StatusOK, "ok"))
	t.Cleanup(upstream.Close)

	public := testRoute("auth", "/api/v1/auth", upstream.URL)
	public.Public = true
	g := newTestGateway(t, []config.Route{public}, func(cfg *config.Config) {
		cfg.RateLimitMaxPoints = 2
		cfg.RateLimitWindowMs = 900000
	})

	for i := 0; i < 2; i++ {
		resp := g.do(t, http.MethodGet, "/api/v1/auth/ping", "", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%d回目: ステータスコード = %d, want %d", i+1, resp.StatusCode, http.StatusOK)
		}
		if got, want := resp.Header.Get("X-RateLimit-Remaining"), []string{"1", "0"}[i]; got != want {
			t.Errorf("%d回目: X-RateLimit-Remaining = %q, want %q", i+1, got, want)
		}
	}

	resp := g.do(t, http.MethodGet, "/api/v1/auth/ping", "", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if got := resp.Header.Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if env := decodeEnvelope(t, resp); env.Code != apperror.CodeRateLimitExceeded {
		t.Errorf("code = %d, want %d", env.Code, apperror.CodeRateLimitExceeded)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 2 {
		t.Errorf("上流の呼び出し回数 = %d, want 2", rec.calls)
	}
}

// TestRateLimitIgnoresClientHeaders はクライアントが送るヘッダーを変えてもレート制限を回避できないことを検証する。
func TestRateLimitIgnoresClientHeaders(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecord{}
	upstream := httptest.NewServer(rec.handler(http.StatusOK, "ok"))
	t.Cleanup(upstream.Close)

	public := testRoute("auth", "/api/v1/auth", upstream.URL)
	public.Public = true
	g := newTestGateway(t, []config.Route{public}, func(cfg *config.Config) {
		cfg.RateLimitMaxPoints = 2
		cfg.RateLimitWindowMs = 900000
	})

	allowed := 0
	for i := 0; i < 20; i++ {
		header := http.Header{}
		header.Set("X-Api-Key", "key-"+strconv.Itoa(i))
		header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i+1))
		header.Set("X-Real-Ip", "198.51.100."+strconv.Itoa(i+1))
		resp := g.do(t, http.MethodGet, "/api/v1/auth/ping", "", nil, header)
		if resp.StatusCode == http.StatusOK {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("許可されたリクエスト数 = %d, want 2", allowed)
	}
}

// TestCircuitBreaker は上流の障害でブレーカーが開き、リセット後に回復することを検証する。
func TestCircuitBreaker(t *testing.T) {
	t.Parallel()

	var (
		calls   atomic.Int32
		healthy atomic.Bool
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"db down","password":"hunter2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"plan":"ok"}`)
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)
	token := g.token(t)

	for i := 0; i < 5; i++ {
		resp := g.do(t, http.MethodGet, "/api/v1/planning/trips", token, nil, nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("%d回目: ステータスコード = %d, want %d", i+1, resp.StatusCode, http.StatusBadGateway)
		}
		env := decodeEnvelope(t, resp)
		if env.Code != apperror.CodeUpstreamFailure {
			t.Errorf("%d回目: code = %d, want %d", i+1, env.Code, apperror.CodeUpstreamFailure)
		}
		if strings.Contains(env.Error, "hunter2") {
			t.Error("上流のボディがクライアントに漏れている")
		}
	}

	resp := g.do(t, http.MethodGet, "/api/v1/planning/trips", token, nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("6回目: ステータスコード = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	env := decodeEnvelope(t, resp)
	if env.Code != apperror.CodeServiceUnavailable || env.Message != "Service unavailable" {
		t.Errorf("エンベロープ = %+v", env)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("上流の呼び出し回数 = %d, want 5", got)
	}

	resp = g.do(t, http.MethodGet, "/breakers", "", nil, nil)
	var breakers struct {
		Breakers []struct {
			ServiceID string `json:"serviceId"`
			State     string `json:"state"`
		} `json:"breakers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&breakers); err != nil {
		t.Fatalf("/breakers のデコードに失敗: %v", err)
	}
	if len(breakers.Breakers) != 1 || breakers.Breakers[0].State != "OPEN" {
		t.Errorf("/breakers = %+v, want planning OPEN", breakers.Breakers)
	}

	healthy.Store(true)
	g.clock.Advance(30 * time.Second)

	for i := 0; i < 2; i++ {
		resp := g.do(t, http.MethodGet, "/api/v1/planning/trips", token, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("回復後 %d回目: ステータスコード = %d, want %d", i+1, resp.StatusCode, http.StatusOK)
		}
	}
	if got := calls.Load(); got != 7 {
		t.Errorf("上流の呼び出し回数 = %d, want 7", got)
	}
	if state := g.server.Breakers().Snapshots()[0].State.String(); state != "CLOSED" {
		t.Errorf("ブレーカーの状態 = %s, want CLOSED", state)
	}

	resp = g.do(t, http.MethodGet, "/metrics", "", nil, nil)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`edgegate_breaker_transitions_total{from="CLOSED",service="planning",to="OPEN"} 1`,
		`edgegate_upstream_results_total{result="rejected",service="planning"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics に %s が含まれない", want)
		}
	}
}

// TestClientDisconnect はクライアントが応答前に切断しても上流の結果がブレーカーに記録されることを検証する。
func TestClientDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("切断後に上流が返した5xxは失敗として集計されること", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)
		token := g.token(t)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.http.URL+"/api/v1/planning/trips", nil)
				if err != nil {
					t.Errorf("リクエストの作成に失敗: %v", err)
					return
				}
				req.Header.Set("Authorization", "Bearer "+token)
				resp, err := g.http.Client().Do(req)
				if err == nil {
					resp.Body.Close()
					t.Errorf("切断されるはずのリクエストが応答を受け取った: %d", resp.StatusCode)
				}
			}()
		}
		wg.Wait()

		deadline := time.Now().Add(3 * time.Second)
		for {
			snap := g.server.Breakers().Snapshots()[0]
			if snap.WindowFailures == 5 {
				if snap.State.String() != "OPEN" {
					t.Errorf("ブレーカーの状態 = %s, want OPEN", snap.State)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Snapshot = %+v, want 失敗5件が記録されること", snap)
			}
			time.Sleep(20 * time.Millisecond)
		}
		if got := calls.Load(); got != 5 {
			t.Errorf("上流の呼び出し回数 = %d, want 5", got)
		}
	})

	t.Run("切断後に上流が返した成功は成功として集計されること", func(t *testing.T) {
		t.Parallel()

		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
			_, _ = io.WriteString(w, `{"plan":"ok"}`)
		}))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.http.URL+"/api/v1/planning/trips", nil)
		if err != nil {
			t.Fatalf("リクエストの作成に失敗: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+g.token(t))
		if resp, err := g.http.Client().Do(req); err == nil {
			resp.Body.Close()
			t.Fatalf("切断されるはずのリクエストが応答を受け取った: %d", resp.StatusCode)
		}

		deadline := time.Now().Add(3 * time.Second)
		for {
			snap := g.server.Breakers().Snapshots()[0]
			if snap.WindowRequests == 1 {
				if snap.WindowFailures != 0 {
					t.Errorf("WindowFailures = %d, want 0", snap.WindowFailures)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Snapshot = %+v, want 成功1件が記録されること", snap)
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	t.Run("ボディの送信途中の切断は失敗として集計されないこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.ReadAll(r.Body)
			calls.Add(1)
			w.WriteHeader(http.StatusCreated)
		}))
		t.Cleanup(upstream.Close)

		g := newTestGateway(t, []config.Route{testRoute("planning", "/api/v1/planning", upstream.URL)}, nil)
		token := g.token(t)

		for i := 0; i < 5; i++ {
			pr, pw := io.Pipe()
			ctx, cancel := context.WithCancel(context.Background())
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.http.URL+"/api/v1/planning/trips", pr)
			if err != nil {
				t.Fatalf("リクエストの作成に失敗: %v", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			done := make(chan struct{})
			go func() {
				defer close(done)
				if resp, err := g.http.Client().Do(req); err == nil {
					resp.Body.Close()
				}
			}()
			_, _ = pw.Write([]byte(`{"title":`))
			time.Sleep(50 * time.Millisecond)
			cancel()
			_ = pw.Close()
			<-done
		}

		deadline := time.Now().Add(3 * time.Second)
		for calls.Load() < 5 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)

		snap := g.server.Breakers().Snapshots()[0]
		if snap.WindowFailures != 0 || snap.State.String() != "CLOSED" {
			t.Errorf("Snapshot = %+v, want 失敗が記録されないこと", snap)
		}
		resp := g.do(t, http.MethodGet, "/api/v1/planning/trips", token, nil, nil)
		if resp.StatusCode == http.StatusServiceUnavailable {
			t.Error("クライアントの切断でブレーカーが開いた")
		}
	})
}

// TestUpstreamErrors は上流の通信失敗とタイムアウトのステータスを検証する。
func TestUpstreamErrors(t *testing.T) {
	t.Parallel()

	t.Run("接続できない場合は502を返すこと", func(t *testing.T) {
		t.Parallel()

		closed := httptest.NewServer(http.NotFoundHandler())
		target := closed.URL
		closed.Close()

		g := newTestGateway(t, []config.Route{testRoute("search", "/api/v1/search", target)}, nil)
		resp := g.do(t, http.MethodGet, "/api/v1/search/x", g.token(t), nil, nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusBadGateway)
		}
		if env := decodeEnvelope(t, resp); env.Code != apperror.CodeUpstreamFailure || env.IsOperational {
			t.Errorf("エンベロープ = %+v", env)
		}
	})

	t.Run("タイムアウトした場合は504を返すこと", func(t *testing.T) {
		t.Parallel()

		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		t.Cleanup(slow.Close)

		route := testRoute("planning", "/api/v1/planning", slow.URL)
		route.TimeoutMs = 50
		g := newTestGateway(t, []config.Route{route}, nil)
		resp := g.do(t, http.MethodGet, "/api/v1/planning/slow", g.token(t), nil, nil)
		if resp.StatusCode != http.StatusGatewayTimeout {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusGatewayTimeout)
		}
		if env := decodeEnvelope(t, resp); env.Code != apperror.CodeUpstreamTimeout {
			t.Errorf("code = %d, want %d", env.Code, apperror.CodeUpstreamTimeout)
		}
	})
}

// TestRetry は冪等なリクエストのみ再試行されることを検証する。
func TestRetry(t *testing.T) {
	t.Parallel()

	newFlaky := func(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
		t.Helper()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) <= failures {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, "ok")
		}))
		t.Cleanup(srv.Close)
		return srv, &calls
	}

	t.Run("GETは再試行して成功すること", func(t *testing.T) {
		t.Parallel()

		upstream, calls := newFlaky(t, 2)
		route := testRoute("search", "/api/v1/search", upstream.URL)
		route.Retries = 2
		g := newTestGateway(t, []config.Route{route}, nil)

		resp := g.do(t, http.MethodGet, "/api/v1/search/x", g.token(t), nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("上流の呼び出し回数 = %d, want 3", got)
		}
	})

	t.Run("再試行回数を使い切った場合は502を返すこと", func(t *testing.T) {
		t.Parallel()

		upstream, calls := newFlaky(t, 10)
		route := testRoute("search", "/api/v1/search", upstream.URL)
		route.Retries = 1
		g := newTestGateway(t, []config.Route{route}, nil)

		resp := g.do(t, http.MethodGet, "/api/v1/search/x", g.token(t), nil, nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusBadGateway)
		}
		if got := calls.Load(); got != 2 {
			t.Errorf("上流の呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("ボディのあるPOSTは再試行しないこと", func(t *testing.T) {
		t.Parallel()

		upstream, calls := newFlaky(t, 1)
		route := testRoute("search", "/api/v1/search", upstream.URL)
		route.Retries = 2
		g := newTestGateway(t, []config.Route{route}, nil)

		resp := g.do(t, http.MethodPost, "/api/v1/search/x", g.token(t), strings.NewReader(`{"q":"a"}`), nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusBadGateway)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("上流の呼び出し回数 = %d, want 1", got)
		}
	})
}

// TestStreaming はレスポンスがバッファリングされずに中継されることを検証する。
func TestStreaming(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		_, _ = io.WriteString(w, "data: second\n\n")
	}))
	t.Cleanup(upstream.Close)

	route := testRoute("search", "/api/v1/search", upstream.URL)
	route.TimeoutMs = 10000
	g := newTestGateway(t, []config.Route{route}, nil)

	resp := g.do(t, http.MethodGet, "/api/v1/search/stream", g.token(t), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("最初のイベントの読み込みに失敗: %v", err)
	}
	if line != "data: first\n" {
		t.Errorf("最初の行 = %q", line)
	}
	close(release)

	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("残りの読み込みに失敗: %v", err)
	}
	if string(rest) != "\ndata: second\n\n" {
		t.Errorf("残り = %q", rest)
	}
}

// TestWebSocket はWebSocketの中継を検証する。
func TestWebSocket(t *testing.T) {
	t.Parallel()

	var gotUser atomic.Value
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat.v1"}}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reject" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		gotUser.Store(r.Header.Get(middleware.HeaderUserID))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(upstream.Close)

	g := newTestGateway(t, []config.Route{testRoute("chat", "/api/v1/chat", upstream.URL)}, nil)
	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/api/v1/chat"

	t.Run("メッセージを双方向に中継すること", func(t *testing.T) {
		t.Parallel()

		dialer := websocket.Dialer{Subprotocols: []string{"chat.v1"}, HandshakeTimeout: 5 * time.Second}
		conn, resp, err := dialer.Dial(wsURL+"/room/1", http.Header{"Authorization": {"Bearer " + g.token(t)}})
		if err != nil {
			t.Fatalf("接続に失敗: %v", err)
		}
		defer conn.Close()
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Errorf("ステータスコード = %d", resp.StatusCode)
		}
		if conn.Subprotocol() != "chat.v1" {
			t.Errorf("サブプロトコル = %q, want chat.v1", conn.Subprotocol())
		}

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for _, msg := range []string{"hello", "world"} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Fatalf("送信に失敗: %v", err)
			}
			mt, got, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("受信に失敗: %v", err)
			}
			if mt != websocket.TextMessage || string(got) != "echo: "+msg {
				t.Errorf("受信 = %d %q", mt, got)
			}
		}
		if user, _ := gotUser.Load().(string); user != "user-1" {
			t.Errorf("上流の X-User-ID = %q, want user-1", user)
		}

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_, _, err = conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("クローズの伝播: %v", err)
		}
	})

	t.Run("上流がハンドシェイクを拒否した場合はそのステータスを返すこと", func(t *testing.T) {
		t.Parallel()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/reject", http.Header{"Authorization": {"Bearer " + g.token(t)}})
		if err == nil {
			t.Fatal("接続が成功した")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("レスポンス = %v, want 403", resp)
		}
	})

	t.Run("未認証の場合はアップグレードしないこと", func(t *testing.T) {
		t.Parallel()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/room/1", nil)
		if err == nil {
			t.Fatal("接続が成功した")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("レスポンス = %v, want 401", resp)
		}
	})
}

// TestServe はサーバーの起動とグレースフルシャットダウンを検証する。
func TestServe(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("ヘルスチェックに失敗: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve()でエラーが発生: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("シャットダウンが完了しない")
	}
}
