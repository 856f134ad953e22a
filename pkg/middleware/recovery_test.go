package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/edgegate/pkg/apperror"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	newRouter := func(production bool) *gin.Engine {
		logger := zap.NewNop()
		router := gin.New()
		router.Use(RequestID(), ErrorHandler(logger, production), Recovery(logger))
		router.GET("/panic", func(_ *gin.Context) {
			panic("テスト用パニック")
		})
		router.GET("/panic-error", func(_ *gin.Context) {
			panic(errors.New("テスト用エラー"))
		})
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		return router
	}

	t.Run("パニックが発生した場合500のエンベロープが返ること", func(t *testing.T) {
		t.Parallel()

		router := newRouter(true)
		for _, path := range []string{"/panic", "/panic-error"} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("%s: ステータスコード = %d, want %d", path, w.Code, http.StatusInternalServerError)
			}
			var body apperror.Envelope
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body.Code != apperror.CodeInternal || body.IsOperational {
				t.Errorf("%s: code = %d, isOperational = %v", path, body.Code, body.IsOperational)
			}
			if body.Stack != "" || body.Error != "" {
				t.Errorf("%s: 本番環境で内部情報が返された", path)
			}
			if body.RequestID == "" || body.RequestID != w.Header().Get(HeaderRequestID) {
				t.Errorf("%s: requestId = %q", path, body.RequestID)
			}
		}
	})

	t.Run("本番環境以外ではパニックの内容とスタックトレースが含まれること", func(t *testing.T) {
		t.Parallel()

		router := newRouter(false)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		var body apperror.Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.Error != "panic: テスト用パニック" {
			t.Errorf("error = %q", body.Error)
		}
		if body.Stack == "" {
			t.Error("スタックトレースが含まれていない")
		}
	})

	t.Run("パニック後もサーバーが次のリクエストを処理できること", func(t *testing.T) {
		t.Parallel()

		router := newRouter(true)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ErrAbortHandlerは再度パニックすること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/abort", func(_ *gin.Context) {
			panic(http.ErrAbortHandler)
		})

		defer func() {
			if r := recover(); r != http.ErrAbortHandler {
				t.Errorf("recover() = %v, want %v", r, http.ErrAbortHandler)
			}
		}()
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}
