package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// newCORSRouter はCORSミドルウェアと、到達を記録するハンドラを持つルーターを返す。
func newCORSRouter(reached *bool) *gin.Engine {
	router := gin.New()
	router.Use(CORS([]string{"https://app.example.com"}))
	router.Handle(http.MethodPost, "/auth/login", func(c *gin.Context) {
		*reached = true
		c.Header("X-Device-ID", "8d0b3c6e-2f4a-4b1c-9d7e-5a6b7c8d9e0f")
		c.Status(http.StatusOK)
	})
	router.Handle(http.MethodOptions, "/auth/login", func(c *gin.Context) {
		*reached = true
		c.Status(http.StatusOK)
	})
	return router
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("許可されたオリジンには端末識別子ヘッダーを公開すること", func(t *testing.T) {
		t.Parallel()

		var reached bool
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		newCORSRouter(&reached).ServeHTTP(w, req)

		if !reached || w.Code != http.StatusOK {
			t.Fatalf("ハンドラが実行されていない: reached=%v status=%d", reached, w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Device-ID" {
			t.Errorf("Access-Control-Expose-Headers = %q, want %q", got, "X-Device-ID")
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})

	t.Run("許可されていないオリジンにはCORSヘッダーを付けないこと", func(t *testing.T) {
		t.Parallel()

		var reached bool
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		newCORSRouter(&reached).ServeHTTP(w, req)

		if !reached {
			t.Error("ハンドラが実行されていない")
		}
		for _, key := range []string{"Access-Control-Allow-Origin", "Access-Control-Expose-Headers"} {
			if got := w.Header().Get(key); got != "" {
				t.Errorf("%s = %q, want empty", key, got)
			}
		}
		if got := w.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q, want %q", got, "Origin")
		}
	})

	t.Run("プリフライトは204で打ち切りX-Device-IDの送信を許可すること", func(t *testing.T) {
		t.Parallel()

		var reached bool
		req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "X-Device-ID")
		w := httptest.NewRecorder()
		newCORSRouter(&reached).ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if reached {
			t.Error("プリフライトがハンドラに到達した")
		}
		if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type, X-Device-ID" {
			t.Errorf("Access-Control-Allow-Headers = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, PATCH, DELETE, OPTIONS" {
			t.Errorf("Access-Control-Allow-Methods = %q", got)
		}
	})

	t.Run("プリフライトでないOPTIONSは後続のハンドラに渡すこと", func(t *testing.T) {
		t.Parallel()

		var reached bool
		req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
		w := httptest.NewRecorder()
		newCORSRouter(&reached).ServeHTTP(w, req)

		if !reached || w.Code != http.StatusOK {
			t.Errorf("ハンドラが実行されていない: reached=%v status=%d", reached, w.Code)
		}
	})
}
