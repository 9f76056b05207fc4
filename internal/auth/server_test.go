package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nao1215/edgeauth/pkg/config"
)

// TestServer_RegisterAndLogin は登録からログイン、ユーザー情報取得までを検証する。
func TestServer_RegisterAndLogin(t *testing.T) {
	t.Parallel()

	t.Run("ログインで得たアクセストークンで/meを取得できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		tokens := registerAndLogin(t, s, "alice", "alice@example.com", "password123")

		if tokens.AccessToken == "" || tokens.RefreshToken == "" {
			t.Fatalf("トークンが空: %+v", tokens)
		}
		if tokens.TokenType != "bearer" {
			t.Errorf("token_type = %q, want bearer", tokens.TokenType)
		}
		if tokens.ExpiresIn != 900 {
			t.Errorf("expires_in = %d, want 900", tokens.ExpiresIn)
		}
		if tokens.SessionID == "" {
			t.Error("session_idが空")
		}

		for _, path := range []string{"/auth/me", "/v1/auth/me"} {
			w := do(t, s, request{method: http.MethodGet, path: path, bearer: tokens.AccessToken})
			if w.Code != http.StatusOK {
				t.Fatalf("%s: ステータスコード = %d, want %d", path, w.Code, http.StatusOK)
			}
			me := decode[map[string]any](t, w)
			if me["username"] != "alice" || me["email"] != "alice@example.com" {
				t.Errorf("%s: レスポンス = %v", path, me)
			}
			if _, ok := me["password_hash"]; ok {
				t.Errorf("%s: パスワードハッシュが含まれている", path)
			}
		}
	})

	t.Run("フォーム形式のログインを受け付けること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		registerAndLogin(t, s, "bob", "bob@example.com", "password123")

		form := url.Values{"username": {"bob@example.com"}, "password": {"password123"}}
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if decode[tokenResponse](t, w).AccessToken == "" {
			t.Error("アクセストークンが空")
		}
	})

	t.Run("重複した登録は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		registerAndLogin(t, s, "carol", "carol@example.com", "password123")

		for _, body := range []registerRequest{
			{Username: "carol2", Email: "CAROL@example.com", Password: "password123"},
			{Username: "CAROL", Email: "carol2@example.com", Password: "password123"},
		} {
			w := do(t, s, request{method: http.MethodPost, path: "/auth/register", body: body})
			if w.Code != http.StatusBadRequest {
				t.Errorf("%+v: ステータスコード = %d, want %d", body, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("不正な登録入力は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, func(cfg *config.Auth) { cfg.RateLimit.RegisterLimit = 0 })
		for _, body := range []registerRequest{
			{Username: "ab", Email: "ab@example.com", Password: "password123"},
			{Username: "dave", Email: "not-an-email", Password: "password123"},
			{Username: "dave", Email: "dave@example.com", Password: "short"},
		} {
			w := do(t, s, request{method: http.MethodPost, path: "/auth/register", body: body})
			if w.Code != http.StatusBadRequest {
				t.Errorf("%+v: ステータスコード = %d, want %d", body, w.Code, http.StatusBadRequest)
			}
			if decode[map[string]string](t, w)["error"] == "" {
				t.Errorf("%+v: errorが空", body)
			}
		}
	})
}

// TestServer_UniformUnauthorized はユーザーの存在有無で401の応答が変わらないことを検証する。
func TestServer_UniformUnauthorized(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	registerAndLogin(t, s, "erin", "erin@example.com", "password123")

	wrongPassword := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: loginRequest{
		Email: "erin@example.com", Password: "wrong-password",
	}})
	unknownUser := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: loginRequest{
		Email: "nobody@example.com", Password: "password123",
	}})

	if wrongPassword.Code != http.StatusUnauthorized || unknownUser.Code != http.StatusUnauthorized {
		t.Fatalf("ステータスコード = %d / %d, want 401", wrongPassword.Code, unknownUser.Code)
	}
	if wrongPassword.Body.String() != unknownUser.Body.String() {
		t.Errorf("レスポンスが異なる: %s / %s", wrongPassword.Body.String(), unknownUser.Body.String())
	}
}

// TestServer_RateLimit はログインのレートリミットを検証する。
func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	t.Run("同一アドレスからの6回目の試行は429になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		body := loginRequest{Email: "nobody@example.com", Password: "password123"}

		for i := 1; i <= 5; i++ {
			w := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: body, clientIP: "203.0.113.7"})
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, http.StatusUnauthorized)
			}
		}

		w := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: body, clientIP: "203.0.113.7"})
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("6回目のステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if decode[map[string]string](t, w)["error"] != msgRateLimitedIP {
			t.Errorf("error = %q, want %q", w.Body.String(), msgRateLimitedIP)
		}

		// 別のアドレスからは試行できる
		w = do(t, s, request{method: http.MethodPost, path: "/auth/login", body: body, clientIP: "203.0.113.8"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("別アドレスのステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("信頼しない接続元がX-Forwarded-Forを変えても同じアドレスとして数えること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		for i := 1; i <= 6; i++ {
			body := loginRequest{Email: fmt.Sprintf("user%d@example.com", i), Password: "password123"}
			w := do(t, s, request{
				method:       http.MethodPost,
				path:         "/auth/login",
				body:         body,
				clientIP:     "192.0.2.1",
				forwardedFor: fmt.Sprintf("10.0.0.%d", i),
			})
			want := http.StatusUnauthorized
			if i == 6 {
				want = http.StatusTooManyRequests
			}
			if w.Code != want {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, want)
			}
		}
	})

	t.Run("信頼するプロキシ経由ではX-Forwarded-Forのアドレスごとに数えること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, func(cfg *config.Auth) {
			cfg.TrustedProxies = []string{"192.0.2.10"}
		})
		login := func(client string) int {
			body := loginRequest{Email: "nobody@example.com", Password: "password123"}
			return do(t, s, request{
				method:       http.MethodPost,
				path:         "/auth/login",
				body:         body,
				clientIP:     "192.0.2.10",
				forwardedFor: client,
			}).Code
		}

		for i := 1; i <= 5; i++ {
			if code := login("198.51.100.20"); code != http.StatusUnauthorized {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, code, http.StatusUnauthorized)
			}
		}
		if code := login("198.51.100.20"); code != http.StatusTooManyRequests {
			t.Errorf("6回目のステータスコード = %d, want %d", code, http.StatusTooManyRequests)
		}
		// ゲートウェイ自身のアドレスではなくクライアントごとに数える
		if code := login("198.51.100.21"); code != http.StatusUnauthorized {
			t.Errorf("別クライアントのステータスコード = %d, want %d", code, http.StatusUnauthorized)
		}
	})

	t.Run("同一ユーザーへの試行が上限を超えると別のメッセージで429になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, func(cfg *config.Auth) {
			cfg.RateLimit.IPLimit = 100
			cfg.RateLimit.UserLimit = 3
		})
		body := loginRequest{Email: "target@example.com", Password: "password123"}

		for i := 1; i <= 3; i++ {
			ip := fmt.Sprintf("203.0.113.%d", i)
			w := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: body, clientIP: ip})
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, http.StatusUnauthorized)
			}
		}

		w := do(t, s, request{method: http.MethodPost, path: "/auth/login", body: body, clientIP: "203.0.113.9"})
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("4回目のステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if decode[map[string]string](t, w)["error"] != msgRateLimitedUser {
			t.Errorf("error = %q, want %q", w.Body.String(), msgRateLimitedUser)
		}
	})
}

// TestServer_Refresh はリフレッシュとログアウトの組み合わせを検証する。
func TestServer_Refresh(t *testing.T) {
	t.Parallel()

	refresh := func(t *testing.T, s *Server, refreshToken string) *httptest.ResponseRecorder {
		t.Helper()
		return do(t, s, request{method: http.MethodPost, path: "/auth/refresh", body: refreshRequest{RefreshToken: refreshToken}})
	}

	t.Run("ローテーション後は古いリフレッシュトークンが使えないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		tokens := registerAndLogin(t, s, "frank", "frank@example.com", "password123")

		w := refresh(t, s, tokens.RefreshToken)
		if w.Code != http.StatusOK {
			t.Fatalf("1回目のリフレッシュ = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		rotated := decode[tokenResponse](t, w)
		if rotated.RefreshToken == tokens.RefreshToken {
			t.Fatal("リフレッシュトークンがローテーションされていない")
		}

		if w := refresh(t, s, tokens.RefreshToken); w.Code != http.StatusUnauthorized {
			t.Errorf("古いトークンでのリフレッシュ = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w := refresh(t, s, rotated.RefreshToken); w.Code != http.StatusOK {
			t.Errorf("新しいトークンでのリフレッシュ = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ログアウト後はリフレッシュが拒否されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		tokens := registerAndLogin(t, s, "grace", "grace@example.com", "password123")

		w := do(t, s, request{method: http.MethodPost, path: "/auth/logout", bearer: tokens.AccessToken})
		if w.Code != http.StatusNoContent {
			t.Fatalf("ログアウト = %d, want %d", w.Code, http.StatusNoContent)
		}
		if w := refresh(t, s, tokens.RefreshToken); w.Code != http.StatusUnauthorized {
			t.Errorf("ログアウト後のリフレッシュ = %d, want %d", w.Code, http.StatusUnauthorized)
		}

		// ログアウトは何度実行しても成功する
		w = do(t, s, request{method: http.MethodPost, path: "/auth/logout", bearer: tokens.AccessToken})
		if w.Code != http.StatusNoContent {
			t.Errorf("2回目のログアウト = %d, want %d", w.Code, http.StatusNoContent)
		}
	})

	t.Run("セッション照合を無効にするとログアウト後もリフレッシュできること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, func(cfg *config.Auth) { cfg.RefreshSessionCheck = false })
		tokens := registerAndLogin(t, s, "heidi", "heidi@example.com", "password123")

		w := do(t, s, request{method: http.MethodPost, path: "/auth/logout", bearer: tokens.AccessToken})
		if w.Code != http.StatusNoContent {
			t.Fatalf("ログアウト = %d, want %d", w.Code, http.StatusNoContent)
		}
		if w := refresh(t, s, tokens.RefreshToken); w.Code != http.StatusOK {
			t.Errorf("ログアウト後のリフレッシュ = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("アクセストークンではリフレッシュできないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil)
		tokens := registerAndLogin(t, s, "ivan", "ivan@example.com", "password123")

		if w := refresh(t, s, tokens.AccessToken); w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w := refresh(t, s, ""); w.Code != http.StatusBadRequest {
			t.Errorf("空トークンのステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestServer_Sessions はセッション一覧と個別失効、全失効を検証する。
func TestServer_Sessions(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	tokens := registerAndLogin(t, s, "judy", "judy@example.com", "password123")

	// 別の端末でもう一度ログインする
	w := do(t, s, request{
		method: http.MethodPost,
		path:   "/v1/auth/login",
		body:   loginRequest{Email: "judy@example.com", Password: "password123"},
		header: map[string]string{headerKeyDeviceID: "3f1c1d2e-8a4b-4c5d-9e6f-7a8b9c0d1e2f"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("2回目のログイン = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get(headerKeyDeviceID); got != "3f1c1d2e-8a4b-4c5d-9e6f-7a8b9c0d1e2f" {
		t.Errorf("X-Device-ID = %q", got)
	}
	second := decode[tokenResponse](t, w)

	type listResponse struct {
		Sessions         []SessionView `json:"sessions"`
		CurrentSessionID string        `json:"current_session_id"`
	}

	w = do(t, s, request{method: http.MethodGet, path: "/auth/sessions", bearer: tokens.AccessToken})
	if w.Code != http.StatusOK {
		t.Fatalf("一覧 = %d, want %d", w.Code, http.StatusOK)
	}
	list := decode[listResponse](t, w)
	if len(list.Sessions) != 2 {
		t.Fatalf("セッション数 = %d, want 2", len(list.Sessions))
	}
	if list.CurrentSessionID != tokens.SessionID {
		t.Errorf("current_session_id = %q, want %q", list.CurrentSessionID, tokens.SessionID)
	}

	w = do(t, s, request{method: http.MethodDelete, path: "/auth/sessions/" + second.SessionID, bearer: tokens.AccessToken})
	if w.Code != http.StatusNoContent {
		t.Fatalf("個別失効 = %d, want %d", w.Code, http.StatusNoContent)
	}
	w = do(t, s, request{method: http.MethodDelete, path: "/auth/sessions/" + second.SessionID, bearer: tokens.AccessToken})
	if w.Code != http.StatusNotFound {
		t.Errorf("失効済みセッションの失効 = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, s, request{method: http.MethodPost, path: "/auth/logout-all", bearer: tokens.AccessToken})
	if w.Code != http.StatusNoContent {
		t.Fatalf("全失効 = %d, want %d", w.Code, http.StatusNoContent)
	}
	w = do(t, s, request{method: http.MethodGet, path: "/auth/sessions", bearer: tokens.AccessToken})
	if got := decode[listResponse](t, w); len(got.Sessions) != 0 {
		t.Errorf("全失効後のセッション数 = %d, want 0", len(got.Sessions))
	}
}

// TestServer_Protected は保護されたエンドポイントがトークンを要求することを検証する。
func TestServer_Protected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	for _, r := range []request{
		{method: http.MethodGet, path: "/auth/me"},
		{method: http.MethodPost, path: "/auth/logout"},
		{method: http.MethodGet, path: "/v1/auth/sessions", bearer: "not-a-token"},
	} {
		if w := do(t, s, r); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: ステータスコード = %d, want %d", r.method, r.path, w.Code, http.StatusUnauthorized)
		}
	}
}

// TestServer_Probes はヘルスチェックとメトリクスを検証する。
func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		if w := do(t, s, request{method: http.MethodGet, path: path}); w.Code != http.StatusOK {
			t.Errorf("%s: ステータスコード = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

// TestNewServer_Errors は不正な設定でサーバーの生成に失敗することを検証する。
func TestNewServer_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string]func(*config.Auth){
		"不正なREDIS_URL":       func(cfg *config.Auth) { cfg.Redis.URL = "://bad" },
		"未対応のアルゴリズム":         func(cfg *config.Auth) { cfg.Token.Algorithm = "none" },
		"未対応のレートリミット方式":      func(cfg *config.Auth) { cfg.RateLimit.Strategy = "leaky" },
		"データベースのパスが空":        func(cfg *config.Auth) { cfg.DatabasePath = " " },
		"不正なTRUSTED_PROXIES": func(cfg *config.Auth) { cfg.TrustedProxies = []string{"not-an-ip"} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := testAuthConfig(t, miniredis.RunT(t))
			mutate(cfg)
			if _, err := NewServer(t.Context(), cfg, nil); err == nil {
				t.Error("エラーが返されなかった")
			}
		})
	}
}
