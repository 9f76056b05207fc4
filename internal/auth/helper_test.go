package auth

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgeauth/pkg/config"
	"github.com/nao1215/edgeauth/pkg/ratelimit"
	"github.com/nao1215/edgeauth/pkg/token"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "auth-test-secret-key"

// testClock はテスト用の進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestDB はテストごとの一時ファイルにマイグレーション済みのSQLiteを開く。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "auth.db"), nil)
	if err != nil {
		t.Fatalf("OpenDB()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testEnv はワークフローのテストに必要な依存関係。
type testEnv struct {
	service  *Service
	users    *UserStore
	sessions *SessionRegistry
	audit    *AuditLog
	codec    *token.Codec
	clock    *testClock
	redis    *miniredis.Miniredis
}

// newTestEnv はテスト用の認証ワークフローを生成する。
func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()

	clock := newTestClock()
	db := newTestDB(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter, err := ratelimit.New(ratelimit.StrategySlidingWindow, rdb, ratelimit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("ratelimit.New()でエラーが発生: %v", err)
	}

	codec, err := token.NewCodec(token.Config{
		Algorithm: "HS256",
		Secret:    testSecret,
		Issuer:    "edgeauth-test",
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("NewCodec()でエラーが発生: %v", err)
	}
	hasher, err := NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher()でエラーが発生: %v", err)
	}

	env := &testEnv{
		users:    NewUserStore(db),
		sessions: NewSessionRegistry(db, clock.Now),
		audit:    NewAuditLog(db),
		codec:    codec,
		clock:    clock,
		redis:    mr,
	}
	env.service = NewService(ServiceDeps{
		Users:    env.users,
		Sessions: env.sessions,
		Audit:    env.audit,
		Codec:    codec,
		Issuer:   token.NewIssuer(codec, 15*time.Minute, time.Hour),
		Limiter:  limiter,
		Hasher:   hasher,
		Now:      clock.Now,
	}, policy)
	return env
}

// defaultPolicy はテスト用の標準ポリシー。
func defaultPolicy() Policy {
	return Policy{
		IPLimit:       5,
		UserLimit:     10,
		RegisterLimit: 5,
		Window:        time.Minute,
		SessionCheck:  true,
	}
}

// mustRegister はユーザーを登録する。
func (e *testEnv) mustRegister(t *testing.T, username, email, password string) *User {
	t.Helper()

	user, err := e.service.Register(context.Background(), RegisterInput{
		Username:  username,
		Email:     email,
		Password:  password,
		IPAddress: "198.51.100.1",
	})
	if err != nil {
		t.Fatalf("Register()でエラーが発生: %v", err)
	}
	return user
}

// mustLogin はログインする。
func (e *testEnv) mustLogin(t *testing.T, email, password, deviceID string) *LoginResult {
	t.Helper()

	result, err := e.service.Login(context.Background(), LoginInput{
		Email:     email,
		Password:  password,
		IPAddress: "198.51.100.1",
		UserAgent: "test-agent",
		DeviceID:  deviceID,
	})
	if err != nil {
		t.Fatalf("Login()でエラーが発生: %v", err)
	}
	return result
}

// testAuthConfig はNewServer用のテスト設定を返す。
func testAuthConfig(t *testing.T, mr *miniredis.Miniredis) *config.Auth {
	t.Helper()

	return &config.Auth{
		Port:                "0",
		DatabasePath:        filepath.Join(t.TempDir(), "auth.db"),
		APIVersion:          "v1",
		RefreshSessionCheck: true,
		BcryptCost:          bcrypt.MinCost,
		Redis: config.Redis{
			URL:        "redis://" + mr.Addr(),
			MaxRetries: -1,
		},
		Token: config.Token{
			Algorithm:  "HS256",
			SecretKey:  testSecret,
			Issuer:     "edgeauth-test",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		RateLimit: config.RateLimit{
			Strategy:      "sliding",
			IPLimit:       5,
			UserLimit:     10,
			RegisterLimit: 5,
			Window:        time.Minute,
		},
	}
}

// newTestServer はminiredisと一時SQLiteを使う認証サーバーを生成する。
// mutateで設定を変更できる。
func newTestServer(t *testing.T, mutate func(*config.Auth)) *Server {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := testAuthConfig(t, mr)
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewServer(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// request はリクエストオプション。
type request struct {
	method string
	path   string
	body   any
	bearer string
	// clientIP は接続元（TCPピア）のアドレス。空の場合はhttptestの既定値。
	clientIP string
	// forwardedFor はX-Forwarded-Forヘッダーの値。
	forwardedFor string
	header       map[string]string
}

// do はサーバーにリクエストを送り、レスポンスを返す。
func do(t *testing.T, s *Server, r request) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if r.body != nil {
		if err := json.NewEncoder(&buf).Encode(r.body); err != nil {
			t.Fatalf("リクエストボディのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, &buf)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	if r.clientIP != "" {
		req.RemoteAddr = net.JoinHostPort(r.clientIP, "40000")
	}
	if r.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", r.forwardedFor)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// decode はレスポンスボディをJSONとしてデコードする。
func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return v
}

// registerAndLogin はHTTP経由で登録とログインを行い、トークンレスポンスを返す。
func registerAndLogin(t *testing.T, s *Server, username, email, password string) tokenResponse {
	t.Helper()

	w := do(t, s, request{method: http.MethodPost, path: "/auth/register", body: registerRequest{
		Username: username, Email: email, Password: password,
	}})
	if w.Code != http.StatusCreated {
		t.Fatalf("登録のステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}

	w = do(t, s, request{method: http.MethodPost, path: "/auth/login", body: loginRequest{
		Email: email, Password: password,
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("ログインのステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	return decode[tokenResponse](t, w)
}
