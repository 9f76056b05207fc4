package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgeauth/pkg/config"
	"github.com/nao1215/edgeauth/pkg/middleware"
	"github.com/nao1215/edgeauth/pkg/ratelimit"
	"github.com/nao1215/edgeauth/pkg/token"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// headerKeyDeviceID はクライアントが端末識別子を申告するHTTPヘッダーキー。
const headerKeyDeviceID = "X-Device-ID"

// shutdownTimeout は停止時に処理中のリクエストを待つ最大時間。
const shutdownTimeout = 10 * time.Second

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service は認証ワークフロー。
	service *Service
	// codec はアクセストークンの検証に使う。
	codec *token.Codec
	// db はSQLiteデータベース接続。
	db *sql.DB
	// redis はレートリミッタのストア。
	redis redis.UniversalClient
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は設定から依存関係を組み立て、新しい認証サーバーを生成する。
func NewServer(ctx context.Context, cfg *config.Auth, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := token.NewCodec(cfg.Token.CodecConfig())
	if err != nil {
		return nil, fmt.Errorf("トークンCodecの生成に失敗: %w", err)
	}
	if !codec.CanSign() {
		return nil, errors.New("認証サービスには署名用の鍵が必要です")
	}

	hasher, err := NewBcryptHasher(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	redisOpts, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(redisOpts)

	limiter, err := ratelimit.New(ratelimit.Strategy(cfg.RateLimit.Strategy), rdb, ratelimit.WithLogger(logger))
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("レートリミッタの生成に失敗: %w", err)
	}

	db, err := OpenDB(ctx, cfg.DatabasePath, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	service := NewService(ServiceDeps{
		Users:    NewUserStore(db),
		Sessions: NewSessionRegistry(db, nil),
		Audit:    NewAuditLog(db),
		Codec:    codec,
		Issuer:   token.NewIssuer(codec, cfg.Token.AccessTTL, cfg.Token.RefreshTTL),
		Limiter:  limiter,
		Hasher:   hasher,
		Logger:   logger,
	}, Policy{
		IPLimit:       cfg.RateLimit.IPLimit,
		UserLimit:     cfg.RateLimit.UserLimit,
		RegisterLimit: cfg.RateLimit.RegisterLimit,
		Window:        cfg.RateLimit.Window,
		SessionCheck:  cfg.RefreshSessionCheck,
	})

	router := gin.New()
	// 信頼するプロキシ以外から届いたX-Forwarded-Forは無視し、接続元アドレスをClientIPとする。
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, fmt.Errorf("TRUSTED_PROXIESの設定に失敗: %w", err)
	}
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	s := &Server{
		router:  router,
		port:    cfg.Port,
		service: service,
		codec:   codec,
		db:      db,
		redis:   rdb,
		logger:  logger,
	}
	s.setupRoutes(cfg.APIVersion)

	logger.Info("認証サーバーを初期化",
		zap.String("algorithm", codec.Algorithm()),
		zap.String("rate_limit_strategy", cfg.RateLimit.Strategy),
		zap.Bool("refresh_session_check", cfg.RefreshSessionCheck),
	)
	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待機する。
// キャンセル後は処理中のリクエストの完了を待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("認証サーバーを起動", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}

// Close はデータベースとRedisの接続を閉じる。
func (s *Server) Close() error {
	return errors.Join(s.db.Close(), s.redis.Close())
}

// setupRoutes はAPIルーティングを設定する。
// 認証APIは /auth と /{version}/auth の両方で公開する。
func (s *Server) setupRoutes(apiVersion string) {
	prefixes := []string{"/auth"}
	if v := strings.Trim(apiVersion, "/"); v != "" {
		prefixes = append(prefixes, "/"+v+"/auth")
	}

	for _, prefix := range prefixes {
		group := s.router.Group(prefix)
		{
			group.POST("/register", s.handleRegister())
			group.POST("/login", s.handleLogin())
			group.POST("/refresh", s.handleRefresh())
		}

		protected := group.Group("", middleware.BearerAuth(s.codec))
		{
			protected.POST("/logout", s.handleLogout())
			protected.POST("/logout-all", s.handleLogoutAll())
			protected.GET("/me", s.handleMe())
			protected.GET("/sessions", s.handleListSessions())
			protected.DELETE("/sessions/:id", s.handleRevokeSession())
		}
	}

	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
	s.router.GET("/health/ready", s.handleReady())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// registerRequest はユーザー登録のリクエストボディ。
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginRequest はログインのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// refreshRequest はリフレッシュのリクエストボディ。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse はトークンペアのレスポンス。
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	SessionID        string `json:"session_id,omitempty"`
}

// newTokenResponse はトークンペアからレスポンスを組み立てる。
func newTokenResponse(pair *token.Pair, sessionID string, now time.Time) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        "bearer",
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(now).Round(time.Second) / time.Second),
		RefreshExpiresIn: int64(pair.RefreshExpiresAt.Sub(now).Round(time.Second) / time.Second),
		SessionID:        sessionID,
	}
}

// handleRegister はユーザー登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		user, err := s.service.Register(c.Request.Context(), RegisterInput{
			Username:  req.Username,
			Email:     req.Email,
			Password:  req.Password,
			IPAddress: c.ClientIP(),
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user.Public())
	}
}

// handleLogin はログインを処理するハンドラを返す。
// JSON（email, password）とフォーム（username または email, password）の両方を受け付ける。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		switch c.ContentType() {
		case gin.MIMEPOSTForm, gin.MIMEMultipartPOSTForm:
			req.Email = c.PostForm("username")
			if req.Email == "" {
				req.Email = c.PostForm("email")
			}
			req.Password = c.PostForm("password")
		default:
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
				return
			}
		}

		result, err := s.service.Login(c.Request.Context(), LoginInput{
			Email:     req.Email,
			Password:  req.Password,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			DeviceID:  c.GetHeader(headerKeyDeviceID),
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Header(headerKeyDeviceID, result.Session.DeviceID)
		c.JSON(http.StatusOK, newTokenResponse(result.Pair, result.Session.ID, s.service.now()))
	}
}

// handleRefresh はトークンペアの再発行を処理するハンドラを返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_tokenは必須です"})
			return
		}

		pair, err := s.service.Refresh(c.Request.Context(), req.RefreshToken)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newTokenResponse(pair, "", s.service.now()))
	}
}

// handleLogout は現在のセッションの失効を処理するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.service.Logout(c.Request.Context(), middleware.GetClaims(c)); err != nil {
			s.writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleLogoutAll は全セッションの失効を処理するハンドラを返す。
func (s *Server) handleLogoutAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := s.service.LogoutAll(c.Request.Context(), middleware.GetClaims(c)); err != nil {
			s.writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.service.Me(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, user.Public())
	}
}

// handleListSessions は有効なセッション一覧を返すハンドラを返す。
func (s *Server) handleListSessions() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		sessions, err := s.service.Sessions(c.Request.Context(), claims.Subject)
		if err != nil {
			s.writeError(c, err)
			return
		}

		views := make([]SessionView, 0, len(sessions))
		for _, session := range sessions {
			views = append(views, session.View())
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions":           views,
			"current_session_id": claims.SessionID,
		})
	}
}

// handleRevokeSession は指定セッションの失効を処理するハンドラを返す。
func (s *Server) handleRevokeSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.service.RevokeByID(c.Request.Context(), middleware.GetUserID(c), c.Param("id")); err != nil {
			s.writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleReady はデータベースとRedisへの疎通を確認するハンドラを返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{"database": "ok", "redis": "ok"}
		ready := true
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			ready = false
		}
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}

// writeError はエラーをHTTPレスポンスに変換して書き込む。
func (s *Server) writeError(c *gin.Context, err error) {
	status, message := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}
