package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgeauth/pkg/config"
	"github.com/nao1215/edgeauth/pkg/httpclient"
	"github.com/nao1215/edgeauth/pkg/middleware"
	"github.com/nao1215/edgeauth/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusClientClosedRequest はクライアントが応答を待たずに切断したことを表すステータス。
const StatusClientClosedRequest = 499

// shutdownTimeout は停止時に処理中のリクエストを待つ最大時間。
const shutdownTimeout = 10 * time.Second

// headerKeyForwardedFor は転送元アドレスの連なりを伝えるHTTPヘッダーキー。
const headerKeyForwardedFor = "X-Forwarded-For"

// contextKeyUpstream はgin.Contextに転送先クライアントを格納するキー。
const contextKeyUpstream = "upstream"

var forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edgeauth_gateway_requests_total",
	Help: "ゲートウェイが受け付けたリクエスト数",
}, []string{"service", "result"})

// Server はエッジゲートウェイのHTTPサーバー。
// 保護されたルートではアクセストークンを検証し、検証に成功したリクエストだけを転送する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// codec はアクセストークンの検証に使う。署名鍵は持たなくてよい。
	codec *token.Codec
	// upstreams はサービス名から転送先クライアントへの対応。
	upstreams map[string]*httpclient.Client
	// exempt はトークン検証を省略する末尾パスセグメント。
	exempt []string
	// trustedProxies はX-Forwarded-Forを引き継ぐ接続元の範囲。
	trustedProxies []netip.Prefix
	// transport は全転送先で共有するコネクションプール。
	transport *http.Transport
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は設定から新しいゲートウェイサーバーを生成する。
func NewServer(cfg *config.Gateway, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := token.NewCodec(cfg.Token.CodecConfig())
	if err != nil {
		return nil, fmt.Errorf("トークンCodecの生成に失敗: %w", err)
	}

	trustedProxies, err := config.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	upstreams := make(map[string]*httpclient.Client)
	for name, baseURL := range cfg.Services() {
		upstreams[name] = httpclient.New(baseURL,
			httpclient.WithTimeout(cfg.UpstreamTimeout),
			httpclient.WithTransport(transport),
		)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIESの設定に失敗: %w", err)
	}
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	s := &Server{
		router:         router,
		port:           cfg.Port,
		codec:          codec,
		upstreams:      upstreams,
		exempt:         cfg.ExemptPaths,
		trustedProxies: trustedProxies,
		transport:      transport,
		logger:         logger,
	}
	s.setupRoutes()

	logger.Info("ゲートウェイを初期化",
		zap.String("algorithm", codec.Algorithm()),
		zap.Int("upstreams", len(upstreams)),
		zap.Strings("exempt_paths", cfg.ExemptPaths),
	)
	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待機する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ゲートウェイを起動", zap.String("addr", srv.Addr))
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

// Close は転送先とのアイドル接続を閉じる。
func (s *Server) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/health/ready", s.handleReady())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.Any("/:version/:service/*path", s.resolveUpstream(), s.enforce(), s.handleForward())
}

// resolveUpstream はサービス名から転送先を決定するミドルウェアを返す。
// 未登録のサービスは404で打ち切る。
func (s *Server) resolveUpstream() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Param("service")
		client, ok := s.upstreams[service]
		if !ok {
			forwardTotal.WithLabelValues("unknown", "unknown_service").Inc()
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "サービスが見つかりません"})
			return
		}
		c.Set(contextKeyUpstream, client)
		c.Next()
	}
}

// enforce はトークン検証を行うミドルウェアを返す。
// 末尾のパスセグメントが除外対象の場合は検証せずに通す。
func (s *Server) enforce() gin.HandlerFunc {
	bearer := middleware.BearerAuth(s.codec)
	return func(c *gin.Context) {
		if s.isExempt(c.Param("path")) {
			c.Next()
			return
		}
		bearer(c)
		if c.IsAborted() {
			forwardTotal.WithLabelValues(c.Param("service"), "unauthorized").Inc()
		}
	}
}

// isExempt はパスの末尾セグメントがトークン検証の除外対象かどうかを返す。
func (s *Server) isExempt(path string) bool {
	path = strings.TrimRight(path, "/")
	segment := path[strings.LastIndex(path, "/")+1:]
	return segment != "" && slices.Contains(s.exempt, segment)
}

// handleForward はリクエストを転送先へ送り、応答をそのまま中継するハンドラを返す。
func (s *Server) handleForward() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Param("service")
		client := c.MustGet(contextKeyUpstream).(*httpclient.Client)

		ctx := c.Request.Context()
		if userID := middleware.GetUserID(c); userID != "" {
			ctx = httpclient.WithUserID(ctx, userID)
		}

		header := c.Request.Header.Clone()
		header.Del(headerKeyForwardedFor)
		if forwardedFor := s.forwardedFor(c.Request); forwardedFor != "" {
			header.Set(headerKeyForwardedFor, forwardedFor)
		}

		fr := httpclient.ForwardRequest{
			Method:   c.Request.Method,
			Path:     c.Request.URL.EscapedPath(),
			RawQuery: c.Request.URL.RawQuery,
			Header:   header,
		}
		if c.Request.ContentLength != 0 {
			fr.Body = c.Request.Body
			fr.ContentLength = c.Request.ContentLength
		}

		resp, err := client.Forward(ctx, fr)
		if err != nil {
			if c.Request.Context().Err() != nil {
				forwardTotal.WithLabelValues(service, "canceled").Inc()
				c.AbortWithStatus(StatusClientClosedRequest)
				return
			}
			forwardTotal.WithLabelValues(service, "upstream_error").Inc()
			s.logger.Warn("転送先との通信に失敗",
				zap.String("service", service),
				zap.String("upstream", client.BaseURL()),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "転送先サービスとの通信に失敗しました"})
			return
		}
		defer resp.Body.Close()

		forwardTotal.WithLabelValues(service, "forwarded").Inc()
		header = c.Writer.Header()
		for key, values := range resp.Header {
			header[key] = values
		}
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			// ステータスは送信済みのため、ログのみ残して打ち切る。
			s.logger.Warn("応答の中継を中断",
				zap.String("service", service),
				zap.Error(err),
			)
		}
	}
}

// forwardedFor は転送先に渡すX-Forwarded-Forの値を返す。
// 接続元が信頼するプロキシの場合のみ受け取った値に接続元アドレスを追記し、
// それ以外はクライアントが申告した値を捨てて接続元アドレスだけにする。
func (s *Server) forwardedFor(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	prior := strings.Join(r.Header.Values(headerKeyForwardedFor), ", ")
	if prior != "" && s.isTrustedProxy(peer) {
		return prior + ", " + peer
	}
	return peer
}

// isTrustedProxy は接続元アドレスが信頼するプロキシの範囲に含まれるかどうかを返す。
func (s *Server) isTrustedProxy(peer string) bool {
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return slices.ContainsFunc(s.trustedProxies, func(p netip.Prefix) bool {
		return p.Contains(addr)
	})
}

// handleReady は各転送先の/health/liveへの疎通を確認するハンドラを返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		ready := true
		for name, client := range s.upstreams {
			if err := client.GetJSON(ctx, "/health/live", nil); err != nil {
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}
