// Package config は環境変数から各サービスの設定を読み込む。
//
// 署名鍵やTTLなどのプロセス全体の設定は、読み込み後に不変の値として
// 各コンポーネントのコンストラクタへ渡す。グローバル変数には保持しない。
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nao1215/edgeauth/pkg/logging"
	"github.com/nao1215/edgeauth/pkg/token"
	"github.com/redis/go-redis/v9"
)

// Token はトークンの署名と有効期間の設定。
type Token struct {
	// Algorithm は署名アルゴリズム。
	Algorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	// SecretKey はHS系アルゴリズムの共有秘密鍵。
	SecretKey string `env:"JWT_SECRET_KEY"`
	// PrivateKeyPEM はRS256/ES256の秘密鍵。
	PrivateKeyPEM string `env:"JWT_PRIVATE_KEY"`
	// PublicKeyPEM はRS256/ES256の公開鍵。
	PublicKeyPEM string `env:"JWT_PUBLIC_KEY"`
	// Issuer はissクレーム。
	Issuer string `env:"JWT_ISSUER" envDefault:"edgeauth"`
	// Leeway は有効期限判定で許容する時計のずれ。
	Leeway time.Duration `env:"JWT_LEEWAY" envDefault:"0s"`
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
}

// CodecConfig はtoken.Codecの設定に変換する。
func (t Token) CodecConfig() token.Config {
	return token.Config{
		Algorithm:     t.Algorithm,
		Secret:        t.SecretKey,
		PrivateKeyPEM: t.PrivateKeyPEM,
		PublicKeyPEM:  t.PublicKeyPEM,
		Issuer:        t.Issuer,
		Leeway:        t.Leeway,
	}
}

// validate は鍵素材と有効期間を検証する。
// signingがtrueの場合はトークン発行に必要な鍵を要求する。
func (t Token) validate(signing bool) error {
	switch {
	case strings.HasPrefix(t.Algorithm, "HS"):
		if t.SecretKey == "" {
			return errors.New("JWT_SECRET_KEYが設定されていません")
		}
	case t.Algorithm == "RS256" || t.Algorithm == "ES256":
		if signing && t.PrivateKeyPEM == "" {
			return errors.New("JWT_PRIVATE_KEYが設定されていません")
		}
		if !signing && t.PrivateKeyPEM == "" && t.PublicKeyPEM == "" {
			return errors.New("JWT_PUBLIC_KEYが設定されていません")
		}
	default:
		return fmt.Errorf("未対応のJWT_ALGORITHM: %q", t.Algorithm)
	}
	if signing && (t.AccessTTL <= 0 || t.RefreshTTL <= 0) {
		return errors.New("トークンの有効期間は正の値である必要があります")
	}
	return nil
}

// RateLimit はログイン・登録のレートリミット設定。
type RateLimit struct {
	// Strategy はカウント方式（sliding, fixed）。
	Strategy string `env:"RATE_LIMIT_STRATEGY" envDefault:"sliding"`
	// IPLimit は送信元アドレスごとのログイン試行上限。
	IPLimit int `env:"RATE_LIMIT_IP" envDefault:"5"`
	// UserLimit はユーザー識別子ごとのログイン試行上限。
	UserLimit int `env:"RATE_LIMIT_USER" envDefault:"10"`
	// RegisterLimit は送信元アドレスごとの登録試行上限。
	RegisterLimit int `env:"RATE_LIMIT_REGISTER" envDefault:"5"`
	// Window はカウントするウィンドウの長さ。
	Window time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
}

// Log はログ出力の設定。
type Log struct {
	// Level はログレベル。
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	// Format は出力形式。
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Logging はlogging.Configに変換する。
func (l Log) Logging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format}
}

// Redis はレートリミッタが使うRedisへの接続設定。
// 障害時はレートリミッタが制限なしとして扱うため、再試行を抑えて素早く諦める。
type Redis struct {
	// URL は接続先のURL。
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// MaxRetries はコマンドの再試行回数。-1で再試行しない。
	MaxRetries int `env:"REDIS_MAX_RETRIES" envDefault:"-1"`
	// DialTimeout は接続確立のタイムアウト。
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"500ms"`
	// Timeout はコマンドの読み書きのタイムアウト。
	Timeout time.Duration `env:"REDIS_TIMEOUT" envDefault:"300ms"`
}

// Options はgo-redisの接続オプションに変換する。
func (r Redis) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	opts.MaxRetries = r.MaxRetries
	if r.DialTimeout > 0 {
		opts.DialTimeout = r.DialTimeout
	}
	if r.Timeout > 0 {
		opts.ReadTimeout = r.Timeout
		opts.WriteTimeout = r.Timeout
	}
	return opts, nil
}

// ParseTrustedProxies はTRUSTED_PROXIESの各要素をアドレス範囲として解析する。
// 単一のアドレスは/32（IPv6では/128）として扱う。
func ParseTrustedProxies(proxies []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIESの値が不正です: %q", p)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIESの値が不正です: %q", p)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Auth は認証サービスの設定。
type Auth struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"8001"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `env:"DATABASE_PATH" envDefault:"/data/auth.db"`
	// APIVersion はルートに付与するAPIバージョン。
	APIVersion string `env:"API_VERSION" envDefault:"v1"`
	// RefreshSessionCheck はリフレッシュ時にセッションの状態を照合するかどうか。
	RefreshSessionCheck bool `env:"REFRESH_SESSION_CHECK" envDefault:"true"`
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int `env:"BCRYPT_COST" envDefault:"12"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	// TrustedProxies はX-Forwarded-Forを信頼する接続元（通常はゲートウェイ）。
	// 空の場合はどの接続元も信頼せず、TCPの接続元アドレスを送信元とみなす。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Redis     Redis
	Token     Token
	RateLimit RateLimit
	Log       Log
}

// Gateway はエッジゲートウェイの設定。
type Gateway struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"8080"`
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string `env:"AUTH_SERVICE_URL" envDefault:"http://auth:8001"`
	// Upstreams は認証サービス以外の転送先（サービス名=ベースURL）。
	Upstreams map[string]string `env:"UPSTREAMS" envSeparator:"," envKeyValSeparator:"="`
	// ExemptPaths はトークン検証を省略する末尾パスセグメント。
	ExemptPaths []string `env:"GATEWAY_EXEMPT_PATHS" envSeparator:"," envDefault:"login,register,refresh"`
	// UpstreamTimeout は転送先への1リクエストあたりのタイムアウト。
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	// TrustedProxies はゲートウェイの手前にあるプロキシ。これらから届いた
	// X-Forwarded-Forは引き継ぎ、それ以外の接続元の値は接続元アドレスで上書きする。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Token Token
	Log   Log
}

// Services はサービス名から転送先ベースURLへの対応を返す。
// authは常に含まれ、UPSTREAMSで上書きできる。
func (g *Gateway) Services() map[string]string {
	services := map[string]string{"auth": g.AuthServiceURL}
	for name, base := range g.Upstreams {
		services[name] = base
	}
	return services
}

// LoadAuth は環境変数から認証サービスの設定を読み込む。
func LoadAuth() (*Auth, error) {
	return parseAuth(env.Options{})
}

// LoadGateway は環境変数からゲートウェイの設定を読み込む。
func LoadGateway() (*Gateway, error) {
	return parseGateway(env.Options{})
}

// parseAuth は指定したオプションで認証サービスの設定を解析・検証する。
func parseAuth(opts env.Options) (*Auth, error) {
	cfg := &Auth{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	if err := cfg.Token.validate(true); err != nil {
		return nil, err
	}
	switch cfg.RateLimit.Strategy {
	case "sliding", "fixed":
	default:
		return nil, fmt.Errorf("未対応のRATE_LIMIT_STRATEGY: %q", cfg.RateLimit.Strategy)
	}
	if cfg.RateLimit.Window <= 0 {
		return nil, errors.New("RATE_LIMIT_WINDOWは正の値である必要があります")
	}
	if _, err := ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseGateway は指定したオプションでゲートウェイの設定を解析・検証する。
func parseGateway(opts env.Options) (*Gateway, error) {
	cfg := &Gateway{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	if err := cfg.Token.validate(false); err != nil {
		return nil, err
	}
	for name, base := range cfg.Services() {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("サービス %q の転送先URLが不正です: %q", name, base)
		}
	}
	if _, err := ParseTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}
	return cfg, nil
}
