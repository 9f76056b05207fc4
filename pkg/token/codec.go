package token

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalid はトークンが無効であることを表す。
// 署名不一致、期限切れ、必須クレームの欠落をすべてこのエラーにまとめ、
// 呼び出し側に失敗理由を区別させない。
var ErrInvalid = errors.New("トークンが無効です")

// Type はトークンの種類を表す。
type Type string

const (
	// TypeAccess はAPI呼び出しを認可する短命のアクセストークン。
	TypeAccess Type = "access"
	// TypeRefresh はトークンペアの再発行にのみ使用するリフレッシュトークン。
	TypeRefresh Type = "refresh"
)

// Claims は検証済みトークンから取り出したクレーム。
// 任意のマップではなく固定の形にすることで、不正な形のトークンを型の境界で弾く。
type Claims struct {
	// Subject は認証済みユーザーの一意識別子。
	Subject string
	// SessionID はトークン発行時のセッションID。セッションに紐付かない場合は空。
	SessionID string
	// Type はトークンの種類。
	Type Type
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// jwtClaims はJWTペイロードの直列化形式。
type jwtClaims struct {
	jwt.RegisteredClaims
	// TokenType はトークンの種類（access / refresh）。
	TokenType Type `json:"typ"`
	// SessionID はセッションID。
	SessionID string `json:"sid,omitempty"`
}

// Config はCodecの生成に必要な設定。生成後は変更されない。
type Config struct {
	// Algorithm は署名アルゴリズム（HS256, HS384, HS512, RS256, ES256）。
	Algorithm string
	// Secret はHS系アルゴリズムの共有秘密鍵。
	Secret string
	// PrivateKeyPEM はRS256/ES256の署名用秘密鍵（PEM）。検証専用インスタンスでは空でよい。
	PrivateKeyPEM string
	// PublicKeyPEM はRS256/ES256の検証用公開鍵（PEM）。空の場合は秘密鍵から導出する。
	PublicKeyPEM string
	// Issuer はissクレーム。空でなければ検証時にも照合する。
	Issuer string
	// Leeway は有効期限判定で許容する時計のずれ。
	Leeway time.Duration
	// Now は現在時刻を返す関数。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// Codec は自己完結型トークンの署名と検証を行う。
// 同一の設定を持つCodec同士は、どのサービスで生成されても互いのトークンを検証できる。
type Codec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	leeway    time.Duration
	now       func() time.Time
}

// IssueOption はトークン発行時の追加クレームを指定する。
type IssueOption func(*jwtClaims)

// WithSessionID はトークンにセッションIDを埋め込む。
func WithSessionID(sessionID string) IssueOption {
	return func(c *jwtClaims) {
		c.SessionID = sessionID
	}
}

// NewCodec は設定からCodecを生成する。
// 鍵素材がアルゴリズムに対して不足している場合はエラーを返す。
func NewCodec(cfg Config) (*Codec, error) {
	c := &Codec{
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}

	switch cfg.Algorithm {
	case "HS256", "HS384", "HS512":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("%sには秘密鍵が必要です", cfg.Algorithm)
		}
		c.method = jwt.GetSigningMethod(cfg.Algorithm)
		c.signKey = []byte(cfg.Secret)
		c.verifyKey = []byte(cfg.Secret)
	case "RS256":
		c.method = jwt.SigningMethodRS256
		if err := c.loadRSAKeys(cfg); err != nil {
			return nil, err
		}
	case "ES256":
		c.method = jwt.SigningMethodES256
		if err := c.loadECDSAKeys(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("未対応の署名アルゴリズム: %q", cfg.Algorithm)
	}
	return c, nil
}

// loadRSAKeys はRS256用の鍵を読み込む。
func (c *Codec) loadRSAKeys(cfg Config) error {
	if cfg.PrivateKeyPEM != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return fmt.Errorf("RSA秘密鍵の読み込みに失敗: %w", err)
		}
		c.signKey = key
		c.verifyKey = &key.PublicKey
	}
	if cfg.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return fmt.Errorf("RSA公開鍵の読み込みに失敗: %w", err)
		}
		c.verifyKey = key
	}
	if c.verifyKey == nil {
		return errors.New("RS256には秘密鍵または公開鍵が必要です")
	}
	if _, ok := c.verifyKey.(*rsa.PublicKey); !ok {
		return errors.New("RSA公開鍵の形式が不正です")
	}
	return nil
}

// loadECDSAKeys はES256用の鍵を読み込む。
func (c *Codec) loadECDSAKeys(cfg Config) error {
	if cfg.PrivateKeyPEM != "" {
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return fmt.Errorf("ECDSA秘密鍵の読み込みに失敗: %w", err)
		}
		c.signKey = key
		c.verifyKey = &key.PublicKey
	}
	if cfg.PublicKeyPEM != "" {
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return fmt.Errorf("ECDSA公開鍵の読み込みに失敗: %w", err)
		}
		c.verifyKey = key
	}
	if c.verifyKey == nil {
		return errors.New("ES256には秘密鍵または公開鍵が必要です")
	}
	if _, ok := c.verifyKey.(*ecdsa.PublicKey); !ok {
		return errors.New("ECDSA公開鍵の形式が不正です")
	}
	return nil
}

// Algorithm は設定された署名アルゴリズム名を返す。
func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// CanSign はこのCodecがトークンを発行できるかを返す。
// 公開鍵のみで構成された検証専用インスタンスではfalseになる。
func (c *Codec) CanSign() bool {
	return c.signKey != nil
}

// Issue は指定したユーザーIDと種類でトークンを発行する。
func (c *Codec) Issue(subject string, typ Type, ttl time.Duration, opts ...IssueOption) (string, error) {
	signed, _, err := c.issue(subject, typ, ttl, opts...)
	return signed, err
}

// issue はトークンを発行し、署名済み文字列とクレームを返す。
// 同じ秒に同じ内容で発行しても文字列が重複しないよう、jtiに乱数のIDを入れる。
func (c *Codec) issue(subject string, typ Type, ttl time.Duration, opts ...IssueOption) (string, *Claims, error) {
	if subject == "" {
		return "", nil, errors.New("subjectが空です")
	}
	if typ != TypeAccess && typ != TypeRefresh {
		return "", nil, fmt.Errorf("未知のトークン種別: %q", typ)
	}
	if !c.CanSign() {
		return "", nil, errors.New("署名用の鍵が設定されていません")
	}

	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: typ,
	}
	for _, opt := range opts {
		opt(&claims)
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.signKey)
	if err != nil {
		return "", nil, fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, claims.toClaims(), nil
}

// Verify はトークンの署名と有効期限を検証し、クレームを返す。
// 検証に失敗した場合は常にErrInvalidを返す。
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(c.leeway),
	}
	if c.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(c.issuer))
	}

	parsed := &jwtClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, parsed, func(_ *jwt.Token) (any, error) {
		return c.verifyKey, nil
	}, parserOpts...)
	if err != nil || !tok.Valid {
		return nil, ErrInvalid
	}
	if parsed.Subject == "" || parsed.IssuedAt == nil {
		return nil, ErrInvalid
	}
	if parsed.TokenType != TypeAccess && parsed.TokenType != TypeRefresh {
		return nil, ErrInvalid
	}
	return parsed.toClaims(), nil
}

// VerifyType はトークンを検証し、種類が期待どおりであることも確認する。
func (c *Codec) VerifyType(tokenString string, want Type) (*Claims, error) {
	claims, err := c.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, ErrInvalid
	}
	return claims, nil
}

// toClaims は直列化形式から固定形のClaimsに変換する。
func (j *jwtClaims) toClaims() *Claims {
	claims := &Claims{
		Subject:   j.Subject,
		SessionID: j.SessionID,
		Type:      j.TokenType,
	}
	if j.IssuedAt != nil {
		claims.IssuedAt = j.IssuedAt.Time
	}
	if j.ExpiresAt != nil {
		claims.ExpiresAt = j.ExpiresAt.Time
	}
	return claims
}
