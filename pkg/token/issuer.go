package token

import (
	"fmt"
	"time"
)

// Pair はログインまたはリフレッシュで返すアクセストークンとリフレッシュトークンの組。
type Pair struct {
	// AccessToken はアクセストークン。
	AccessToken string
	// RefreshToken はリフレッシュトークン。
	RefreshToken string
	// AccessExpiresAt はアクセストークンの有効期限。
	AccessExpiresAt time.Time
	// RefreshExpiresAt はリフレッシュトークンの有効期限。セッションの有効期限にも使う。
	RefreshExpiresAt time.Time
}

// Issuer は種類ごとに設定された有効期間でトークンを発行する。
// 永続化や副作用を持たず、ユーザーIDと現在時刻のみから結果が決まる。
type Issuer struct {
	codec      *Codec
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(codec *Codec, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		codec:      codec,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssuePair はアクセストークンとリフレッシュトークンを同時に発行する。
// sessionIDが空でなければ両方のトークンに埋め込む。
func (i *Issuer) IssuePair(subject, sessionID string) (*Pair, error) {
	var opts []IssueOption
	if sessionID != "" {
		opts = append(opts, WithSessionID(sessionID))
	}

	access, accessClaims, err := i.codec.issue(subject, TypeAccess, i.accessTTL, opts...)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの発行に失敗: %w", err)
	}
	refresh, refreshClaims, err := i.codec.issue(subject, TypeRefresh, i.refreshTTL, opts...)
	if err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの発行に失敗: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt,
		RefreshExpiresAt: refreshClaims.ExpiresAt,
	}, nil
}
