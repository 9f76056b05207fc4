package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeUser はユーザーエンティティを表す。
	AggregateTypeUser AggregateType = "User"
	// AggregateTypeSession はログインセッションを表す。
	AggregateTypeSession AggregateType = "Session"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeUserRegistered はユーザーが登録されたことを表す。
	TypeUserRegistered Type = "UserRegistered"
	// TypeLoginFailed はログインが失敗したことを表す。
	TypeLoginFailed Type = "LoginFailed"
	// TypeAllSessionsRevoked はユーザーの全セッションが失効されたことを表す。
	TypeAllSessionsRevoked Type = "AllSessionsRevoked"

	// TypeSessionCreated はログインによりセッションが作成されたことを表す。
	TypeSessionCreated Type = "SessionCreated"
	// TypeSessionRevoked はセッションが失効されたことを表す。
	TypeSessionRevoked Type = "SessionRevoked"
	// TypeTokenRefreshed はリフレッシュによりトークンペアが再発行されたことを表す。
	TypeTokenRefreshed Type = "TokenRefreshed"
	// TypeRefreshRejected はリフレッシュ要求が拒否されたことを表す。
	TypeRefreshRejected Type = "RefreshRejected"
)

// Event は認証に関する不変の監査イベントを表す。
// 一度記録されたイベントは更新も削除もされない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// UserRegisteredData はUserRegisteredイベントのデータ。
type UserRegisteredData struct {
	// Username は登録されたユーザー名。
	Username string `json:"username"`
	// Email は登録されたメールアドレス。
	Email string `json:"email"`
}

// LoginFailedData はLoginFailedイベントのデータ。
type LoginFailedData struct {
	// Email はログインに使用されたメールアドレス。
	Email string `json:"email"`
	// IPAddress は送信元アドレス。
	IPAddress string `json:"ip_address"`
	// Reason は失敗理由（unknown_user, bad_password, rate_limited_ip, rate_limited_user）。
	Reason string `json:"reason"`
}

// SessionCreatedData はSessionCreatedイベントのデータ。
type SessionCreatedData struct {
	// UserID はセッションの所有者。
	UserID string `json:"user_id"`
	// DeviceID は端末識別子。
	DeviceID string `json:"device_id"`
	// IPAddress は送信元アドレス。
	IPAddress string `json:"ip_address"`
	// UserAgent はクライアントのUser-Agent。
	UserAgent string `json:"user_agent,omitempty"`
}

// SessionRevokedData はSessionRevokedイベントのデータ。
type SessionRevokedData struct {
	// UserID はセッションの所有者。
	UserID string `json:"user_id"`
	// Reason は失効理由（logout, revoked_by_user, device_relogin）。
	Reason string `json:"reason"`
}

// AllSessionsRevokedData はAllSessionsRevokedイベントのデータ。
type AllSessionsRevokedData struct {
	// Count は失効されたセッション数。
	Count int64 `json:"count"`
}

// TokenRefreshedData はTokenRefreshedイベントのデータ。
type TokenRefreshedData struct {
	// UserID はトークンの所有者。
	UserID string `json:"user_id"`
}

// RefreshRejectedData はRefreshRejectedイベントのデータ。
type RefreshRejectedData struct {
	// UserID はトークンに記載されたユーザーID。
	UserID string `json:"user_id"`
	// Reason は拒否理由（session_missing, session_inactive, token_mismatch, owner_mismatch）。
	Reason string `json:"reason"`
}
