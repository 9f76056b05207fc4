package auth

import "time"

// User は登録済みユーザー。
type User struct {
	// ID はユーザーの一意識別子（UUID）。トークンのsubjectになる。
	ID string
	// Username はユーザー名。大文字小文字を区別せず一意。
	Username string
	// Email は小文字に正規化したメールアドレス。一意。
	Email string
	// PasswordHash はbcryptによるパスワードハッシュ。
	PasswordHash string
	// CreatedAt は登録日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// PublicUser はAPIで返すユーザー情報。パスワードハッシュを含まない。
type PublicUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Public はAPIで返す形に変換する。
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}

// Session はログインごとに作成されるセッション。
// 失効しても削除せず、revoked_atを設定して履歴として残す。
type Session struct {
	// ID はセッションの一意識別子。トークンのsidクレームになる。
	ID string
	// UserID はセッションの所有者。
	UserID string
	// DeviceID は端末識別子。
	DeviceID string
	// UserAgent はログイン時のUser-Agent（最大255文字）。
	UserAgent string
	// IPAddress はログイン時の送信元アドレス。
	IPAddress string
	// RefreshTokenHash は現在有効なリフレッシュトークンのSHA-256ハッシュ。
	RefreshTokenHash string
	// ExpiresAt はセッションの有効期限。
	ExpiresAt time.Time
	// RevokedAt は失効日時。失効していなければnil。
	RevokedAt *time.Time
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// IsActive はセッションが失効しておらず有効期限内であればtrueを返す。
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// SessionView はAPIで返すセッション情報。トークンハッシュを含まない。
type SessionView struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	UserAgent string    `json:"user_agent"`
	IPAddress string    `json:"ip_address"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// View はAPIで返す形に変換する。
func (s *Session) View() SessionView {
	return SessionView{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		ExpiresAt: s.ExpiresAt,
		CreatedAt: s.CreatedAt,
	}
}

// NewSession はセッション作成時の入力。
type NewSession struct {
	ID               string
	UserID           string
	DeviceID         string
	UserAgent        string
	IPAddress        string
	RefreshTokenHash string
	ExpiresAt        time.Time
}
