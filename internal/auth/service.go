package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nao1215/edgeauth/pkg/event"
	"github.com/nao1215/edgeauth/pkg/ratelimit"
	"github.com/nao1215/edgeauth/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"
	"go.uber.org/zap"
)

const (
	// minUsernameLength はユーザー名の最小文字数。
	minUsernameLength = 3
	// maxUsernameLength はユーザー名の最大文字数。
	maxUsernameLength = 50
	// minPasswordLength はパスワードの最小文字数。
	minPasswordLength = 6
	// maxUserAgentLength は保存するUser-Agentの最大文字数。
	maxUserAgentLength = 255
)

var (
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeauth",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total number of login attempts by result",
		},
		[]string{"result"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeauth",
			Subsystem: "auth",
			Name:      "refresh_total",
			Help:      "Total number of refresh requests by result",
		},
		[]string{"result"},
	)
)

// Policy は認証ワークフローの動作設定。
type Policy struct {
	// IPLimit は送信元アドレスごとのログイン試行上限。
	IPLimit int
	// UserLimit はメールアドレスごとのログイン試行上限。
	UserLimit int
	// RegisterLimit は送信元アドレスごとの登録試行上限。
	RegisterLimit int
	// Window はレートリミットのウィンドウ。
	Window time.Duration
	// SessionCheck はリフレッシュ時にセッションを照合しローテーションするかどうか。
	// falseの場合はトークンの検証のみで再発行する。
	SessionCheck bool
}

// Service は登録・ログイン・リフレッシュ・ログアウトを実行する認証ワークフロー。
type Service struct {
	users    *UserStore
	sessions *SessionRegistry
	audit    *AuditLog
	codec    *token.Codec
	issuer   *token.Issuer
	limiter  ratelimit.Limiter
	hasher   PasswordHasher
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

// ServiceDeps はServiceの依存関係。
type ServiceDeps struct {
	Users    *UserStore
	Sessions *SessionRegistry
	Audit    *AuditLog
	Codec    *token.Codec
	Issuer   *token.Issuer
	Limiter  ratelimit.Limiter
	Hasher   PasswordHasher
	Logger   *zap.Logger
	// Now は現在時刻を返す関数。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// NewService は新しい認証ワークフローを生成する。
func NewService(deps ServiceDeps, policy Policy) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		users:    deps.Users,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		codec:    deps.Codec,
		issuer:   deps.Issuer,
		limiter:  deps.Limiter,
		hasher:   deps.Hasher,
		policy:   policy,
		logger:   logger,
		now:      now,
	}
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Username  string
	Email     string
	Password  string
	IPAddress string
}

// LoginInput はログインの入力。
type LoginInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
	// DeviceID はクライアントが申告した端末識別子。UUIDでなければ新たに採番する。
	DeviceID string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Pair    *token.Pair
	Session *Session
}

// Register は入力を検証してユーザーを登録する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	username := strings.TrimSpace(in.Username)
	email := normalizeEmail(in.Email)
	if err := validateRegistration(username, email, in.Password); err != nil {
		return nil, err
	}

	if s.limited(ctx, ratelimit.Key("register", "ip", in.IPAddress), s.policy.RegisterLimit) {
		return nil, errRateLimited("ip", msgRateLimitedSignup)
	}

	exists, err := s.users.Exists(ctx, username, email)
	if err != nil {
		return nil, errStorage("check user existence", err)
	}
	if exists {
		return nil, oops.Code(CodeDuplicateUser).With("email", email).Errorf("user already exists")
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code(CodeStorage).With("operation", "hash password").Wrap(err)
	}

	now := s.now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, oops.Code(CodeDuplicateUser).With("email", email).Errorf("user already exists")
		}
		return nil, errStorage("create user", err)
	}

	s.record(ctx, user.ID, event.AggregateTypeUser, event.TypeUserRegistered, event.UserRegisteredData{
		Username: user.Username,
		Email:    user.Email,
	})
	s.logger.Info("ユーザーを登録", zap.String("user_id", user.ID))
	return user, nil
}

// Login は認証情報を検証し、セッションを作成してトークンペアを発行する。
// レートリミットは送信元アドレス、メールアドレスの順に判定する。
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, errValidation("メールアドレスとパスワードは必須です")
	}

	if s.limited(ctx, ratelimit.Key("login", "ip", in.IPAddress), s.policy.IPLimit) {
		loginAttemptsTotal.WithLabelValues("rate_limited_ip").Inc()
		s.recordLoginFailure(ctx, email, in.IPAddress, "rate_limited_ip")
		return nil, errRateLimited("ip", msgRateLimitedIP)
	}
	if s.limited(ctx, ratelimit.Key("login", "user", email), s.policy.UserLimit) {
		loginAttemptsTotal.WithLabelValues("rate_limited_user").Inc()
		s.recordLoginFailure(ctx, email, in.IPAddress, "rate_limited_user")
		return nil, errRateLimited("user", msgRateLimitedUser)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil && !isNotFound(err) {
		return nil, errStorage("get user by email", err)
	}

	// 存在しないユーザーでもダミーハッシュと照合し、応答時間を揃える。
	targetHash := s.hasher.DummyHash()
	if user != nil {
		targetHash = user.PasswordHash
	}
	valid, cmpErr := s.hasher.Compare(targetHash, in.Password)
	if user == nil || !valid || cmpErr != nil {
		reason := "bad_password"
		if user == nil {
			reason = "unknown_user"
		} else if cmpErr != nil {
			s.logger.Warn("パスワードの照合に失敗", zap.String("user_id", user.ID), zap.Error(cmpErr))
		}
		loginAttemptsTotal.WithLabelValues("invalid_credentials").Inc()
		s.recordLoginFailure(ctx, email, in.IPAddress, reason)
		return nil, errInvalidCredentials()
	}

	sessionID := uuid.NewString()
	pair, err := s.issuer.IssuePair(user.ID, sessionID)
	if err != nil {
		return nil, oops.Code(CodeStorage).With("operation", "issue token pair").Wrap(err)
	}

	session, err := s.sessions.Create(ctx, NewSession{
		ID:               sessionID,
		UserID:           user.ID,
		DeviceID:         resolveDeviceID(in.DeviceID),
		UserAgent:        truncate(in.UserAgent, maxUserAgentLength),
		IPAddress:        in.IPAddress,
		RefreshTokenHash: token.HashToken(pair.RefreshToken),
		ExpiresAt:        pair.RefreshExpiresAt,
	})
	if err != nil {
		loginAttemptsTotal.WithLabelValues("error").Inc()
		return nil, errStorage("create session", err)
	}

	loginAttemptsTotal.WithLabelValues("success").Inc()
	s.record(ctx, session.ID, event.AggregateTypeSession, event.TypeSessionCreated, event.SessionCreatedData{
		UserID:    user.ID,
		DeviceID:  session.DeviceID,
		IPAddress: session.IPAddress,
		UserAgent: session.UserAgent,
	})
	return &LoginResult{Pair: pair, Session: session}, nil
}

// Refresh はリフレッシュトークンを検証して新しいトークンペアを発行する。
//
// SessionCheckが有効な場合、トークンのセッションが有効で、所有者が一致し、
// 保存済みハッシュが提示トークンと一致するときに限りローテーションする。
// 無効な場合はトークン自体の検証のみで再発行する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := s.codec.VerifyType(refreshToken, token.TypeRefresh)
	if err != nil {
		refreshTotal.WithLabelValues("invalid_token").Inc()
		return nil, errInvalidToken("verification failed")
	}

	if !s.policy.SessionCheck {
		pair, err := s.issuer.IssuePair(claims.Subject, claims.SessionID)
		if err != nil {
			return nil, oops.Code(CodeStorage).With("operation", "issue token pair").Wrap(err)
		}
		refreshTotal.WithLabelValues("success").Inc()
		return pair, nil
	}

	if claims.SessionID == "" {
		return nil, s.rejectRefresh(ctx, claims, "session_missing")
	}
	session, err := s.sessions.Get(ctx, claims.SessionID)
	if isNotFound(err) {
		return nil, s.rejectRefresh(ctx, claims, "session_missing")
	}
	if err != nil {
		return nil, errStorage("get session", err)
	}
	switch {
	case session.UserID != claims.Subject:
		return nil, s.rejectRefresh(ctx, claims, "owner_mismatch")
	case !session.IsActive(s.now()):
		return nil, s.rejectRefresh(ctx, claims, "session_inactive")
	case !token.HashEqual(refreshToken, session.RefreshTokenHash):
		return nil, s.rejectRefresh(ctx, claims, "token_mismatch")
	}

	pair, err := s.issuer.IssuePair(claims.Subject, session.ID)
	if err != nil {
		return nil, oops.Code(CodeStorage).With("operation", "issue token pair").Wrap(err)
	}
	rotated, err := s.sessions.Rotate(ctx, session.ID, session.RefreshTokenHash,
		token.HashToken(pair.RefreshToken), pair.RefreshExpiresAt)
	if err != nil {
		return nil, errStorage("rotate session", err)
	}
	if !rotated {
		// 照合後に別のリクエストがローテーションまたは失効させた。
		return nil, s.rejectRefresh(ctx, claims, "token_mismatch")
	}

	refreshTotal.WithLabelValues("success").Inc()
	s.record(ctx, session.ID, event.AggregateTypeSession, event.TypeTokenRefreshed, event.TokenRefreshedData{
		UserID: claims.Subject,
	})
	return pair, nil
}

// rejectRefresh はリフレッシュ拒否を記録し、トークン拒否エラーを返す。
func (s *Service) rejectRefresh(ctx context.Context, claims *token.Claims, reason string) error {
	refreshTotal.WithLabelValues("rejected").Inc()
	aggregateID := claims.SessionID
	if aggregateID == "" {
		aggregateID = claims.Subject
	}
	s.record(ctx, aggregateID, event.AggregateTypeSession, event.TypeRefreshRejected, event.RefreshRejectedData{
		UserID: claims.Subject,
		Reason: reason,
	})
	return errInvalidToken(reason)
}

// Logout はアクセストークンのsidが指すセッションを失効させる。
// sidを持たないトークンの場合はユーザーの最も古い有効セッションを失効させる。
// 対象が無くても成功として扱う。
func (s *Service) Logout(ctx context.Context, claims *token.Claims) error {
	sessionID := claims.SessionID
	if sessionID == "" {
		revokedID, err := s.sessions.RevokeSession(ctx, claims.Subject)
		if err != nil {
			return errStorage("revoke oldest session", err)
		}
		sessionID = revokedID
	} else {
		revoked, err := s.sessions.Revoke(ctx, claims.Subject, sessionID)
		if err != nil {
			return errStorage("revoke session", err)
		}
		if !revoked {
			sessionID = ""
		}
	}

	if sessionID != "" {
		s.record(ctx, sessionID, event.AggregateTypeSession, event.TypeSessionRevoked, event.SessionRevokedData{
			UserID: claims.Subject,
			Reason: "logout",
		})
	}
	return nil
}

// LogoutAll はユーザーのすべてのセッションを失効させ、件数を返す。
func (s *Service) LogoutAll(ctx context.Context, claims *token.Claims) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, claims.Subject)
	if err != nil {
		return 0, errStorage("revoke all sessions", err)
	}
	s.record(ctx, claims.Subject, event.AggregateTypeUser, event.TypeAllSessionsRevoked, event.AllSessionsRevokedData{
		Count: n,
	})
	return n, nil
}

// Me はユーザー情報を返す。トークン発行後にユーザーが消えていた場合はトークン拒否として扱う。
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if isNotFound(err) {
		return nil, errInvalidToken("user not found")
	}
	if err != nil {
		return nil, errStorage("get user by id", err)
	}
	return user, nil
}

// Sessions はユーザーの有効なセッション一覧を返す。
func (s *Service) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, errStorage("list sessions", err)
	}
	return sessions, nil
}

// RevokeByID はユーザー自身のセッションを1つ失効させる。
// 他人のセッションや失効済みのセッションは見つからないものとして扱う。
func (s *Service) RevokeByID(ctx context.Context, userID, sessionID string) error {
	revoked, err := s.sessions.Revoke(ctx, userID, sessionID)
	if err != nil {
		return errStorage("revoke session", err)
	}
	if !revoked {
		return oops.Code(CodeSessionNotFound).With("session_id", sessionID).Errorf("session not found")
	}
	s.record(ctx, sessionID, event.AggregateTypeSession, event.TypeSessionRevoked, event.SessionRevokedData{
		UserID: userID,
		Reason: "revoked_by_user",
	})
	return nil
}

// limited はkeyの試行が上限を超えていればtrueを返す。上限が0以下の場合は制限しない。
func (s *Service) limited(ctx context.Context, key string, limit int) bool {
	if limit <= 0 || s.limiter == nil {
		return false
	}
	return s.limiter.IsLimited(ctx, key, limit, s.policy.Window)
}

// recordLoginFailure はログイン失敗を記録する。
func (s *Service) recordLoginFailure(ctx context.Context, email, ip, reason string) {
	s.record(ctx, email, event.AggregateTypeUser, event.TypeLoginFailed, event.LoginFailedData{
		Email:     email,
		IPAddress: ip,
		Reason:    reason,
	})
}

// record は監査イベントを追記する。失敗しても処理は継続し、警告ログのみ出力する。
func (s *Service) record(ctx context.Context, aggregateID string, aggregateType event.AggregateType, eventType event.Type, data any) {
	e, err := event.New(aggregateID, aggregateType, eventType, data)
	if err == nil {
		err = s.audit.Append(ctx, e)
	}
	if err != nil {
		s.logger.Warn("監査イベントの記録に失敗",
			zap.String("event_type", string(eventType)),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}

// validateRegistration は登録入力を検証する。
func validateRegistration(username, email, password string) error {
	if n := utf8.RuneCountInString(username); n < minUsernameLength || n > maxUsernameLength {
		return errValidation("ユーザー名は3文字以上50文字以下で入力してください")
	}
	if !isValidEmail(email) {
		return errValidation("メールアドレスの形式が正しくありません")
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return errValidation("パスワードは6文字以上で入力してください")
	}
	if len(password) > maxPasswordBytes {
		return errValidation("パスワードが長すぎます")
	}
	return nil
}

// isValidEmail はメールアドレスが表示名なしの単一アドレスかどうかを返す。
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	_, domain, ok := strings.Cut(email, "@")
	return ok && strings.Contains(domain, ".")
}

// normalizeEmail はメールアドレスの前後空白を除去し小文字に揃える。
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// resolveDeviceID は申告された端末識別子がUUIDであればそれを、そうでなければ新しいUUIDを返す。
func resolveDeviceID(deviceID string) string {
	if id, err := uuid.Parse(strings.TrimSpace(deviceID)); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// truncate は文字列を最大maxRunes文字に切り詰める。
func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}
