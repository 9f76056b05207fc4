package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sessionColumns はsessionsテーブルから読み出す列。
const sessionColumns = `id, user_id, device_id, user_agent, ip_address, refresh_token_hash, expires_at, revoked_at, created_at`

// SessionRegistry はログインセッションの永続化と失効を管理する。
//
// 有効なセッションとは revoked_at IS NULL かつ expires_at > 現在時刻 のもの。
// 同一ユーザー・同一端末で失効していないセッションは高々1つで、
// 部分一意インデックスと作成時の失効処理の両方でこれを保証する。
type SessionRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionRegistry は新しいSessionRegistryを生成する。nowがnilの場合はtime.Nowを使う。
func NewSessionRegistry(db *sql.DB, now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{db: db, now: now}
}

// Create は同一ユーザー・同一端末の未失効セッションを失効させてから新しいセッションを作成する。
// 2つの操作は1つのトランザクションで実行される。
func (r *SessionRegistry) Create(ctx context.Context, ns NewSession) (*Session, error) {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND device_id = ? AND revoked_at IS NULL`,
		toMillis(now), ns.UserID, ns.DeviceID,
	); err != nil {
		return nil, fmt.Errorf("同一端末のセッション失効に失敗: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, device_id, user_agent, ip_address, refresh_token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.ID, ns.UserID, ns.DeviceID, ns.UserAgent, ns.IPAddress, ns.RefreshTokenHash,
		toMillis(ns.ExpiresAt), toMillis(now),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("セッションの作成に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	return &Session{
		ID:               ns.ID,
		UserID:           ns.UserID,
		DeviceID:         ns.DeviceID,
		UserAgent:        ns.UserAgent,
		IPAddress:        ns.IPAddress,
		RefreshTokenHash: ns.RefreshTokenHash,
		ExpiresAt:        ns.ExpiresAt.UTC(),
		CreatedAt:        fromMillis(toMillis(now)),
	}, nil
}

// RevokeSession はユーザーの最も古い有効セッションを1つ失効させ、そのIDを返す。
// 有効なセッションが無ければ何もせず空文字列を返す。sidを持たない旧形式トークンのログアウトで使う。
func (r *SessionRegistry) RevokeSession(ctx context.Context, userID string) (string, error) {
	now := toMillis(r.now())
	var id string
	err := r.db.QueryRowContext(ctx, `
		UPDATE sessions SET revoked_at = ?
		WHERE id = (
			SELECT id FROM sessions
			WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id`,
		now, userID, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("セッションの失効に失敗: %w", err)
	}
	return id, nil
}

// Revoke はユーザーが所有する指定セッションを失効させる。
// 失効させた場合はtrue、対象が存在しないか失効済みの場合はfalseを返す。
func (r *SessionRegistry) Revoke(ctx context.Context, userID, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		toMillis(r.now()), sessionID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("セッションの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("失効件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// RevokeAll はユーザーの未失効セッションをすべて失効させ、件数を返す。
func (r *SessionRegistry) RevokeAll(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		toMillis(r.now()), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("全セッションの失効に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("失効件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Get はIDでセッションを取得する。失効済みや期限切れのセッションも返す。
func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗: %w", err)
	}
	return s, nil
}

// ListActive はユーザーの有効なセッションを新しい順に返す。
func (r *SessionRegistry) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC, id DESC`,
		userID, toMillis(r.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッションの読み取りに失敗: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Rotate はセッションが有効で、保存済みハッシュがoldHashと一致する場合に限り
// ハッシュをnewHashへ置き換え、有効期限をexpiresAtへ延長する。
// 条件判定と更新は1つのUPDATE文で行うため、同じリフレッシュトークンによる
// 並行したローテーションは1つだけが成功する。
func (r *SessionRegistry) Rotate(ctx context.Context, sessionID, oldHash, newHash string, expiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET refresh_token_hash = ?, expires_at = ?
		WHERE id = ? AND refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?`,
		newHash, toMillis(expiresAt), sessionID, oldHash, toMillis(r.now()),
	)
	if err != nil {
		return false, fmt.Errorf("セッションのローテーションに失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n == 1, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession は1行をSessionに読み込む。
func scanSession(row rowScanner) (*Session, error) {
	var (
		s                    Session
		expiresAt, createdAt int64
		revokedAt            sql.NullInt64
	)
	if err := row.Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.UserAgent, &s.IPAddress, &s.RefreshTokenHash,
		&expiresAt, &revokedAt, &createdAt,
	); err != nil {
		return nil, err
	}
	s.ExpiresAt = fromMillis(expiresAt)
	s.CreatedAt = fromMillis(createdAt)
	if revokedAt.Valid {
		t := fromMillis(revokedAt.Int64)
		s.RevokedAt = &t
	}
	return &s, nil
}
