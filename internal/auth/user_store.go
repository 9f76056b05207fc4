package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserStore はusersテーブルへのアクセスを提供する。
type UserStore struct {
	db *sql.DB
}

// NewUserStore は新しいUserStoreを生成する。
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create はユーザーを登録する。ユーザー名またはメールアドレスが既存の場合はErrDuplicateを返す。
func (s *UserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// Exists はユーザー名またはメールアドレスが登録済みかどうかを返す。
func (s *UserStore) Exists(ctx context.Context, username, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE username = ? OR email = ?`, username, email,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ユーザーの存在確認に失敗: %w", err)
	}
	return n > 0, nil
}

// GetByEmail はメールアドレスでユーザーを取得する。
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, `WHERE email = ?`, email)
}

// GetByID はIDでユーザーを取得する。
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.getOne(ctx, `WHERE id = ?`, id)
}

// getOne は条件に一致するユーザーを1件取得する。
func (s *UserStore) getOne(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u                    User
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at, updated_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}
