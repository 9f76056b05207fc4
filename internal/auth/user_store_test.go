package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUserStore(t *testing.T) {
	t.Parallel()

	newUser := func(id, username, email string) *User {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		return &User{ID: id, Username: username, Email: email, PasswordHash: "hash", CreatedAt: now, UpdatedAt: now}
	}

	t.Run("登録したユーザーをIDとメールアドレスで取得できること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := NewUserStore(newTestDB(t))
		if err := store.Create(ctx, newUser("u1", "alice", "alice@example.com")); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}

		byID, err := store.GetByID(ctx, "u1")
		if err != nil {
			t.Fatalf("GetByID()でエラーが発生: %v", err)
		}
		byEmail, err := store.GetByEmail(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("GetByEmail()でエラーが発生: %v", err)
		}
		if byID.Username != "alice" || byEmail.ID != "u1" {
			t.Errorf("取得結果が不正: byID=%+v byEmail=%+v", byID, byEmail)
		}
		if !byID.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("CreatedAt = %v", byID.CreatedAt)
		}
	})

	t.Run("存在しないユーザーはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		store := NewUserStore(newTestDB(t))
		if _, err := store.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ユーザー名は大文字小文字を区別せず重複を検出すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := NewUserStore(newTestDB(t))
		if err := store.Create(ctx, newUser("u1", "alice", "alice@example.com")); err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}

		exists, err := store.Exists(ctx, "ALICE", "other@example.com")
		if err != nil {
			t.Fatalf("Exists()でエラーが発生: %v", err)
		}
		if !exists {
			t.Error("Exists() = false, want true")
		}

		err = store.Create(ctx, newUser("u2", "Alice", "other@example.com"))
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("Create() error = %v, want ErrDuplicate", err)
		}
		err = store.Create(ctx, newUser("u3", "bob", "alice@example.com"))
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("Create() error = %v, want ErrDuplicate", err)
		}
	})
}
