package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	// Hash はパスワードのハッシュを返す。
	Hash(password string) (string, error)
	// Compare はパスワードがハッシュと一致すればtrueを返す。
	Compare(hash, password string) (bool, error)
	// DummyHash は存在しないユーザーの照合に使うハッシュを返す。
	DummyHash() string
}

// BcryptHasher はbcryptによるPasswordHasher。
type BcryptHasher struct {
	cost  int
	dummy string
}

// NewBcryptHasher は指定コストのBcryptHasherを生成する。
// コストはbcryptの許容範囲に丸める。ダミーハッシュは同じコストで生成しておき、
// 存在しないユーザーに対しても同程度の照合時間がかかるようにする。
func NewBcryptHasher(cost int) (*BcryptHasher, error) {
	cost = min(max(cost, bcrypt.MinCost), bcrypt.MaxCost)
	dummy, err := bcrypt.GenerateFromPassword([]byte("edgeauth-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	return &BcryptHasher{cost: cost, dummy: string(dummy)}, nil
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	return string(b), nil
}

// Compare はパスワードがハッシュと一致するかを返す。
// 不一致はエラーではなくfalseとして返す。
func (h *BcryptHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("パスワードの照合に失敗: %w", err)
	}
}

// DummyHash は存在しないユーザーの照合に使うハッシュを返す。
func (h *BcryptHasher) DummyHash() string {
	return h.dummy
}
