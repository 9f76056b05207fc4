package auth

import (
	"errors"
	"net/http"

	"github.com/samber/oops"
)

// 認証ワークフローのエラーコード。
const (
	CodeValidation         = "AUTH_VALIDATION"
	CodeDuplicateUser      = "AUTH_DUPLICATE_USER"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeRateLimited        = "AUTH_RATE_LIMITED"
	CodeSessionNotFound    = "AUTH_SESSION_NOT_FOUND"
	CodeStorage            = "AUTH_STORAGE"
)

// 利用者へ返すメッセージ。
const (
	msgInvalidCredentials = "メールアドレスまたはパスワードが正しくありません"
	msgInvalidToken       = "トークンが無効です"
	msgRateLimitedIP      = "ログイン試行回数が多すぎます。しばらくしてから再試行してください"
	msgRateLimitedUser    = "このアカウントへのログイン試行回数が多すぎます。しばらくしてから再試行してください"
	msgRateLimitedSignup  = "登録試行回数が多すぎます。しばらくしてから再試行してください"
	msgDuplicateUser      = "ユーザー名またはメールアドレスは既に使用されています"
	msgSessionNotFound    = "セッションが見つかりません"
	msgInternal           = "内部サーバーエラーが発生しました"
)

// errValidation は入力検証エラーを生成する。
func errValidation(message string) error {
	return oops.Code(CodeValidation).
		With("message", message).
		Errorf("validation failed: %s", message)
}

// errRateLimited はレートリミット超過エラーを生成する。
func errRateLimited(kind, message string) error {
	return oops.Code(CodeRateLimited).
		With("limit", kind).
		With("message", message).
		Errorf("rate limited: %s", kind)
}

// errInvalidCredentials は認証情報の不一致エラーを生成する。
// ユーザーの存在有無によらず同じエラーを返す。
func errInvalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
}

// errInvalidToken はトークン拒否エラーを生成する。
func errInvalidToken(reason string) error {
	return oops.Code(CodeInvalidToken).
		With("reason", reason).
		Errorf("invalid token: %s", reason)
}

// errStorage はストレージ障害エラーを生成する。
func errStorage(operation string, err error) error {
	return oops.Code(CodeStorage).
		With("operation", operation).
		Wrap(err)
}

// HTTPStatus はエラーに対応するHTTPステータスと利用者向けメッセージを返す。
// 認証ワークフローのエラーでない場合は500を返す。
func HTTPStatus(err error) (int, string) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return http.StatusInternalServerError, msgInternal
	}

	message, _ := oopsErr.Context()["message"].(string)
	switch oopsErr.Code() {
	case CodeValidation:
		return http.StatusBadRequest, message
	case CodeDuplicateUser:
		return http.StatusBadRequest, msgDuplicateUser
	case CodeInvalidCredentials:
		return http.StatusUnauthorized, msgInvalidCredentials
	case CodeInvalidToken:
		return http.StatusUnauthorized, msgInvalidToken
	case CodeRateLimited:
		return http.StatusTooManyRequests, message
	case CodeSessionNotFound:
		return http.StatusNotFound, msgSessionNotFound
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// IsCode はエラーが指定コードの認証ワークフローエラーかどうかを返す。
func IsCode(err error, code string) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == code
}

// isNotFound はストレージ層の未検出エラーかどうかを返す。
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
