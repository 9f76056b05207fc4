package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken はトークン文字列のSHA-256ハッシュを16進文字列で返す。
// リフレッシュトークンそのものを保存せずに照合するために使う。
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// HashEqual は提示されたトークンのハッシュと保存済みハッシュを定数時間で比較する。
func HashEqual(raw, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(raw)), []byte(storedHash)) == 1
}
