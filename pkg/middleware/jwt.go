package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgeauth/pkg/token"
)

const (
	// ginKeyClaims はGinコンテキストに検証済みクレームを格納するキー。
	ginKeyClaims = "claims"
	// ginKeyUserID はGinコンテキストにユーザーIDを格納するキー。
	ginKeyUserID = "user_id"
)

// claimsContextKey はcontext.Contextに検証済みクレームを格納するキーの型。
type claimsContextKey struct{}

// Verifier はトークンを検証し、種類も照合するインターフェース。
// *token.Codecがこれを満たす。
type Verifier interface {
	VerifyType(tokenString string, want token.Type) (*token.Claims, error)
}

// BearerAuth はAuthorizationヘッダーのアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、Ginコンテキストとリクエストのcontext.Contextの両方にクレームを設定する。
// 検証に失敗した場合は401を返し、後続のハンドラは実行しない。
func BearerAuth(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := BearerToken(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークンが必要です",
			})
			return
		}

		claims, err := verifier.VerifyType(tokenString, token.TypeAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		SetClaims(c, claims)
		c.Next()
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// ヘッダーが無い、形式が不正、またはトークンが空の場合はfalseを返す。
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", false
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", false
	}
	return tokenString, true
}

// SetClaims は検証済みクレームをGinコンテキストとリクエストのcontext.Contextに設定する。
func SetClaims(c *gin.Context, claims *token.Claims) {
	c.Set(ginKeyClaims, claims)
	c.Set(ginKeyUserID, claims.Subject)
	c.Request = c.Request.WithContext(ContextWithClaims(c.Request.Context(), claims))
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// BearerAuthミドルウェアが事前に適用されていない場合はnilを返す。
func GetClaims(c *gin.Context) *token.Claims {
	v, ok := c.Get(ginKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// BearerAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(ginKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// ContextWithClaims はクレームを格納したcontext.Contextを返す。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext はcontext.Contextからクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok && claims != nil
}
