package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

const (
	// corsAllowMethods はゲートウェイが転送し得るメソッド。
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	// corsAllowHeaders はブラウザが送信してよいヘッダー。
	corsAllowHeaders = "Authorization, Content-Type, X-Device-ID"
	// corsExposeHeaders はブラウザのスクリプトから読めるレスポンスヘッダー。
	// ログイン応答の端末識別子をクライアントが保存できるようにする。
	corsExposeHeaders = "X-Device-ID"
	// corsMaxAge はプリフライト結果をキャッシュしてよい秒数。
	corsMaxAge = "600"
)

// CORS は許可リストのオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
//
// 応答はOriginごとに異なるため常にVary: Originを付ける。プリフライト
// （Access-Control-Request-Methodを伴うOPTIONS）はここで204を返して打ち切り、
// それ以外のOPTIONSは後続のハンドラ（ゲートウェイでは転送先）に渡す。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	origins := slices.Clone(allowedOrigins)

	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		allowed := origin != "" && slices.Contains(origins, origin)
		if allowed {
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			if allowed {
				header.Set("Access-Control-Allow-Methods", corsAllowMethods)
				header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				header.Set("Access-Control-Max-Age", corsMaxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
