package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// HeaderKeyUserID は転送先へユーザーIDを伝播するためのHTTPヘッダーキー。
const HeaderKeyUserID = "X-User-ID"

// defaultTimeout は1リクエストあたりのデフォルトタイムアウト。
const defaultTimeout = 30 * time.Second

// hopByHopHeaders はプロキシが転送してはならないヘッダー（RFC 7230 6.1）。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client は転送先サービスとのHTTP通信を行うクライアント。
// リダイレクトは追跡せず、転送先の応答をそのまま呼び出し側へ返す。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// Option はClientの生成オプション。
type Option func(*http.Client)

// WithTimeout は1リクエストあたりのタイムアウトを設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(c *http.Client) {
		c.Timeout = timeout
	}
}

// WithTransport は内部で使用するRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) {
		c.Transport = rt
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://auth:8001"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	httpClient := &http.Client{
		Timeout: defaultTimeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, opt := range opts {
		opt(httpClient)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ForwardRequest は転送するリクエストの内容。
type ForwardRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はベースURLに続くパス（先頭の "/" を含む）。
	Path string
	// RawQuery はエンコード済みのクエリ文字列。
	RawQuery string
	// Header は転送するヘッダー。ホップバイホップヘッダーは除去される。
	Header http.Header
	// Body はリクエストボディ。nilの場合はボディなし。
	Body io.Reader
	// ContentLength はボディの長さ。不明な場合は-1。
	ContentLength int64
}

// Forward はリクエストを転送先へそのまま送信し、レスポンスを返す。
// レスポンスボディのCloseは呼び出し側の責務。
// 受信したX-User-IDヘッダーは破棄し、WithUserIDで設定された値のみを伝播する。
func (c *Client) Forward(ctx context.Context, fr ForwardRequest) (*http.Response, error) {
	target := c.baseURL + fr.Path
	if fr.RawQuery != "" {
		target += "?" + fr.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, fr.Method, target, fr.Body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if fr.Body != nil {
		req.ContentLength = fr.ContentLength
	}

	req.Header = fr.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	RemoveHopByHop(req.Header)
	req.Header.Del(HeaderKeyUserID)
	if userID, ok := UserIDFromContext(ctx); ok {
		req.Header.Set(HeaderKeyUserID, userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	RemoveHopByHop(resp.Header)
	return resp, nil
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。resultがnilの場合はステータスのみ確認する。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if userID, ok := UserIDFromContext(ctx); ok {
		req.Header.Set(HeaderKeyUserID, userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// RemoveHopByHop はヘッダーからホップバイホップヘッダーを除去する。
// Connectionヘッダーで列挙されたヘッダーも併せて除去する。
func RemoveHopByHop(h http.Header) {
	if h == nil {
		return
	}
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
const contextKeyUserID contextKey = "user_id"

// WithUserID はコンテキストにユーザーIDを設定する。
// 転送時にユーザーIDを伝播するために使用する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// UserIDFromContext はコンテキストからユーザーIDを取得する。空文字列は未設定として扱う。
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKeyUserID).(string)
	return userID, ok && userID != ""
}
