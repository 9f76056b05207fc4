// Package gateway はエッジゲートウェイの内部実装を提供する。
//
// 外部から到達可能な唯一の入口として、/{version}/{service}/{path} 形式の
// リクエストを受け付ける。ログイン・登録・リフレッシュなどの除外パスを除き、
// Bearerトークンをアクセストークンとして検証してから転送先サービスへ中継する。
// 検証に失敗したリクエストは転送せず401を返す。検証済みのユーザーIDは
// X-User-IDヘッダーとして転送先に伝播し、クライアントが送ったX-User-IDは破棄する。
package gateway
