// Package httpclient は転送先サービスとのHTTP通信を行うクライアントを提供する。
//
// ゲートウェイがリクエストを転送先へそのまま中継する処理と、
// 転送先の死活確認のためのJSON取得処理を提供する。
package httpclient
