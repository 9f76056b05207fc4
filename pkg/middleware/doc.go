// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerアクセストークンの検証、アクセスログ、パニックリカバリ、
// CORS設定など、ゲートウェイと認証サービスで共通して使用するミドルウェアを含む。
// 検証済みクレームはGinコンテキストとcontext.Contextの両方から取得できる。
package middleware
