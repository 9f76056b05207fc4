// Package token はサービス間で共有する認証トークンの発行と検証を提供する。
//
// Codecは署名アルゴリズムと鍵をコンストラクタで受け取り、
// 同じ設定を持つすべてのサービスで同一の検証結果を返す。
// Issuerはアクセストークンとリフレッシュトークンを種類ごとの有効期間で発行する。
// トークン自体は失効リストを持たず、失効はセッション側で管理する。
package token
