// Package ratelimit は認証エンドポイントを保護するレートリミッタを提供する。
//
// カウンタはRedisに置き、複数のサービスインスタンスから同時に更新しても
// Luaスクリプトの原子性だけで整合性を保つ。分散ロックは使わない。
// Redisに到達できない場合は制限なしとして扱い（フェイルオープン）、
// ログとPrometheusメトリクスでその事実を運用者に知らせる。
package ratelimit
