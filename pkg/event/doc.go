// Package event は認証サービスが記録する監査イベントのモデルを提供する。
//
// ユーザー登録、ログイン失敗、セッションの作成・失効・ローテーションを
// 不変のイベントとして表現し、auth_eventsテーブルに追記する。
package event
