// Package auth は認証サービスの内部実装を提供する。
//
// ユーザー登録、ログイン、トークンのリフレッシュとログアウトを担当する。
// ログインごとにセッションを作成し、リフレッシュトークンのハッシュを
// セッションに保存してローテーションする。ログイン試行はRedisで
// レートリミットをかけ、主要な操作は監査イベントとして記録する。
//
// 主な機能:
//   - ユーザー登録（Register）
//   - ログインとセッション作成（Login）
//   - トークンペアの再発行（Refresh）
//   - セッションの失効（Logout, LogoutAll, RevokeByID）
package auth
