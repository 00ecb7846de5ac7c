// Package gateway はAPIゲートウェイのポリシーパイプラインとHTTPサーバーを提供する。
//
// すべてのリクエストは固定順のステージ
// resolve → ratelimit → authorize → admit → dispatch を通過する。
// いずれかのステージが拒否した時点で以降のステージは実行せず、
// 共通形式のエラーレスポンスを返す。外部からアクセス可能な唯一の
// エントリポイントであり、セキュリティの境界線として機能する。
package gateway
