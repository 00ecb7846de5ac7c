// Package httpclient はゲートウェイが使用するHTTPクライアントを提供する。
//
// 上流サービスへの転送に使う接続プール付きのクライアントと、
// 運用ツールがゲートウェイのステータスを取得するためのJSONクライアントを含む。
// 上流呼び出しのエラーはタイムアウト・到達不能・キャンセルに分類できる。
package httpclient
