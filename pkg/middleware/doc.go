// Package middleware はゲートウェイのHTTPサーバーで使用する共通Ginミドルウェアを提供する。
//
// リクエストIDの付与、アクセスログ、パニックリカバリ、CORS設定を含む。
// 認可とレート制限はルートごとにパイプラインで判定する。
package middleware
