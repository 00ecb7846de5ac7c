// Package route はゲートウェイのルートテーブルを提供する。
//
// 起動時に一度だけ構築される不変のルートポリシー集合を保持し、
// リクエストパスを決定的な優先順位で唯一のポリシーへ解決する。
// 解決は副作用を持たない純粋な参照であり、レート制限やサーキットブレーカーの
// 状態を生成することはない。
package route
