// ゲートウェイの運用CLIのエントリポイント。
// ブレーカーの状態確認、開発用トークンの発行、ルート定義の検証とルートストアへの登録を行う。
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
