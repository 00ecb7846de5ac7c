package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd はサブコマンドを登録したルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gatewayctl",
		Short:        "agrigate ゲートウェイの運用ツール",
		SilenceUsage: true,
	}
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newRoutesCmd())
	return root
}
