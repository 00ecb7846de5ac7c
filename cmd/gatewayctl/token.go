package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/agrigate/internal/authz"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		roles   []string
		ttl     time.Duration
		issuer  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "共有秘密鍵で開発用のトークンを発行する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret または JWT_SECRET を指定してください")
			}
			token, err := authz.GenerateToken([]byte(secret), subject, roles, ttl, issuer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256の共有秘密鍵（省略時は JWT_SECRET）")
	cmd.Flags().StringVar(&subject, "subject", "", "トークンの sub")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "付与するロール（複数指定可）")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "有効期間")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("JWT_ISSUER"), "トークンの iss")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
