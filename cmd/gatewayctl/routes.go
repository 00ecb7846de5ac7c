package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/route"
	"github.com/nao1215/agrigate/internal/routestore"
)

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "ルート定義を操作する",
	}
	cmd.AddCommand(newRoutesValidateCmd())
	cmd.AddCommand(newRoutesListCmd())
	cmd.AddCommand(newRoutesImportCmd())
	return cmd
}

func newRoutesValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "設定ファイルを検証する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			gw, err := f.Build()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d services, %d routes\n", len(gw.Services), len(gw.Table.Policies()))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "config/gateway.yaml", "設定ファイルのパス")
	return cmd
}

func newRoutesListCmd() *cobra.Command {
	var path, dsn string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "検証済みのルートを宣言順に表示する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if dsn != "" {
				store, err := routestore.Open(cmd.Context(), dsn, hclog.NewNullLogger())
				if err != nil {
					return err
				}
				defer store.Close()
				if f.Services, f.Routes, err = store.Load(cmd.Context()); err != nil {
					return err
				}
			}
			gw, err := f.Build()
			if err != nil {
				return err
			}
			return printRoutes(cmd.OutOrStdout(), gw.Table.Policies())
		},
	}
	cmd.Flags().StringVar(&path, "config", "config/gateway.yaml", "設定ファイルのパス")
	cmd.Flags().StringVar(&dsn, "dsn", "", "ルートストアの接続先（指定時はストアの内容を表示）")
	return cmd
}

func newRoutesImportCmd() *cobra.Command {
	var path, dsn string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "設定ファイルのサービスとルートをルートストアに登録する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return errors.New("--dsn を指定してください")
			}
			f, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			// 登録前に検証し、不正な構成をストアに書き込まない。
			if _, err := f.Build(); err != nil {
				return err
			}

			store, err := routestore.Open(cmd.Context(), dsn, hclog.NewNullLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Seed(cmd.Context(), f.Services, f.Routes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d services, %d routes\n", len(f.Services), len(f.Routes))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "config/gateway.yaml", "設定ファイルのパス")
	cmd.Flags().StringVar(&dsn, "dsn", "", "ルートストアの接続先（sqlite://path または postgres://...）")
	return cmd
}

// printRoutes はポリシーを表形式で出力する。
func printRoutes(out io.Writer, policies []*route.Policy) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATTERN\tMETHODS\tSERVICE\tROLES\tRATE LIMIT")
	for _, p := range policies {
		methods := "*"
		if len(p.Methods) > 0 {
			methods = strings.Join(p.Methods, ",")
		}
		roles := "-"
		if p.Protected {
			roles = strings.Join(p.AllowedRoles, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%s\n",
			p.ID, p.Pattern, methods, p.Service, roles, p.RateLimit.Max, p.RateLimit.Window)
	}
	return tw.Flush()
}
