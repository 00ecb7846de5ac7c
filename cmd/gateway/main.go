// 農業マイクロサービス群のAPIゲートウェイのエントリポイント。
// ルート解決、レート制限、認可、サーキットブレーカーを経てリクエストを上流サービスへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/nao1215/agrigate/internal/authz"
	"github.com/nao1215/agrigate/internal/config"
	"github.com/nao1215/agrigate/internal/gateway"
	"github.com/nao1215/agrigate/internal/routestore"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "環境変数の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "gateway",
		Level:      hclog.LevelFromString(env.LogLevel),
		JSONFormat: env.LogJSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env, logger); err != nil {
		logger.Error("ゲートウェイが異常終了しました", "error", err)
		stop()
		os.Exit(1)
	}
}

// run は設定を読み込んでゲートウェイを起動し、ctx が終了するまで待つ。
func run(ctx context.Context, env config.Env, logger hclog.Logger) error {
	file, err := loadFile(ctx, env, logger)
	if err != nil {
		return err
	}
	gw, err := file.Build()
	if err != nil {
		return err
	}

	verifier, err := newVerifier(env)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Options{
		Logger:           logger,
		Port:             env.Port,
		Gateway:          gw,
		Verifier:         verifier,
		CORSOrigins:      env.CORSOrigins,
		TrustedProxies:   env.TrustedProxies,
		MaxResponseBytes: env.MaxResponseBytes,
	})
	if err != nil {
		return fmt.Errorf("ゲートウェイの初期化に失敗: %w", err)
	}

	logger.Info("構成を読み込みました",
		"services", len(gw.Services), "routes", len(gw.Table.Policies()), "routes_dsn", env.RoutesDSN != "")
	return server.Run(ctx)
}

// loadFile はYAML設定ファイルを読み込む。
// ROUTES_DSN が設定されている場合はサービスとルートをルートストアの内容で置き換える。
// その場合、YAMLファイルが無くても共通設定の既定値で起動する。
func loadFile(ctx context.Context, env config.Env, logger hclog.Logger) (*config.File, error) {
	file, err := config.LoadFile(env.ConfigPath)
	if err != nil {
		if env.RoutesDSN == "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Warn("設定ファイルが無いため既定の共通設定を使用します", "path", env.ConfigPath)
		file = &config.File{}
	}
	if env.RoutesDSN == "" {
		return file, nil
	}

	store, err := routestore.Open(ctx, env.RoutesDSN, logger.Named("routestore"))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	services, routes, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	file.Services = services
	file.Routes = routes
	return file, nil
}

// newVerifier はトークンの検証器を生成する。公開鍵が指定されていればRS256を使う。
func newVerifier(env config.Env) (authz.Verifier, error) {
	if env.JWTPublicKeyFile != "" {
		pemBytes, err := os.ReadFile(env.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("JWT公開鍵の読み込みに失敗: %w", err)
		}
		return authz.NewRSAVerifier(pemBytes, env.JWTIssuer)
	}
	return authz.NewHMACVerifier([]byte(env.JWTSecret), env.JWTIssuer)
}
