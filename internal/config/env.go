// Package config はゲートウェイの起動時設定を読み込む。
//
// 環境変数はプロセス全体の設定（ポート、JWT検証鍵、ログ）を、
// YAMLファイルはサービスレジストリとルートポリシーを表す。
// いずれも起動時に一度だけ読み込み、以降は変更しない。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// 環境変数の既定値。
const (
	defaultPort             = "8080"
	defaultConfigPath       = "config/gateway.yaml"
	defaultLogLevel         = "info"
	defaultMaxResponseBytes = 10 << 20
)

// Env は環境変数から読み込んだプロセス設定。
type Env struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// ConfigPath はサービスとルートを定義したYAMLファイルのパス。
	ConfigPath string
	// RoutesDSN はルートストアの接続先。設定された場合はYAMLのサービスとルートを置き換える。
	RoutesDSN string
	// JWTSecret はHS256署名の共有秘密鍵。
	JWTSecret string
	// JWTPublicKeyFile はRS256署名の公開鍵（PEM）のパス。JWTSecretより優先する。
	JWTPublicKeyFile string
	// JWTIssuer が設定された場合、トークンの iss と一致することを要求する。
	JWTIssuer string
	// CORSOrigins はCORSで許可するオリジン。
	CORSOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのアドレス。
	TrustedProxies []string
	// LogLevel はログレベル（trace, debug, info, warn, error）。
	LogLevel string
	// LogJSON が true の場合、ログをJSON形式で出力する。
	LogJSON bool
	// MaxResponseBytes は上流レスポンスボディの最大サイズ。
	MaxResponseBytes int64
}

// LoadEnv は環境変数から設定を読み込む。
func LoadEnv() (Env, error) {
	env := Env{
		Port:             getEnvOr("PORT", defaultPort),
		ConfigPath:       getEnvOr("GATEWAY_CONFIG", defaultConfigPath),
		RoutesDSN:        os.Getenv("ROUTES_DSN"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTPublicKeyFile: os.Getenv("JWT_PUBLIC_KEY_FILE"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		CORSOrigins:      splitList(getEnvOr("CORS_ORIGINS", "http://localhost:3000")),
		TrustedProxies:   splitList(os.Getenv("TRUSTED_PROXIES")),
		LogLevel:         getEnvOr("LOG_LEVEL", defaultLogLevel),
		MaxResponseBytes: defaultMaxResponseBytes,
	}

	if v := os.Getenv("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Env{}, fmt.Errorf("LOG_JSON の値が不正: %q: %w", v, err)
		}
		env.LogJSON = b
	}
	if v := os.Getenv("MAX_RESPONSE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Env{}, fmt.Errorf("MAX_RESPONSE_BYTES は正の整数である必要があります: %q", v)
		}
		env.MaxResponseBytes = n
	}
	if env.JWTSecret == "" && env.JWTPublicKeyFile == "" {
		return Env{}, fmt.Errorf("JWT_SECRET または JWT_PUBLIC_KEY_FILE のいずれかを設定してください")
	}
	return env, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// splitList はカンマ区切りの値を分割する。空要素は除外する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
