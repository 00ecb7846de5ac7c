package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File はYAML設定ファイルの内容。
type File struct {
	// Services は上流サービスのレジストリ。
	Services []ServiceConfig `yaml:"services"`
	// Routes は宣言順のルートポリシー。順序は同順位の優先度に影響する。
	Routes []RouteConfig `yaml:"routes"`
	// Breaker は全サービス共通のブレーカー設定。
	Breaker BreakerConfig `yaml:"breaker"`
	// RateLimitDefaults はレート制限を指定しないルートに適用する既定値。
	RateLimitDefaults RateLimitConfig `yaml:"rate_limit_defaults"`
}

// ServiceConfig は上流サービス1件の設定。
type ServiceConfig struct {
	// ID はサービスID（例: irrigation）。
	ID string `yaml:"id"`
	// URL は転送先のベースURL。
	URL string `yaml:"url"`
	// TimeoutMS は既定の上流タイムアウト（ミリ秒）。
	TimeoutMS int64 `yaml:"timeout_ms"`
	// Breaker はこのサービスだけに適用するブレーカー設定。未指定の項目は共通設定を使う。
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
}

// RouteConfig はルートポリシー1件の設定。
type RouteConfig struct {
	// ID はルートID。省略時は "メソッド パターン" になる。
	ID string `yaml:"id,omitempty"`
	// Pattern はパスパターン。
	Pattern string `yaml:"pattern"`
	// Methods は許可するHTTPメソッド。省略時はすべて。
	Methods []string `yaml:"methods,omitempty"`
	// Service は転送先サービスID。
	Service string `yaml:"service"`
	// Protected が true の場合は認可が必要。
	Protected bool `yaml:"protected"`
	// Roles は許可するロール。
	Roles []string `yaml:"roles,omitempty"`
	// RateLimit はルート固有のレート制限。
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	// StripPrefix が true の場合は転送時にパターンのリテラル部分を取り除く。
	StripPrefix bool `yaml:"strip_prefix"`
	// TimeoutMS はサービスの既定値を上書きするタイムアウト（ミリ秒）。
	TimeoutMS int64 `yaml:"timeout_ms,omitempty"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	// WindowMS は固定ウィンドウの長さ（ミリ秒）。
	WindowMS int64 `yaml:"window_ms"`
	// Max はウィンドウ内の最大リクエスト数。
	Max int `yaml:"max"`
}

// BreakerConfig はブレーカーの設定。0 の項目は既定値を使う。
type BreakerConfig struct {
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage,omitempty"`
	RollingWindowMS          int64   `yaml:"rolling_window_ms,omitempty"`
	Buckets                  int     `yaml:"buckets,omitempty"`
	MinimumSamples           int     `yaml:"minimum_samples,omitempty"`
	ResetTimeoutMS           int64   `yaml:"reset_timeout_ms,omitempty"`
}

// LoadFile はYAML設定ファイルを読み込む。
// 既定値の補完と検証は Build で行う。
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse はYAMLを解析する。未知のキーはタイプミスとしてエラーにする。
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("YAMLの解析に失敗: %w", err)
	}
	return &f, nil
}

// Marshal は設定をYAMLに変換する。
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("YAMLの生成に失敗: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("YAMLの生成に失敗: %w", err)
	}
	return buf.Bytes(), nil
}
