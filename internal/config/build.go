package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nao1215/agrigate/internal/breaker"
	"github.com/nao1215/agrigate/internal/route"
)

// 設定ファイルの既定値。
const (
	defaultServiceTimeout  = 10 * time.Second
	defaultRateLimitWindow = 15 * time.Minute
	defaultRateLimitMax    = 100
)

// ErrInvalidConfig は設定の検証に失敗したことを表す。起動を中止すべきエラー。
var ErrInvalidConfig = errors.New("設定が不正です")

// Service はサービスレジストリの1エントリ。
type Service struct {
	// ID はサービスID。
	ID string
	// URL は末尾のスラッシュを除いたベースURL。
	URL string
	// Timeout は既定の上流タイムアウト。
	Timeout time.Duration
}

// Gateway は検証済みの設定から構築した、起動後に変更されない実行時構成。
type Gateway struct {
	// Services はサービスID → レジストリエントリ。
	Services map[string]Service
	// Table はルートテーブル。
	Table *route.Table
	// Breakers はサービスID → ブレーカー設定。
	Breakers map[string]breaker.Settings
}

// Build は既定値を補完し、設定全体を検証して実行時構成を構築する。
// 問題はすべて集約して返す。
func (f *File) Build() (*Gateway, error) {
	f.hydrateDefaults()

	var result *multierror.Error
	gw := &Gateway{
		Services: make(map[string]Service, len(f.Services)),
		Breakers: make(map[string]breaker.Settings, len(f.Services)),
	}

	for i, sc := range f.Services {
		svc, settings, err := sc.build(f.Breaker)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("services[%d] %q: %w", i, sc.ID, err))
			continue
		}
		if _, dup := gw.Services[svc.ID]; dup {
			result = multierror.Append(result, fmt.Errorf("services[%d]: サービスID %q が重複しています", i, svc.ID))
			continue
		}
		gw.Services[svc.ID] = svc
		gw.Breakers[svc.ID] = settings
	}

	policies := make([]route.Policy, 0, len(f.Routes))
	for i, rc := range f.Routes {
		if _, ok := gw.Services[rc.Service]; !ok {
			result = multierror.Append(result, fmt.Errorf("routes[%d] %q: 未登録のサービス %q を参照しています", i, rc.Pattern, rc.Service))
		}
		policies = append(policies, rc.policy())
	}

	table, err := route.NewTable(policies)
	if err != nil {
		result = multierror.Append(result, err)
	}
	gw.Table = table

	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return gw, nil
}

// hydrateDefaults は省略された項目に既定値を設定する。
func (f *File) hydrateDefaults() {
	if f.RateLimitDefaults.WindowMS == 0 {
		f.RateLimitDefaults.WindowMS = defaultRateLimitWindow.Milliseconds()
	}
	if f.RateLimitDefaults.Max == 0 {
		f.RateLimitDefaults.Max = defaultRateLimitMax
	}
	for i := range f.Services {
		if f.Services[i].TimeoutMS == 0 {
			f.Services[i].TimeoutMS = defaultServiceTimeout.Milliseconds()
		}
	}
	for i := range f.Routes {
		rl := f.Routes[i].RateLimit
		if rl == nil {
			d := f.RateLimitDefaults
			f.Routes[i].RateLimit = &d
			continue
		}
		if rl.WindowMS == 0 {
			rl.WindowMS = f.RateLimitDefaults.WindowMS
		}
		if rl.Max == 0 {
			rl.Max = f.RateLimitDefaults.Max
		}
	}
}

// build はサービス設定を検証してレジストリエントリとブレーカー設定に変換する。
func (sc ServiceConfig) build(common BreakerConfig) (Service, breaker.Settings, error) {
	var result *multierror.Error

	if sc.ID == "" {
		result = multierror.Append(result, errors.New("id は必須です"))
	}
	if err := validateBaseURL(sc.URL); err != nil {
		result = multierror.Append(result, err)
	}
	if sc.TimeoutMS < 0 {
		result = multierror.Append(result, errors.New("timeout_ms は0以上である必要があります"))
	}

	bc := common
	if sc.Breaker != nil {
		bc = bc.merge(*sc.Breaker)
	}
	settings := bc.settings()
	if err := settings.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("breaker: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return Service{}, breaker.Settings{}, err
	}
	return Service{
		ID:      sc.ID,
		URL:     strings.TrimRight(sc.URL, "/"),
		Timeout: time.Duration(sc.TimeoutMS) * time.Millisecond,
	}, settings, nil
}

// validateBaseURL は転送先として使えるURLかを検証する。
func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("url は必須です")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url が不正です: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url のスキームは http または https である必要があります: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url にホストがありません: %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("url にクエリやフラグメントは指定できません: %q", raw)
	}
	return nil
}

// policy はルート設定をルートポリシーに変換する。検証は route.NewTable が行う。
func (rc RouteConfig) policy() route.Policy {
	p := route.Policy{
		ID:           rc.ID,
		Pattern:      rc.Pattern,
		Methods:      rc.Methods,
		Service:      rc.Service,
		Protected:    rc.Protected,
		AllowedRoles: rc.Roles,
		StripPrefix:  rc.StripPrefix,
		Timeout:      time.Duration(rc.TimeoutMS) * time.Millisecond,
	}
	if rc.RateLimit != nil {
		p.RateLimit = route.RateLimit{
			Window: time.Duration(rc.RateLimit.WindowMS) * time.Millisecond,
			Max:    rc.RateLimit.Max,
		}
	}
	return p
}

// merge は o で指定された項目だけを上書きした設定を返す。
func (c BreakerConfig) merge(o BreakerConfig) BreakerConfig {
	if o.ErrorThresholdPercentage != 0 {
		c.ErrorThresholdPercentage = o.ErrorThresholdPercentage
	}
	if o.RollingWindowMS != 0 {
		c.RollingWindowMS = o.RollingWindowMS
	}
	if o.Buckets != 0 {
		c.Buckets = o.Buckets
	}
	if o.MinimumSamples != 0 {
		c.MinimumSamples = o.MinimumSamples
	}
	if o.ResetTimeoutMS != 0 {
		c.ResetTimeoutMS = o.ResetTimeoutMS
	}
	return c
}

// settings はブレーカー設定に変換し、未指定の項目を既定値で埋める。
func (c BreakerConfig) settings() breaker.Settings {
	return breaker.Settings{
		ErrorThresholdPercentage: c.ErrorThresholdPercentage,
		RollingWindow:            time.Duration(c.RollingWindowMS) * time.Millisecond,
		Buckets:                  c.Buckets,
		MinimumSamples:           c.MinimumSamples,
		ResetTimeout:             time.Duration(c.ResetTimeoutMS) * time.Millisecond,
	}.WithDefaults()
}
