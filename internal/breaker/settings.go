package breaker

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
)

// 既定値。
const (
	defaultErrorThresholdPercentage = 50
	defaultRollingWindow            = 10 * time.Second
	defaultBuckets                  = 10
	defaultMinimumSamples           = 5
	defaultResetTimeout             = 30 * time.Second
)

// Settings はブレーカーの判定パラメータ。
type Settings struct {
	// ErrorThresholdPercentage はこの失敗率（%）以上で open に遷移する閾値。
	ErrorThresholdPercentage float64
	// RollingWindow は結果を集計する期間。
	RollingWindow time.Duration
	// Buckets はローリングウィンドウの分割数。
	Buckets int
	// MinimumSamples は判定に必要な最小結果数。
	MinimumSamples int
	// ResetTimeout は open から half-open に移るまでの時間。
	ResetTimeout time.Duration
}

// DefaultSettings は既定の設定を返す。
func DefaultSettings() Settings {
	return Settings{
		ErrorThresholdPercentage: defaultErrorThresholdPercentage,
		RollingWindow:            defaultRollingWindow,
		Buckets:                  defaultBuckets,
		MinimumSamples:           defaultMinimumSamples,
		ResetTimeout:             defaultResetTimeout,
	}
}

// WithDefaults は未設定の項目を既定値で埋めた設定を返す。
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.ErrorThresholdPercentage == 0 {
		s.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if s.RollingWindow == 0 {
		s.RollingWindow = d.RollingWindow
	}
	if s.Buckets == 0 {
		s.Buckets = d.Buckets
	}
	if s.MinimumSamples == 0 {
		s.MinimumSamples = d.MinimumSamples
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = d.ResetTimeout
	}
	return s
}

// Validate は設定の整合性を検証する。
func (s Settings) Validate() error {
	var result *multierror.Error
	if s.ErrorThresholdPercentage <= 0 || s.ErrorThresholdPercentage > 100 {
		result = multierror.Append(result, errors.New("error_threshold_percentage は 0 より大きく 100 以下である必要があります"))
	}
	if s.Buckets <= 0 {
		result = multierror.Append(result, errors.New("buckets は正の値である必要があります"))
	}
	if s.Buckets > 0 && s.RollingWindow < time.Duration(s.Buckets)*time.Millisecond {
		result = multierror.Append(result, errors.New("rolling_window は buckets ミリ秒以上である必要があります"))
	}
	if s.MinimumSamples <= 0 {
		result = multierror.Append(result, errors.New("minimum_samples は正の値である必要があります"))
	}
	if s.ResetTimeout <= 0 {
		result = multierror.Append(result, errors.New("reset_timeout は正の値である必要があります"))
	}
	return result.ErrorOrNil()
}
