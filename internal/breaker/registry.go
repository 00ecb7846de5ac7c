package breaker

import (
	"fmt"
	"sort"
	"time"
)

// Registry はサービスIDごとのブレーカーを保持する。
// 起動時に一度だけ構築され、マップ自体は読み取り専用。状態の更新は各ブレーカーのロックで行う。
type Registry struct {
	breakers map[string]*Breaker
}

// Option は Registry の構築オプション。
type Option func(*registryOptions)

type registryOptions struct {
	clock    func() time.Time
	listener Listener
}

// WithClock は時刻の取得関数を差し替える。テストで使用する。
func WithClock(clock func() time.Time) Option {
	return func(o *registryOptions) { o.clock = clock }
}

// WithListener は状態遷移の通知先を設定する。
func WithListener(l Listener) Option {
	return func(o *registryOptions) { o.listener = l }
}

// NewRegistry はサービスIDと設定の組からブレーカーを生成する。
func NewRegistry(services map[string]Settings, opts ...Option) (*Registry, error) {
	o := registryOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{breakers: make(map[string]*Breaker, len(services))}
	for id, s := range services {
		b, err := New(id, s, o.clock, o.listener)
		if err != nil {
			return nil, fmt.Errorf("ブレーカーの生成に失敗: %w", err)
		}
		r.breakers[id] = b
	}
	return r, nil
}

// Get はサービスのブレーカーを返す。
func (r *Registry) Get(service string) (*Breaker, bool) {
	b, ok := r.breakers[service]
	return b, ok
}

// Snapshots はすべてのブレーカーの状態をサービスID順に返す。
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
