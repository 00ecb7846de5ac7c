// Package ratelimit はルート・クライアント単位の固定ウィンドウ型レート制限を提供する。
//
// カウンターは (ルートID, クライアントキー) ごとに独立しており、
// キーごとのロックで更新されるため、無関係なキー同士が直列化されることはない。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/nao1215/agrigate/internal/route"
)

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストが許可されたかどうか。
	Allowed bool
	// Limit はウィンドウ内の最大リクエスト数。
	Limit int
	// Remaining はウィンドウ内の残りリクエスト数。
	Remaining int
	// ResetAt は現在のウィンドウが終了する時刻。
	ResetAt time.Time
}

// RetryAfter は次のウィンドウまでの待ち時間を秒単位で返す（最小1秒）。
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// counter は1つのキーに対する固定ウィンドウのカウンター。
type counter struct {
	mu          sync.Mutex
	windowStart time.Time
	window      time.Duration
	count       int
	// deleted は Sweep によってマップから取り除かれたことを表す。
	deleted bool
}

// Limiter は固定ウィンドウ型のレート制限器。
type Limiter struct {
	// counters は "ルートID|クライアントキー" → *counter。
	counters sync.Map
}

// New は新しいLimiterを生成する。
func New() *Limiter {
	return &Limiter{}
}

// Admit はリクエストを1件カウントし、許可するかどうかを判定する。
//
// カウンターが存在しないか、現在のウィンドウが経過している場合は新しいウィンドウを
// count=1 で開始して許可する。それ以外はカウントを加算し、最大数を超える場合は拒否する。
// 拒否した場合のカウントは制限値のまま据え置かれる。
func (l *Limiter) Admit(routeID, clientKey string, limit route.RateLimit, now time.Time) Decision {
	key := routeID + "|" + clientKey

	var c *counter
	for {
		v, ok := l.counters.Load(key)
		if !ok {
			v, _ = l.counters.LoadOrStore(key, &counter{})
		}
		c = v.(*counter)
		c.mu.Lock()
		if !c.deleted {
			break
		}
		// Sweep と競合した古いカウンター。マップから取り直す。
		c.mu.Unlock()
	}
	defer c.mu.Unlock()

	if c.count == 0 || now.Sub(c.windowStart) >= limit.Window {
		c.windowStart = now
		c.window = limit.Window
		c.count = 1
		return Decision{
			Allowed:   true,
			Limit:     limit.Max,
			Remaining: max(limit.Max-1, 0),
			ResetAt:   now.Add(limit.Window),
		}
	}

	resetAt := c.windowStart.Add(limit.Window)
	if c.count+1 > limit.Max {
		return Decision{
			Allowed:   false,
			Limit:     limit.Max,
			Remaining: 0,
			ResetAt:   resetAt,
		}
	}

	c.count++
	return Decision{
		Allowed:   true,
		Limit:     limit.Max,
		Remaining: limit.Max - c.count,
		ResetAt:   resetAt,
	}
}

// Sweep はウィンドウが経過したカウンターを削除し、削除した件数を返す。
// 削除されたキーは次のリクエストで新しいウィンドウとして再生成される。
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.counters.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mu.Lock()
		expired := now.Sub(c.windowStart) >= c.window
		if expired {
			c.deleted = true
			l.counters.Delete(key)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Len は保持しているカウンターの数を返す。
func (l *Limiter) Len() int {
	n := 0
	l.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run はコンテキストが終了するまで interval ごとに Sweep を実行する。
// バックグラウンドgoroutineとして呼び出されることを想定している。
func (l *Limiter) Run(ctx context.Context, interval time.Duration, clock func() time.Time) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep(clock())
		}
	}
}
