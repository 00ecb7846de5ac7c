package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testSettings はテスト用のブレーカー設定。
var testSettings = Settings{
	ErrorThresholdPercentage: 50,
	RollingWindow:            10 * time.Second,
	Buckets:                  10,
	MinimumSamples:           4,
	ResetTimeout:             30 * time.Second,
}

// newTestBreaker はテスト用のブレーカーと時計、遷移の記録を返す。
func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *[]Transition) {
	t.Helper()

	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []Transition
	b, err := New("irrigation", testSettings, clock.Now, func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})
	if err != nil {
		t.Fatalf("ブレーカーの生成に失敗: %v", err)
	}
	return b, clock, &transitions
}

// call は1件のリクエストを許可して結果を報告する。
func call(t *testing.T, b *Breaker, o Outcome) {
	t.Helper()

	ticket, err := b.Admit()
	if err != nil {
		t.Fatalf("Admit() が拒否された: %v", err)
	}
	ticket.Done(o)
}

// tripOpen はブレーカーを open にする。
func tripOpen(t *testing.T, b *Breaker) {
	t.Helper()

	for iter := 0; iter < testSettings.MinimumSamples; iter++ {
		call(t, b, Failure)
	}
	if got := b.State(); got != Open {
		t.Fatalf("State() = %v, want open", got)
	}
}

// TestClosedToOpen は失敗率の閾値による open への遷移を検証する。
func TestClosedToOpen(t *testing.T) {
	t.Parallel()

	t.Run("最小サンプル数に達して失敗率が閾値以上になった直後にopenになること", func(t *testing.T) {
		t.Parallel()

		b, _, transitions := newTestBreaker(t)
		call(t, b, Success)
		call(t, b, Failure)
		call(t, b, Success)
		if got := b.State(); got != Closed {
			t.Fatalf("3件目の後の State() = %v, want closed", got)
		}

		call(t, b, Timeout)
		if got := b.State(); got != Open {
			t.Fatalf("4件目の後の State() = %v, want open", got)
		}
		if len(*transitions) != 1 || (*transitions)[0].To != Open || (*transitions)[0].FailureRate != 50 {
			t.Errorf("transitions = %+v", *transitions)
		}
	})

	t.Run("最小サンプル数に達しなければ全件失敗でもclosedのままであること", func(t *testing.T) {
		t.Parallel()

		b, _, _ := newTestBreaker(t)
		for iter := 0; iter < testSettings.MinimumSamples-1; iter++ {
			call(t, b, Failure)
		}
		if got := b.State(); got != Closed {
			t.Errorf("State() = %v, want closed", got)
		}
	})

	t.Run("失敗率が閾値未満ならclosedのままであること", func(t *testing.T) {
		t.Parallel()

		b, _, _ := newTestBreaker(t)
		for _, o := range []Outcome{Success, Success, Failure, Success, Success, Failure, Success} {
			call(t, b, o)
		}
		if got := b.State(); got != Closed {
			t.Errorf("State() = %v, want closed", got)
		}
	})

	t.Run("キャンセルは失敗として数えないこと", func(t *testing.T) {
		t.Parallel()

		b, _, _ := newTestBreaker(t)
		for iter := 0; iter < 10; iter++ {
			call(t, b, Canceled)
		}
		s := b.Snapshot()
		if s.State != Closed || s.Requests != 0 {
			t.Errorf("Snapshot() = %+v, want closed with 0 requests", s)
		}
	})

	t.Run("ウィンドウより古い結果は集計から除外されること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		for iter := 0; iter < 3; iter++ {
			call(t, b, Failure)
		}
		clock.Advance(testSettings.RollingWindow)
		call(t, b, Failure)

		s := b.Snapshot()
		if s.State != Closed {
			t.Errorf("State = %v, want closed", s.State)
		}
		if s.Requests != 1 || s.Failures != 1 {
			t.Errorf("Requests=%d Failures=%d, want 1/1", s.Requests, s.Failures)
		}
	})

	t.Run("ウィンドウ内の別バケットの結果は合算されること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		for iter := 0; iter < 3; iter++ {
			call(t, b, Failure)
			clock.Advance(2 * time.Second)
		}
		call(t, b, Success)
		if got := b.State(); got != Open {
			t.Errorf("State() = %v, want open", got)
		}
	})
}

// TestOpen は open 状態の振る舞いを検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("リセットタイムアウトまではすべて拒否されること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		tripOpen(t, b)

		for iter := 0; iter < 5; iter++ {
			clock.Advance(5 * time.Second)
			if _, err := b.Admit(); !errors.Is(err, ErrOpen) {
				t.Fatalf("Admit() err = %v, want ErrOpen", err)
			}
		}
		clock.Advance(5*time.Second - time.Millisecond)
		if _, err := b.Admit(); !errors.Is(err, ErrOpen) {
			t.Fatalf("タイムアウト直前の Admit() err = %v, want ErrOpen", err)
		}
	})

	t.Run("リセットタイムアウト経過後はhalf-openになり試行が許可されること", func(t *testing.T) {
		t.Parallel()

		b, clock, transitions := newTestBreaker(t)
		tripOpen(t, b)
		clock.Advance(testSettings.ResetTimeout)

		if got := b.State(); got != HalfOpen {
			t.Fatalf("State() = %v, want half-open", got)
		}
		ticket, err := b.Admit()
		if err != nil {
			t.Fatalf("Admit() err = %v", err)
		}
		if !ticket.Trial() {
			t.Error("試行チケットではない")
		}
		if n := len(*transitions); n != 2 || (*transitions)[1].To != HalfOpen {
			t.Errorf("transitions = %+v", *transitions)
		}
	})
}

// TestHalfOpen は half-open 状態の単一試行を検証する。
func TestHalfOpen(t *testing.T) {
	t.Parallel()

	t.Run("並行に到着しても試行は1件だけ許可されること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		tripOpen(t, b)
		clock.Advance(testSettings.ResetTimeout)

		var admitted, rejected atomic.Int64
		var wg sync.WaitGroup
		for iter := 0; iter < 100; iter++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.Admit(); err != nil {
					if errors.Is(err, ErrOpen) {
						rejected.Add(1)
					}
					return
				}
				admitted.Add(1)
			}()
		}
		wg.Wait()

		if admitted.Load() != 1 {
			t.Errorf("許可された件数 = %d, want 1", admitted.Load())
		}
		if rejected.Load() != 99 {
			t.Errorf("拒否された件数 = %d, want 99", rejected.Load())
		}
	})

	t.Run("試行が成功するとclosedになり統計が消去されること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		tripOpen(t, b)
		clock.Advance(testSettings.ResetTimeout)

		ticket, err := b.Admit()
		if err != nil {
			t.Fatalf("Admit() err = %v", err)
		}
		ticket.Done(Success)

		s := b.Snapshot()
		if s.State != Closed {
			t.Fatalf("State = %v, want closed", s.State)
		}
		if s.Requests != 0 || s.Failures != 0 || s.ConsecutiveFailures != 0 {
			t.Errorf("統計が消去されていない: %+v", s)
		}

		// 消去後は改めて最小サンプル数が必要になる
		call(t, b, Failure)
		if got := b.State(); got != Closed {
			t.Errorf("State() = %v, want closed", got)
		}
	})

	t.Run("試行が失敗するとopenに戻りタイマーがリセットされること", func(t *testing.T) {
		t.Parallel()

		for _, o := range []Outcome{Failure, Timeout} {
			b, clock, _ := newTestBreaker(t)
			tripOpen(t, b)
			clock.Advance(testSettings.ResetTimeout)

			ticket, err := b.Admit()
			if err != nil {
				t.Fatalf("Admit() err = %v", err)
			}
			clock.Advance(time.Second)
			ticket.Done(o)

			if got := b.State(); got != Open {
				t.Fatalf("%v: State() = %v, want open", o, got)
			}
			clock.Advance(testSettings.ResetTimeout - time.Millisecond)
			if _, err := b.Admit(); !errors.Is(err, ErrOpen) {
				t.Errorf("%v: 新しいタイマーの途中で Admit() err = %v, want ErrOpen", o, err)
			}
			clock.Advance(time.Millisecond)
			if _, err := b.Admit(); err != nil {
				t.Errorf("%v: 新しいタイマー経過後の Admit() err = %v", o, err)
			}
		}
	})

	t.Run("Snapshotはhalf-openを報告するが遷移もリスナー呼び出しも行わないこと", func(t *testing.T) {
		t.Parallel()

		b, clock, transitions := newTestBreaker(t)
		tripOpen(t, b)
		opened := b.Snapshot().LastTransition
		clock.Advance(testSettings.ResetTimeout)

		for iter := 0; iter < 3; iter++ {
			if s := b.Snapshot(); s.State != HalfOpen || !s.LastTransition.Equal(opened) {
				t.Fatalf("Snapshot() = %+v, want half-open (last transition %v)", s, opened)
			}
		}
		if n := len(*transitions); n != 1 {
			t.Errorf("Snapshot で遷移が通知された: transitions = %+v", *transitions)
		}

		if _, err := b.Admit(); err != nil {
			t.Fatalf("Admit() err = %v", err)
		}
		if n := len(*transitions); n != 2 || (*transitions)[1].To != HalfOpen {
			t.Errorf("transitions = %+v", *transitions)
		}
	})

	t.Run("試行がキャンセルされるとhalf-openのまま次の試行を許可すること", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		tripOpen(t, b)
		clock.Advance(testSettings.ResetTimeout)

		ticket, _ := b.Admit()
		ticket.Done(Canceled)

		if got := b.State(); got != HalfOpen {
			t.Fatalf("State() = %v, want half-open", got)
		}
		next, err := b.Admit()
		if err != nil || !next.Trial() {
			t.Errorf("次の試行が許可されない: err=%v", err)
		}
	})
}

// TestTicket はチケットの報告規則を検証する。
func TestTicket(t *testing.T) {
	t.Parallel()

	t.Run("Doneを複数回呼んでも1回だけ記録されること", func(t *testing.T) {
		t.Parallel()

		b, _, _ := newTestBreaker(t)
		ticket, _ := b.Admit()
		for iter := 0; iter < 5; iter++ {
			ticket.Done(Failure)
		}
		if s := b.Snapshot(); s.Requests != 1 {
			t.Errorf("Requests = %d, want 1", s.Requests)
		}
	})

	t.Run("遷移前に許可されたリクエストの結果は遷移に影響しないこと", func(t *testing.T) {
		t.Parallel()

		b, clock, _ := newTestBreaker(t)
		stale, _ := b.Admit()
		tripOpen(t, b)
		clock.Advance(testSettings.ResetTimeout)

		trial, err := b.Admit()
		if err != nil {
			t.Fatalf("Admit() err = %v", err)
		}
		stale.Done(Success)
		if got := b.State(); got != HalfOpen {
			t.Fatalf("古いチケットで遷移した: State() = %v", got)
		}
		trial.Done(Success)
		if got := b.State(); got != Closed {
			t.Errorf("State() = %v, want closed", got)
		}
	})
}

// TestSettings は設定の検証と既定値を検証する。
func TestSettings(t *testing.T) {
	t.Parallel()

	if err := DefaultSettings().Validate(); err != nil {
		t.Errorf("既定値が不正: %v", err)
	}

	got := Settings{ResetTimeout: time.Minute}.WithDefaults()
	if got.ResetTimeout != time.Minute || got.Buckets != defaultBuckets {
		t.Errorf("WithDefaults() = %+v", got)
	}

	bad := []Settings{
		{ErrorThresholdPercentage: 0, RollingWindow: time.Second, Buckets: 1, MinimumSamples: 1, ResetTimeout: time.Second},
		{ErrorThresholdPercentage: 150, RollingWindow: time.Second, Buckets: 1, MinimumSamples: 1, ResetTimeout: time.Second},
		{ErrorThresholdPercentage: 50, RollingWindow: time.Millisecond, Buckets: 10, MinimumSamples: 1, ResetTimeout: time.Second},
		{ErrorThresholdPercentage: 50, RollingWindow: time.Second, Buckets: 1, MinimumSamples: 0, ResetTimeout: time.Second},
		{ErrorThresholdPercentage: 50, RollingWindow: time.Second, Buckets: 1, MinimumSamples: 1},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("bad[%d] が受け付けられた", i)
		}
	}
}

// TestRegistry はレジストリの構築と参照を検証する。
func TestRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(map[string]Settings{
		"scheduling": testSettings,
		"ai":         testSettings,
	}, WithClock(newFakeClock().Now))
	if err != nil {
		t.Fatalf("NewRegistry() err = %v", err)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("未登録のサービスのブレーカーが返された")
	}
	b, ok := r.Get("ai")
	if !ok || b.Service() != "ai" {
		t.Fatalf("Get(ai) = %v, %v", b, ok)
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Service != "ai" || snaps[1].Service != "scheduling" {
		t.Errorf("Snapshots() = %+v", snaps)
	}

	if _, err := NewRegistry(map[string]Settings{"bad": {}}); err == nil {
		t.Error("不正な設定が受け付けられた")
	}
}
