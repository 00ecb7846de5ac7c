// Package breaker は上流サービスごとのサーキットブレーカーを提供する。
//
// ブレーカーは closed / open / half-open の3状態を持つ明示的な状態機械であり、
// 固定長のバケットに分割したローリングウィンドウで結果を集計する。
// half-open では試行リクエストを1件だけ通し、その結果で closed か open に遷移する。
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen はブレーカーが開いているため、上流に接続せずに拒否したことを表す。
// half-open で試行リクエストが実行中の場合も同じエラーを返す。
var ErrOpen = errors.New("サーキットブレーカーが開いています")

// State はブレーカーの状態。
type State int

const (
	// Closed はすべてのリクエストを上流へ通す初期状態。
	Closed State = iota
	// Open は上流へ接続せずにすべてのリクエストを拒否する状態。
	Open
	// HalfOpen は試行リクエストを1件だけ通す状態。
	HalfOpen
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText はJSONなどで状態名を出力するために使う。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome は上流呼び出しの結果。
type Outcome int

const (
	// Success は上流から応答を受け取ったことを表す。ステータスコードは問わない。
	Success Outcome = iota
	// Failure は上流へ到達できなかったことを表す。
	Failure
	// Timeout は時間内に応答が無かったことを表す。
	Timeout
	// Canceled はクライアントの切断で呼び出しを中止したことを表す。上流の障害ではない。
	Canceled
)

// String は結果名を返す。
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Transition は状態遷移の記録。
type Transition struct {
	// Service は遷移したブレーカーのサービスID。
	Service string
	// From は遷移前の状態。
	From State
	// To は遷移後の状態。
	To State
	// At は遷移した時刻。
	At time.Time
	// FailureRate は遷移時点のローリングウィンドウの失敗率（%）。
	FailureRate float64
	// Generation は遷移後の世代番号。ブレーカーごとに単調増加する。
	Generation uint64
}

// Listener は状態遷移の通知を受け取る。ブレーカーのロックの外で呼び出される。
type Listener func(Transition)

// bucket はローリングウィンドウの1区間。
type bucket struct {
	// epoch はバケットが表す区間の番号。現在時刻から計算した番号と異なれば期限切れ。
	epoch     int64
	successes int
	failures  int
}

// Breaker は1つの上流サービスに対するサーキットブレーカー。
type Breaker struct {
	service  string
	settings Settings
	clock    func() time.Time
	listener Listener

	mu sync.Mutex
	// state は現在の状態。
	state State
	// generation は遷移のたびに加算される。古い世代のチケットは遷移に影響しない。
	generation uint64
	// buckets はローリングウィンドウのリングバッファ。
	buckets []bucket
	// width は1バケットの時間幅。
	width time.Duration
	// consecutiveFailures は closed での連続失敗数。
	consecutiveFailures int
	// lastTransition は最後に遷移した時刻。open ではリセットタイマーの起点になる。
	lastTransition time.Time
	// trialInFlight は half-open の試行リクエストが実行中かどうか。
	trialInFlight bool
}

// New は closed 状態のブレーカーを生成する。
func New(service string, settings Settings, clock func() time.Time, listener Listener) (*Breaker, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("サービス %q のブレーカー設定が不正: %w", service, err)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		service:        service,
		settings:       settings,
		clock:          clock,
		listener:       listener,
		buckets:        make([]bucket, settings.Buckets),
		width:          settings.RollingWindow / time.Duration(settings.Buckets),
		lastTransition: clock(),
	}, nil
}

// Service はブレーカーのサービスIDを返す。
func (b *Breaker) Service() string {
	return b.service
}

// Ticket は Admit で許可された1件のリクエストを表す。
// 結果は Done で必ず1回だけ報告する。
type Ticket struct {
	breaker    *Breaker
	generation uint64
	trial      bool
	done       atomic.Bool
}

// Trial はこのチケットが half-open の試行リクエストかどうかを返す。
func (t *Ticket) Trial() bool {
	return t.trial
}

// Done は結果をブレーカーに報告する。2回目以降の呼び出しは無視される。
func (t *Ticket) Done(o Outcome) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.breaker.record(t, o)
}

// Admit はリクエストを上流へ通してよいかを判定する。
// open、または half-open で試行中の場合は ErrOpen を返し、上流には接続しない。
func (b *Breaker) Admit() (*Ticket, error) {
	b.mu.Lock()
	tr := b.advance(b.clock())

	var (
		ticket *Ticket
		err    error
	)
	switch b.state {
	case Closed:
		ticket = &Ticket{breaker: b, generation: b.generation}
	case HalfOpen:
		if b.trialInFlight {
			err = ErrOpen
			break
		}
		b.trialInFlight = true
		ticket = &Ticket{breaker: b, generation: b.generation, trial: true}
	default:
		err = ErrOpen
	}
	b.mu.Unlock()

	b.notify(tr)
	return ticket, err
}

// record はチケットの結果を反映する。
func (b *Breaker) record(t *Ticket, o Outcome) {
	b.mu.Lock()
	now := b.clock()
	var tr *Transition

	switch {
	case t.generation != b.generation:
		// 遷移前に許可されたリクエストの結果。現在の状態には反映しない。
	case t.trial:
		switch o {
		case Success:
			tr = b.transition(Closed, now)
		case Failure, Timeout:
			tr = b.transition(Open, now)
		case Canceled:
			// 上流の障害ではないので判定せず、次のリクエストに試行を譲る。
			b.trialInFlight = false
		}
	case b.state == Closed && o != Canceled:
		cur := b.current(now)
		if o == Success {
			cur.successes++
			b.consecutiveFailures = 0
		} else {
			cur.failures++
			b.consecutiveFailures++
		}
		if total, failures := b.totals(now); total >= b.settings.MinimumSamples &&
			rate(total, failures) >= b.settings.ErrorThresholdPercentage {
			tr = b.transition(Open, now)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// advance は open でリセットタイムアウトが経過していれば half-open に遷移する。
func (b *Breaker) advance(now time.Time) *Transition {
	if b.halfOpenDue(now) {
		return b.transition(HalfOpen, now)
	}
	return nil
}

// halfOpenDue は open でリセットタイムアウトが経過しているかどうかを返す。
func (b *Breaker) halfOpenDue(now time.Time) bool {
	return b.state == Open && now.Sub(b.lastTransition) >= b.settings.ResetTimeout
}

// transition は状態を変更し、遷移記録を返す。ロックを保持した状態で呼び出す。
func (b *Breaker) transition(to State, now time.Time) *Transition {
	total, failures := b.totals(now)
	tr := &Transition{
		Service:     b.service,
		From:        b.state,
		To:          to,
		At:          now,
		FailureRate: rate(total, failures),
	}

	b.state = to
	b.generation++
	tr.Generation = b.generation
	b.lastTransition = now
	b.trialInFlight = false
	if to == Closed {
		b.reset()
	}
	return tr
}

// reset はローリングウィンドウの統計をすべて消去する。
func (b *Breaker) reset() {
	clear(b.buckets)
	b.consecutiveFailures = 0
}

// epoch は時刻が属するバケット区間の番号を返す。
func (b *Breaker) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(b.width)
}

// current は現在時刻のバケットを返す。期限切れのバケットは再利用前に初期化する。
func (b *Breaker) current(now time.Time) *bucket {
	e := b.epoch(now)
	idx := int(e % int64(len(b.buckets)))
	if idx < 0 {
		idx += len(b.buckets)
	}
	bk := &b.buckets[idx]
	if bk.epoch != e {
		*bk = bucket{epoch: e}
	}
	return bk
}

// totals はローリングウィンドウ内の総数と失敗数を返す。
// ウィンドウより古いバケットは集計から除外される。
func (b *Breaker) totals(now time.Time) (total, failures int) {
	e := b.epoch(now)
	oldest := e - int64(len(b.buckets)) + 1
	for _, bk := range b.buckets {
		if bk.epoch < oldest || bk.epoch > e {
			continue
		}
		total += bk.successes + bk.failures
		failures += bk.failures
	}
	return total, failures
}

// notify はロックの外で遷移をリスナーへ通知する。
func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.listener != nil {
		b.listener(*tr)
	}
}

// rate は失敗率を百分率で返す。
func rate(total, failures int) float64 {
	if total == 0 {
		return 0
	}
	return float64(failures) * 100 / float64(total)
}

// Snapshot はブレーカーの現在の状態を表す読み取り専用の値。
type Snapshot struct {
	// Service はサービスID。
	Service string `json:"service"`
	// State は現在の状態。
	State State `json:"state"`
	// FailureRate はローリングウィンドウの失敗率（%）。
	FailureRate float64 `json:"failure_rate"`
	// Requests はローリングウィンドウ内の結果数。
	Requests int `json:"requests"`
	// Failures はローリングウィンドウ内の失敗数。
	Failures int `json:"failures"`
	// ConsecutiveFailures は closed での連続失敗数。
	ConsecutiveFailures int `json:"consecutive_failures"`
	// TrialInFlight は half-open の試行リクエストが実行中かどうか。
	TrialInFlight bool `json:"trial_in_flight"`
	// LastTransition は最後に遷移した時刻。
	LastTransition time.Time `json:"last_transition"`
}

// Snapshot は現在の状態を返す。状態は変更せず、リスナーも呼び出さない。
// open でリセットタイムアウトが経過している場合は、次の Admit で遷移する half-open を報告する。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	state := b.state
	if b.halfOpenDue(now) {
		state = HalfOpen
	}
	total, failures := b.totals(now)
	return Snapshot{
		Service:             b.service,
		State:               state,
		FailureRate:         rate(total, failures),
		Requests:            total,
		Failures:            failures,
		ConsecutiveFailures: b.consecutiveFailures,
		TrialInFlight:       b.trialInFlight,
		LastTransition:      b.lastTransition,
	}
}

// State は現在の状態を返す。
func (b *Breaker) State() State {
	return b.Snapshot().State
}
