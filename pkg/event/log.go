package event

import "sync"

// Log は直近のイベントを固定件数だけ保持するリングバッファ。
type Log struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewLog は最大 size 件を保持するLogを生成する。
func NewLog(size int) *Log {
	if size <= 0 {
		size = 1
	}
	return &Log{events: make([]Event, size)}
}

// Append はイベントを追加する。容量を超えた場合は最も古いイベントを上書きする。
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Recent は保持しているイベントを新しい順に返す。
func (l *Log) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}
