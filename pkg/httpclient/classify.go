package httpclient

import (
	"context"
	"errors"
	"net"
)

// FailureKind は上流呼び出しの失敗の種類。
type FailureKind int

const (
	// FailureUnreachable は上流へ到達できなかったことを表す。
	FailureUnreachable FailureKind = iota
	// FailureTimeout は時間内に応答が無かったことを表す。
	FailureTimeout
	// FailureCanceled は呼び出し元（クライアント）がリクエストを中止したことを表す。
	FailureCanceled
)

// String は種類名を返す。
func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureCanceled:
		return "canceled"
	default:
		return "unreachable"
	}
}

// Classify は上流呼び出しのエラーを分類する。
// parent は呼び出し元のコンテキスト、ctx はタイムアウトを設定した派生コンテキスト。
// 呼び出し元の中止は上流の障害ではないため、タイムアウトより優先して判定する。
func Classify(parent, ctx context.Context, err error) FailureKind {
	if parent.Err() != nil {
		return FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureUnreachable
}
