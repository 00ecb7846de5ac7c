// Package event はゲートウェイの運用イベントを表す型を提供する。
//
// サーキットブレーカーの状態遷移などをイベントとして記録し、
// ログ出力やステータスエンドポイントで参照できるようにする。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeBreakerOpened はブレーカーが open に遷移したことを表す。
	TypeBreakerOpened Type = "BreakerOpened"
	// TypeBreakerHalfOpened はブレーカーが half-open に遷移したことを表す。
	TypeBreakerHalfOpened Type = "BreakerHalfOpened"
	// TypeBreakerClosed はブレーカーが closed に遷移したことを表す。
	TypeBreakerClosed Type = "BreakerClosed"
)

// Event はゲートウェイで発生した不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Service は対象の上流サービスID。
	Service string `json:"service"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はサービス内でのイベントの順序番号。ブレーカーの世代番号と一致する。
	Version uint64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// BreakerTransitionData はブレーカー遷移イベントのデータ。
type BreakerTransitionData struct {
	// From は遷移前の状態。
	From string `json:"from"`
	// To は遷移後の状態。
	To string `json:"to"`
	// FailureRate は遷移時点の失敗率（%）。
	FailureRate float64 `json:"failure_rate"`
}
