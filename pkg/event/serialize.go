package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(service string, eventType Type, version uint64, createdAt time.Time, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:        uuid.New().String(),
		Service:   service,
		EventType: eventType,
		Data:      jsonData,
		Version:   version,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
