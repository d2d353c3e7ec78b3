// Package taskqueue はPostgreSQLを使った可視性タイムアウト方式のタスクキューを提供する。
//
// 取得（Claim）されたタスクは可視性タイムアウトの間だけ他のワーカーから見えなくなる。
// ワーカーが終了を記録せずに停止した場合、タイムアウト後に再取得可能となり、
// 最大試行回数に達したタスクはリーパーが失敗として確定する。
//
// コード（chord）は複数のヘッダータスクと1つのコールバックタスクの組で、
// ヘッダーがすべて終了（成功・失敗を問わない）した時点でコールバックが1回だけ投入される。
package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status はタスクの状態。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal は終了状態かを返す。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrUnknownTask は登録されていないタスク名を表す。
	ErrUnknownTask = errors.New("未登録のタスクです")
	// ErrStaleTask は他のワーカーに再取得されたタスクへの終了記録を表す。
	ErrStaleTask = errors.New("タスクは既に別のワーカーが取得しています")
)

// Signature は投入するタスクの名前・キュー・ペイロードの組。
type Signature struct {
	Name    string
	Queue   string
	Payload json.RawMessage
}

// NewSignature はpayloadをJSONエンコードしてSignatureを生成する。
func NewSignature(name, queue string, payload any) (Signature, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Name: name, Queue: queue, Payload: raw}, nil
}

// Task は取得済みのタスク。
type Task struct {
	ID       string
	Queue    string
	Name     string
	Payload  json.RawMessage
	Attempts int
	ChordID  string // コードに属さない場合は空
}

// Decode はペイロードをvにデコードする。
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("タスクペイロードのデコードに失敗しました (%s): %w", t.Name, err)
	}
	return nil
}

// ClaimOptions はタスク取得の条件。
type ClaimOptions struct {
	Queues      []string
	Limit       int
	Visibility  time.Duration
	MaxAttempts int
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("タスクペイロードのエンコードに失敗しました: %w", err)
	}
	return raw, nil
}
