package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskRecord はMemoryStore上のタスクのスナップショット。
type TaskRecord struct {
	Task
	Status    Status
	LastError string
	VisibleAt time.Time
}

type memChord struct {
	remaining int
	callback  Signature
}

// MemoryStore はプロセス内で完結するStore実装。テストと単一プロセス構成で使用する。
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*TaskRecord
	order  []string
	chords map[string]*memChord
	now    func() time.Time
}

// MemoryOption はMemoryStoreの設定を変更する。
type MemoryOption func(*MemoryStore)

// WithClock は時刻関数を差し替える。
func WithClock(fn func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = fn }
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		tasks:  make(map[string]*TaskRecord),
		chords: make(map[string]*memChord),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue はタスクを1件投入する。
func (s *MemoryStore) Enqueue(_ context.Context, sig Signature) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(sig, ""), nil
}

// EnqueueChord はコードとヘッダータスクを投入する。
func (s *MemoryStore) EnqueueChord(_ context.Context, header []Signature, callback Signature) (string, error) {
	if len(header) == 0 {
		return "", errors.New("コードのヘッダーが空です")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chordID := uuid.NewString()
	s.chords[chordID] = &memChord{remaining: len(header), callback: callback}
	for _, sig := range header {
		s.insertLocked(sig, chordID)
	}
	return chordID, nil
}

// Claim は実行可能なタスクを投入順に取得する。
func (s *MemoryStore) Claim(_ context.Context, opts ClaimOptions) ([]*Task, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var claimed []*Task
	for _, id := range s.order {
		if len(claimed) >= opts.Limit {
			break
		}
		rec := s.tasks[id]
		if !slices.Contains(opts.Queues, rec.Queue) || rec.VisibleAt.After(now) {
			continue
		}
		switch rec.Status {
		case StatusPending:
		case StatusRunning:
			if opts.MaxAttempts > 0 && rec.Attempts >= opts.MaxAttempts {
				continue
			}
		default:
			continue
		}
		rec.Status = StatusRunning
		rec.Attempts++
		rec.VisibleAt = now.Add(opts.Visibility)
		t := rec.Task
		claimed = append(claimed, &t)
	}
	return claimed, nil
}

// Finish はタスクを終了状態にし、コードの残数を減らす。
func (s *MemoryStore) Finish(_ context.Context, task *Task, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("終了状態ではありません: %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(task, status, errMsg)
}

// ReapExpired は最大試行回数に達したまま可視性タイムアウトを過ぎたタスクを失敗として確定する。
func (s *MemoryStore) ReapExpired(_ context.Context, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	for _, id := range s.order {
		rec := s.tasks[id]
		if rec.Status != StatusRunning || rec.VisibleAt.After(now) || rec.Attempts < maxAttempts {
			continue
		}
		t := rec.Task
		if err := s.finishLocked(&t, StatusFailed, reapMessage); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// Tasks は投入順のタスクのスナップショットを返す。
func (s *MemoryStore) Tasks() []TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// TasksByName は指定名のタスクのスナップショットを投入順に返す。
func (s *MemoryStore) TasksByName(name string) []TaskRecord {
	var out []TaskRecord
	for _, rec := range s.Tasks() {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

func (s *MemoryStore) insertLocked(sig Signature, chordID string) string {
	id := uuid.NewString()
	payload := sig.Payload
	if len(payload) == 0 {
		payload = emptyPayload()
	}
	s.tasks[id] = &TaskRecord{
		Task: Task{
			ID:      id,
			Queue:   sig.Queue,
			Name:    sig.Name,
			Payload: payload,
			ChordID: chordID,
		},
		Status:    StatusPending,
		VisibleAt: s.now(),
	}
	s.order = append(s.order, id)
	return id
}

func (s *MemoryStore) finishLocked(task *Task, status Status, errMsg string) error {
	rec, ok := s.tasks[task.ID]
	if !ok || rec.Status != StatusRunning || rec.Attempts != task.Attempts {
		return ErrStaleTask
	}
	rec.Status = status
	rec.LastError = errMsg

	if rec.ChordID == "" {
		return nil
	}
	c, ok := s.chords[rec.ChordID]
	if !ok || c.remaining == 0 {
		return nil
	}
	c.remaining--
	if c.remaining == 0 {
		s.insertLocked(c.callback, "")
	}
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
