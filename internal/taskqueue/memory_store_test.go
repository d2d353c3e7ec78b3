package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testQueue = "q"

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func claimOpts(limit int) ClaimOptions {
	return ClaimOptions{Queues: []string{testQueue}, Limit: limit, Visibility: time.Minute, MaxAttempts: 3}
}

func sig(name string) Signature {
	return Signature{Name: name, Queue: testQueue, Payload: []byte(`{}`)}
}

func TestMemoryStore_ClaimHidesTask(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, sig("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tasks, _ := s.Claim(ctx, claimOpts(10))
	if len(tasks) != 1 || tasks[0].Attempts != 1 {
		t.Fatalf("1回目のClaim = %+v", tasks)
	}
	again, _ := s.Claim(ctx, claimOpts(10))
	if len(again) != 0 {
		t.Errorf("可視性タイムアウト中は取得できないべき: %+v", again)
	}
}

func TestMemoryStore_ClaimFiltersQueue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Enqueue(ctx, Signature{Name: "a", Queue: "other"})

	tasks, _ := s.Claim(ctx, claimOpts(10))
	if len(tasks) != 0 {
		t.Errorf("他キューのタスクを取得した: %+v", tasks)
	}
}

func TestMemoryStore_ClaimRespectsLimitAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		s.Enqueue(ctx, sig(name))
	}

	tasks, _ := s.Claim(ctx, claimOpts(2))
	if len(tasks) != 2 || tasks[0].Name != "a" || tasks[1].Name != "b" {
		t.Fatalf("Claim = %+v", tasks)
	}
}

func TestMemoryStore_ExpiredTaskIsReclaimedThenReaped(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	header := []Signature{sig("chunk")}
	if _, err := s.EnqueueChord(ctx, header, sig("done")); err != nil {
		t.Fatalf("EnqueueChord: %v", err)
	}

	// ワーカーが3回とも終了を記録せずに停止する
	var last *Task
	for attempt := 1; attempt <= 3; attempt++ {
		tasks, _ := s.Claim(ctx, claimOpts(10))
		if len(tasks) != 1 || tasks[0].Attempts != attempt {
			t.Fatalf("試行%d: Claim = %+v", attempt, tasks)
		}
		last = tasks[0]
		clock.Advance(2 * time.Minute)
	}

	// 最大試行回数に達したタスクは再取得されない
	if tasks, _ := s.Claim(ctx, claimOpts(10)); len(tasks) != 0 {
		t.Fatalf("最大試行回数後に再取得された: %+v", tasks)
	}

	n, err := s.ReapExpired(ctx, 3)
	if err != nil || n != 1 {
		t.Fatalf("ReapExpired = %d, %v", n, err)
	}
	recs := s.TasksByName("chunk")
	if recs[0].Status != StatusFailed || recs[0].LastError == "" {
		t.Errorf("確定後の状態 = %+v", recs[0])
	}

	// コードの枠が解放され、コールバックが投入される
	if cb := s.TasksByName("done"); len(cb) != 1 || cb[0].Status != StatusPending {
		t.Errorf("コールバック = %+v", cb)
	}

	// 古い取得による終了記録は拒否される
	if err := s.Finish(ctx, last, StatusSucceeded, ""); !errors.Is(err, ErrStaleTask) {
		t.Errorf("確定済みタスクへのFinish = %v, want ErrStaleTask", err)
	}
}

func TestMemoryStore_FinishIsFencedOnAttempts(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()
	s.Enqueue(ctx, sig("a"))

	first, _ := s.Claim(ctx, claimOpts(1))
	clock.Advance(2 * time.Minute)
	second, _ := s.Claim(ctx, claimOpts(1))
	if len(second) != 1 {
		t.Fatal("期限切れタスクが再取得されない")
	}

	if err := s.Finish(ctx, first[0], StatusSucceeded, ""); !errors.Is(err, ErrStaleTask) {
		t.Errorf("古い取得のFinish = %v, want ErrStaleTask", err)
	}
	if err := s.Finish(ctx, second[0], StatusSucceeded, ""); err != nil {
		t.Errorf("最新の取得のFinish = %v", err)
	}
}

func TestMemoryStore_FinishRejectsNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Finish(context.Background(), &Task{}, StatusRunning, ""); err == nil {
		t.Error("終了状態以外はエラーになるべき")
	}
}

func TestMemoryStore_ChordCallbackAfterAllHeaders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	header := []Signature{sig("chunk"), sig("chunk"), sig("chunk")}
	s.EnqueueChord(ctx, header, sig("done"))

	tasks, _ := s.Claim(ctx, claimOpts(10))
	if len(tasks) != 3 {
		t.Fatalf("ヘッダー取得件数 = %d", len(tasks))
	}

	// 失敗したヘッダーも枠を解放する
	s.Finish(ctx, tasks[0], StatusSucceeded, "")
	s.Finish(ctx, tasks[1], StatusFailed, "boom")
	if cb := s.TasksByName("done"); len(cb) != 0 {
		t.Fatalf("全ヘッダー終了前にコールバックが投入された: %+v", cb)
	}
	s.Finish(ctx, tasks[2], StatusSucceeded, "")
	if cb := s.TasksByName("done"); len(cb) != 1 {
		t.Fatalf("コールバック件数 = %d, want 1", len(cb))
	}
}

func TestMemoryStore_EnqueueChordRejectsEmptyHeader(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.EnqueueChord(context.Background(), nil, sig("done")); err == nil {
		t.Error("空ヘッダーはエラーになるべき")
	}
}

func TestMemoryStore_ChordFiresOnceUnderConcurrentFinish(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const n = 50
	header := make([]Signature, n)
	for i := range header {
		header[i] = sig("chunk")
	}
	s.EnqueueChord(ctx, header, sig("done"))

	tasks, _ := s.Claim(ctx, claimOpts(n))
	if len(tasks) != n {
		t.Fatalf("取得件数 = %d", len(tasks))
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Finish(ctx, task, StatusSucceeded, "")
		}()
	}
	wg.Wait()

	if cb := s.TasksByName("done"); len(cb) != 1 {
		t.Errorf("コールバック件数 = %d, want 1", len(cb))
	}
}
