package periodic

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler("x", 0, func(context.Context) error { return nil }, newTestLogger(&buf))
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", s.interval)
	}
}

func TestScheduler_Start_RunsImmediatelyAndOnTick(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	s := NewScheduler("discovery", 10*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, newTestLogger(&buf))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if got := calls.Load(); got < 2 {
		t.Errorf("実行回数 = %d, want >= 2", got)
	}
	if !strings.Contains(buf.String(), "定期ジョブを停止しました") {
		t.Error("停止ログが記録されていない")
	}
}

func TestScheduler_Start_ContinuesAfterError(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	s := NewScheduler("cleanup", 5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return errors.New("db down")
	}, newTestLogger(&buf))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if calls.Load() < 2 {
		t.Errorf("エラー後も実行を継続すべき: %d回", calls.Load())
	}
	if !strings.Contains(buf.String(), "db down") || !strings.Contains(buf.String(), `"job":"cleanup"`) {
		t.Errorf("エラーログにジョブ名とエラーが含まれていない: %s", buf.String())
	}
}
