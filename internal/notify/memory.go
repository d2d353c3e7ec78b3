package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Message は発行済みメッセージの記録。
type Message struct {
	Channel string
	Body    string
}

// MemoryBroker はプロセス内で発行と購読を完結させる実装。
// 発行したメッセージを記録するため、テストでの検証にも使用できる。
type MemoryBroker struct {
	reg *registry

	mu        sync.Mutex
	published []Message
}

// NewMemoryBroker はMemoryBrokerを生成する。
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{reg: newRegistry(logger, nil, nil)}
}

// Publish はメッセージを記録し、購読者へ配信する。
func (b *MemoryBroker) Publish(_ context.Context, channel, message string) error {
	b.mu.Lock()
	b.published = append(b.published, Message{Channel: channel, Body: message})
	b.mu.Unlock()
	b.reg.dispatch(channel, message)
	return nil
}

// Subscribe はチャネルを購読する。
func (b *MemoryBroker) Subscribe(channel string) (*Subscription, error) {
	return b.reg.add(channel)
}

// Published は発行済みメッセージを発行順に返す。
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// compile-time interface check
var (
	_ Publisher  = (*MemoryBroker)(nil)
	_ Subscriber = (*MemoryBroker)(nil)
)
