package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// pingInterval は通知のない間に接続を確認する間隔。
const pingInterval = 90 * time.Second

// listener はpq.Listenerのうち使用するメソッド。
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Hub は1つのLISTEN接続を複数の購読者で共有するSubscriber実装。
// Runを実行している間、受信した通知を購読者へ配信する。
type Hub struct {
	listener listener
	reg      *registry
	logger   *slog.Logger
}

// NewHub はdatabaseURLに接続するpq.Listenerを使用したHubを生成する。
func NewHub(databaseURL string, logger *slog.Logger) *Hub {
	l := pq.NewListener(databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("listener_event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	return newHub(l, logger)
}

func newHub(l listener, logger *slog.Logger) *Hub {
	return &Hub{
		listener: l,
		reg:      newRegistry(logger, l.Listen, l.Unlisten),
		logger:   logger,
	}
}

// Subscribe はチャネルを購読する。
func (h *Hub) Subscribe(channel string) (*Subscription, error) {
	return h.reg.add(channel)
}

// Run はコンテキストがキャンセルされるまで通知を購読者へ配信する。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	notifications := h.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。その間の通知は失われている
			if n == nil {
				h.logger.Info("listener_reconnected")
				continue
			}
			h.reg.dispatch(n.Channel, n.Extra)
		case <-ticker.C:
			if err := h.listener.Ping(); err != nil {
				h.logger.Warn("listener_ping_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close はLISTEN接続を閉じ、全購読を終了する。
func (h *Hub) Close() error {
	h.reg.closeAll()
	return h.listener.Close()
}

// compile-time interface check
var _ Subscriber = (*Hub)(nil)
