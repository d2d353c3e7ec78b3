// Package notify はユーザーごとのチャネルへの通知の発行と購読を提供する。
//
// 発行側はPostgreSQLのpg_notifyを使用し、購読側はプロセスごとに1つの
// LISTEN接続（Hub）を共有する。テストと単一プロセス構成ではMemoryBrokerを使用する。
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// subscriptionBuffer は購読ごとの未読メッセージの上限。超過分は破棄する。
const subscriptionBuffer = 32

// ChannelKey はユーザーの検索インデックス進捗チャネル名を返す。
func ChannelKey(userID string) string {
	return "user_search:" + userID
}

// Publisher はチャネルへメッセージを発行する。
type Publisher interface {
	Publish(ctx context.Context, channel, message string) error
}

// Subscriber はチャネルを購読する。
type Subscriber interface {
	Subscribe(channel string) (*Subscription, error)
}

// PostgresPublisher はpg_notifyでメッセージを発行するPublisher実装。
type PostgresPublisher struct {
	db *sql.DB
}

// NewPostgresPublisher はPostgresPublisherを生成する。
func NewPostgresPublisher(db *sql.DB) *PostgresPublisher {
	return &PostgresPublisher{db: db}
}

// Publish はpg_notifyでメッセージを発行する。購読者がいない場合は破棄される。
func (p *PostgresPublisher) Publish(ctx context.Context, channel, message string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, message); err != nil {
		return fmt.Errorf("通知の発行に失敗しました: %w", err)
	}
	return nil
}

// Subscription は1チャネルの購読。Cからメッセージを受信する。
type Subscription struct {
	C       <-chan string
	ch      chan string
	channel string
	reg     *registry
	once    sync.Once
}

// Channel は購読中のチャネル名を返す。
func (s *Subscription) Channel() string {
	return s.channel
}

// Close は購読を解除する。複数回呼び出してもよい。
func (s *Subscription) Close() {
	s.once.Do(func() { s.reg.remove(s) })
}

// registry はチャネルごとの購読者を管理し、メッセージを配信する。
// チャネルの最初の購読者の追加時にlisten、最後の購読者の解除時にunlistenを呼ぶ。
type registry struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	listen   func(channel string) error
	unlisten func(channel string) error
	logger   *slog.Logger
}

func newRegistry(logger *slog.Logger, listen, unlisten func(string) error) *registry {
	return &registry{
		subs:     make(map[string]map[*Subscription]struct{}),
		listen:   listen,
		unlisten: unlisten,
		logger:   logger,
	}
}

func (r *registry) add(channel string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[channel]
	if !ok {
		if r.listen != nil {
			if err := r.listen(channel); err != nil {
				return nil, fmt.Errorf("チャネルの購読に失敗しました (%s): %w", channel, err)
			}
		}
		set = make(map[*Subscription]struct{})
		r.subs[channel] = set
	}

	ch := make(chan string, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, channel: channel, reg: r}
	set[sub] = struct{}{}
	return sub, nil
}

func (r *registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[sub.channel]
	if !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) > 0 {
		return
	}
	delete(r.subs, sub.channel)
	if r.unlisten != nil {
		if err := r.unlisten(sub.channel); err != nil {
			r.logger.Warn("チャネルの購読解除に失敗しました",
				slog.String("channel", sub.channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dispatch はチャネルの全購読者へメッセージを配信する。
// 受信が追いつかない購読者へのメッセージは破棄する。
func (r *registry) dispatch(channel, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subs[channel] {
		select {
		case sub.ch <- message:
		default:
			r.logger.Warn("notification_dropped",
				slog.String("channel", channel),
			)
		}
	}
}

// closeAll は全購読を閉じる。
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, set := range r.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(r.subs, channel)
	}
}

// compile-time interface check
var _ Publisher = (*PostgresPublisher)(nil)
