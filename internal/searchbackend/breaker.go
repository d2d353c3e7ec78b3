package searchbackend

import (
	"sync"
	"time"
)

// BreakerState はサーキットブレーカーの状態。
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 通常動作
	BreakerOpen                         // 呼び出しを即座に拒否
	BreakerHalfOpen                     // 回復確認のため呼び出しを許可
)

// String は状態名を返す。
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker は検索バックエンドへの接続失敗が続いた場合に呼び出しを遮断する。
// 遮断中の呼び出しはネットワークI/OなしでErrUnavailableとなる。
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	lastFailure  time.Time
	now          func() time.Time
}

// BreakerOption はBreakerの設定を変更する。
type BreakerOption func(*Breaker)

// WithBreakerThreshold は開放までの連続失敗回数を設定する。
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.threshold = n }
}

// WithBreakerResetTimeout は開放状態から半開放へ移るまでの時間を設定する。
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithBreakerClock は時刻関数を差し替える（テスト用）。
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = fn }
}

// NewBreaker はBreakerを生成する。
// デフォルトは連続5回失敗で開放、10秒後に半開放、半開放で1回成功すれば閉じる。
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 10 * time.Second,
		halfOpenMax:  1,
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State は現在の状態を返す。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow は呼び出しを許可するかを返す。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state != BreakerOpen
}

// RecordSuccess は呼び出し成功を記録する。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure は呼び出し失敗を記録する。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
	}
}

// maybeTransition は開放状態の期限切れを判定する。muを保持して呼び出すこと。
func (b *Breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
