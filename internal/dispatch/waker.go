package dispatch

import (
	"context"
	"errors"
	"sync"

	"botfleet/internal/queue"
	logx "botfleet/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// broadcast wakes every current waiter at once by closing the channel it
// handed out and replacing it.
type broadcast struct {
	mu  sync.Mutex
	cur chan struct{}
}

func newBroadcast() *broadcast { return &broadcast{cur: make(chan struct{})} }

func (b *broadcast) C() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

func (b *broadcast) signal() {
	b.mu.Lock()
	close(b.cur)
	b.cur = make(chan struct{})
	b.mu.Unlock()
}

// LocalWaker wakes loops of the same process.
type LocalWaker struct{ b *broadcast }

var _ queue.Waker = (*LocalWaker)(nil)

func NewLocalWaker() *LocalWaker { return &LocalWaker{b: newBroadcast()} }

func (w *LocalWaker) Notify(context.Context, string) { w.b.signal() }
func (w *LocalWaker) C() <-chan struct{}             { return w.b.C() }

// RedisWaker spreads enqueue hints across processes over Redis pub/sub.
// A lost message only costs one idle poll interval.
type RedisWaker struct {
	rdb     *redis.Client
	channel string
	log     logx.Logger
	b       *broadcast
}

var _ queue.Waker = (*RedisWaker)(nil)

func NewRedisWaker(rdb *redis.Client, channel string, log logx.Logger) *RedisWaker {
	if channel == "" {
		channel = "botfleet:wake"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisWaker{rdb: rdb, channel: channel, log: log.With(logx.String("comp", "dispatch.waker")), b: newBroadcast()}
}

func (w *RedisWaker) Notify(ctx context.Context, tenantID string) {
	if err := w.rdb.Publish(ctx, w.channel, tenantID).Err(); err != nil {
		w.log.Debug("wake publish failed", logx.Err(err))
	}
}

func (w *RedisWaker) C() <-chan struct{} { return w.b.C() }

// Run relays subscription messages to C until ctx ends.
func (w *RedisWaker) Run(ctx context.Context) error {
	sub := w.rdb.Subscribe(ctx, w.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	w.log.Info("wake subscription ready", logx.String("channel", w.channel))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return errors.New("wake subscription closed")
			}
			w.b.signal()
		}
	}
}
