package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// resubscribeQuiet folds the resubscribe confirmations of every channel
// after one reconnect into a single run of the hooks.
const resubscribeQuiet = time.Second

// RedisBus publishes and subscribes on Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
	hooks  reconnectHooks
	quiet  time.Duration
}

// NewRedisBus returns a bus on a client for addr.
func NewRedisBus(addr string) *RedisBus {
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: "",
			DB:       0,
		}),
		quiet: resubscribeQuiet,
	}
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish sends data on channel subject.
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.client.Publish(ctx, subject, data).Err()
}

// Subscribe registers fn for channel subject. It waits for the server to
// confirm the subscription. The client resubscribes on its own after a
// dropped connection; later confirmations from all channels within the
// quiet window fire the reconnect hooks once.
func (b *RedisBus) Subscribe(ctx context.Context, subject string, fn func([]byte)) (Unsubscriber, error) {
	ps := b.client.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &redisSub{ps: ps}
	go func() {
		for m := range ps.ChannelWithSubscriptions() {
			switch v := m.(type) {
			case *redis.Message:
				fn([]byte(v.Payload))
			case *redis.Subscription:
				if v.Kind == "subscribe" {
					b.hooks.fireAfter(b.quiet)
				}
			}
		}
	}()
	return s, nil
}

// OnReconnect registers fn to run after a subscription is re-established.
func (b *RedisBus) OnReconnect(fn func()) { b.hooks.add(fn) }

// Close closes the underlying client and all of its subscriptions.
func (b *RedisBus) Close() error {
	b.hooks.stop()
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}
