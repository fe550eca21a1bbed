package changefeed

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes and subscribes on NATS core subjects.
type NATSBus struct {
	conn  *nats.Conn
	hooks reconnectHooks
}

// DialNATS connects to url and returns a bus that reconnects forever.
// Reconnect hooks run from the NATS client goroutine.
func DialNATS(url, name string) (*NATSBus, error) {
	b := &NATSBus{}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(*nats.Conn) { b.hooks.fire() }),
	)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// Publish sends data on subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers fn for subject. The subscription is confirmed with
// the server before returning so a failed subscribe is reported here.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, fn func([]byte)) (Unsubscriber, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) { fn(m.Data) })
	if err != nil {
		return nil, err
	}
	if err := b.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (b *NATSBus) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return b.conn.FlushWithContext(ctx)
	}
	return b.conn.FlushTimeout(5 * time.Second)
}

// OnReconnect registers fn to run after the client reconnects.
func (b *NATSBus) OnReconnect(fn func()) { b.hooks.add(fn) }

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
