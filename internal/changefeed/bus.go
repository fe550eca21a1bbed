package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("changefeed: bus closed")

// Unsubscriber releases one subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Bus is a minimal publish/subscribe transport. Handlers may be invoked
// from any goroutine and must not block for long.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, fn func([]byte)) (Unsubscriber, error)
	// OnReconnect registers fn to run after the transport re-established
	// its connection. Notifications published while disconnected are lost.
	OnReconnect(fn func())
	Close() error
}

// reconnectHooks is shared bookkeeping for Bus.OnReconnect.
type reconnectHooks struct {
	mu    sync.Mutex
	fns   []func()
	timer *time.Timer
	gen   uint64
}

func (h *reconnectHooks) add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *reconnectHooks) fire() {
	h.mu.Lock()
	fns := append([]func(){}, h.fns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fireAfter runs the hooks once quiet has passed without another call, so
// a burst of signals for one reconnect fires them a single time.
func (h *reconnectHooks) fireAfter(quiet time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil && h.timer.Stop() {
		h.timer.Reset(quiet)
		return
	}
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(quiet, func() {
		h.mu.Lock()
		if h.gen == gen {
			h.timer = nil
		}
		h.mu.Unlock()
		h.fire()
	})
}

// stop cancels a pending fireAfter.
func (h *reconnectHooks) stop() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
}

// MemoryBus is an in-process Bus. Publish delivers synchronously to every
// handler subscribed to the subject at the time of the call.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func([]byte)
	nextID uint64
	closed bool
	hooks  reconnectHooks
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]func([]byte))}
}

// Publish delivers data to the current subscribers of subject.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	fns := make([]func([]byte), 0, len(b.subs[subject]))
	for _, fn := range b.subs[subject] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		cp := append([]byte(nil), data...)
		fn(cp)
	}
	return nil
}

// Subscribe registers fn for subject.
func (b *MemoryBus) Subscribe(_ context.Context, subject string, fn func([]byte)) (Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]func([]byte))
	}
	b.subs[subject][id] = fn
	return &memorySub{bus: b, subject: subject, id: id}, nil
}

// Subscribers returns the number of handlers registered for subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

// OnReconnect registers fn. It only runs when Reconnected is called.
func (b *MemoryBus) OnReconnect(fn func()) { b.hooks.add(fn) }

// Reconnected runs the reconnect hooks, as a network bus would after
// recovering its connection.
func (b *MemoryBus) Reconnected() { b.hooks.fire() }

// Close drops all subscriptions. Further calls fail with ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func([]byte))
	b.mu.Unlock()
	return nil
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	id      uint64
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if m := s.bus.subs[s.subject]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}
