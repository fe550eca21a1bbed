// Package reconcile merges pushed change events and local mutation results
// into one feed.Store.
//
// A single goroutine (Run) owns the store. Pushed events enter through
// Dispatch; coordinator acknowledgements go through Apply; reads go
// through Do. Every path runs the same merge functions, so a record seen
// twice (once as an acknowledgement, once as a push) converges to a single
// entry whatever the arrival order.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
	"github.com/Elias-FSILVA/VirAll/internal/feed"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("reconcile: engine stopped")

// Loader fetches the authoritative feed, newest first, with likes and
// comments loaded.
type Loader interface {
	ListFeed(ctx context.Context) ([]domain.Post, error)
}

// TokenResolver is the slice of tokens.Cache used by the engine.
type TokenResolver interface {
	Lookup(ref string) (domain.AccessToken, bool)
	ResolveBatch(ctx context.Context, refs []string) (map[string]domain.AccessToken, error)
	Invalidate(ref string)
}

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Merged feed events by record type, kind and outcome.",
		},
		[]string{"record", "kind", "outcome"},
	)
	resyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_resyncs_total",
			Help: "Full feed reloads by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, resyncsTotal)
}

// Options configures an Engine.
type Options struct {
	Loader         Loader
	Tokens         TokenResolver // optional
	Logger         zerolog.Logger
	Buffer         int // pushed events queued ahead of the loop (default 256)
	TombstoneLimit int
	Now            func() time.Time
}

type call struct {
	fn   func(*feed.Store)
	done chan struct{}
}

// Engine is the reconciliation engine.
type Engine struct {
	store  *feed.Store
	loader Loader
	tokens TokenResolver
	log    zerolog.Logger

	events  chan domain.ChangeEvent
	calls   chan call
	stopped chan struct{}
	runCtx  context.Context

	inflight sync.WaitGroup
	pending  map[string]string // attachment ref -> post id, awaiting a token

	resyncMu   sync.Mutex
	journaling bool
	journal    []domain.ChangeEvent

	version  atomic.Uint64
	watchMu  sync.Mutex
	watchers map[int]chan uint64
	nextID   int
}

// New returns an engine. Run must be started before events are merged.
func New(opts Options) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	e := &Engine{
		loader:   opts.Loader,
		tokens:   opts.Tokens,
		log:      opts.Logger,
		events:   make(chan domain.ChangeEvent, opts.Buffer),
		calls:    make(chan call),
		stopped:  make(chan struct{}),
		runCtx:   context.Background(),
		watchers: make(map[int]chan uint64),
		pending:  make(map[string]string),
	}
	e.store = feed.New(feed.Options{
		TombstoneLimit: opts.TombstoneLimit,
		Now:            opts.Now,
		OnRemove: func(ref string) {
			if e.tokens != nil {
				e.tokens.Invalidate(ref)
			}
		},
	})
	return e
}

// Run processes events and calls until ctx is done. Token resolutions
// still in flight are waited for before it returns.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			return ctx.Err()
		case ev := <-e.events:
			e.merge(ev)
			e.flushTokens()
		case c := <-e.calls:
			c.fn(e.store)
			e.flushTokens()
			close(c.done)
		}
	}
}

// Dispatch queues a pushed event. It blocks while the queue is full and
// returns false once the engine has stopped.
func (e *Engine) Dispatch(ev domain.ChangeEvent) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.stopped:
		return false
	}
}

// Do runs fn on the loop with exclusive access to the store and waits for
// it to finish. fn must not call back into the engine.
func (e *Engine) Do(ctx context.Context, fn func(*feed.Store)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case e.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	<-c.done
	return nil
}

// Apply merges ev synchronously and returns what it did to the store.
func (e *Engine) Apply(ctx context.Context, ev domain.ChangeEvent) (feed.Outcome, error) {
	var out feed.Outcome
	err := e.Do(ctx, func(*feed.Store) { out = e.merge(ev) })
	return out, err
}

// Snapshot returns a copy of the feed, newest first.
func (e *Engine) Snapshot(ctx context.Context) ([]feed.Item, error) {
	var items []feed.Item
	err := e.Do(ctx, func(s *feed.Store) { items = s.Snapshot() })
	return items, err
}

// InsertPlaceholder shows p as pending until the confirmed record with the
// same ClientRef arrives.
func (e *Engine) InsertPlaceholder(ctx context.Context, p domain.Post) error {
	return e.Do(ctx, func(s *feed.Store) {
		if s.InsertPlaceholder(p).Changed() {
			e.bump()
		}
	})
}

// merge runs on the loop.
func (e *Engine) merge(ev domain.ChangeEvent) feed.Outcome {
	if e.journaling {
		e.journal = append(e.journal, ev)
	}
	out := e.mergeStore(ev)

	eventsTotal.WithLabelValues(string(ev.Record), string(ev.Kind), out.String()).Inc()
	e.log.Debug().
		Str("record", string(ev.Record)).
		Str("kind", string(ev.Kind)).
		Str("id", ev.RecordID()).
		Str("outcome", out.String()).
		Msg("feed event merged")

	if out.Changed() {
		e.bump()
	}
	return out
}

func (e *Engine) mergeStore(ev domain.ChangeEvent) feed.Outcome {
	s := e.store
	out := feed.Ignored

	switch ev.Record {
	case domain.RecordPost:
		switch ev.Kind {
		case domain.EventCreated, domain.EventUpdated:
			if ev.Post != nil {
				out = s.UpsertPost(*ev.Post)
				if out.Changed() {
					e.queueToken(ev.Post)
				}
			}
		case domain.EventDeleted:
			if _, ok := s.RemovePost(ev.RecordID()); ok {
				out = feed.Removed
			}
		}

	case domain.RecordLike:
		switch ev.Kind {
		case domain.EventCreated:
			if ev.Like != nil {
				out = s.AddLike(*ev.Like)
			}
		case domain.EventDeleted:
			out = s.RemoveLike(ev.RecordID())
		}

	case domain.RecordComment:
		switch ev.Kind {
		case domain.EventCreated:
			if ev.Comment != nil {
				out = s.AddComment(*ev.Comment)
			}
		case domain.EventDeleted:
			out = s.RemoveComment(ev.RecordID())
		}
	}
	return out
}

// queueToken marks p's attachment for token resolution. Queued refs are
// resolved together once the event queue drains.
func (e *Engine) queueToken(p *domain.Post) {
	if e.tokens == nil || !p.HasAttachment() {
		return
	}
	if _, ok := e.tokens.Lookup(*p.AttachmentRef); ok {
		return
	}
	e.pending[*p.AttachmentRef] = p.ID
}

// flushTokens resolves the queued refs in one batch off the loop, unless
// more events are waiting. Results are kept only for posts that still hold
// the same attachment when they land, and the feed version moves once.
func (e *Engine) flushTokens() {
	if len(e.pending) == 0 || len(e.events) > 0 {
		return
	}
	batch := e.pending
	e.pending = make(map[string]string)
	refs := make([]string, 0, len(batch))
	for ref := range batch {
		refs = append(refs, ref)
	}

	ctx := e.runCtx
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		got, err := e.tokens.ResolveBatch(ctx, refs)
		if err != nil {
			e.log.Warn().Err(err).Int("refs", len(refs)).Msg("attachment tokens unavailable")
		}
		_ = e.Do(ctx, func(s *feed.Store) {
			changed := false
			for ref, postID := range batch {
				cur, ok := s.Get(postID)
				if !ok || !cur.HasAttachment() || *cur.AttachmentRef != ref {
					e.tokens.Invalidate(ref)
					continue
				}
				if _, ok := got[ref]; ok {
					changed = true
				}
			}
			if changed {
				e.bump()
			}
		})
	}()
}

// Resync reloads the store from the backend and refreshes attachment
// tokens in one batch. Records deleted locally stay deleted. Events merged
// while the backend is read are replayed on top of the reloaded feed, so
// a record confirmed during the load is not lost.
func (e *Engine) Resync(ctx context.Context) error {
	e.resyncMu.Lock()
	defer e.resyncMu.Unlock()

	if err := e.Do(ctx, func(*feed.Store) { e.journaling, e.journal = true, nil }); err != nil {
		return err
	}
	reset := false
	defer func() {
		if !reset {
			_ = e.Do(context.WithoutCancel(ctx), func(*feed.Store) { e.journaling, e.journal = false, nil })
		}
	}()

	posts, err := e.loader.ListFeed(ctx)
	if err != nil {
		resyncsTotal.WithLabelValues("error").Inc()
		return err
	}

	var refs []string
	if err := e.Do(ctx, func(s *feed.Store) {
		reset = true
		journal := e.journal
		e.journaling, e.journal = false, nil
		s.Reset(posts)
		for _, ev := range journal {
			e.mergeStore(ev)
		}
		refs = s.AttachmentRefs()
		e.bump()
	}); err != nil {
		return err
	}
	resyncsTotal.WithLabelValues("ok").Inc()

	if e.tokens == nil || len(refs) == 0 {
		return nil
	}
	if _, err := e.tokens.ResolveBatch(ctx, refs); err != nil {
		e.log.Warn().Err(err).Int("refs", len(refs)).Msg("some attachment tokens unavailable")
	}
	return e.Do(ctx, func(s *feed.Store) {
		held := make(map[string]struct{})
		for _, ref := range s.AttachmentRefs() {
			held[ref] = struct{}{}
		}
		for _, ref := range refs {
			if _, ok := held[ref]; !ok {
				e.tokens.Invalidate(ref)
			}
		}
		e.bump()
	})
}

// Version returns a counter incremented on every visible store change.
func (e *Engine) Version() uint64 { return e.version.Load() }

// Watch returns a channel that receives the latest version after store
// changes. Notifications coalesce: a slow reader sees only the newest
// version. cancel releases the watcher.
func (e *Engine) Watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	e.watchMu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = ch
	e.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.watchMu.Lock()
			delete(e.watchers, id)
			e.watchMu.Unlock()
		})
	}
}

func (e *Engine) bump() {
	v := e.version.Add(1)
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for _, ch := range e.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
