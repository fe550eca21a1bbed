package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// ErrMalformed reports a notification that cannot be normalized.
var ErrMalformed = errors.New("changefeed: malformed notification")

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "feed_changefeed_notifications_total",
		Help: "Change notifications received, by stream and result.",
	},
	[]string{"table", "result"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// Adapter turns the three row-change streams into normalized change events.
// It does not deduplicate; consumers are expected to be idempotent.
type Adapter struct {
	Bus    Bus
	Prefix string
	Log    zerolog.Logger

	// OnError, if set, receives notifications that failed to normalize.
	OnError func(error)
}

// NewAdapter returns an Adapter reading from bus under prefix.
func NewAdapter(bus Bus, prefix string, log zerolog.Logger) *Adapter {
	return &Adapter{Bus: bus, Prefix: prefix, Log: log}
}

// Subscription is the scoped handle over all three stream subscriptions.
type Subscription struct {
	once sync.Once
	subs []Unsubscriber
	err  error
}

// Close releases every stream subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.err = release(s.subs)
	})
	return s.err
}

func release(subs []Unsubscriber) error {
	var errs []error
	for i := len(subs) - 1; i >= 0; i-- {
		if err := subs[i].Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe subscribes handler to the post, like and comment streams as one
// unit. If any stream fails to subscribe, the streams already acquired are
// released and the error is returned.
func (a *Adapter) Subscribe(ctx context.Context, handler func(domain.ChangeEvent)) (*Subscription, error) {
	tables := []string{TablePosts, TableLikes, TableComments}
	subs := make([]Unsubscriber, 0, len(tables))
	for _, table := range tables {
		table := table
		sub, err := a.Bus.Subscribe(ctx, Subject(a.Prefix, table), func(data []byte) {
			a.deliver(table, data, handler)
		})
		if err != nil {
			if rerr := release(subs); rerr != nil {
				a.Log.Warn().Err(rerr).Msg("release partial subscription")
			}
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
		subs = append(subs, sub)
	}
	a.Log.Debug().Str("prefix", a.Prefix).Msg("change streams subscribed")
	return &Subscription{subs: subs}, nil
}

func (a *Adapter) deliver(table string, data []byte, handler func(domain.ChangeEvent)) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		a.reject(table, fmt.Errorf("%w: %v", ErrMalformed, err))
		return
	}
	if n.Table == "" {
		n.Table = table
	}
	ev, err := Normalize(n)
	if err != nil {
		a.reject(table, err)
		return
	}
	notificationsTotal.WithLabelValues(table, "ok").Inc()
	handler(ev)
}

func (a *Adapter) reject(table string, err error) {
	notificationsTotal.WithLabelValues(table, "malformed").Inc()
	a.Log.Warn().Err(err).Str("table", table).Msg("drop change notification")
	if a.OnError != nil {
		a.OnError(err)
	}
}

// Normalize converts a raw notification into a change event. Deleted events
// take their payload from the old row, everything else from the new row.
func Normalize(n Notification) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent

	var payload json.RawMessage
	switch n.EventType {
	case OpInsert:
		ev.Kind, payload = domain.EventCreated, n.New
	case OpUpdate:
		ev.Kind, payload = domain.EventUpdated, n.New
	case OpDelete:
		ev.Kind, payload = domain.EventDeleted, n.Old
	default:
		return ev, fmt.Errorf("%w: unknown event type %q", ErrMalformed, n.EventType)
	}
	if len(payload) == 0 {
		return ev, fmt.Errorf("%w: %s %s without payload", ErrMalformed, n.EventType, n.Table)
	}

	var id string
	switch n.Table {
	case TablePosts:
		var p domain.Post
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ev.Record, ev.Post, id = domain.RecordPost, &p, p.ID
	case TableLikes:
		var l domain.Like
		if err := json.Unmarshal(payload, &l); err != nil {
			return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ev.Record, ev.Like, id = domain.RecordLike, &l, l.ID
	case TableComments:
		var c domain.Comment
		if err := json.Unmarshal(payload, &c); err != nil {
			return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ev.Record, ev.Comment, id = domain.RecordComment, &c, c.ID
	default:
		return ev, fmt.Errorf("%w: unknown table %q", ErrMalformed, n.Table)
	}
	if id == "" {
		return ev, fmt.Errorf("%w: %s row without id", ErrMalformed, n.Table)
	}
	return ev, nil
}
