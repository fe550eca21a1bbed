package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// ---- stubs ----

type stubUnsub struct {
	mu    *sync.Mutex
	freed *[]string
	name  string
}

func (s stubUnsub) Unsubscribe() error {
	s.mu.Lock()
	*s.freed = append(*s.freed, s.name)
	s.mu.Unlock()
	return nil
}

// failingBus fails the subscription for one subject and records releases.
type failingBus struct {
	failOn string
	mu     sync.Mutex
	freed  []string
	calls  []string
}

func (b *failingBus) Publish(context.Context, string, []byte) error { return nil }
func (b *failingBus) OnReconnect(func())                            {}
func (b *failingBus) Close() error                                  { return nil }
func (b *failingBus) Subscribe(_ context.Context, subject string, _ func([]byte)) (Unsubscriber, error) {
	b.calls = append(b.calls, subject)
	if subject == b.failOn {
		return nil, errors.New("boom")
	}
	return stubUnsub{mu: &b.mu, freed: &b.freed, name: subject}, nil
}

func collect() (func(domain.ChangeEvent), func() []domain.ChangeEvent) {
	var mu sync.Mutex
	var got []domain.ChangeEvent
	return func(ev domain.ChangeEvent) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}, func() []domain.ChangeEvent {
			mu.Lock()
			defer mu.Unlock()
			return append([]domain.ChangeEvent(nil), got...)
		}
}

// ---- tests ----

func TestNormalize_Kinds_AndPayloadSide(t *testing.T) {
	post := domain.Post{ID: "p1", UserID: "u1", Body: "new"}
	old := domain.Post{ID: "p1", UserID: "u1", Body: "old"}

	n, err := NewNotification(OpInsert, TablePosts, post, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := Normalize(n)
	if err != nil {
		t.Fatalf("normalize insert: %v", err)
	}
	if ev.Kind != domain.EventCreated || ev.Record != domain.RecordPost || ev.Post == nil || ev.Post.Body != "new" {
		t.Fatalf("unexpected insert event: %+v", ev)
	}

	n, _ = NewNotification(OpUpdate, TablePosts, post, old)
	ev, err = Normalize(n)
	if err != nil || ev.Kind != domain.EventUpdated || ev.Post.Body != "new" {
		t.Fatalf("update should take new row: %+v err=%v", ev, err)
	}

	n, _ = NewNotification(OpDelete, TablePosts, nil, old)
	ev, err = Normalize(n)
	if err != nil || ev.Kind != domain.EventDeleted || ev.Post.Body != "old" {
		t.Fatalf("delete should take old row: %+v err=%v", ev, err)
	}
}

func TestNormalize_LikeAndComment(t *testing.T) {
	n, _ := NewNotification(OpInsert, TableLikes, domain.Like{ID: "l1", PostID: "p1", UserID: "u"}, nil)
	ev, err := Normalize(n)
	if err != nil || ev.Record != domain.RecordLike || ev.Like == nil || ev.Like.PostID != "p1" {
		t.Fatalf("like: %+v err=%v", ev, err)
	}
	n, _ = NewNotification(OpDelete, TableComments, nil, domain.Comment{ID: "c1", PostID: "p1"})
	ev, err = Normalize(n)
	if err != nil || ev.Record != domain.RecordComment || ev.Kind != domain.EventDeleted || ev.RecordID() != "c1" {
		t.Fatalf("comment: %+v err=%v", ev, err)
	}
}

func TestNormalize_Malformed(t *testing.T) {
	cases := []Notification{
		{EventType: "TRUNCATE", Table: TablePosts, New: json.RawMessage(`{"id":"p"}`)},
		{EventType: OpInsert, Table: "users", New: json.RawMessage(`{"id":"p"}`)},
		{EventType: OpInsert, Table: TablePosts},
		{EventType: OpDelete, Table: TablePosts, New: json.RawMessage(`{"id":"p"}`)},
		{EventType: OpInsert, Table: TablePosts, New: json.RawMessage(`{"id":""}`)},
		{EventType: OpInsert, Table: TableLikes, New: json.RawMessage(`[1,2]`)},
	}
	for i, n := range cases {
		if _, err := Normalize(n); !errors.Is(err, ErrMalformed) {
			t.Fatalf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestAdapter_Subscribe_DeliversAllStreams(t *testing.T) {
	bus := NewMemoryBus()
	pub := NewPublisher(bus, "feed")
	a := NewAdapter(bus, "feed", zerolog.Nop())

	handler, events := collect()
	sub, err := a.Subscribe(context.Background(), handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	if err := pub.Notify(ctx, OpInsert, TablePosts, domain.Post{ID: "p1"}, nil); err != nil {
		t.Fatalf("notify post: %v", err)
	}
	if err := pub.Notify(ctx, OpInsert, TableLikes, domain.Like{ID: "l1", PostID: "p1"}, nil); err != nil {
		t.Fatalf("notify like: %v", err)
	}
	if err := pub.Notify(ctx, OpInsert, TableComments, domain.Comment{ID: "c1", PostID: "p1"}, nil); err != nil {
		t.Fatalf("notify comment: %v", err)
	}
	// Duplicates are passed through untouched.
	_ = pub.Notify(ctx, OpInsert, TablePosts, domain.Post{ID: "p1"}, nil)

	got := events()
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	want := []domain.RecordType{domain.RecordPost, domain.RecordLike, domain.RecordComment, domain.RecordPost}
	for i, ev := range got {
		if ev.Record != want[i] {
			t.Fatalf("event %d: record=%s want %s", i, ev.Record, want[i])
		}
	}
}

func TestAdapter_Close_ReleasesAllAndIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	a := NewAdapter(bus, "x", zerolog.Nop())
	handler, events := collect()

	sub, err := a.Subscribe(context.Background(), handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, tbl := range []string{TablePosts, TableLikes, TableComments} {
		if n := bus.Subscribers(Subject("x", tbl)); n != 1 {
			t.Fatalf("%s subscribers=%d want 1", tbl, n)
		}
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	for _, tbl := range []string{TablePosts, TableLikes, TableComments} {
		if n := bus.Subscribers(Subject("x", tbl)); n != 0 {
			t.Fatalf("%s subscribers=%d after close", tbl, n)
		}
	}

	_ = NewPublisher(bus, "x").Notify(context.Background(), OpInsert, TablePosts, domain.Post{ID: "p"}, nil)
	if len(events()) != 0 {
		t.Fatalf("no events expected after close")
	}
}

func TestAdapter_Subscribe_PartialFailureReleasesAcquired(t *testing.T) {
	bus := &failingBus{failOn: Subject("f", TableComments)}
	a := NewAdapter(bus, "f", zerolog.Nop())

	sub, err := a.Subscribe(context.Background(), func(domain.ChangeEvent) {})
	if err == nil || sub != nil {
		t.Fatalf("expected failure, got sub=%v err=%v", sub, err)
	}
	if len(bus.calls) != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %v", bus.calls)
	}
	if len(bus.freed) != 2 {
		t.Fatalf("expected the 2 acquired subscriptions to be released, got %v", bus.freed)
	}
}

func TestAdapter_MalformedIsCountedNotDelivered(t *testing.T) {
	bus := NewMemoryBus()
	a := NewAdapter(bus, "m", zerolog.Nop())
	var reported error
	a.OnError = func(err error) { reported = err }

	handler, events := collect()
	sub, err := a.Subscribe(context.Background(), handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	before := testutil.ToFloat64(notificationsTotal.WithLabelValues(TableLikes, "malformed"))
	_ = bus.Publish(context.Background(), Subject("m", TableLikes), []byte("not json"))
	after := testutil.ToFloat64(notificationsTotal.WithLabelValues(TableLikes, "malformed"))

	if after-before != 1 {
		t.Fatalf("malformed counter delta=%v want 1", after-before)
	}
	if len(events()) != 0 {
		t.Fatalf("malformed notification must not be delivered")
	}
	if !errors.Is(reported, ErrMalformed) {
		t.Fatalf("OnError got %v", reported)
	}
}

func TestAdapter_TableFilledFromSubject(t *testing.T) {
	bus := NewMemoryBus()
	a := NewAdapter(bus, "", zerolog.Nop())
	handler, events := collect()
	sub, err := a.Subscribe(context.Background(), handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	raw := []byte(`{"eventType":"INSERT","new":{"id":"c9","post_id":"p","text":"hi","created_at":"2024-01-01T00:00:00Z"}}`)
	_ = bus.Publish(context.Background(), TableComments, raw)

	got := events()
	if len(got) != 1 || got[0].Comment == nil || got[0].Comment.Text != "hi" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if !got[0].Comment.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at not decoded: %v", got[0].Comment.CreatedAt)
	}
}
