// Package changefeed carries row-level change notifications from the backing
// store to feed clients. Writers publish a Notification per committed row
// change on a Bus; the Adapter subscribes to the post, like and comment
// streams and normalizes what it receives into domain.ChangeEvent values.
//
// Bus drivers:
//   - MemoryBus: in-process fan-out, used for single-binary deployments and tests
//   - NATSBus:   NATS core subjects (github.com/nats-io/nats.go)
//   - RedisBus:  Redis pub/sub channels (github.com/redis/go-redis/v9)
//
// Delivery is at-most-once and unordered across streams. Consumers must be
// idempotent by record id.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// Row-level operations carried in Notification.EventType.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Stream names. They match the backing tables.
var (
	TablePosts    = domain.Post{}.TableName()
	TableLikes    = domain.Like{}.TableName()
	TableComments = domain.Comment{}.TableName()
)

// Notification is the raw wire shape of a change notification. New holds the
// row after the change (INSERT, UPDATE); Old holds the row before it
// (UPDATE, DELETE).
type Notification struct {
	EventType string          `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// NewNotification encodes newRow and oldRow (either may be nil) into a
// Notification for table.
func NewNotification(op, table string, newRow, oldRow any) (Notification, error) {
	n := Notification{EventType: op, Table: table}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return n, fmt.Errorf("encode new row: %w", err)
		}
		n.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return n, fmt.Errorf("encode old row: %w", err)
		}
		n.Old = b
	}
	return n, nil
}

// Publisher writes notifications to a Bus under a subject prefix.
type Publisher struct {
	Bus    Bus
	Prefix string
}

// NewPublisher returns a Publisher that writes to bus under prefix.
func NewPublisher(bus Bus, prefix string) *Publisher {
	return &Publisher{Bus: bus, Prefix: prefix}
}

// Notify encodes and publishes one row change.
func (p *Publisher) Notify(ctx context.Context, op, table string, newRow, oldRow any) error {
	n, err := NewNotification(op, table, newRow, oldRow)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.Bus.Publish(ctx, Subject(p.Prefix, table), b)
}

// Subject returns the bus subject for a stream under prefix.
func Subject(prefix, table string) string {
	if prefix == "" {
		return table
	}
	return prefix + "." + table
}
