// Package live models the event feed as explicit subscriptions: a channel
// per subscribed topic with an unsubscribe operation, instead of callback
// closures. Delivery is at-least-once; consumers dedup by id.
package live

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mahaj/chatcore/pkg/metrics"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names mirror the backing row stores.
const (
	TableMessages = "conversation_messages"
	TableTyping   = "typing_indicators"
	TablePresence = "user_presence"
)

// Event is one change notification from the backend.
type Event struct {
	Table   string          `json:"table"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Filter is an equality predicate over a payload field, e.g.
// {Key: "conversation_id", Value: "dm:a:b"}. The zero value matches all.
type Filter struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Match decodes just enough of the payload to test the predicate.
func (f Filter) Match(payload json.RawMessage) bool {
	if f.Key == "" {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	raw, ok := fields[f.Key]
	if !ok {
		return false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == f.Value
}

// Feed is the live event-subscription primitive. Publish pushes a local
// change out to peers over the same transport.
type Feed interface {
	Subscribe(ctx context.Context, table string, filter Filter) (*Subscription, error)
	Publish(ctx context.Context, ev Event) error
}

const subscriptionBuffer = 256

// Subscription is one open topic. Events are drained from Events();
// Unsubscribe is idempotent and closes the channel.
type Subscription struct {
	table  string
	filter Filter

	events chan Event
	once   sync.Once
	cancel func(*Subscription)
}

// NewSubscription builds a subscription for a Feed implementation. cancel
// runs inside Unsubscribe before the event channel closes; it must
// guarantee no further Deliver calls once it returns.
func NewSubscription(table string, filter Filter, cancel func(*Subscription)) *Subscription {
	return &Subscription{
		table:  table,
		filter: filter,
		events: make(chan Event, subscriptionBuffer),
		cancel: cancel,
	}
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
		close(s.events)
	})
}

// Deliver routes one event if the topic matches. A full buffer drops the
// event rather than blocking the transport read loop.
func (s *Subscription) Deliver(ev Event) {
	if ev.Table != s.table || !s.filter.Match(ev.Payload) {
		return
	}
	select {
	case s.events <- ev:
	default:
		metrics.LiveEventsDropped.Inc()
	}
}
