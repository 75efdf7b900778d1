package live

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	payload := json.RawMessage(`{"conversation_id":"dm:a:b","sender_id":"a"}`)

	assert.True(t, Filter{}.Match(payload), "zero filter matches everything")
	assert.True(t, Filter{Key: "conversation_id", Value: "dm:a:b"}.Match(payload))
	assert.False(t, Filter{Key: "conversation_id", Value: "dm:a:c"}.Match(payload))
	assert.False(t, Filter{Key: "missing", Value: "x"}.Match(payload))
	assert.False(t, Filter{Key: "conversation_id", Value: "dm:a:b"}.Match(json.RawMessage(`not json`)))
}

func TestSubscriptionDelivery(t *testing.T) {
	sub := NewSubscription(TableMessages, Filter{Key: "conversation_id", Value: "c1"}, nil)

	match := Event{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"conversation_id":"c1"}`)}
	wrongTable := Event{Table: TableTyping, Op: OpInsert, Payload: json.RawMessage(`{"conversation_id":"c1"}`)}
	wrongFilter := Event{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{"conversation_id":"c2"}`)}

	sub.Deliver(match)
	sub.Deliver(wrongTable)
	sub.Deliver(wrongFilter)

	require.Len(t, sub.events, 1)
	got := <-sub.Events()
	assert.Equal(t, OpInsert, got.Op)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	cancelled := 0
	sub := NewSubscription(TableMessages, Filter{}, func(*Subscription) { cancelled++ })

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 1, cancelled)
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	sub := NewSubscription(TableMessages, Filter{}, nil)
	ev := Event{Table: TableMessages, Op: OpInsert, Payload: json.RawMessage(`{}`)}

	for i := 0; i < subscriptionBuffer+10; i++ {
		sub.Deliver(ev)
	}
	assert.Len(t, sub.events, subscriptionBuffer)
}
