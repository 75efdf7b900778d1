// Package stream keeps the active conversation's message list synchronized:
// history load, live subscription, echo-driven appends, and the read marker.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/live"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// MessageStore is the message row collaborator.
type MessageStore interface {
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	Insert(ctx context.Context, msg *model.Message) error
}

// ParticipantStore is the membership/read-marker collaborator.
type ParticipantStore interface {
	Participant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// SendRequest describes one outgoing message.
type SendRequest struct {
	ConversationID string
	Content        string
	Attachments    []model.Attachment
	Kind           model.MessageKind
	ReplyToID      int64
}

// Synchronizer owns the in-memory stream of one open conversation at a
// time. The list is mutated only by its own drain goroutine and Open/Close,
// and every mutation is idempotent under duplicate delivery (dedup by id)
// since the live channel is at-least-once.
//
// Send deliberately does not append locally: the subscription echo is the
// single source of truth, which rules out duplicate-render races between a
// local append and the echo.
type Synchronizer struct {
	msgs   MessageStore
	parts  ParticipantStore
	feed   live.Feed
	ids    *snowflake.Node
	sink   notify.Sink
	log    *zap.Logger
	userID string
	now    func() time.Time

	mu             sync.Mutex
	conversationID string
	messages       []model.Message
	seen           map[int64]struct{}
	sub            *live.Subscription
	loading        bool
}

func NewSynchronizer(msgs MessageStore, parts ParticipantStore, feed live.Feed,
	ids *snowflake.Node, userID string, sink notify.Sink, log *zap.Logger) *Synchronizer {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Synchronizer{
		msgs:   msgs,
		parts:  parts,
		feed:   feed,
		ids:    ids,
		sink:   sink,
		log:    log,
		userID: userID,
		now:    time.Now,
		seen:   make(map[int64]struct{}),
	}
}

// Open switches the active conversation: the previous subscription is torn
// down first, history is loaded ascending, the read marker is advanced
// exactly once, and a live subscription scoped to the conversation id is
// established. A history failure surfaces an empty, non-loading state
// rather than the previous conversation's messages.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.teardownLocked()
	s.conversationID = conversationID
	s.messages = nil
	s.seen = make(map[int64]struct{})
	s.loading = true
	s.mu.Unlock()

	history, err := s.msgs.History(ctx, conversationID)
	if err != nil {
		s.clearAfterFailure(conversationID)
		s.sink.Notify(notify.Errorf("history_load_failed", "could not load messages", err))
		return fmt.Errorf("open %s: %w", conversationID, err)
	}

	sub, err := s.feed.Subscribe(ctx, live.TableMessages, live.Filter{Key: "conversation_id", Value: conversationID})
	if err != nil {
		s.clearAfterFailure(conversationID)
		s.sink.Notify(notify.Errorf("subscribe_failed", "could not subscribe to live updates", err))
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if s.conversationID != conversationID {
		// Switched again while this open was in flight.
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	for i := range history {
		s.applyInsertLocked(history[i])
	}
	s.sub = sub
	s.loading = false
	s.mu.Unlock()

	go s.drain(sub)

	if err := s.parts.MarkRead(ctx, conversationID, s.userID, s.now()); err != nil {
		s.log.Warn("read marker advance failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.sink.Notify(notify.Errorf("mark_read_failed", "could not update read position", err))
	}
	return nil
}

// Send validates and persists an outgoing message, then publishes the
// insert event. The returned message is the constructed payload; it joins
// the local list only when the subscription echoes it back.
func (s *Synchronizer) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	if req.Content == "" && len(req.Attachments) == 0 {
		s.sink.Notify(notify.Warnf("empty_message", "message has no content"))
		return nil, model.ErrEmptyMessage
	}
	for _, a := range req.Attachments {
		if err := a.Validate(); err != nil {
			s.sink.Notify(notify.Errorf("invalid_attachment", "attachment rejected", err))
			return nil, err
		}
	}

	if _, err := s.parts.Participant(ctx, req.ConversationID, s.userID); err != nil {
		s.sink.Notify(notify.Errorf("not_participant", "you are no longer in this conversation", err))
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = model.DefaultKind(req.Attachments)
	}

	msg := &model.Message{
		ID:             s.ids.Generate(),
		ConversationID: req.ConversationID,
		SenderID:       s.userID,
		Content:        req.Content,
		Kind:           kind,
		Attachments:    req.Attachments,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.msgs.Insert(ctx, msg); err != nil {
		s.sink.Notify(notify.Errorf("send_failed", "message could not be sent", err))
		return nil, fmt.Errorf("send message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := s.feed.Publish(ctx, live.Event{Table: live.TableMessages, Op: live.OpInsert, Payload: payload}); err != nil {
		// Persisted but not announced; peers catch up on their next
		// history load.
		s.sink.Notify(notify.Errorf("publish_failed", "message saved but not broadcast", err))
		return msg, fmt.Errorf("publish message: %w", err)
	}
	return msg, nil
}

// Messages returns a copy of the visible, ordered stream.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Visible() {
			out = append(out, m)
		}
	}
	return out
}

func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Synchronizer) Conversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Close tears down the live subscription and clears state.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.conversationID = ""
	s.messages = nil
	s.seen = make(map[int64]struct{})
	s.loading = false
}

// drain applies live events for the subscription it was started with. The
// sub identity check makes a late event for a previous conversation a
// no-op even if it was already buffered when the switch happened.
func (s *Synchronizer) drain(sub *live.Subscription) {
	for ev := range sub.Events() {
		var msg model.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			s.log.Warn("malformed message event", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.sub != sub || msg.ConversationID != s.conversationID {
			s.mu.Unlock()
			continue
		}
		switch ev.Op {
		case live.OpInsert:
			s.applyInsertLocked(msg)
		case live.OpUpdate:
			s.applyUpdateLocked(msg)
		case live.OpDelete:
			s.removeLocked(msg.ID)
		}
		s.mu.Unlock()
	}
}

// applyInsertLocked inserts in (created_at, id) order, skipping duplicates.
func (s *Synchronizer) applyInsertLocked(msg model.Message) {
	if _, dup := s.seen[msg.ID]; dup {
		metrics.LiveEventsDeduped.Inc()
		return
	}
	s.seen[msg.ID] = struct{}{}

	idx := sort.Search(len(s.messages), func(i int) bool {
		return messageAfter(s.messages[i], msg)
	})
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
	metrics.LiveEventsApplied.Inc()
}

func (s *Synchronizer) applyUpdateLocked(msg model.Message) {
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			metrics.LiveEventsApplied.Inc()
			return
		}
	}
}

func (s *Synchronizer) removeLocked(id int64) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			metrics.LiveEventsApplied.Inc()
			return
		}
	}
}

func (s *Synchronizer) teardownLocked() {
	if s.sub != nil {
		// At most one live subscription per instance: the old one goes
		// away before the next is established.
		sub := s.sub
		s.sub = nil
		sub.Unsubscribe()
	}
}

func (s *Synchronizer) clearAfterFailure(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == conversationID {
		s.messages = nil
		s.loading = false
	}
}

// messageAfter orders by creation time with the time-ordered id as the
// stable tiebreaker.
func messageAfter(a, b model.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}
