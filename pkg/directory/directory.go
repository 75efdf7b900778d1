// Package directory lists a user's conversations enriched with
// participants, the last message, and the unread count.
package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
)

type ConversationStore interface {
	List(ctx context.Context, userID string) ([]model.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
}

type MessageReader interface {
	LastMessage(ctx context.Context, conversationID string) (*model.Message, error)
	UnreadCount(ctx context.Context, userID, conversationID string) (int, error)
}

// Entry is one listed conversation. Err carries an enrichment failure for
// that conversation; the conversation is still listed, never silently
// dropped.
type Entry struct {
	Conversation model.Conversation
	Participants []model.Participant
	LastMessage  *model.Message
	UnreadCount  int
	Err          error
}

type Directory struct {
	convs ConversationStore
	msgs  MessageReader
	sink  notify.Sink
	log   *zap.Logger
}

func New(convs ConversationStore, msgs MessageReader, sink notify.Sink, log *zap.Logger) *Directory {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Directory{convs: convs, msgs: msgs, sink: sink, log: log}
}

// List returns the user's conversations ordered by updated_at descending.
// A failure of the outer query aborts the call. A failure enriching one
// conversation marks that entry and keeps going.
func (d *Directory) List(ctx context.Context, userID string) ([]Entry, error) {
	conversations, err := d.convs.List(ctx, userID)
	if err != nil {
		d.sink.Notify(notify.Errorf("conversations_load_failed", "could not load conversations", err))
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	entries := make([]Entry, 0, len(conversations))
	for _, conv := range conversations {
		entry := Entry{Conversation: conv}

		if entry.Participants, err = d.convs.Participants(ctx, conv.ID); err != nil {
			entry.Err = err
		} else if entry.LastMessage, err = d.msgs.LastMessage(ctx, conv.ID); err != nil {
			entry.Err = err
		} else if entry.UnreadCount, err = d.msgs.UnreadCount(ctx, userID, conv.ID); err != nil {
			entry.Err = err
		}

		if entry.Err != nil {
			d.log.Warn("conversation enrichment failed",
				zap.String("conversation_id", conv.ID), zap.Error(entry.Err))
			d.sink.Notify(notify.Errorf("conversation_enrich_failed",
				"conversation details unavailable", entry.Err))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UnreadCount exposes unread accounting for one conversation.
func (d *Directory) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	return d.msgs.UnreadCount(ctx, userID, conversationID)
}
