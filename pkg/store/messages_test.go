package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/chatcore/pkg/model"
)

func rowAt(id int64, deleted bool) model.Message {
	msg := model.Message{
		ID:             id,
		ConversationID: "conv1",
		SenderID:       "bob",
		Content:        "hi",
		Kind:           model.KindText,
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if deleted {
		at := msg.CreatedAt.Add(time.Minute)
		msg.DeletedAt = &at
	}
	return msg
}

func TestNewestVisibleSkipsDeepDeletedTail(t *testing.T) {
	// Newest-first rows where more recent messages than any fixed window
	// were all soft-deleted: the older visible one must still surface.
	rows := []model.Message{
		rowAt(10, true), rowAt(9, true), rowAt(8, true), rowAt(7, true),
		rowAt(6, true), rowAt(5, true), rowAt(4, true),
		rowAt(3, false),
		rowAt(2, false),
	}
	msg := newestVisible(rows)
	require.NotNil(t, msg)
	assert.Equal(t, int64(3), msg.ID)
}

func TestNewestVisibleAllDeleted(t *testing.T) {
	rows := []model.Message{rowAt(2, true), rowAt(1, true)}
	assert.Nil(t, newestVisible(rows))
}

func TestNewestVisibleEmptyStream(t *testing.T) {
	assert.Nil(t, newestVisible(nil))
}
