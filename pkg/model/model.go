package model

import (
	"errors"
	"time"
)

// MessageKind classifies a message by its content.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
	KindMixed MessageKind = "mixed"
)

// AttachmentKind is the closed set of attachment variants.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

var (
	ErrEmptyMessage      = errors.New("message has no content and no attachments")
	ErrInvalidAttachment = errors.New("invalid attachment")
)

type Conversation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant is a user's membership in a conversation. Unique per
// (conversation_id, user_id); LastReadAt never moves backwards.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
	IsAdmin        bool      `json:"is_admin"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	Role           string    `json:"role,omitempty"`
}

type Receipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Attachment struct {
	ID         int64             `json:"id"`
	Kind       AttachmentKind    `json:"kind"`
	URL        string            `json:"url"`
	PreviewURL string            `json:"preview_url,omitempty"`
	FileName   string            `json:"file_name"`
	Size       int64             `json:"size"`
	MimeType   string            `json:"mime_type"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Validate enforces the per-variant required fields.
func (a Attachment) Validate() error {
	switch a.Kind {
	case AttachmentImage, AttachmentFile:
	case AttachmentAudio:
		if a.DurationMS <= 0 {
			return errors.New("audio attachment requires a duration")
		}
	default:
		return ErrInvalidAttachment
	}
	if a.URL == "" {
		return errors.New("attachment has no url")
	}
	if a.Size <= 0 {
		return errors.New("attachment has no size")
	}
	return nil
}

type Message struct {
	ID             int64        `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Kind           MessageKind  `json:"kind"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyToID      int64        `json:"reply_to_id,omitempty"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Receipts       []Receipt    `json:"receipts,omitempty"`
}

// Visible reports whether the message belongs in the rendered stream.
// Soft-deleted messages stay in storage but are excluded here.
func (m Message) Visible() bool {
	return m.DeletedAt == nil
}

// DefaultKind infers the kind of an outgoing message: text when there are
// no attachments, image when every attachment is an image, mixed otherwise.
func DefaultKind(attachments []Attachment) MessageKind {
	if len(attachments) == 0 {
		return KindText
	}
	for _, a := range attachments {
		if a.Kind != AttachmentImage {
			return KindMixed
		}
	}
	return KindImage
}

// TypingIndicator is an ephemeral composing signal. Expiry is the source
// of truth; an explicit stop merely removes it early.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (t TypingIndicator) Active(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type Presence struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	LastSeen  time.Time      `json:"last_seen"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Online applies the staleness rule: a peer counts as online only if its
// stored status says so and the heartbeat is fresh. A missed offline event
// self-corrects once the window elapses.
func (p Presence) Online(now time.Time, staleness time.Duration) bool {
	return p.Status == StatusOnline && now.Sub(p.LastSeen) < staleness
}
