package domain

import (
	"strconv"
	"time"
)

// Kind classifies an inbound event.
type Kind string

const (
	KindMessage  Kind = "message"
	KindCommand  Kind = "command"
	KindCallback Kind = "callback"
	KindPhoto    Kind = "photo"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Event is one inbound unit of work. It is created by the transport on
// receipt and never modified afterwards.
type Event struct {
	// ID is the platform update identifier.
	ID int64

	// Source identifies the sender (Telegram user id).
	Source int64

	// Username is the sender's public handle without '@', if any.
	Username string

	// Conversation groups events that must be handled in order (chat id).
	Conversation int64

	Kind    Kind
	Payload Payload

	ReceivedAt time.Time
}

// Payload carries the kind specific content of an event.
type Payload struct {
	// Text is the message text or document caption.
	Text string

	// Command and Args are set for KindCommand ("/new foo" → "new", "foo").
	Command string
	Args    string

	// CallbackID and CallbackData are set for KindCallback.
	CallbackID   string
	CallbackData string

	// MessageID is the id of the message the event refers to.
	MessageID int64

	Attachments []Attachment
}

// Attachment references a file stored on the platform.
type Attachment struct {
	FileID string    `json:"file_id"`
	Type   MediaType `json:"file_type"`
	Size   int64     `json:"file_size,omitempty"`
}

// MediaType is the kind of an attachment.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaDocument MediaType = "document"
)

// ConversationKey returns the conversation identifier as a map key.
func (e Event) ConversationKey() string {
	return strconv.FormatInt(e.Conversation, 10)
}
