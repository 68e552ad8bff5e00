package models

import "time"

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentVideo    = "video"
	AttachmentAudio    = "audio"
	AttachmentDocument = "document"
)

// Attachment describes one uploaded file bound to a message.
type Attachment struct {
	ID        int    `db:"id" json:"id"`
	MessageID int    `db:"message_id" json:"-"`
	URL       string `db:"url" json:"url"`
	Kind      string `db:"kind" json:"kind"`
	Name      string `db:"name" json:"name"`
	Size      int64  `db:"size" json:"size"`
	Position  int    `db:"position" json:"-"`
}

// Message is immutable after creation except for ReadBy, which only grows.
// SenderID is nil once the sender's account has been deleted.
type Message struct {
	ID             int          `db:"id" json:"id"`
	ConversationID int          `db:"conversation_id" json:"chatId"`
	SenderID       *int         `db:"sender_id" json:"senderId"`
	Content        string       `db:"content" json:"content"`
	Attachments    []Attachment `db:"-" json:"media"`
	ReadBy         []int        `db:"-" json:"readBy"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// ChatEvent is the envelope broadcast over websocket rooms.
type ChatEvent struct {
	Type      string   `json:"type"`
	Message   *Message `json:"message,omitempty"`
	MessageID int      `json:"message_id,omitempty"`
}
